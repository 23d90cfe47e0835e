// Package faults turns a selected experiment's fault spec into a concrete,
// bounded directive for the proxy. All randomness (range draws, corruption
// coin flips) goes through an injectable Sampler so tests can pin outcomes.
package faults

// Kind identifies a directive variant on the wire.
type Kind string

const (
	// KindPassThrough leaves the request untouched.
	KindPassThrough Kind = "pass_through"
	// KindDelay delays the request by DelayMs before proxying.
	KindDelay Kind = "delay"
	// KindError short-circuits the request with an HTTP error.
	KindError Kind = "error"
	// KindTimeout treats the upstream as unresponsive; surfaced as a 504.
	KindTimeout Kind = "timeout"
	// KindCorrupt replaces the response body with garbage when Applied.
	KindCorrupt Kind = "corrupt"
	// KindReset aborts the connection; surfaced as a 502.
	KindReset Kind = "reset"
	// KindThrottle rate-limits response delivery.
	KindThrottle Kind = "throttle"
)

// Directive is the agent's concrete instruction to the proxy for one request.
// Only the fields belonging to Kind are populated.
type Directive struct {
	Kind Kind `json:"kind"`

	// Delay parameters.
	DelayMs uint64 `json:"delay_ms,omitempty"`

	// Error parameters.
	Status  int               `json:"status,omitempty"`
	Message string            `json:"message,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout parameters.
	DurationMs uint64 `json:"duration_ms,omitempty"`

	// Corrupt parameters. Applied is false when the corruption coin flip
	// missed, which degrades the directive to a pass-through on the wire.
	Applied bool   `json:"applied,omitempty"`
	Body    string `json:"body,omitempty"`

	// Throttle parameters.
	BytesPerSecond uint64 `json:"bytes_per_second,omitempty"`
}

// PassThrough is the directive for an unaffected request.
func PassThrough() Directive {
	return Directive{Kind: KindPassThrough}
}

// Affects reports whether the directive actually disturbs the request. A
// pass-through and a missed corruption coin do not.
func (d Directive) Affects() bool {
	if d.Kind == KindPassThrough {
		return false
	}
	if d.Kind == KindCorrupt && !d.Applied {
		return false
	}
	return true
}
