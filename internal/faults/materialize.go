package faults

import (
	"github.com/faultline-io/chaos-agent/internal/config"
)

// Default bodies surfaced when an experiment does not set its own message.
const (
	defaultErrorBody   = "Chaos fault injected"
	timeoutBody        = "Gateway Timeout (chaos fault)"
	resetBody          = "Connection reset (chaos fault)"
	garbageMinLen      = 50
	garbageMaxLen      = 500 // exclusive
	garbagePrintableLo = 0x20
	garbagePrintableHi = 0x7e // exclusive
)

// Materialize resolves a fault spec into a concrete directive. Exhaustive
// over the closed fault set; config validation guarantees the type is known.
func Materialize(f config.Fault, s Sampler) Directive {
	switch f.Type {
	case config.FaultLatency:
		return Directive{Kind: KindDelay, DelayMs: resolveLatency(f, s)}
	case config.FaultError:
		msg := f.Message
		if msg == "" {
			msg = defaultErrorBody
		}
		headers := make(map[string]string, len(f.Headers))
		for k, v := range f.Headers {
			headers[k] = v
		}
		return Directive{Kind: KindError, Status: f.Status, Message: msg, Headers: headers}
	case config.FaultTimeout:
		return Directive{Kind: KindTimeout, DurationMs: f.DurationMs, Status: 504, Message: timeoutBody}
	case config.FaultThrottle:
		return Directive{Kind: KindThrottle, BytesPerSecond: f.BytesPerSecond}
	case config.FaultCorrupt:
		// Independent coin flip on top of the experiment's own percentage
		// gate; effective corruption rate is the product of the two.
		if s.Float64() < f.Probability {
			return Directive{Kind: KindCorrupt, Applied: true, Body: generateGarbage(s)}
		}
		return Directive{Kind: KindCorrupt, Applied: false}
	case config.FaultReset:
		return Directive{Kind: KindReset, Status: 502, Message: resetBody}
	}
	return PassThrough()
}

// resolveLatency picks the delay: a fixed value wins when set, otherwise a
// uniform draw in [min_ms, max_ms] inclusive, degenerating to min_ms when the
// range is empty.
func resolveLatency(f config.Fault, s Sampler) uint64 {
	if f.FixedMs > 0 {
		return f.FixedMs
	}
	if f.MaxMs > f.MinMs {
		return f.MinMs + uint64(s.Intn(int(f.MaxMs-f.MinMs)+1))
	}
	return f.MinMs
}

// generateGarbage produces a random printable-ASCII payload between 50 and
// 499 bytes.
func generateGarbage(s Sampler) string {
	n := garbageMinLen + s.Intn(garbageMaxLen-garbageMinLen)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(garbagePrintableLo + s.Intn(garbagePrintableHi-garbagePrintableLo))
	}
	return string(buf)
}
