// Package protocol implements the wire format between the proxy and the
// agent: each message is a 4-byte big-endian length prefix followed by a JSON
// payload. Framing is symmetric in both directions and one connection may
// carry any number of sequential exchanges.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/faultline-io/chaos-agent/internal/faults"
)

// MaxFrameSize caps a single payload at 1 MiB. Larger frames are treated as a
// protocol error and the connection is dropped.
const MaxFrameSize = 1 << 20

// EventRequestHeaders is the only event type the agent evaluates.
const EventRequestHeaders = "request_headers"

// Protocol error sentinels. All of them mean the peer sent something the
// agent cannot safely continue parsing on this connection.
var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("frame has zero length")
)

// RequestHeadersEvent is the proxy's question: should this request be
// disturbed?
type RequestHeadersEvent struct {
	// Type discriminates the event; unknown types get a pass-through answer.
	Type string `json:"type"`
	// ID is an opaque correlation token, echoed back unchanged.
	ID string `json:"id"`
	// Method, Path and Headers are the request attributes as received.
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// DecisionResponse is the agent's answer for one event.
type DecisionResponse struct {
	// ID echoes the event's correlation token.
	ID string `json:"id"`
	// Directive tells the proxy what to do with the request.
	Directive faults.Directive `json:"directive"`
	// Headers carries the chaos observability headers when a fault applies.
	Headers map[string]string `json:"headers,omitempty"`
	// Truncated is set when an agent-side sleep was clamped to the call
	// budget and the full configured delay was not honored.
	Truncated bool `json:"truncated,omitempty"`
}

// WriteFrame writes one length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("writing frame of %d bytes: %w", len(payload), ErrFrameTooLarge)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload. io.EOF is returned unwrapped
// when the peer closed the connection cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", n, ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// DecodeEvent parses an event payload.
func DecodeEvent(payload []byte) (*RequestHeadersEvent, error) {
	var ev RequestHeadersEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}

// WriteResponse encodes and frames a decision response.
func WriteResponse(w io.Writer, resp *DecisionResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return WriteFrame(w, payload)
}

// WriteEvent encodes and frames an event. Used by the proxy side of the
// exchange and by tests.
func WriteEvent(w io.Writer, ev *RequestHeadersEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadResponse reads and parses one decision response. Used by the proxy side
// of the exchange and by tests.
func ReadResponse(r io.Reader) (*DecisionResponse, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var resp DecisionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}
