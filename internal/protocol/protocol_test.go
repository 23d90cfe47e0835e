package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-io/chaos-agent/internal/faults"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"request_headers"}`)

	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFramePrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abcd")))

	raw := buf.Bytes()
	require.Len(t, raw, 8)
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(raw[:4]))
	assert.Equal(t, "abcd", string(raw[4:]))
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("clean EOF between frames", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		assert.Equal(t, io.EOF, err)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
		require.Error(t, err)
		assert.NotEqual(t, io.EOF, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{0, 0, 0, 10})
		buf.WriteString("short")
		_, err := ReadFrame(&buf)
		require.Error(t, err)
	})

	t.Run("zero-length frame rejected", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("oversize frame rejected without allocation", func(t *testing.T) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
		_, err := ReadFrame(bytes.NewReader(prefix[:]))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ev := &RequestHeadersEvent{
		Type:    EventRequestHeaders,
		ID:      "corr-123",
		Method:  "GET",
		Path:    "/api/orders",
		Headers: map[string][]string{"accept": {"application/json"}},
	}
	require.NoError(t, WriteEvent(&buf, ev))

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	got, err := DecodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := &DecisionResponse{
		ID:        "corr-123",
		Directive: faults.Directive{Kind: faults.KindDelay, DelayMs: 500},
		Headers:   map[string]string{"x-chaos-injected": "true", "x-chaos-experiment": "api-latency"},
		Truncated: true,
	}
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding event")
}
