package faults

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/faultline-io/chaos-agent/internal/config"
)

func TestMaterializeLatency(t *testing.T) {
	s := NewSeededSampler(1)

	t.Run("fixed delay is exact", func(t *testing.T) {
		d := Materialize(config.Fault{Type: config.FaultLatency, FixedMs: 500}, s)
		assert.Equal(t, KindDelay, d.Kind)
		assert.Equal(t, uint64(500), d.DelayMs)
		assert.True(t, d.Affects())
	})

	t.Run("fixed wins over range", func(t *testing.T) {
		d := Materialize(config.Fault{Type: config.FaultLatency, FixedMs: 200, MinMs: 1, MaxMs: 9}, s)
		assert.Equal(t, uint64(200), d.DelayMs)
	})

	t.Run("range draw stays within bounds inclusive", func(t *testing.T) {
		f := config.Fault{Type: config.FaultLatency, MinMs: 100, MaxMs: 1000}
		for i := 0; i < 1000; i++ {
			d := Materialize(f, s)
			assert.GreaterOrEqual(t, d.DelayMs, uint64(100))
			assert.LessOrEqual(t, d.DelayMs, uint64(1000))
		}
	})

	t.Run("degenerate range returns min", func(t *testing.T) {
		d := Materialize(config.Fault{Type: config.FaultLatency, MinMs: 250, MaxMs: 250}, s)
		assert.Equal(t, uint64(250), d.DelayMs)
	})
}

func TestMaterializeError(t *testing.T) {
	s := NewSeededSampler(1)

	t.Run("parameters pass through unchanged", func(t *testing.T) {
		d := Materialize(config.Fault{
			Type:    config.FaultError,
			Status:  503,
			Message: "Service Unavailable",
			Headers: map[string]string{"retry-after": "30"},
		}, s)
		assert.Equal(t, KindError, d.Kind)
		assert.Equal(t, 503, d.Status)
		assert.Equal(t, "Service Unavailable", d.Message)
		assert.Equal(t, "30", d.Headers["retry-after"])
	})

	t.Run("default body when message absent", func(t *testing.T) {
		d := Materialize(config.Fault{Type: config.FaultError, Status: 500}, s)
		assert.Equal(t, "Chaos fault injected", d.Message)
	})
}

func TestMaterializeTimeout(t *testing.T) {
	d := Materialize(config.Fault{Type: config.FaultTimeout, DurationMs: 30000}, NewSeededSampler(1))
	assert.Equal(t, KindTimeout, d.Kind)
	assert.Equal(t, uint64(30000), d.DurationMs)
	assert.Equal(t, 504, d.Status)
}

func TestMaterializeThrottle(t *testing.T) {
	d := Materialize(config.Fault{Type: config.FaultThrottle, BytesPerSecond: 4096}, NewSeededSampler(1))
	assert.Equal(t, KindThrottle, d.Kind)
	assert.Equal(t, uint64(4096), d.BytesPerSecond)
}

func TestMaterializeReset(t *testing.T) {
	d := Materialize(config.Fault{Type: config.FaultReset}, NewSeededSampler(1))
	assert.Equal(t, KindReset, d.Kind)
	assert.Equal(t, 502, d.Status)
	assert.True(t, d.Affects())
}

func TestMaterializeCorrupt(t *testing.T) {
	t.Run("zero probability never applies", func(t *testing.T) {
		s := NewSeededSampler(42)
		for i := 0; i < 100; i++ {
			d := Materialize(config.Fault{Type: config.FaultCorrupt, Probability: 0.0}, s)
			assert.Equal(t, KindCorrupt, d.Kind)
			assert.False(t, d.Applied)
			assert.False(t, d.Affects())
		}
	})

	t.Run("full probability always applies", func(t *testing.T) {
		s := NewSeededSampler(42)
		for i := 0; i < 100; i++ {
			d := Materialize(config.Fault{Type: config.FaultCorrupt, Probability: 1.0}, s)
			assert.True(t, d.Applied)
			assert.True(t, d.Affects())
			assert.NotEmpty(t, d.Body)
		}
	})

	t.Run("half probability applies about half the time", func(t *testing.T) {
		s := NewSeededSampler(42)
		applied := 0
		const n = 10000
		for i := 0; i < n; i++ {
			d := Materialize(config.Fault{Type: config.FaultCorrupt, Probability: 0.5}, s)
			if d.Applied {
				applied++
			}
		}
		ratio := float64(applied) / float64(n)
		assert.InDelta(t, 0.5, ratio, 0.03)
	})

	t.Run("garbage is printable and bounded", func(t *testing.T) {
		s := NewSeededSampler(7)
		for i := 0; i < 50; i++ {
			d := Materialize(config.Fault{Type: config.FaultCorrupt, Probability: 1.0}, s)
			assert.GreaterOrEqual(t, len(d.Body), 50)
			assert.Less(t, len(d.Body), 500)
			for _, b := range []byte(d.Body) {
				assert.GreaterOrEqual(t, b, byte(0x20))
				assert.Less(t, b, byte(0x7e))
			}
		}
	})
}

func TestDirectiveAffects(t *testing.T) {
	assert.False(t, PassThrough().Affects())
	assert.False(t, Directive{Kind: KindCorrupt, Applied: false}.Affects())
	assert.True(t, Directive{Kind: KindCorrupt, Applied: true}.Affects())
	assert.True(t, Directive{Kind: KindDelay, DelayMs: 1}.Affects())
}
