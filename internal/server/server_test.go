package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faultline-io/chaos-agent/internal/config"
	"github.com/faultline-io/chaos-agent/internal/engine"
	"github.com/faultline-io/chaos-agent/internal/faults"
	"github.com/faultline-io/chaos-agent/internal/metrics"
	"github.com/faultline-io/chaos-agent/internal/protocol"
)

func testConfig(experiments ...config.Experiment) *config.Config {
	return &config.Config{
		Settings: config.Settings{Enabled: true},
		Safety: config.SafetyConfig{
			MaxAffectedPercent: 100,
			ExcludedPaths:      []string{"/health"},
		},
		Experiments: experiments,
	}
}

func latencyExperiment(id, prefix string, fixedMs uint64) config.Experiment {
	return config.Experiment{
		ID:      id,
		Enabled: true,
		Targeting: config.Targeting{
			Paths:      []config.PathMatcher{{Prefix: prefix}},
			Percentage: 100,
		},
		Fault: config.Fault{Type: config.FaultLatency, FixedMs: fixedMs},
	}
}

func errorExperiment(id, prefix string, status int) config.Experiment {
	return config.Experiment{
		ID:      id,
		Enabled: true,
		Targeting: config.Targeting{
			Paths:      []config.PathMatcher{{Prefix: prefix}},
			Percentage: 100,
		},
		Fault: config.Fault{Type: config.FaultError, Status: status, Message: "boom"},
	}
}

// startServer runs a server on a temp socket and returns a dialed connection.
func startServer(t *testing.T, cfg *config.Config, callTimeout time.Duration) net.Conn {
	t.Helper()

	eng, err := engine.New(cfg, zap.NewNop(), faults.NewSeededSampler(1), metrics.New())
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "agent.sock")
	srv := New(zap.NewNop(), eng, metrics.New(), socket, callTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	conn := dial(t, socket)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dial(t *testing.T, socket string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socket)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never came up")
	return nil
}

func exchange(t *testing.T, conn net.Conn, ev *protocol.RequestHeadersEvent) *protocol.DecisionResponse {
	t.Helper()
	require.NoError(t, protocol.WriteEvent(conn, ev))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestServeLatencyFault(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("api-latency", "/api/", 50)), time.Second)

	start := time.Now()
	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-1",
		Method: "GET",
		Path:   "/api/orders",
	})
	elapsed := time.Since(start)

	assert.Equal(t, "corr-1", resp.ID)
	assert.Equal(t, faults.KindDelay, resp.Directive.Kind)
	assert.Equal(t, uint64(50), resp.Directive.DelayMs)
	assert.False(t, resp.Truncated)
	assert.Equal(t, "true", resp.Headers["x-chaos-injected"])
	assert.Equal(t, "api-latency", resp.Headers["x-chaos-experiment"])
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "the agent holds the reply for the delay")
}

func TestServePassThrough(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("api-latency", "/api/", 50)), time.Second)

	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-2",
		Method: "GET",
		Path:   "/static/logo.png",
	})
	assert.Equal(t, faults.KindPassThrough, resp.Directive.Kind)
	assert.Empty(t, resp.Headers)
}

func TestServeErrorFault(t *testing.T) {
	conn := startServer(t, testConfig(errorExperiment("api-errors", "/api/", 503)), time.Second)

	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-3",
		Method: "POST",
		Path:   "/api/payments",
	})
	assert.Equal(t, faults.KindError, resp.Directive.Kind)
	assert.Equal(t, 503, resp.Directive.Status)
	assert.Equal(t, "boom", resp.Directive.Message)
}

func TestServeExcludedPath(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("all", "/", 50)), time.Second)

	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-4",
		Method: "GET",
		Path:   "/health",
	})
	assert.Equal(t, faults.KindPassThrough, resp.Directive.Kind)
}

func TestServeClampsDelayToBudget(t *testing.T) {
	// A 5s delay against a 200ms budget must come back quickly and marked
	// truncated.
	conn := startServer(t, testConfig(latencyExperiment("slow", "/api/", 5000)), 200*time.Millisecond)

	start := time.Now()
	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-5",
		Method: "GET",
		Path:   "/api/orders",
	})
	elapsed := time.Since(start)

	assert.Equal(t, faults.KindDelay, resp.Directive.Kind)
	assert.True(t, resp.Truncated)
	assert.Less(t, resp.Directive.DelayMs, uint64(5000))
	assert.Less(t, elapsed, time.Second, "clamped sleep must respect the budget")
}

func TestServeUnknownEventType(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("api-latency", "/api/", 50)), time.Second)

	resp := exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   "response_trailers",
		ID:     "corr-6",
		Method: "GET",
		Path:   "/api/orders",
	})
	assert.Equal(t, faults.KindPassThrough, resp.Directive.Kind)

	// The connection stays usable after an unknown event.
	resp = exchange(t, conn, &protocol.RequestHeadersEvent{
		Type:   protocol.EventRequestHeaders,
		ID:     "corr-7",
		Method: "GET",
		Path:   "/api/orders",
	})
	assert.Equal(t, faults.KindDelay, resp.Directive.Kind)
}

func TestServeMalformedPayloadDropsConnection(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("api-latency", "/api/", 50)), time.Second)

	require.NoError(t, protocol.WriteFrame(conn, []byte("this is not json")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := protocol.ReadResponse(conn)
	assert.Error(t, err, "the agent drops the connection instead of answering garbage")
}

func TestServeSequentialExchanges(t *testing.T) {
	conn := startServer(t, testConfig(latencyExperiment("api-latency", "/api/", 1)), time.Second)

	for i := 0; i < 10; i++ {
		resp := exchange(t, conn, &protocol.RequestHeadersEvent{
			Type:   protocol.EventRequestHeaders,
			ID:     "seq",
			Method: "GET",
			Path:   "/api/orders",
		})
		assert.Equal(t, faults.KindDelay, resp.Directive.Kind)
	}
}
