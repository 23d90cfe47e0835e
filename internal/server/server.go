// Package server accepts proxy connections on a Unix domain socket and
// drives the decision pipeline for every request event. It owns the per-call
// timeout budget: a response always goes out well inside it, and agent-side
// sleeps for latency and timeout faults are clamped to what the budget
// allows.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/faultline-io/chaos-agent/internal/engine"
	"github.com/faultline-io/chaos-agent/internal/faults"
	"github.com/faultline-io/chaos-agent/internal/metrics"
	"github.com/faultline-io/chaos-agent/internal/protocol"
)

// DefaultCallTimeout matches the budget the reference proxy advertises.
const DefaultCallTimeout = 5 * time.Second

// sleepMargin is withheld from the call budget so the response still reaches
// the proxy after a clamped sleep.
const sleepMargin = 50 * time.Millisecond

// errEvaluationTimeout marks an evaluation abandoned for exceeding the call
// budget. The caller answers pass-through; the proxy decides fail-open or
// fail-closed on its own.
var errEvaluationTimeout = errors.New("evaluation exceeded call budget")

// Server serves the agent protocol over a Unix domain socket.
type Server struct {
	logger      *zap.Logger
	engine      *engine.Engine
	metrics     *metrics.Metrics
	socketPath  string
	callTimeout time.Duration

	// breaker fails evaluations open (pass-through) after repeated budget
	// overruns so a pathological configuration cannot stall the proxy.
	breaker *gobreaker.CircuitBreaker
	// errLog keeps malformed-input logging from flooding under a
	// misbehaving peer.
	errLog *rate.Limiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a server. callTimeout <= 0 selects DefaultCallTimeout.
func New(logger *zap.Logger, eng *engine.Engine, m *metrics.Metrics, socketPath string, callTimeout time.Duration) *Server {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	s := &Server{
		logger:      logger,
		engine:      eng,
		metrics:     m,
		socketPath:  socketPath,
		callTimeout: callTimeout,
		errLog:      rate.NewLimiter(rate.Every(time.Second), 5),
		conns:       make(map[net.Conn]struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chaos-evaluation",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("evaluation breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Run listens on the socket and serves connections until ctx is canceled.
// On shutdown the engine drains first so no new fault is injected while
// connections wind down.
func (s *Server) Run(ctx context.Context) error {
	// A stale socket from a previous run would fail the bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	s.logger.Info("agent listening", zap.String("socket", s.socketPath))

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		s.engine.Drain()
		ln.Close()
		s.closeConns()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.track(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// handleConn serves sequential event/response exchanges on one connection
// until the peer disconnects or sends something unparseable.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := s.logger.With(zap.String("conn", connID))
	log.Debug("connection opened")

	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				log.Debug("connection closed by peer")
			} else {
				s.protocolError(log, "unreadable frame, dropping connection", err)
			}
			return
		}

		ev, err := protocol.DecodeEvent(payload)
		if err != nil {
			s.protocolError(log, "undecodable event, dropping connection", err)
			return
		}

		resp := s.serveEvent(ctx, log, ev)
		if err := protocol.WriteResponse(conn, resp); err != nil {
			log.Warn("failed to write response", zap.Error(err))
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// serveEvent produces the decision response for one event, honoring the call
// budget end to end: evaluation and any agent-side sleep both fit inside it.
func (s *Server) serveEvent(ctx context.Context, log *zap.Logger, ev *protocol.RequestHeadersEvent) *protocol.DecisionResponse {
	if ev.Type != protocol.EventRequestHeaders {
		s.protocolError(log, "unknown event type, answering pass-through", fmt.Errorf("event type %q", ev.Type))
		return &protocol.DecisionResponse{ID: ev.ID, Directive: faults.PassThrough()}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	req := engine.Request{
		ID:      ev.ID,
		Method:  ev.Method,
		Path:    ev.Path,
		Headers: ev.Headers,
		Arrival: time.Now(),
	}

	decision, err := s.evaluate(callCtx, req)
	if err != nil {
		// Pass-through is the only safe answer: failing closed is the
		// proxy's call, never the agent's.
		if errors.Is(err, errEvaluationTimeout) {
			if s.metrics != nil {
				s.metrics.EvaluationTimeouts.Inc()
			}
			log.Warn("evaluation exceeded call budget, answering pass-through",
				zap.String("path", ev.Path))
		} else {
			log.Warn("evaluation unavailable, answering pass-through", zap.Error(err))
		}
		return &protocol.DecisionResponse{ID: ev.ID, Directive: faults.PassThrough()}
	}

	resp := &protocol.DecisionResponse{
		ID:        ev.ID,
		Directive: decision.Directive,
		Headers:   decision.Headers,
	}

	// Latency and timeout faults are honored agent-side: hold the reply for
	// the computed duration, clamped so the response still makes the budget.
	switch decision.Directive.Kind {
	case faults.KindDelay:
		honored, truncated := s.sleep(callCtx, time.Duration(decision.Directive.DelayMs)*time.Millisecond)
		resp.Directive.DelayMs = uint64(honored / time.Millisecond)
		resp.Truncated = truncated
	case faults.KindTimeout:
		honored, truncated := s.sleep(callCtx, time.Duration(decision.Directive.DurationMs)*time.Millisecond)
		resp.Directive.DurationMs = uint64(honored / time.Millisecond)
		resp.Truncated = truncated
	}

	return resp
}

// evaluate runs the pipeline under the breaker, bounded by the call budget.
func (s *Server) evaluate(ctx context.Context, req engine.Request) (engine.Decision, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		done := make(chan engine.Decision, 1)
		go func() { done <- s.engine.Evaluate(req) }()
		select {
		case d := <-done:
			return d, nil
		case <-ctx.Done():
			return nil, errEvaluationTimeout
		}
	})
	if err != nil {
		return engine.Decision{}, err
	}
	return out.(engine.Decision), nil
}

// sleep holds for the requested duration, clamped to the remaining call
// budget minus the response margin. Returns the honored duration and whether
// it was truncated.
func (s *Server) sleep(ctx context.Context, want time.Duration) (time.Duration, bool) {
	budget := s.callTimeout - sleepMargin
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline) - sleepMargin
	}
	if budget < 0 {
		budget = 0
	}

	honored := want
	truncated := false
	if honored > budget {
		honored = budget
		truncated = true
	}
	if honored <= 0 {
		return 0, truncated
	}

	timer := time.NewTimer(honored)
	defer timer.Stop()
	select {
	case <-timer.C:
		return honored, truncated
	case <-ctx.Done():
		return honored, true
	}
}

// protocolError counts and (rate-limited) logs malformed peer input. The
// agent never crashes on bad frames; at worst it drops the connection.
func (s *Server) protocolError(log *zap.Logger, msg string, err error) {
	if s.metrics != nil {
		s.metrics.ProtocolErrors.Inc()
	}
	if s.errLog.Allow() {
		log.Warn(msg, zap.Error(err))
	}
}
