// Package admin exposes the agent's operational HTTP surface: health,
// readiness, Prometheus metrics and a JSON status summary. This listener is
// for operators and scrapers, never for the proxy's decision traffic.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/faultline-io/chaos-agent/internal/engine"
	"github.com/faultline-io/chaos-agent/internal/metrics"
)

// Server is the admin HTTP server.
type Server struct {
	logger  *zap.Logger
	engine  *engine.Engine
	metrics *metrics.Metrics
	addr    string
}

// New creates an admin server bound to addr.
func New(logger *zap.Logger, eng *engine.Engine, m *metrics.Metrics, addr string) *Server {
	return &Server{logger: logger, engine: eng, metrics: m, addr: addr}
}

// Routes builds the admin router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("admin server listening", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz degrades to 503 while draining so orchestrators stop routing
// config pushes or scrapes expecting a live agent.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Status()); err != nil {
		s.logger.Warn("failed to encode status", zap.Error(err))
	}
}
