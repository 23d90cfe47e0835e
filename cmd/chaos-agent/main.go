// Command chaos-agent is a sidecar that a reverse proxy consults over a Unix
// domain socket to decide whether and how to disturb a request for
// resilience testing. The agent computes decisions; the proxy executes them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/faultline-io/chaos-agent/internal/admin"
	"github.com/faultline-io/chaos-agent/internal/config"
	"github.com/faultline-io/chaos-agent/internal/engine"
	"github.com/faultline-io/chaos-agent/internal/faults"
	"github.com/faultline-io/chaos-agent/internal/metrics"
	"github.com/faultline-io/chaos-agent/internal/reload"
	"github.com/faultline-io/chaos-agent/internal/server"
)

func main() {
	var (
		configPath  = flag.String("config", "chaos.yaml", "path to configuration file")
		socketPath  = flag.String("socket", "/tmp/chaos-agent.sock", "unix socket path for the proxy protocol")
		adminAddr   = flag.String("admin-addr", "127.0.0.1:9090", "admin HTTP address for health, status and metrics (empty disables)")
		callTimeout = flag.Duration("call-timeout", server.DefaultCallTimeout, "per-call budget advertised by the proxy")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		dryRun      = flag.Bool("dry-run", false, "log faults without applying them, overriding the config")
		validate    = flag.Bool("validate", false, "validate configuration and exit")
		printConfig = flag.Bool("print-config", false, "print example configuration and exit")
		watchConfig = flag.Bool("watch-config", true, "reload configuration on file change")
	)
	flag.Parse()

	if *printConfig {
		fmt.Print(exampleConfig)
		return
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.String("path", *configPath), zap.Error(err))
	}
	if *validate {
		logger.Info("configuration is valid", zap.String("path", *configPath))
		return
	}
	if *dryRun {
		cfg.Settings.DryRun = true
		logger.Info("dry-run mode enabled via command line")
	}

	m := metrics.New()
	eng, err := engine.New(cfg, logger, faults.NewSystemSampler(), m)
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(logger, eng, m, *socketPath, *callTimeout).Run(ctx)
	})
	if *adminAddr != "" {
		g.Go(func() error {
			return admin.New(logger, eng, m, *adminAddr).Run(ctx)
		})
	}
	if *watchConfig {
		g.Go(func() error {
			return reload.New(logger, eng, *configPath).Run(ctx)
		})
	}

	logger.Info("chaos agent started",
		zap.String("socket", *socketPath),
		zap.Duration("call_timeout", *callTimeout),
		zap.Bool("dry_run", cfg.Settings.DryRun))

	if err := g.Wait(); err != nil {
		logger.Fatal("agent exited with error", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

const exampleConfig = `# Chaos agent configuration

settings:
  enabled: true                    # Global kill switch
  dry_run: false                   # Log faults without applying
  log_injections: true             # Log when faults are injected

# Safety limits
safety:
  max_affected_percent: 50         # Never affect more than 50% of traffic
  schedule:                        # Only active during these windows
    - days: [mon, tue, wed, thu, fri]
      start: "09:00"
      end: "17:00"
      timezone: "UTC"
  excluded_paths:                  # Never inject faults here
    - "/health"
    - "/ready"
    - "/metrics"

# Fault experiments
experiments:
  # Add latency to API calls
  - id: "api-latency"
    enabled: true
    description: "Add latency to API calls"
    targeting:
      paths:
        - prefix: "/api/"
      methods: ["GET", "POST"]
      percentage: 10               # Affect 10% of matching requests
    fault:
      type: latency
      fixed_ms: 500                # Fixed 500ms delay
      # OR random range:
      # min_ms: 100
      # max_ms: 1000

  # Inject 500 errors
  - id: "payment-errors"
    enabled: true
    description: "Inject 500 errors into payment service"
    targeting:
      paths:
        - exact: "/api/payments"
      percentage: 5
    fault:
      type: error
      status: 500
      message: "Chaos: Internal Server Error"

  # Simulate upstream timeout
  - id: "upstream-timeout"
    enabled: false
    description: "Simulate upstream timeouts"
    targeting:
      paths:
        - regex: "^/api/external/.*"
      percentage: 2
    fault:
      type: timeout
      duration_ms: 30000

  # Header-triggered latency (for testing)
  - id: "header-triggered-latency"
    enabled: true
    description: "Add latency when x-chaos-latency header is present"
    targeting:
      headers:
        x-chaos-latency: "true"
      percentage: 100
    fault:
      type: latency
      min_ms: 1000
      max_ms: 3000
`
