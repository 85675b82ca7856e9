package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codeguard/internal/analysis"
	"codeguard/internal/api"
	"codeguard/internal/config"
	"codeguard/internal/governor"
	"codeguard/internal/monitor"
	"codeguard/internal/ratelimit"
	"codeguard/internal/runtime"
	"codeguard/internal/sandbox"
	"codeguard/internal/storage"
	"codeguard/internal/submission"
	"codeguard/pkg/seccomp"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := config.FromEnvironment()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	policy, err := cfg.Policy()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid analysis policy")
	}
	analyzer := analysis.New(policy, cfg.AnalyzerOptions())

	limiter, err := ratelimit.New(cfg.RateLimiter())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid rate limit config")
	}
	go limiter.Run(ctx)

	var analyzeLimiter *ratelimit.Limiter
	if rlCfg, ok := cfg.AnalyzeRateLimiter(); ok {
		analyzeLimiter, err = ratelimit.New(rlCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid analyze rate limit config")
		}
		go analyzeLimiter.Run(ctx)
	}

	gov, err := governor.New(cfg.Limits(), cfg.Execution.MaxConcurrent, cfg.Execution.SlotWait)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid execution limits")
	}

	rt, err := runtime.Lookup(cfg.Execution.Runtime, cfg.Execution.Interpreter)
	if err != nil {
		log.Fatal().Err(err).Msg("unknown runtime")
	}

	runnerCfg := sandbox.Config{
		Runtime:     rt,
		HelperPath:  cfg.Execution.HelperPath,
		Namespaces:  cfg.Execution.Namespaces,
		ScratchRoot: cfg.Execution.ScratchRoot,
	}
	if cfg.Execution.Seccomp {
		if !seccomp.Supported {
			log.Fatal().Msg("seccomp requested but this build has no libseccomp support")
		}
		runnerCfg.Seccomp = seccomp.InterpreterProfile()
	}
	runner, err := sandbox.NewProcessRunner(runnerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox")
	}
	if cfg.Execution.AllowHostNetwork && !cfg.Execution.Namespaces && !cfg.Execution.Seccomp {
		log.Warn().Msg("submissions share the host network (allow_host_network)")
	}

	// Fail at startup when the host cannot build the configured sandbox.
	checkCtx, checkCancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := runner.Execute(checkCtx, "pass\n", gov.Limits()); err != nil {
		log.Fatal().Err(err).Bool("namespaces", cfg.Execution.Namespaces).Msg("sandbox self-check failed")
	}
	checkCancel()

	// Initialize database (optional; runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, security audit disabled")
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to prepare audit schema")
			}
		}
	}

	deps := submission.Deps{
		Analyzer: analyzer,
		Executor: runner,
		Limiter:  limiter,
		Slots:    gov,
		Metrics:  metrics,
		Tracer:   monitor.NewTracer(),
		Detector: monitor.NewProbeDetector(),
	}

	health := api.HealthSources{Slots: gov, Identities: limiter}

	// Buffered audit writer; nil interfaces stay nil when the DB is off.
	if db != nil {
		auditWriter := storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		deps.Audit = auditWriter
		health.Database = db
	}

	svc, err := submission.NewService(deps, submission.Options{
		EscalateOnBlocked:  cfg.RateLimit.EscalateOnBlocked,
		OverloadRetryAfter: cfg.Execution.OverloadRetryAfter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build submission service")
	}

	server := api.NewServer(cfg, svc, health, analyzeLimiter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if n := runner.Active(); n > 0 {
			log.Warn().Int64("active", n).Msg("executions still running at shutdown")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("runtime", rt.Name()).
		Str("policy", cfg.Analysis.Policy).
		Bool("helper", cfg.Execution.HelperPath != "").
		Bool("seccomp", cfg.Execution.Seccomp).
		Bool("namespaces", cfg.Execution.Namespaces).
		Bool("db_enabled", db != nil).
		Int("max_concurrent", gov.Capacity()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
