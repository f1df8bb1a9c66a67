// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/carevault/internal/api"
	"github.com/onnwee/carevault/internal/app"
	"github.com/onnwee/carevault/internal/archive"
	"github.com/onnwee/carevault/internal/auth"
	"github.com/onnwee/carevault/internal/config"
	"github.com/onnwee/carevault/internal/health"
	"github.com/onnwee/carevault/internal/jobs"
	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/middleware"
	"github.com/onnwee/carevault/internal/ratelimit"
	"github.com/onnwee/carevault/internal/stream"
	"github.com/onnwee/carevault/internal/tracing"
)

const (
	serviceName     = "carevault-api"
	serviceVersion  = "0.1.0"
	jwtLeeway       = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	redisKeyPrefix  = "carevault:ratelimit"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("CareVault API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.Tracing.Enabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.Tracing.ExporterType,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		InsecureMode:   cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	core, err := app.Open(ctx, cfg, app.Options{Logger: logger, Registerer: reg})
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	streamMetrics := stream.NewMetrics()
	broker := stream.NewBroker(cfg.Stream,
		stream.WithLogger(logger),
		stream.WithMetrics(streamMetrics),
		stream.OnOverflow(func(ov stream.Overflow) {
			recordOverflow(core.Ledger, logger, ov)
		}))
	defer broker.Close()
	core.Ledger.AddNotifier(broker)

	if err := core.PrimeStatistics(ctx); err != nil {
		return fmt.Errorf("prime compliance statistics: %w", err)
	}

	checks := []health.Named{
		{Name: "ledger", Checker: health.LedgerChecker(core.Ledger)},
		{Name: "keystore", Checker: health.KeyStoreChecker(core.Keys)},
	}
	if core.DB != nil {
		checks = append(checks, health.Named{Name: "database", Checker: health.NewDBChecker(core.DB, health.LedgerTableQuery)})
	}

	rlMetrics := ratelimit.NewMetrics()
	rlOpts := []ratelimit.Option{ratelimit.WithLogger(logger), ratelimit.WithMetrics(rlMetrics)}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rlOpts = append(rlOpts, ratelimit.WithCounter(ratelimit.NewRedisCounter(client, redisKeyPrefix)))
		checks = append(checks, health.Named{Name: "redis", Checker: health.NewRedisChecker(client)})
	} else {
		logger.Info("REDIS_URL not set, rate limit counters are process local")
	}
	limiter, err := ratelimit.New(cfg.RateLimit, rlOpts...)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	reloader := newRateLimitReloader(core.Ledger, limiter, cfg.RateLimit)
	if unwatch, err := config.WatchRateLimit(cfg, logger, reloader.apply); err == nil {
		defer unwatch()
	} else if !errors.Is(err, config.ErrNoConfigFile) {
		logger.Warn("rate limit hot reload disabled", "error", err)
	}

	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{streamMetrics, rlMetrics, jobMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	periodic := []*jobs.PeriodicJob{
		jobs.NewPeriodicJob(jobs.Config{
			Name:       jobs.JobTypeIntegrityVerify,
			Interval:   cfg.Jobs.IntegrityInterval,
			Timeout:    cfg.Jobs.IntegrityInterval,
			RunOnStart: true,
			Logger:     logger,
			Metrics:    jobMetrics,
		}, jobs.IntegrityTask(core.Ledger, logger)),
		jobs.NewPeriodicJob(jobs.Config{
			Name:     jobs.JobTypeRateLimitSweep,
			Interval: cfg.Jobs.SweepInterval,
			Logger:   logger,
			Metrics:  jobMetrics,
		}, jobs.SweepTask(limiter, logger)),
	}
	if cfg.Archive.Enabled() {
		s3Client, err := archive.NewS3Client(cfg.Archive)
		if err != nil {
			return fmt.Errorf("create archive client: %w", err)
		}
		archiver, err := archive.New(core.Ledger, s3Client, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		periodic = append(periodic, jobs.NewPeriodicJob(jobs.Config{
			Name:     jobs.JobTypeLedgerArchive,
			Interval: cfg.Jobs.ArchiveInterval,
			Timeout:  cfg.Jobs.ArchiveInterval,
			Logger:   logger,
			Metrics:  jobMetrics,
		}, jobs.ArchiveTask(archiver, logger)))
	}
	for _, j := range periodic {
		j.Start(ctx)
	}
	defer func() {
		for _, j := range periodic {
			j.Stop()
		}
	}()

	serviceForTraces := ""
	if tp.IsEnabled() {
		serviceForTraces = serviceName
	}
	logger.Info("readiness checks configured", "checks", health.Names(checks))
	handler := api.NewRouter(api.Services{
		Ledger:         core.Ledger,
		Keys:           core.Engine,
		Broker:         broker,
		Limiter:        limiter,
		Reporter:       core.Reporter,
		Tokens:         auth.NewJWTService(cfg.JWTSecret, cfg.JWTPreviousSecret, jwtLeeway),
		Checks:         checks,
		Logger:         logger,
		Metrics:        httpMetrics,
		Gatherer:       reg,
		ServiceName:    serviceForTraces,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Port),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /audit/stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env, "hash_policy", core.Ledger.HashPolicy())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Streaming clients are disconnected before the server waits for handlers.
	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// recordOverflow records a subscriber dropped for falling behind.
func recordOverflow(l *ledger.Ledger, logger *slog.Logger, ov stream.Overflow) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.Record(ctx, ledger.Event{
		Type:        ledger.EventSystem,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityInternal,
		Details: map[string]string{
			"reason":          "stream_overflow",
			"subscription_id": ov.SubscriptionID.String(),
			"subscriber":      ov.Subscriber,
			"dropped_seq":     strconv.FormatUint(ov.DroppedSeq, 10),
			"buffer_size":     strconv.Itoa(ov.BufferSize),
		},
	})
	if err != nil {
		logger.Error("failed to record stream overflow", "error", err, "subscriber", ov.Subscriber)
	}
}

// rateLimitReloader applies rate limit sections reloaded from the config
// file. Whitelist entries added at runtime survive a reload; entries that
// were in the previous file and are gone from the new one are removed. Each
// reload is recorded as CONFIG_CHANGE before it takes effect.
type rateLimitReloader struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	limiter  *ratelimit.Limiter
	fromFile map[string]bool
}

func newRateLimitReloader(l *ledger.Ledger, limiter *ratelimit.Limiter, initial ratelimit.Config) *rateLimitReloader {
	return &rateLimitReloader{ledger: l, limiter: limiter, fromFile: identitySet(initial.Whitelist)}
}

func (r *rateLimitReloader) apply(next ratelimit.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := next
	merged.Whitelist = append([]string(nil), next.Whitelist...)
	seen := identitySet(next.Whitelist)
	runtimeAdded := 0
	for _, id := range r.limiter.Config().Whitelist {
		if r.fromFile[id] || seen[id] {
			continue
		}
		seen[id] = true
		merged.Whitelist = append(merged.Whitelist, id)
		runtimeAdded++
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.ledger.Record(ctx, ledger.Event{
		Type:        ledger.EventConfigChange,
		Severity:    ledger.SeverityWarning,
		Sensitivity: ledger.SensitivityInternal,
		Details: map[string]string{
			"setting":           "ratelimit",
			"source":            "config_file",
			"limit":             strconv.Itoa(merged.Limit),
			"window":            merged.Window.String(),
			"whitelist":         strconv.Itoa(len(merged.Whitelist)),
			"whitelist_runtime": strconv.Itoa(runtimeAdded),
		},
	})
	if err != nil {
		return fmt.Errorf("record rate limit reload: %w", err)
	}
	if err := r.limiter.UpdateConfig(merged); err != nil {
		return err
	}
	r.fromFile = identitySet(next.Whitelist)
	return nil
}

func identitySet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
