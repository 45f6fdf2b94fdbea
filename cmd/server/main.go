package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"inbound-automation/internal/api"
	"inbound-automation/internal/archive"
	"inbound-automation/internal/config"
	"inbound-automation/internal/deadletter"
	"inbound-automation/internal/dedup"
	"inbound-automation/internal/dispatch"
	"inbound-automation/internal/graph"
	"inbound-automation/internal/jobs"
	"inbound-automation/internal/logger"
	"inbound-automation/internal/otel"
	"inbound-automation/internal/ratelimit"
	"inbound-automation/internal/scheduler"
	"inbound-automation/internal/signature"
	"inbound-automation/internal/store"
	"inbound-automation/internal/vault"
	"inbound-automation/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg)
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration", err)
	}
	if cfg.SkipSignature {
		slog.Warn("webhook signature verification is disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tel, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		fatal("init otel", err)
	}
	if tel != nil {
		slog.Info("otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.Info("otel disabled (no endpoint configured)")
	}

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		fatal("init vault", err)
	}

	st, err := store.New(ctx, store.Options{DSN: cfg.PostgresDSN, MaxConns: cfg.DBMaxConns, Cipher: v})
	if err != nil {
		fatal("connect postgres", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		fatal("migrations", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	client := graph.New(graph.Config{
		BaseURL: cfg.GraphBaseURL,
		Version: cfg.GraphAPIVersion,
		Timeout: cfg.GraphTimeout,
		Limiter: ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill),
	})

	dlq := deadletter.New(rdb, cfg.DLQName, 1000)
	sched, err := scheduler.New(scheduler.Options{
		Concurrency:    cfg.Scheduler.MaxConcurrency,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		MaxAttempts:    cfg.Scheduler.RetryAttempts,
		RetryDelay:     cfg.Scheduler.RetryDelay,
		MaxRetryDelay:  time.Minute,
		BatchSize:      cfg.Scheduler.BatchSize,
		MaxJobAge:      cfg.Scheduler.MaxJobAge,
		SweepInterval:  cfg.Scheduler.SweepInterval,
		NodeID:         cfg.Scheduler.NodeID,
		Recorders:      []scheduler.FailureRecorder{st, dlq},
	})
	if err != nil {
		fatal("init scheduler", err)
	}

	sink, err := archive.NewSink(ctx, cfg)
	if err != nil {
		fatal("init archive", err)
	}

	dispatcher := dispatch.New(client, dispatch.WithLedger(dispatch.NewRedisLedger(rdb, cfg.StepLedgerTTL)))
	jobs.NewHandlers(jobs.Deps{
		Resolver:      st,
		Dispatcher:    dispatcher,
		API:           client,
		Snapshots:     st,
		Credentials:   st,
		Archive:       sink,
		RefreshWindow: cfg.TokenRefreshWindow,
	}).Register(sched)

	producer := jobs.NewProducer(st, sched, jobs.Schedule{
		DynamicMetrics: cfg.MetricsDynamicCron,
		StableMetrics:  cfg.MetricsStableCron,
		TokenRefresh:   cfg.TokenRefreshCron,
		RefreshWindow:  cfg.TokenRefreshWindow,
	})
	if err := producer.Start(); err != nil {
		fatal("start producers", err)
	}

	gateway := webhook.New(webhook.Deps{
		VerifyToken: cfg.WebhookVerifyToken,
		Verifier:    signature.NewVerifier(cfg.AppSecret, cfg.SkipSignature),
		Resolver:    st,
		Rules:       st,
		Dedup:       dedup.New(rdb, cfg.DedupTTL),
		Enqueuer:    sched,
		Archive:     sink != nil,
		Timeout:     cfg.WebhookProcessTimeout,
	})

	server := api.New(api.Options{
		Jobs:    sched,
		DLQ:     dlq,
		Metrics: producer,
		Limiter: ratelimit.NewTokenBucket(rdb, 5, 1.0/60, ratelimit.WithPrefix("rl:manual:")),
		Webhook: gateway.Routes(),
		Checks: map[string]func(context.Context) error{
			"postgres": st.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.WebhookProcessTimeout + 30*time.Second,
	}

	sched.Start(ctx)

	slog.Info("server listening", "port", cfg.HTTPPort, "env", cfg.Env, "archive", sink != nil)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	producer.Stop()
	sched.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("otel shutdown", "error", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
