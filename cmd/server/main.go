package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/csvmeter/internal"
	"github.com/DukeRupert/csvmeter/internal/csvscan"
	"github.com/DukeRupert/csvmeter/internal/email"
	"github.com/DukeRupert/csvmeter/internal/handler"
	"github.com/DukeRupert/csvmeter/internal/memstore"
	"github.com/DukeRupert/csvmeter/internal/metrics"
	"github.com/DukeRupert/csvmeter/internal/middleware"
	"github.com/DukeRupert/csvmeter/internal/repository"
	"github.com/DukeRupert/csvmeter/internal/service"
	"github.com/DukeRupert/csvmeter/internal/settings"
	"github.com/DukeRupert/csvmeter/internal/storage"
	"github.com/DukeRupert/csvmeter/internal/worker"
)

// engineStore is implemented by both the Postgres and the in-memory store.
type engineStore interface {
	service.Store
	settings.Store
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// ==========================================================================
	// Persistence
	// ==========================================================================

	var (
		store engineStore
		db    *sql.DB
		repo  *repository.Store
	)
	switch cfg.StoreDriver {
	case internal.StoreDriverPostgres:
		db, err = sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		if err := internal.RunMigrations(ctx, db, logger); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		repo = repository.NewStore(db)
		store = repo
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		store = memstore.New()
	}

	// Settings cache and upload throttle
	var cache settings.Cache
	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		client, err := settings.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		cache = settings.NewRedisCache(client, cfg.CacheTTL)
		limiter = middleware.NewRedisLimiter(client, cfg.UploadRateLimit, cfg.UploadRateWindow)
		logger.Info("settings cache ready", "backend", "redis")
	} else {
		cache = settings.NewLRUCache(cfg.CacheEntries, cfg.CacheTTL)
		memLimiter := middleware.NewMemoryLimiter(cfg.UploadRateLimit, cfg.UploadRateWindow)
		defer memLimiter.Close()
		limiter = memLimiter
		logger.Info("settings cache ready", "backend", "lru")
	}
	policies := settings.NewProvider(store, cache, cfg.Policy, logger)

	// Upload archive
	archive, err := storage.New(storage.Config{
		Provider: cfg.StorageProvider,
		Local:    storage.LocalConfig{BasePath: cfg.LocalStoragePath},
		R2: storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Endpoint:        cfg.R2Endpoint,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	// ==========================================================================
	// Services
	// ==========================================================================

	var transport email.Transport
	if cfg.SMTPHost != "" {
		transport = email.NewSMTPTransport(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	} else {
		logger.Info("SMTP_HOST not set, upload emails will only be logged")
		transport = email.NewLogTransport(logger)
	}
	mailer, err := email.NewMailer(transport, cfg.BaseURL, cfg.EmailTemplatesDir, logger)
	if err != nil {
		return fmt.Errorf("email initialization failed: %w", err)
	}
	dispatcher := service.NewNotificationDispatcher(store, mailer, logger)

	// Queued notifications need the jobs table; otherwise deliver inline.
	useWorker := repo != nil && cfg.WorkerEnabled
	hook := dispatcher.InlineHook()
	if useWorker {
		hook = worker.NotificationHook(repo.Queries(), logger)
	}

	engine := service.NewEngine(service.EngineDeps{
		Store:  store,
		Policy: policies,
		Analyzer: csvscan.New(
			csvscan.WithPeriodColumn(cfg.PeriodColumn),
			csvscan.WithLogger(logger),
		),
		Storage:       archive,
		ResetPageSize: cfg.ResetPageSize,
		Hooks:         []service.TerminalHook{hook},
		Logger:        logger,
	})

	var w *worker.Worker
	if useWorker {
		w, err = worker.New(db, repo.Queries(), worker.Config{
			Concurrency:  cfg.WorkerConcurrency,
			PollInterval: cfg.WorkerPollInterval,
			JobTimeout:   cfg.WorkerJobTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		for _, h := range []worker.JobHandler{
			worker.NewUploadNotificationHandler(dispatcher, logger),
			worker.NewMonthlyUsageResetHandler(engine, logger),
		} {
			if err := w.Register(h); err != nil {
				return err
			}
		}
	}

	// Monthly reset schedule
	scheduler := cron.New()
	if cfg.ResetSchedule != "" {
		_, err := scheduler.AddFunc(cfg.ResetSchedule, func() {
			scheduleReset(ctx, engine, w, logger)
		})
		if err != nil {
			return fmt.Errorf("invalid RESET_SCHEDULE %q: %w", cfg.ResetSchedule, err)
		}
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	isSecure := cfg.Env != "development"
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	authMw := middleware.NewAuthMiddleware(engine, logger)
	uploadLimit := middleware.NewRateLimitMiddleware(limiter, logger)
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger)
	processorAuth := middleware.NewProcessorAuthMiddleware(cfg.ProcessorToken, logger)
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		logger.Warn("metrics endpoint is unprotected; set METRICS_USERNAME and METRICS_PASSWORD")
	}

	mux := http.NewServeMux()

	var pinger handler.Pinger
	if db != nil {
		pinger = db
	}
	handler.NewHealthHandler(pinger, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	handler.NewUploadHandler(engine, cfg.MaxUploadBytes, logger).
		RegisterRoutes(mux, authMw.WithPrincipal, uploadLimit.Limit, processorAuth.Handler)
	handler.NewUsageHandler(engine, logger).
		RegisterRoutes(mux, authMw.WithPrincipal, authMw.RequireUser)
	handler.NewAdminHandler(engine, policies, logger).
		RegisterRoutes(mux, middleware.Stack(authMw.WithPrincipal, authMw.RequireAdmin))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           metrics.Middleware(loggingMw.Handler(securityMw.Handler(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if w != nil {
		w.Start(gctx)
	}
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		<-scheduler.Stop().Done()
		if w != nil {
			w.Stop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Graceful shutdown complete")
	return nil
}

// scheduleReset queues a reset job when the worker runs and otherwise resets
// in place.
func scheduleReset(ctx context.Context, engine *service.Engine, w *worker.Worker, logger *slog.Logger) {
	if w != nil {
		job, err := worker.EnqueueMonthlyUsageReset(ctx, w.Queries(), worker.MonthlyUsageResetPayload{})
		if err != nil {
			logger.Error("failed to enqueue monthly usage reset", "error", err)
			return
		}
		logger.Info("monthly usage reset queued", "job_id", job.ID)
		return
	}

	report, err := engine.RunMonthlyReset(ctx, false, false)
	if err != nil {
		logger.Error("monthly usage reset failed", "error", err)
		return
	}
	logger.Info("monthly usage reset finished", "reset_count", report.ResetCount)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
