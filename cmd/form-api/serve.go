package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/api/handlers"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/api/middleware"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/clients"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/config"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/postgres"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/infrastructure/redpanda"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/observability/metrics"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/observability/tracing"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/session"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/idempotency"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

const serviceName = "form-api"

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the form API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       true,
		SampleRate:     cfg.TraceSampling,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.IsSuccessful = clients.BreakerSuccess
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerStateChanged(name, string(to))
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger)

	deps, err := remoteServices(cfg, breakers, logger)
	if err != nil {
		return err
	}
	deps.FormRecorder = m
	deps.Recorder = m
	deps.Logger = logger

	checks := map[string]handlers.Check{}
	var requests handlers.RequestReader

	var producer *redpanda.Producer
	if len(cfg.Brokers) > 0 {
		if producer, err = newProducer(ctx, cfg, logger); err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		deps.Journal = redpanda.NewJournal(producer, redpanda.TopicFormTransitions, m.JournalResult, logger)
		checks["redpanda"] = func(ctx context.Context) error { return redpanda.HealthCheck(ctx, cfg.Brokers) }
	}

	if cfg.DatabaseURL != "" {
		db, err := connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		store := postgres.NewDocumentStore(db, logger)
		inbox := idempotency.NewInbox(db, idempotency.DefaultInboxConfig(), logger)
		deps.Documents = store
		deps.Requests = store
		deps.Inbox = inbox
		requests = store
		checks["postgres"] = db.Ping
		go janitor(ctx, time.Hour, logger, inbox.Cleanup)

		// submitted requests reach Redpanda through the outbox
		if producer != nil {
			outbox := postgres.NewOutbox(db, producer, postgres.DefaultOutboxConfig(), logger)
			outbox.Start(ctx)
			defer outbox.Stop()
			go janitor(ctx, time.Hour, logger, func(ctx context.Context) (int64, error) {
				return outbox.CleanupProcessed(ctx, 7*24*time.Hour)
			})
		}
	}

	pool, err := workerpool.New(workerpool.Config{
		Workers:                 cfg.Workers,
		QueueSize:               cfg.QueueSize,
		MaxRetries:              cfg.LookupRetries,
		RetryDelay:              cfg.LookupBackoff,
		GracefulShutdownTimeout: 10 * time.Second,
	}, workerpool.RunFunc, logger)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	pool.Start()
	defer func() { _ = pool.Stop() }()
	deps.Pool = pool
	if err := m.RegisterPool(pool.Stats); err != nil {
		return err
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.MaxSessions = cfg.MaxSessions
	sessionCfg.IdleTimeout = cfg.SessionIdle
	registry := session.NewRegistry(ctx, sessionCfg, deps)
	registry.StartJanitor()
	defer func() { _ = registry.Shutdown() }()

	health := handlers.NewHealthHandler(serviceName, cfg.ServiceVersion, breakers, registry.Len, logger)
	for name, check := range checks {
		health.AddCheck(name, check)
	}
	health.WatchPool(pool)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins...))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeyClients()))
		r.Mount("/sessions", handlers.NewSessionHandler(registry, handlers.Config{MaxWait: cfg.LongPollMax}, logger).Routes())
		if requests != nil {
			r.Mount("/MedicationRequest", handlers.NewMedicationRequestHandler(requests, logger).Routes())
		}
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LongPollMax + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting form API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	err = g.Wait()
	logger.Info("server stopped")
	return err
}

// remoteServices builds the HTTP collaborators. Only the knowledge lookup is mandatory.
func remoteServices(cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (session.Deps, error) {
	var deps session.Deps
	clientCfg := func(url string) clients.Config {
		return clients.Config{BaseURL: url, Timeout: cfg.ClientTimeout, BearerToken: cfg.BearerToken}
	}
	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		cb, err := breakers.GetOrCreate(name)
		if err != nil {
			logger.Warn("running without circuit breaker", zap.String("service", name), zap.Error(err))
		}
		return cb
	}

	lookup, err := clients.NewKnowledge(clientCfg(cfg.LookupURL), breaker("knowledge-lookup"), logger)
	if err != nil {
		return deps, err
	}
	deps.Lookup = lookup

	if cfg.TerminologyURL != "" {
		t, err := clients.NewTerminology(clientCfg(cfg.TerminologyURL), breaker("terminology"), logger)
		if err != nil {
			return deps, err
		}
		deps.Terminology = t
	}
	if cfg.CDSURL != "" {
		c, err := clients.NewCDSHooks(clientCfg(cfg.CDSURL), cfg.CDSServiceID, cfg.FHIRServerURL, breaker("cds-hooks"), logger)
		if err != nil {
			return deps, err
		}
		deps.CDS = c
	}
	if cfg.CQLEngineURL != "" {
		e, err := clients.NewCQLEngine(clientCfg(cfg.CQLEngineURL), breaker("cql-engine"), logger)
		if err != nil {
			return deps, err
		}
		deps.Engine = e
	}
	return deps, nil
}

func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := postgres.Migrate(ctx, db, idempotency.Schema); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return db, nil
}

func newProducer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redpanda.Producer, error) {
	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		return nil, err
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		return nil, fmt.Errorf("ensure topics: %w", err)
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))
	return producer, nil
}

// janitor runs fn every interval until ctx ends.
func janitor(ctx context.Context, interval time.Duration, logger *zap.Logger, fn func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := fn(ctx)
			if err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("cleanup removed rows", zap.Int64("rows", n))
			}
		}
	}
}
