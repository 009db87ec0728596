// Package main is the entry point for the taskgate server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/directory"
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/internal/taskflow"
	"github.com/pitabwire/taskgate/internal/transport"
	"github.com/pitabwire/taskgate/internal/upstream"
	"github.com/pitabwire/taskgate/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "taskgate", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 4: Load the API contract.
	contract, err := openapi.Load()
	if err != nil {
		logger.Error("API contract load failed", zap.Error(err))
		return 1
	}

	// Step 5: Persistence.
	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	// Step 6: Process engine.
	eng, engineCheck := buildEngine(cfg.Engine, logger, metrics)

	// Step 7: Event publishing.
	publisher, eventsCheck, eventsCloser, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	emitter := events.NewEmitter(publisher, logger.Named("events"), metrics)

	// Step 8: Idempotency.
	guard, idemCheck, idemCloser := buildIdempotency(cfg.Idempotency, logger, metrics)

	// Step 9: Workflows, directory and queue projection.
	registry := workflow.NewRegistry(st.workflows, eng, logger.Named("workflow"))
	dir := directory.NewService(st.directory, logger.Named("directory"))
	projector := queue.NewProjector(registry, eng, st.tasks, emitter, logger.Named("projector"), metrics)

	// Step 10: Authorization.
	policy, policyLoaded, policyCheck, err := buildPolicy(cfg.Policy, logger, metrics)
	if err != nil {
		logger.Error("policy initialization failed", zap.Error(err))
		return 1
	}
	principals := authz.NewPrincipalBuilder(dir, cfg.Policy.PrincipalCache, metrics)
	dir.OnRolesChanged(principals.Invalidate)
	resources := authz.NewContextBuilder(eng, st.tasks, registry, dir, logger.Named("context"))
	gateway := authz.NewGateway(principals, resources, policy, logger.Named("authz"), metrics)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if static, ok := policy.(*authz.StaticPolicy); ok && cfg.Policy.HotReload {
		watcher, err := authz.NewPolicyWatcher(static, logger.Named("policy"), metrics)
		if err != nil {
			logger.Error("policy watcher initialization failed", zap.Error(err))
			return 1
		}
		defer watcher.Close()
		go watcher.Run(bgCtx)
	}

	// Step 11: Task lifecycle service.
	tasks := taskflow.NewService(eng, st.tasks, projector, registry, gateway,
		taskflow.WithEmitter(emitter),
		taskflow.WithIdempotency(guard),
		taskflow.WithLogger(logger.Named("taskflow")),
		taskflow.WithMetrics(metrics),
	)

	// Step 12: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL).WithLogger(logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Contract:     contract,
		Readiness: observability.ReadinessChecks{
			PolicyLoaded:     policyLoaded,
			ContractLoaded:   contract.Loaded,
			Database:         st.check,
			Engine:           engineCheck,
			PolicyEngine:     policyCheck,
			IdempotencyStore: idemCheck,
			EventBus:         eventsCheck,
		},
		Tasks:     tasks,
		Workflows: registry,
		Directory: dir,
		Gate:      gateway,
	})

	// Step 13: Start HTTP server.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("engine", cfg.Engine.Driver),
		zap.String("store", cfg.Store.Driver),
		zap.String("policy", cfg.Policy.Evaluator),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	if eventsCloser != nil {
		eventsCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// stores bundles the persistence backends chosen by config.
type stores struct {
	workflows workflow.MetadataStore
	tasks     queue.Store
	directory directory.Store
	check     observability.HealthChecker
	close     func()
}

// buildStores creates the metadata, queue and directory stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		dir := directory.NewMemoryStore()
		if cfg.SeedFile != "" {
			if err := directory.LoadSeed(cfg.SeedFile, dir); err != nil {
				return stores{}, fmt.Errorf("directory seed: %w", err)
			}
		}
		return stores{
			workflows: workflow.NewMemoryMetadataStore(),
			tasks:     queue.NewMemoryStore(),
			directory: dir,
			close:     func() {},
		}, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = cfg.MinConns
		}
		if cfg.MaxConnLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}

		return stores{
			workflows: workflow.NewPgMetadataStore(pool),
			tasks:     queue.NewPgStore(pool),
			directory: directory.NewPgStore(pool),
			check:     observability.CheckerFunc(pool.Ping),
			close:     pool.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildEngine creates the process engine adapter based on config.
func buildEngine(cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) (engine.Adapter, observability.HealthChecker) {
	if cfg.Driver == "memory" {
		logger.Info("using in-memory process engine")
		mem := engine.NewMemory()
		return mem, observability.CheckerFunc(mem.Check)
	}

	client := upstream.New(upstream.Options{
		Name:           "flowable",
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		CircuitBreaker: cfg.CircuitBreaker,
		Retry:          cfg.Retry,
		Username:       cfg.Username,
		Password:       os.Getenv(cfg.PasswordEnv),
		Logger:         logger.Named("flowable"),
		Metrics:        metrics,
	})
	flowable := engine.NewFlowableClient(client)
	return flowable, observability.CheckerFunc(flowable.Check)
}

// buildPolicy creates the policy decision point based on config.
func buildPolicy(cfg config.PolicyConfig, logger *zap.Logger, metrics *observability.Metrics) (authz.PolicyClient, func() bool, observability.HealthChecker, error) {
	switch cfg.Evaluator {
	case "static", "":
		policy, err := authz.NewStaticPolicy(cfg.StaticPolicyFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("static policy: %w", err)
		}
		return policy, policy.Loaded, nil, nil
	case "cerbos":
		client := upstream.New(upstream.Options{
			Name:    "cerbos",
			BaseURL: cfg.Cerbos.URL,
			Timeout: cfg.Cerbos.Timeout,
			Logger:  logger.Named("cerbos"),
			Metrics: metrics,
		})
		return authz.NewCerbosClient(client), func() bool { return true }, observability.CheckerFunc(client.Check), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported policy evaluator: %q", cfg.Evaluator)
	}
}

// buildPublisher creates the lifecycle event publisher based on config.
// A disabled publisher discards events.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory event publisher")
		return events.NewMemoryPublisher(), nil, nil, nil
	case "nats", "":
		url := os.Getenv(cfg.URLEnv)
		if url == "" {
			return nil, nil, nil, fmt.Errorf("events: %s environment variable not set", cfg.URLEnv)
		}
		conn, err := events.Connect(url, "taskgate")
		if err != nil {
			return nil, nil, nil, err
		}
		pub, err := events.NewNATSPublisher(conn, cfg.SubjectPrefix, cfg.JetStream)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		closer := func() {
			if err := pub.Close(); err != nil {
				logger.Warn("nats close failed", zap.Error(err))
			}
		}
		return pub, observability.CheckerFunc(pub.Check), closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported events driver: %q", cfg.Driver)
	}
}

// buildIdempotency creates the Idempotency-Key guard based on config.
func buildIdempotency(cfg config.IdempotencyConfig, logger *zap.Logger, metrics *observability.Metrics) (*idempotency.Guard, observability.HealthChecker, func()) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			logger.Warn("idempotency redis address not configured, using in-memory store",
				zap.String("env", cfg.Store.AddrEnv))
			return idempotency.NewGuard(idempotency.NewMemoryStore(), cfg.Store.DefaultTTL, metrics), nil, nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}
		return idempotency.NewGuard(store, cfg.Store.DefaultTTL, metrics), store, closer
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewGuard(idempotency.NewMemoryStore(), cfg.Store.DefaultTTL, metrics), nil, nil
	}
}
