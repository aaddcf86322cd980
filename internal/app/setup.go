// Package app wires the storefront: storage backend, engine, broker, idempotency and servers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/storefront/internal/config"
	"github.com/abgdnv/storefront/internal/service"
	"github.com/abgdnv/storefront/internal/store"
	grpcImpl "github.com/abgdnv/storefront/internal/transport/grpc"
	"github.com/abgdnv/storefront/internal/transport/rest"
	"github.com/abgdnv/storefront/pkg/bootstrap"
	pkgconfig "github.com/abgdnv/storefront/pkg/config"
	"github.com/abgdnv/storefront/pkg/messaging"
	natsclient "github.com/abgdnv/storefront/pkg/nats"
	redisstore "github.com/abgdnv/storefront/pkg/redis"
	"github.com/abgdnv/storefront/pkg/server"
	"github.com/abgdnv/storefront/pkg/web"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

type Dependencies struct {
	Service     service.InventoryService
	Store       store.Store
	Idempotency web.IdempotencyStore
	Logger      *slog.Logger
}

// SetupDependencies builds the engine on top of an opened store. publisher and
// idempotency may be nil.
func SetupDependencies(st store.Store, publisher messaging.Publisher, idempotency web.IdempotencyStore, txTimeout time.Duration, logger *slog.Logger) *Dependencies {
	return &Dependencies{
		Service:     service.NewService(st, publisher, txTimeout, logger),
		Store:       st,
		Idempotency: idempotency,
		Logger:      logger,
	}
}

// OpenStore connects to the configured backend, applying migrations first when
// enabled. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg pkgconfig.DatabaseConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case pkgconfig.DriverMemory:
		logger.Warn("Using the in-memory store; data is lost on restart")
		return store.NewInMemoryStore(), func() {}, nil

	case pkgconfig.DriverMySQL:
		if cfg.Migrate {
			migrationURL, err := bootstrap.MySQLMigrationURL(cfg.URL)
			if err != nil {
				return nil, nil, err
			}
			if err := bootstrap.RunMigrations(cfg.MigrationsPath, migrationURL); err != nil {
				return nil, nil, err
			}
			logger.Info("MySQL migrations applied", "path", cfg.MigrationsPath)
		}
		db, err := bootstrap.NewMySQL(ctx, cfg.URL, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		logger.Info("Successfully connected to MySQL")
		return store.NewMySQLStore(db), func() { _ = db.Close() }, nil

	default:
		if cfg.Migrate {
			if err := bootstrap.RunMigrations(cfg.MigrationsPath, cfg.URL); err != nil {
				return nil, nil, err
			}
			logger.Info("PostgreSQL migrations applied", "path", cfg.MigrationsPath)
		}
		pool, err := bootstrap.NewDbPool(ctx, cfg.URL, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		logger.Info("Successfully connected to PostgreSQL")
		return store.NewPgStore(pool), pool.Close, nil
	}
}

// SetupPublisher connects to JetStream and wraps the publisher in a circuit breaker.
// A disabled broker yields a NopPublisher.
func SetupPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Publisher, func(), error) {
	if !cfg.Nats.Enabled {
		return messaging.NopPublisher{}, func() {}, nil
	}
	nc, err := natsclient.NewClient(cfg.Nats.Url, cfg.Nats.Timeout)
	if err != nil {
		return nil, nil, err
	}
	js, err := natsclient.NewJetStreamContext(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := natsclient.EnsureStream(ctx, js, cfg.Nats.Stream, messaging.Subjects); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info("Connected to NATS JetStream", "stream", cfg.Nats.Stream)

	publisher := messaging.NewBreakerPublisher(natsclient.NewNatsPublisher(js), cfg.Resilience.CircuitBreaker, logger)
	return publisher, func() { _ = nc.Drain() }, nil
}

// SetupIdempotency connects to Redis when enabled. A disabled Redis yields nil.
func SetupIdempotency(ctx context.Context, cfg pkgconfig.RedisConfig, timeout time.Duration, logger *slog.Logger) (web.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	client, err := bootstrap.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, timeout)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to Redis", "addr", cfg.Addr)
	return redisstore.NewIdempotencyStore(client, cfg.KeyTTL), func() { _ = client.Close() }, nil
}

// SetupHttpHandler initializes the router with the storefront routes and /metrics.
// Used by E2E tests to set up the HTTP server with the necessary routes and middleware.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	handler := rest.NewHandler(deps.Service, deps.Idempotency, deps.Logger)
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
}

// SetupHttpServer creates and configures the HTTP server.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {
	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}

	return server.NewHTTPServer(httpCfg, mux)
}

// SetupGrpcServer initializes the gRPC server with the health service.
// The health server is returned so it can report NOT_SERVING during shutdown.
func SetupGrpcServer(deps *Dependencies, cfg *config.Config) (*grpc.Server, *grpcImpl.HealthServer) {
	health := grpcImpl.NewHealthServer(deps.Store, cfg.Database.Timeout, deps.Logger)
	return server.NewGRPCServer(cfg.GRPC.ReflectionEnabled, health.Register), health
}
