// Package engine assembles the flow engine from configuration: the
// persistence backend, node cache, flow-type registry, policy resolver
// and flow service, wired together and torn down as one unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/graflow/engine/config"
	"github.com/graflow/engine/flow"
	flowstore "github.com/graflow/engine/flow/store"
	"github.com/graflow/engine/internal/crypto"
	"github.com/graflow/engine/internal/observability/metrics"
	"github.com/graflow/engine/policy"
	"github.com/graflow/engine/registry"
	"github.com/graflow/engine/store/cache"
	"github.com/graflow/engine/store/longterm"
)

// Engine bundles the assembled components behind accessors. Create one
// per process and Close it on shutdown.
type Engine struct {
	config   config.Config
	logger   *slog.Logger
	registry *registry.Registry
	flows    *flow.Service
	resolver *policy.Resolver
	store    longterm.Store
	cache    cache.Cache
	metrics  *metrics.Registry

	pool        *pgxpool.Pool
	redisClient *redis.Client
	memoryCache *cache.InMemoryCache
}

// New assembles an engine for the configuration.
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions assembles an engine with explicit overrides.
func NewWithOptions(ctx context.Context, cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = newLogger(cfg)
	}

	eng := &Engine{config: cfg, logger: logger, metrics: metrics.NewRegistry()}

	var (
		execStore flowstore.ExecutionStore
		ltStore   longterm.Store
		descStore registry.DescriptorStore
	)
	switch cfg.PersistenceBackend {
	case config.BackendDurable:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		eng.pool = pool

		var encryptor *crypto.Encryptor
		if cfg.CheckpointEncryptionKey != "" {
			encryptor, err = crypto.NewEncryptor([]byte(cfg.CheckpointEncryptionKey))
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to build checkpoint encryptor: %w", err)
			}
		}
		execStore = flowstore.NewPostgresStore(pool, encryptor)
		ltStore = longterm.NewPostgresStore(pool)
		descStore = registry.NewPostgresDescriptorStore(pool)
	default:
		execStore = flowstore.NewMemoryStore()
		ltStore = longterm.NewMemoryStore()
		descStore = registry.NewMemoryDescriptorStore()
	}

	var nodeCache cache.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		eng.redisClient = client
		nodeCache = cache.NewRedisCache(client, cfg.NodeCacheTTL)
	} else {
		mem := cache.NewInMemoryCache(cfg.NodeCacheTTL)
		eng.memoryCache = mem
		nodeCache = mem
	}

	reg := registry.NewRegistry(descStore, logger)

	flows, err := flow.NewService(flow.Config{
		Store:    execStore,
		Registry: reg,
		Cache:    nodeCache,
		LongTerm: ltStore,
		Logger:   logger,
		Metrics:  flow.NewServiceMetrics(eng.metrics),
		MaxSteps: opts.MaxSteps,
	})
	if err != nil {
		eng.Close()
		return nil, err
	}

	eng.registry = reg
	eng.flows = flows
	eng.store = ltStore
	eng.cache = nodeCache
	eng.resolver = policy.NewResolver(policy.Config{
		Registry:              opts.Policies,
		Logger:                logger,
		RequireAuthentication: cfg.RequireAuthentication,
	})

	logger.Info("engine assembled",
		"backend", cfg.PersistenceBackend,
		"cache", cacheKind(cfg),
		"encrypted_checkpoints", cfg.CheckpointEncryptionKey != "")
	return eng, nil
}

// Flows is the flow lifecycle service.
func (e *Engine) Flows() *flow.Service { return e.flows }

// Registry is the flow-type registry. Register builders, schemas and
// descriptors on it before running flows.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Policies resolves permission and throttle references for the caller
// layer.
func (e *Engine) Policies() *policy.Resolver { return e.resolver }

// LongTerm is the cross-flow key/value store.
func (e *Engine) LongTerm() longterm.Store { return e.store }

// NodeCache is the fingerprint-keyed node output cache.
func (e *Engine) NodeCache() cache.Cache { return e.cache }

// Logger returns the engine's logger for components assembled around
// it.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// MetricsHandler serves the engine's metrics in Prometheus text
// format.
func (e *Engine) MetricsHandler() http.Handler { return e.metrics.Handler() }

// Close releases backend connections and stops background work.
func (e *Engine) Close() error {
	var errs []error
	if e.memoryCache != nil {
		e.memoryCache.Stop()
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.Config) *slog.Logger {
	// cfg is validated, so the level parses.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func cacheKind(cfg config.Config) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}
