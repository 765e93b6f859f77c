package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/hrflow/internal/capability"
	"github.com/pitabwire/hrflow/internal/config"
	"github.com/pitabwire/hrflow/internal/dispatch"
	"github.com/pitabwire/hrflow/internal/idempotency"
	"github.com/pitabwire/hrflow/internal/observability"
	"github.com/pitabwire/hrflow/internal/workflow"
)

// buildCapabilityResolver creates the appropriate resolver based on config.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, *capability.StaticPolicyEvaluator, error) {
	var evaluator *capability.StaticPolicyEvaluator
	switch cfg.Evaluator {
	case "static", "":
		if cfg.StaticPolicyFile == "" {
			evaluator = capability.NewEmptyPolicyEvaluator()
			break
		}
		e, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("static policy: %w", err)
		}
		evaluator = e
	default:
		return nil, nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}

	resolver := capability.NewResolver(evaluator, cfg.Cache.TTL,
		capability.WithMaxEntries(cfg.Cache.MaxEntries),
		capability.WithMetrics(metrics),
	)
	return resolver, evaluator, nil
}

// workflowStore is what the commands need from a store: the engine's view
// and the outbox the relay drains.
type workflowStore interface {
	workflow.Store
	dispatch.Outbox
}

// buildWorkflowStore creates the request store based on config. The closer
// is nil for the memory store.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflowStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), nil, nil
	case "postgres":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := workflow.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return workflow.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// openPool connects to the database named by the DSN environment variable.
func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

// buildEngine creates the approval engine over store with the configured
// policy.
func buildEngine(store workflow.Store, resolver *capability.Resolver, cfg config.PolicyConfig, logger *zap.Logger, metrics *observability.Metrics) *workflow.Engine {
	return workflow.NewEngine(store, resolver,
		workflow.WithPolicy(workflow.Policy{
			AllowNegativeBalance:       cfg.AllowNegativeBalance,
			OverrideCapability:         cfg.OverrideCapability,
			CancelAfterPartialApproval: cfg.CancelAfterPartialApproval,
			CancelAfterFinalApproval:   cfg.CancelAfterFinalApproval,
			CancelAnyCapability:        cfg.CancelAnyCapability,
			MaxApprovers:               cfg.MaxApprovers,
		}),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
}

// redisClients shares one client per address and database between the
// idempotency store and the consumer deduper.
type redisClients struct {
	clients map[string]*redis.Client
}

func (rc *redisClients) get(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if c, ok := rc.clients[key]; ok {
		return c, nil
	}
	if rc.clients == nil {
		rc.clients = make(map[string]*redis.Client)
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	rc.clients[key] = c
	return c, nil
}

func (rc *redisClients) close(logger *zap.Logger) {
	for key, c := range rc.clients {
		if err := c.Close(); err != nil {
			logger.Warn("redis close error", zap.String("client", key), zap.Error(err))
		}
	}
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, clients *redisClients, logger *zap.Logger) (idempotency.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	case "redis":
		client, err := clients.get(cfg.Store.AddrEnv, cfg.Store.DB)
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		return idempotency.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildDeduper creates the consumer's deduper based on config.
func buildDeduper(cfg config.DedupeConfig, clients *redisClients) (dispatch.Deduper, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	switch cfg.Driver {
	case "memory", "":
		return dispatch.NewMemoryDeduper(ttl), nil
	case "redis":
		client, err := clients.get(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("dedupe: %w", err)
		}
		return dispatch.NewRedisDeduper(client, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported dedupe driver: %q", cfg.Driver)
	}
}
