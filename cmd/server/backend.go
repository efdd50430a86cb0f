package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"orderflow/cmd/server/config"
	ordersdb "orderflow/internal/db/orders"
	sagadb "orderflow/internal/db/saga"
	"orderflow/internal/journal"
	"orderflow/internal/orders"
	"orderflow/internal/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var openOrderDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

type backend struct {
	orders      orders.Store
	checkpoints saga.CheckpointStore
	journal     saga.SignalJournal
	cleanup     func()
}

// buildBackend wires the persistence layer. Without DATABASE_URL the stores
// run in memory; without REDIS_URL signals are journalled locally. Either
// fallback keeps the binary usable for local runs.
func buildBackend(ctx context.Context) (*backend, error) {
	b := &backend{cleanup: func() {}}
	var closers []func()
	b.cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory stores")
		b.orders = orders.NewMemoryStore()
		b.checkpoints = saga.NewMemoryCheckpointStore()
	} else {
		db, err := openOrderDB("pgx", databaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				log.Printf("close orders db: %v", err)
			}
		})

		orderStore, err := ordersdb.NewPostgresStoreWithSchema(ctx, db)
		if err != nil {
			b.cleanup()
			return nil, err
		}
		checkpointStore, err := sagadb.NewCheckpointStoreWithSchema(ctx, db)
		if err != nil {
			b.cleanup()
			return nil, err
		}
		b.orders = orderStore
		b.checkpoints = checkpointStore
	}

	journalStore, closeJournal, err := buildSignalJournal(ctx)
	if err != nil {
		b.cleanup()
		return nil, err
	}
	if closeJournal != nil {
		closers = append(closers, closeJournal)
	}
	b.journal = journalStore

	return b, nil
}

func buildSignalJournal(ctx context.Context) (saga.SignalJournal, func(), error) {
	cfg, ok, err := config.LoadRedis()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		log.Println("REDIS_URL not set, journalling signals locally")
		return journal.NewLocalJournal(), nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	j := journal.NewRedisSignalJournal(redisClientAdapter{client: client}, cfg.Stream, cfg.SignalTTL, cfg.StreamMaxLen)
	return j, cleanup, nil
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() journal.RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
