package journal

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow/internal/saga"
)

// RedisSignalJournal records accepted signals in Redis: a stream entry per
// signal plus a hash holding the latest signal per saga.
type RedisSignalJournal struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisSignalJournal.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisSignalJournal constructs a Redis-backed signal journal.
func NewRedisSignalJournal(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisSignalJournal {
	if stream == "" {
		stream = "saga_signals"
	}
	return &RedisSignalJournal{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:signal:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Append writes the signal to the stream and updates the latest-signal hash.
func (r *RedisSignalJournal) Append(ctx context.Context, rec saga.SignalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + rec.SagaID
	at := rec.At.UTC().Format(time.RFC3339Nano)
	values := map[string]any{
		"saga_id":  rec.SagaID,
		"order_id": rec.OrderID,
		"kind":     string(rec.Kind),
		"at":       at,
	}
	if rec.Kind == saga.SignalUpdateAddress {
		values["street"] = rec.Address.Street
		values["city"] = rec.Address.City
		values["state"] = rec.Address.State
		values["postal_code"] = rec.Address.PostalCode
		values["country"] = rec.Address.Country
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}
