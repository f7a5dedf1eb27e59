package eventsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/storage"
)

// RedisWriter keeps the real-time worker presence and hashrate views in
// Redis up to date. Unlike PostgresWriter it is not a durable record of
// every event; entries carry a TTL and are meant to be read by an operator
// dashboard, not reconciled against history.
type RedisWriter struct {
	redis *storage.RedisClient
	log   *zap.Logger
}

// NewRedisWriter wraps an already-connected RedisClient.
func NewRedisWriter(redis *storage.RedisClient, log *zap.Logger) *RedisWriter {
	return &RedisWriter{redis: redis, log: log.Named("eventsink.redis")}
}

func (w *RedisWriter) Write(e Event) error {
	ctx := context.Background()
	switch e.Kind {
	case KindShare:
		s := e.Share
		name := workerIdentifier(s.Address, s.WorkerName)
		if err := w.redis.AddOnlineWorker(ctx, name); err != nil {
			return err
		}
		if err := w.redis.IncrementWorkerShares(ctx, name, s.Accepted); err != nil {
			return err
		}
		if err := w.redis.SetWorkerDifficulty(ctx, name, s.PoolDiff); err != nil {
			return err
		}
		if s.Accepted {
			return w.redis.RecordShareForHashrate(ctx, name, s.ShareDiff)
		}
		return nil
	case KindBlockFound:
		return nil
	default:
		return nil
	}
}

func (w *RedisWriter) Flush() error {
	return nil
}

func (w *RedisWriter) Close() error {
	return w.redis.Close()
}
