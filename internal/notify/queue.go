package notify

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	enqueueTimeout = 2 * time.Second
	popTimeout     = 5 * time.Second
)

// RedisQueue pushes jobs onto a redis list so that any server process can
// deliver them. Run drains the list.
type RedisQueue struct {
	rdb     redis.UniversalClient
	key     string
	timeout time.Duration
	log     *zap.Logger
}

func NewRedisQueue(rdb redis.UniversalClient, key string, timeout time.Duration, log *zap.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key, timeout: timeout, log: log.Named("notify_queue")}
}

func (q *RedisQueue) Dispatch(job Job) {
	payload, err := encodeJob(job)
	if err != nil {
		q.log.Error("encode notification", zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
			q.log.Warn("enqueue notification failed", zap.String("kind", job.Kind), zap.Error(err))
		}
	}()
}

// Run delivers queued jobs until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context, sender Sender) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := q.processOne(ctx, sender, popTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Warn("notification queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// processOne waits up to wait for a job. It reports whether one was handled;
// delivery failures are logged and do not surface as errors.
func (q *RedisQueue) processOne(ctx context.Context, sender Sender, wait time.Duration) (bool, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(res) != 2 {
		return false, nil
	}
	job, err := decodeJob(res[1])
	if err != nil {
		q.log.Error("discarding malformed notification", zap.Error(err))
		return true, nil
	}
	dctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := deliver(dctx, sender, job); err != nil {
		q.log.Warn("notification failed", zap.String("kind", job.Kind), zap.Error(err))
	}
	return true, nil
}
