package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// popTimeout bounds each blocking pop so consumers notice context
// cancellation promptly.
const popTimeout = time.Second

// Redis is the production Queue over Redis lists, one list per queue
// and priority band.
type Redis struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedis connects using the shared cache Redis URL and verifies the
// connection with a ping.
func NewRedis(cfg *config.Config) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, types.WrapFault(types.CodeRedisConnectionError, "parse redis url", err)
	}
	if cfg.Cache.RedisPoolSize > 0 {
		opts.PoolSize = cfg.Cache.RedisPoolSize
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, types.WrapFault(types.CodeRedisConnectionError, "redis ping", err)
	}
	return &Redis{rdb: rdb, log: logging.For(logging.CategoryQueue)}, nil
}

// Publish pushes one payload onto the queue's priority band.
func (q *Redis) Publish(ctx context.Context, queue string, payload []byte, prio Priority) error {
	if err := validate(queue, prio); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, listKey(queue, prio), payload).Err(); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "queue publish", err)
	}
	metrics.QueueMessage(queue, "published")
	return nil
}

// Consume starts a consumer goroutine that pops one message at a time,
// high band first, and waits for the Ack before popping the next. The
// channel closes when ctx is done.
func (q *Redis) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	if queue == "" {
		return nil, types.NewFault(types.CodeValidationFailed, "queue name is empty")
	}
	keys := drainKeys(queue)
	out := make(chan *Delivery)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := q.rdb.BRPop(ctx, popTimeout, keys...).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("queue pop failed",
					zap.String("queue", queue),
					zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(popTimeout):
				}
				continue
			}
			// BRPop returns [key, value].
			if len(res) != 2 {
				continue
			}
			d := &Delivery{
				Queue:    queue,
				Priority: priorityOfKey(res[0], keys),
				Payload:  []byte(res[1]),
				ack:      make(chan struct{}),
			}
			metrics.QueueMessage(queue, "consumed")
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			select {
			case <-d.ack:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// priorityOfKey recovers the band from the popped key. keys is the
// drainKeys order, highest first.
func priorityOfKey(key string, keys []string) Priority {
	for i, k := range keys {
		if k == key {
			return MaxPriority - Priority(i)
		}
	}
	return MinPriority
}

func (q *Redis) Close() error { return q.rdb.Close() }
