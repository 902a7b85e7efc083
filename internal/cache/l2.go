package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Meta is the sidecar record stored under <key>:meta with the same TTL
// as the entry itself.
type Meta struct {
	Compressed     bool   `json:"compressed"`
	ContentType    string `json:"content_type"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	Timestamp      int64  `json:"timestamp"`
}

// L2 is the fleet-shared tier backed by Redis. It owns compression, the
// metadata sidecars, engine tag sets and the fleet locks.
type L2 struct {
	rdb         *redis.Client
	compression bool
	threshold   int
	batch       int
	limiter     *rate.Limiter
	log         *zap.Logger
}

// NewL2 connects to Redis using the configured URL and pool size and
// verifies the connection with a ping.
func NewL2(cfg *config.Config) (*L2, error) {
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

	batch := cfg.Cache.InvalidateBatch
	if batch <= 0 {
		batch = 512
	}
	var limiter *rate.Limiter
	if cfg.Cache.InvalidateRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Cache.InvalidateRate), batch)
	}
	return &L2{
		rdb:         rdb,
		compression: cfg.Cache.Compression,
		threshold:   cfg.Cache.CompressionThreshold,
		batch:       batch,
		limiter:     limiter,
		log:         logging.For(logging.CategoryCache),
	}, nil
}

// Get fetches an entry and its metadata. ok is false on a clean miss;
// err is non-nil only for connection or decompression problems.
func (c *L2) Get(ctx context.Context, key string) (value []byte, meta *Meta, ok bool, err error) {
	pipe := c.rdb.Pipeline()
	valCmd := pipe.Get(ctx, key)
	metaCmd := pipe.Get(ctx, MetaKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, false, types.WrapFault(types.CodeRedisConnectionError, "redis get", err)
	}
	stored, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, types.WrapFault(types.CodeRedisConnectionError, "redis get", err)
	}

	m := &Meta{ContentType: "bytes", OriginalSize: int64(len(stored)), CompressedSize: int64(len(stored))}
	if raw, err := metaCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, m); err != nil {
			// A broken sidecar must not hide the entry; assume raw bytes.
			c.log.Warn("cache meta unreadable", zap.String("key", key), zap.Error(err))
			*m = Meta{ContentType: "bytes"}
		}
	}
	value, err = decompressEntry(stored, m.Compressed)
	if err != nil {
		return nil, nil, false, err
	}
	return value, m, true, nil
}

// Set stores an entry, its metadata sidecar and, when tagKey is
// non-empty, its tag-set membership, in one pipeline. Entry and sidecar
// share the TTL.
func (c *L2) Set(ctx context.Context, key string, value []byte, contentType string, ttl time.Duration, tagKey string) error {
	stored, compressed := compressEntry(value, c.compression, c.threshold)
	meta := Meta{
		Compressed:     compressed,
		ContentType:    contentType,
		OriginalSize:   int64(len(value)),
		CompressedSize: int64(len(stored)),
		Timestamp:      time.Now().Unix(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return types.WrapFault(types.CodeCompressionError, "encode cache meta", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, stored, ttl)
	pipe.Set(ctx, MetaKey(key), raw, ttl)
	if tagKey != "" {
		pipe.SAdd(ctx, tagKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "redis set", err)
	}
	return nil
}

// Delete removes entries and their sidecars.
func (c *L2) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, k, MetaKey(k))
	}
	if err := c.rdb.Del(ctx, all...).Err(); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "redis del", err)
	}
	return nil
}

// AcquireLock attempts SET-if-not-exists with a TTL. Locks are
// best-effort: fencing comes from the TTL, not from exclusivity across
// crashes.
func (c *L2) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, lockKey, "1", ttl).Result()
	if err != nil {
		return false, types.WrapFault(types.CodeRedisConnectionError, "acquire lock", err)
	}
	return ok, nil
}

// ReleaseLock drops the lock unconditionally.
func (c *L2) ReleaseLock(ctx context.Context, lockKey string) error {
	if err := c.rdb.Del(ctx, lockKey).Err(); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "release lock", err)
	}
	return nil
}

// AddToTag records a cache key in an engine tag set.
func (c *L2) AddToTag(ctx context.Context, tagKey, cacheKey string) error {
	if err := c.rdb.SAdd(ctx, tagKey, cacheKey).Err(); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "tag add", err)
	}
	return nil
}

// InvalidateTag walks the tag set with SSCAN in bounded batches and
// deletes each member plus its sidecar and stale copy, pacing deletes by
// the configured rate. The tag set itself is removed last. Returns the
// number of cache keys deleted.
func (c *L2) InvalidateTag(ctx context.Context, tagKey string) (int, error) {
	var cursor uint64
	total := 0
	for {
		keys, next, err := c.rdb.SScan(ctx, tagKey, cursor, "", int64(c.batch)).Result()
		if err != nil {
			return total, types.WrapFault(types.CodeRedisConnectionError, "tag scan", err)
		}
		if len(keys) > 0 {
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, len(keys)); err != nil {
					return total, err
				}
			}
			pipe := c.rdb.Pipeline()
			for _, k := range keys {
				pipe.Del(ctx, k, MetaKey(k), StaleKey(k), MetaKey(StaleKey(k)))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return total, types.WrapFault(types.CodeRedisConnectionError, "tag delete", err)
			}
			total += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := c.rdb.Del(ctx, tagKey).Err(); err != nil {
		return total, types.WrapFault(types.CodeRedisConnectionError, "tag drop", err)
	}
	c.log.Info("engine tag invalidated", zap.String("tag", tagKey), zap.Int("keys", total))
	return total, nil
}

// Close releases the connection pool.
func (c *L2) Close() error { return c.rdb.Close() }
