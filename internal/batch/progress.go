package batch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Progress is the live state of a running batch, written after every
// item so observers can poll it from any process.
type Progress struct {
	BatchID    string    `json:"batch_id"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Current    string    `json:"current,omitempty"`
	Pct        float64   `json:"pct"`
	ETASeconds float64   `json:"eta_seconds,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// progressTTL bounds how long finished batches stay visible.
const progressTTL = time.Hour

func progressKey(batchID string) string { return "batch:progress:" + batchID }

// ProgressStore publishes batch progress for observers.
type ProgressStore interface {
	Put(ctx context.Context, p *Progress) error
	Get(ctx context.Context, batchID string) (*Progress, error)
}

// RedisProgress keeps progress records in Redis so other processes can
// watch a batch.
type RedisProgress struct {
	rdb *redis.Client
}

// NewRedisProgress connects using the shared cache Redis URL.
func NewRedisProgress(cfg *config.Config) (*RedisProgress, error) {
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
	return &RedisProgress{rdb: rdb}, nil
}

func (s *RedisProgress) Put(ctx context.Context, p *Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "encode progress", err)
	}
	if err := s.rdb.Set(ctx, progressKey(p.BatchID), raw, progressTTL).Err(); err != nil {
		return types.WrapFault(types.CodeRedisConnectionError, "store progress", err)
	}
	return nil
}

func (s *RedisProgress) Get(ctx context.Context, batchID string) (*Progress, error) {
	raw, err := s.rdb.Get(ctx, progressKey(batchID)).Bytes()
	if err == redis.Nil {
		return nil, types.Faultf(types.CodeValidationFailed, "no progress recorded for batch %s", batchID)
	}
	if err != nil {
		return nil, types.WrapFault(types.CodeRedisConnectionError, "load progress", err)
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "decode progress", err)
	}
	return &p, nil
}

func (s *RedisProgress) Close() error { return s.rdb.Close() }

// MemoryProgress is the in-process fallback used when no Redis is
// configured. Records age out on the same TTL as the Redis store.
type MemoryProgress struct {
	mu      sync.RWMutex
	records map[string]*Progress
	now     func() time.Time
}

// NewMemoryProgress returns an empty in-process progress store.
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{
		records: make(map[string]*Progress),
		now:     time.Now,
	}
}

func (s *MemoryProgress) Put(_ context.Context, p *Progress) error {
	rec := *p
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.records {
		if s.now().Sub(old.UpdatedAt) > progressTTL {
			delete(s.records, id)
		}
	}
	s.records[p.BatchID] = &rec
	return nil
}

func (s *MemoryProgress) Get(_ context.Context, batchID string) (*Progress, error) {
	s.mu.RLock()
	rec, ok := s.records[batchID]
	s.mu.RUnlock()
	if !ok || s.now().Sub(rec.UpdatedAt) > progressTTL {
		return nil, types.Faultf(types.CodeValidationFailed, "no progress recorded for batch %s", batchID)
	}
	out := *rec
	return &out, nil
}
