package cache

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func testL2(t *testing.T, mutate func(*config.Config)) (*L2, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Cache.RedisURL = "redis://" + srv.Addr()
	if mutate != nil {
		mutate(cfg)
	}
	l2, err := NewL2(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l2.Close() })
	return l2, srv
}

func TestL2RoundTrip(t *testing.T) {
	l2, _ := testL2(t, nil)
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte(`{"a":1}`), "json", time.Hour, ""))
	v, meta, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(v))
	assert.False(t, meta.Compressed)
	assert.Equal(t, "json", meta.ContentType)
	assert.Equal(t, int64(7), meta.OriginalSize)
}

func TestL2Miss(t *testing.T) {
	l2, _ := testL2(t, nil)
	_, _, ok, err := l2.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestL2CompressesLargeCompressible(t *testing.T) {
	l2, srv := testL2(t, nil)
	ctx := context.Background()
	value := bytes.Repeat([]byte("brep-face-edge-vertex;"), 500)

	require.NoError(t, l2.Set(ctx, "k", value, "bytes", time.Hour, ""))
	v, meta, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, v)
	assert.True(t, meta.Compressed)
	assert.Less(t, meta.CompressedSize, meta.OriginalSize)

	stored, err := srv.Get("k")
	require.NoError(t, err)
	assert.Less(t, len(stored), len(value), "wire form should be the compressed one")
}

func TestL2StoresIncompressibleRaw(t *testing.T) {
	l2, _ := testL2(t, nil)
	ctx := context.Background()
	value := make([]byte, 4096)
	_, err := rand.Read(value)
	require.NoError(t, err)

	require.NoError(t, l2.Set(ctx, "k", value, "bytes", time.Hour, ""))
	v, meta, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, v)
	assert.False(t, meta.Compressed, "random bytes must be stored raw")
	assert.Equal(t, meta.OriginalSize, meta.CompressedSize)
}

func TestL2CompressionDisabled(t *testing.T) {
	l2, _ := testL2(t, func(c *config.Config) { c.Cache.Compression = false })
	ctx := context.Background()
	value := bytes.Repeat([]byte("x"), 8192)

	require.NoError(t, l2.Set(ctx, "k", value, "text", time.Hour, ""))
	_, meta, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, meta.Compressed)
}

func TestL2BelowThresholdRaw(t *testing.T) {
	l2, _ := testL2(t, nil)
	ctx := context.Background()
	value := bytes.Repeat([]byte("a"), 512) // default threshold is 1024

	require.NoError(t, l2.Set(ctx, "k", value, "text", time.Hour, ""))
	_, meta, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, meta.Compressed)
}

func TestL2EntryAndMetaShareTTL(t *testing.T) {
	l2, srv := testL2(t, nil)
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte("v"), "text", 90*time.Second, ""))
	assert.Equal(t, 90*time.Second, srv.TTL("k"))
	assert.Equal(t, 90*time.Second, srv.TTL(MetaKey("k")))

	srv.FastForward(2 * time.Minute)
	_, _, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire with its TTL")
}

func TestL2Delete(t *testing.T) {
	l2, srv := testL2(t, nil)
	ctx := context.Background()

	require.NoError(t, l2.Set(ctx, "k", []byte("v"), "text", time.Hour, ""))
	require.NoError(t, l2.Delete(ctx, "k"))
	_, _, ok, err := l2.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, srv.Exists(MetaKey("k")), "sidecar should go with the entry")
}

func TestL2LockSemantics(t *testing.T) {
	l2, srv := testL2(t, nil)
	ctx := context.Background()

	ok, err := l2.AcquireLock(ctx, "mgf:lock:k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l2.AcquireLock(ctx, "mgf:lock:k", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire while held")

	require.NoError(t, l2.ReleaseLock(ctx, "mgf:lock:k"))
	ok, err = l2.AcquireLock(ctx, "mgf:lock:k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "acquire after release")

	// TTL fencing: an abandoned lock frees itself.
	srv.FastForward(11 * time.Second)
	ok, err = l2.AcquireLock(ctx, "mgf:lock:k", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "acquire after TTL expiry")
}

func TestL2TagInvalidation(t *testing.T) {
	l2, srv := testL2(t, func(c *config.Config) {
		c.Cache.InvalidateBatch = 7 // force multiple scan batches
	})
	ctx := context.Background()
	tag := TagKey("fp-under-test")

	keys := make([]string, 25)
	for i := range keys {
		keys[i] = fmt.Sprintf("mgf:v2:fp:f:params:a:data:%02d", i)
		require.NoError(t, l2.Set(ctx, keys[i], []byte("v"), "text", time.Hour, tag))
		// Half the keys also carry a stale copy.
		if i%2 == 0 {
			require.NoError(t, l2.Set(ctx, StaleKey(keys[i]), []byte("v"), "text", 4*time.Hour, ""))
		}
	}

	n, err := l2.InvalidateTag(ctx, tag)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	for _, k := range keys {
		assert.False(t, srv.Exists(k), "%s should be gone", k)
		assert.False(t, srv.Exists(MetaKey(k)))
		assert.False(t, srv.Exists(StaleKey(k)))
	}
	assert.False(t, srv.Exists(tag), "tag set itself should be gone")
}

func TestL2InvalidateEmptyTag(t *testing.T) {
	l2, _ := testL2(t, nil)
	n, err := l2.InvalidateTag(context.Background(), TagKey("never-written"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestL2BadURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.RedisURL = "not-a-url"
	_, err := NewL2(cfg)
	require.Error(t, err)
	assert.Equal(t, types.CodeRedisConnectionError, types.CodeOf(err))
}
