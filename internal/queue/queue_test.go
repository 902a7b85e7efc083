package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testRedisQueue(t *testing.T) *Redis {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Cache.RedisURL = "redis://" + srv.Addr()

	q, err := NewRedis(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

func receive(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d := <-ch:
		require.NotNil(t, d)
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return nil
	}
}

func runQueueContract(t *testing.T, q Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, "model", []byte("first"), PriorityNormal))
	require.NoError(t, q.Publish(ctx, "model", []byte("second"), PriorityNormal))
	require.NoError(t, q.Publish(ctx, "model", []byte("urgent"), PriorityHigh))

	ch, err := q.Consume(ctx, "model")
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Equal(t, "urgent", string(d.Payload), "high band drains first")
	assert.Equal(t, PriorityHigh, d.Priority)

	// Prefetch is one: nothing else arrives until the ack.
	select {
	case extra := <-ch:
		t.Fatalf("got %q before acking the previous delivery", extra.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	d.Ack()

	d = receive(t, ch)
	assert.Equal(t, "first", string(d.Payload), "normal band is FIFO")
	d.Ack()

	d = receive(t, ch)
	assert.Equal(t, "second", string(d.Payload))
	d.Ack()
	d.Ack() // double ack is harmless

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel closes when the context ends")
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestRedisQueueContract(t *testing.T) {
	runQueueContract(t, testRedisQueue(t))
}

func TestMemoryQueueContract(t *testing.T) {
	q := NewMemory()
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	runQueueContract(t, q)
}

func TestPublishValidation(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	err := q.Publish(ctx, "", []byte("x"), PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	err = q.Publish(ctx, "model", []byte("x"), Priority(10))
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))

	err = q.Publish(ctx, "model", []byte("x"), Priority(-1))
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestListKeyGrammar(t *testing.T) {
	assert.Equal(t, "mgf:q:model:9", listKey("model", PriorityHigh))
	assert.Equal(t, "mgf:q:default:0", listKey("default", PriorityLow))
	assert.Equal(t, "mgf:q:cam:5", listKey("cam", PriorityNormal))
}

// All ten priorities are accepted and drain highest first.
func runFullPriorityRange(t *testing.T, q Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Publish lowest first so FIFO order cannot mask band order.
	for p := MinPriority; p <= MaxPriority; p++ {
		require.NoError(t, q.Publish(ctx, "model", []byte{byte('0' + p)}, p))
	}

	ch, err := q.Consume(ctx, "model")
	require.NoError(t, err)
	for p := MaxPriority; p >= MinPriority; p-- {
		d := receive(t, ch)
		assert.Equal(t, string(byte('0'+p)), string(d.Payload))
		assert.Equal(t, p, d.Priority)
		d.Ack()
	}
}

func TestRedisQueueFullPriorityRange(t *testing.T) {
	runFullPriorityRange(t, testRedisQueue(t))
}

func TestMemoryQueueFullPriorityRange(t *testing.T) {
	q := NewMemory()
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	runFullPriorityRange(t, q)
}

func TestRedisQueueLateSubscriber(t *testing.T) {
	q := testRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := q.Consume(ctx, "cam")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Publish(context.Background(), "cam", []byte("late"), PriorityLow)
	}()

	d := receive(t, ch)
	assert.Equal(t, "late", string(d.Payload))
	d.Ack()
}
