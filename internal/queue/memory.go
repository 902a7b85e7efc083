package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cncaiprojem/projem-sub004/internal/metrics"
)

// Memory is the in-process Queue used when no Redis is configured and
// in tests. Semantics match the Redis implementation: priority bands,
// FIFO within a band, one unacked delivery per consumer.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][][]byte
	wakeup chan struct{}
}

// NewMemory returns an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][][]byte),
		wakeup: make(chan struct{}, 1),
	}
}

func (q *Memory) Publish(_ context.Context, queue string, payload []byte, prio Priority) error {
	if err := validate(queue, prio); err != nil {
		return err
	}
	q.mu.Lock()
	key := listKey(queue, prio)
	q.lists[key] = append(q.lists[key], payload)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	metrics.QueueMessage(queue, "published")
	return nil
}

func (q *Memory) pop(queue string) ([]byte, Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for prio := MaxPriority; prio >= MinPriority; prio-- {
		key := listKey(queue, prio)
		list := q.lists[key]
		if len(list) == 0 {
			continue
		}
		payload := list[0]
		q.lists[key] = list[1:]
		return payload, prio, true
	}
	return nil, 0, false
}

func (q *Memory) Consume(ctx context.Context, queue string) (<-chan *Delivery, error) {
	if queue == "" {
		return nil, validate(queue, PriorityNormal)
	}
	out := make(chan *Delivery)

	go func() {
		defer close(out)
		for {
			payload, prio, ok := q.pop(queue)
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.wakeup:
				case <-time.After(popTimeout):
				}
				continue
			}
			d := &Delivery{
				Queue:    queue,
				Priority: prio,
				Payload:  payload,
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

func (q *Memory) Close() error { return nil }
