// Package queue moves job payloads between the API side and the
// workers. Queues are priority-banded FIFO: within one queue, higher
// priority bands are always drained first.
package queue

import (
	"context"
	"fmt"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Priority selects the band within a queue, 0..9, higher first.
type Priority int

const (
	MinPriority Priority = 0
	MaxPriority Priority = 9

	// Conventional bands for producers that do not pick a number.
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 9
)

// Valid reports whether p is within the 0..9 range.
func (p Priority) Valid() bool {
	return p >= MinPriority && p <= MaxPriority
}

// KnownQueues are the queues workers subscribe to.
var KnownQueues = []string{"default", "model", "cam", "sim", "report", "erp"}

// Delivery is one consumed message. The consumer owns it until Ack;
// the next message is not fetched before the current one is acked.
type Delivery struct {
	Queue    string
	Priority Priority
	Payload  []byte

	ack chan struct{}
}

// Ack releases the consumer to fetch the next message. Calling it
// twice is harmless.
func (d *Delivery) Ack() {
	select {
	case <-d.ack:
	default:
		close(d.ack)
	}
}

// Queue is the transport contract. Publish is safe from any goroutine;
// Consume starts one consumer whose channel closes when ctx ends.
type Queue interface {
	Publish(ctx context.Context, queue string, payload []byte, prio Priority) error
	Consume(ctx context.Context, queue string) (<-chan *Delivery, error)
	Close() error
}

// listKey is the Redis list for one queue band.
func listKey(queue string, prio Priority) string {
	return fmt.Sprintf("mgf:q:%s:%d", queue, prio)
}

// drainKeys lists a queue's band keys highest priority first, the
// order consumers pop in.
func drainKeys(queue string) []string {
	keys := make([]string, 0, int(MaxPriority)+1)
	for p := MaxPriority; p >= MinPriority; p-- {
		keys = append(keys, listKey(queue, p))
	}
	return keys
}

func validate(queue string, prio Priority) error {
	if queue == "" {
		return types.NewFault(types.CodeValidationFailed, "queue name is empty")
	}
	if !prio.Valid() {
		return types.Faultf(types.CodeValidationFailed, "priority %d out of range", prio)
	}
	return nil
}
