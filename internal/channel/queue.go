// Package channel holds the bounded per-instrument event queues that sit
// between the multiplexer and the instrument actors.
package channel

import (
	"context"
	"errors"
	"strings"
	"sync"

	"depthflow/internal/metrics"
	"depthflow/internal/model"
	"depthflow/logger"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

type QueueStats struct {
	Pushed    int64
	Popped    int64
	Dropped   int64
	Overflows int64
	Len       int
	Capacity  int
}

// Queue is a soft-bounded FIFO of normalized events for one instrument.
// When it is full only depth diffs are shed: every buffered DepthDiff is
// dropped and the queue is flagged stale so the consumer resyncs its book.
// Trades, snapshots and klines are never dropped; the queue grows past its
// bound for them instead.
type Queue struct {
	name     string
	capacity int

	mu          sync.Mutex
	items       []model.Event
	stale       bool
	staleReason string
	closed      bool
	notify      chan struct{}
	stats       QueueStats

	log *logger.Log
}

func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		name:     name,
		capacity: capacity,
		items:    make([]model.Event, 0, capacity),
		notify:   make(chan struct{}, 1),
		log:      logger.GetLogger(),
	}
}

func (q *Queue) Name() string { return q.name }

// Push appends events in order. It never blocks and reports false once the
// queue is closed.
func (q *Queue) Push(events ...model.Event) bool {
	if len(events) == 0 {
		return true
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var dropped int
	for _, ev := range events {
		if len(q.items) >= q.capacity {
			dropped += q.shedDiffsLocked()
		}
		q.items = append(q.items, ev)
		q.stats.Pushed++
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.log.WithComponent("channel").WithFields(logger.Fields{
			"queue":   q.name,
			"dropped": dropped,
		}).Warn("queue overflow, depth diffs dropped and book marked stale")
		exchange, _, _ := strings.Cut(q.name, ":")
		metrics.EmitDropMetric(q.log, metrics.DropMetricDepthDiff, exchange, q.name, "queue", dropped)
	}
	q.wake()
	return true
}

func (q *Queue) shedDiffsLocked() int {
	kept := q.items[:0]
	var dropped int
	for _, ev := range q.items {
		if ev.EventKind() == model.KindDepthDiff {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	if dropped > 0 {
		q.stats.Overflows++
		q.stats.Dropped += int64(dropped)
		q.stale = true
		q.staleReason = "queue overflow"
	}
	return dropped
}

// MarkStale flags the queue so the next Pop reports the book as stale.
func (q *Queue) MarkStale(reason string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.stale = true
	q.staleReason = reason
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until events are buffered or a stale flag is raised, then
// returns everything buffered. stale is reported once per MarkStale or
// overflow and must be handled before the returned events.
func (q *Queue) Pop(ctx context.Context) (events []model.Event, stale bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 || q.stale {
			events = q.items
			stale = q.stale
			q.items = make([]model.Event, 0, q.capacity)
			q.stale = false
			q.staleReason = ""
			q.stats.Popped += int64(len(events))
			q.mu.Unlock()
			return events, stale, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close stops accepting events. Buffered events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = len(q.items)
	s.Capacity = q.capacity
	return s
}
