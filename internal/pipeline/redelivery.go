package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/metrics"
)

const defaultRedeliveryQueue = 1024

type pendingPublish struct {
	id    uint64
	topic string
	ev    chat.Event
}

// redeliveryQueue retries publishes of events whose state is already
// committed. It is bounded; when full the oldest event is dropped, and late
// joiners recover it from history instead.
type redeliveryQueue struct {
	bus bus.Bus
	max int

	mu     sync.Mutex
	items  []pendingPublish
	nextID uint64

	kick chan struct{}
}

func newRedeliveryQueue(b bus.Bus, max int) *redeliveryQueue {
	if max <= 0 {
		max = defaultRedeliveryQueue
	}
	return &redeliveryQueue{bus: b, max: max, kick: make(chan struct{}, 1)}
}

func (q *redeliveryQueue) push(topic string, ev chat.Event) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		dropped := q.items[0]
		q.items = q.items[1:]
		metrics.RedeliveryDropped.Inc()
		slog.Warn("redelivery queue full, dropping oldest event",
			"topic", dropped.topic, "kind", dropped.ev.Kind)
	}
	q.nextID++
	q.items = append(q.items, pendingPublish{id: q.nextID, topic: topic, ev: ev})
	q.mu.Unlock()
	q.signal()
}

func (q *redeliveryQueue) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *redeliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run flushes the queue until ctx ends. After a failed flush it waits with
// exponential backoff, or until kicked by a bus resync.
func (q *redeliveryQueue) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if n := q.len(); n > 0 {
				slog.Warn("redelivery queue abandoned on shutdown", "pending", n)
			}
			return
		case <-q.kick:
		case <-retry:
		}

		if q.flush(ctx) {
			b.Reset()
			retry = nil
			continue
		}
		retry = time.After(b.NextBackOff())
	}
}

// flush publishes queued events in order and reports whether the queue drained.
func (q *redeliveryQueue) flush(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return true
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := q.bus.Publish(ctx, head.topic, head.ev); err != nil {
			slog.Debug("redelivery attempt failed", "topic", head.topic, "error", err)
			return false
		}
		metrics.Redelivered.Inc()

		q.mu.Lock()
		// push may have dropped the head while we were publishing.
		if len(q.items) > 0 && q.items[0].id == head.id {
			q.items = q.items[1:]
		}
		q.mu.Unlock()
	}
}
