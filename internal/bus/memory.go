package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// Broker is an in-process pub/sub server. Each MemoryBus connected to it acts
// like one instance's client connection, so several hubs in one process can
// exchange events the way separate processes do over Redis or NATS.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*MemoryBus]struct{}
	down bool
	conn map[*MemoryBus]struct{}
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[*MemoryBus]struct{}),
		conn: make(map[*MemoryBus]struct{}),
	}
}

// Connect returns a new client of the broker.
func (b *Broker) Connect() *MemoryBus {
	m := &MemoryBus{
		broker: b,
		reg:    newRegistry(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	b.mu.Lock()
	b.conn[m] = struct{}{}
	b.mu.Unlock()
	go m.deliverLoop()
	return m
}

// SetDown simulates a transport outage. While down, publishes and subscribes
// fail and server-side subscriptions are lost. Coming back up restores every
// client's subscriptions and fires its resync callbacks.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	if b.down == down {
		b.mu.Unlock()
		return
	}
	b.down = down
	if down {
		clear(b.subs)
		b.mu.Unlock()
		return
	}
	clients := make([]*MemoryBus, 0, len(b.conn))
	for m := range b.conn {
		for _, topic := range m.reg.topics() {
			b.addLocked(topic, m)
		}
		clients = append(clients, m)
	}
	b.mu.Unlock()

	for _, m := range clients {
		m.reg.fireResync()
	}
}

func (b *Broker) addLocked(topic string, m *MemoryBus) {
	set := b.subs[topic]
	if set == nil {
		set = make(map[*MemoryBus]struct{})
		b.subs[topic] = set
	}
	set[m] = struct{}{}
}

func (b *Broker) removeLocked(topic string, m *MemoryBus) {
	set := b.subs[topic]
	delete(set, m)
	if len(set) == 0 {
		delete(b.subs, topic)
	}
}

type delivery struct {
	topic string
	data  []byte
}

// MemoryBus is one client of a Broker.
type MemoryBus struct {
	broker *Broker
	reg    *registry

	mu      sync.Mutex
	pending []delivery
	closed  bool

	wake chan struct{}
	done chan struct{}
	idle chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

// Publish delivers ev to every client subscribed to topic, this one included.
func (m *MemoryBus) Publish(ctx context.Context, topic string, ev chat.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}

	b := m.broker
	b.mu.Lock()
	if b.down || m.isClosed() {
		b.mu.Unlock()
		return fmt.Errorf("memory publish %s: %w", topic, ErrUnavailable)
	}
	targets := make([]*MemoryBus, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	// Enqueue under the broker lock so two publishes keep their order for every subscriber.
	for _, sub := range targets {
		sub.enqueue(delivery{topic: topic, data: data})
	}
	b.mu.Unlock()
	return nil
}

// Subscribe registers h for topic. The handler stays registered even when the
// broker is down, and is restored when it comes back.
func (m *MemoryBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return fmt.Errorf("memory subscribe %s: %w", topic, ErrUnavailable)
	}
	m.reg.set(topic, h)

	b := m.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return fmt.Errorf("memory subscribe %s: %w", topic, ErrUnavailable)
	}
	b.addLocked(topic, m)
	return nil
}

// Unsubscribe removes the subscription to topic.
func (m *MemoryBus) Unsubscribe(_ context.Context, topic string) error {
	m.reg.remove(topic)
	b := m.broker
	b.mu.Lock()
	b.removeLocked(topic, m)
	b.mu.Unlock()
	return nil
}

// OnResync registers fn to run when the broker comes back up.
func (m *MemoryBus) OnResync(fn func([]string)) {
	m.reg.onResync(fn)
}

// Close disconnects from the broker and stops delivery.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	b := m.broker
	b.mu.Lock()
	delete(b.conn, m)
	for topic := range b.subs {
		b.removeLocked(topic, m)
	}
	b.mu.Unlock()

	close(m.done)
	<-m.idle
	return nil
}

func (m *MemoryBus) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemoryBus) enqueue(d delivery) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, d)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *MemoryBus) deliverLoop() {
	defer close(m.idle)
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, d := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				m.reg.dispatch(d.topic, d.data)
			}
		}
	}
}
