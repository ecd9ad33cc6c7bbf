// Package bus is the cross-instance fan-out transport. Every adapter offers
// the same topic publish/subscribe surface and reports transport reconnects so
// the caller can resubscribe and tell clients to reconcile.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
)

// ErrUnavailable is returned when the transport cannot accept an operation.
var ErrUnavailable = errors.New("bus unavailable")

// Handler receives events delivered on a subscribed topic. Handlers run on the
// adapter's delivery goroutine and must not block for long.
type Handler func(chat.Event)

// Bus is a topic publish/subscribe transport with at-least-once delivery.
// Implementations are safe for concurrent use.
type Bus interface {
	Publish(ctx context.Context, topic string, ev chat.Event) error
	// Subscribe installs h as the handler of topic, replacing any previous one.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	// OnResync registers fn to run after the transport reconnects, with the
	// topics that were subscribed at that moment.
	OnResync(fn func(topics []string))
	Close() error
}

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

// Channel returns the topic carrying events of channelID.
func (t Topics) Channel(channelID string) string {
	return t.Prefix + ".channel." + channelID
}

// Presence returns the reserved presence topic. Every instance listens on it
// for the whole process lifetime; events carry their account.
func (t Topics) Presence() string {
	return t.Prefix + ".presence"
}

// Control returns the topic carrying membership invalidations.
func (t Topics) Control() string {
	return t.Prefix + ".control"
}

// ChannelID extracts the channel id from a channel topic.
func (t Topics) ChannelID(topic string) (string, bool) {
	return strings.CutPrefix(topic, t.Prefix+".channel.")
}

// Open connects the adapter named by cfg.Driver.
func Open(ctx context.Context, cfg config.BusConfig) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewBroker().Connect(), nil
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			ConnectTries: cfg.ConnectTries,
		})
	case "nats":
		return NewNATS(ctx, NATSOptions{
			URL:          cfg.NATSURL,
			User:         cfg.NATSUser,
			Password:     cfg.NATSPassword,
			ConnectTries: cfg.ConnectTries,
		})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// registry holds the per-topic handlers and resync callbacks shared by all adapters.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resync   []func([]string)
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) set(topic string, h Handler) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed = r.handlers[topic]
	r.handlers[topic] = h
	return existed
}

func (r *registry) remove(topic string) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed = r.handlers[topic]
	delete(r.handlers, topic)
	return existed
}

func (r *registry) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *registry) onResync(fn func([]string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resync = append(r.resync, fn)
}

func (r *registry) fireResync() {
	topics := r.topics()
	r.mu.RLock()
	fns := slices.Clone(r.resync)
	r.mu.RUnlock()

	slog.Info("bus resync", "topics", len(topics))
	for _, fn := range fns {
		fn(topics)
	}
}

// dispatch decodes data and hands it to the handler of topic, if any.
func (r *registry) dispatch(topic string, data []byte) {
	r.mu.RLock()
	h := r.handlers[topic]
	r.mu.RUnlock()
	if h == nil {
		return
	}

	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping undecodable bus event", "topic", topic, "error", err)
		return
	}
	h(ev)
}

func encode(ev chat.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	return data, nil
}
