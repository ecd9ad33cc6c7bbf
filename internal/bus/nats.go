package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// NATSOptions configures the NATS adapter.
type NATSOptions struct {
	URL          string
	User         string
	Password     string
	Name         string
	ConnectTries uint
}

// NATS is a Bus over core NATS subjects.
type NATS struct {
	nc  *nats.Conn
	reg *registry

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ Bus = (*NATS)(nil)

// NewNATS connects to NATS, retrying with exponential backoff. The client
// reconnects forever; every reconnect fires the resync callbacks.
func NewNATS(ctx context.Context, opts NATSOptions) (*NATS, error) {
	if opts.Name == "" {
		opts.Name = "teamchat"
	}
	n := &NATS{
		reg:  newRegistry(),
		subs: make(map[string]*nats.Subscription),
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			n.reg.fireResync()
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	err := connectWithRetry(ctx, "nats", opts.ConnectTries, func() error {
		nc, err := nats.Connect(opts.URL, natsOpts...)
		if err != nil {
			return err
		}
		n.nc = nc
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("connected to NATS", "url", n.nc.ConnectedUrl())
	return n, nil
}

// Publish sends ev on subject topic.
func (n *NATS) Publish(_ context.Context, topic string, ev chat.Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w: %w", topic, ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers h for topic. Subscribing twice only swaps the handler.
func (n *NATS) Subscribe(_ context.Context, topic string, h Handler) error {
	n.reg.set(topic, h)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[topic]; ok {
		return nil
	}
	sub, err := n.nc.Subscribe(topic, func(m *nats.Msg) {
		n.reg.dispatch(m.Subject, m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w: %w", topic, ErrUnavailable, err)
	}
	n.subs[topic] = sub
	return nil
}

// Unsubscribe drops the subscription of topic.
func (n *NATS) Unsubscribe(_ context.Context, topic string) error {
	n.reg.remove(topic)

	n.mu.Lock()
	sub, ok := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", topic, err)
	}
	return nil
}

// OnResync registers fn to run after every reconnect.
func (n *NATS) OnResync(fn func([]string)) {
	n.reg.onResync(fn)
}

// Close flushes pending publishes and closes the connection.
func (n *NATS) Close() error {
	if n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.FlushTimeout(2 * time.Second); err != nil {
		slog.Warn("NATS flush on close failed", "error", err)
	}
	n.nc.Close()
	return nil
}
