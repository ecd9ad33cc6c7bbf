package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// RedisOptions configures the Redis pub/sub adapter.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	ConnectTries uint
}

// Redis is a Bus over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	reg    *registry

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to Redis, retrying with exponential backoff, and starts
// the receive loop.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := connectWithRetry(ctx, "redis", opts.ConnectTries, func() error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	slog.Info("connected to redis", "addr", opts.Addr)

	r := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		reg:    newRegistry(),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.receiveLoop()
	return r, nil
}

// Publish sends ev to every subscriber of topic.
func (r *Redis) Publish(ctx context.Context, topic string, ev chat.Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w: %w", topic, ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers h and subscribes the shared connection to topic.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.reg.set(topic, h)
	if err := r.pubsub.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("redis subscribe %s: %w: %w", topic, ErrUnavailable, err)
	}
	return nil
}

// Unsubscribe drops the handler and the server-side subscription of topic.
func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	r.reg.remove(topic)
	if err := r.pubsub.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", topic, err)
	}
	return nil
}

// OnResync registers fn to run once the subscription connection is re-established.
func (r *Redis) OnResync(fn func([]string)) {
	r.reg.onResync(fn)
}

// Close stops the receive loop and closes both connections.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = errors.Join(r.pubsub.Close(), r.client.Close())
		r.wg.Wait()
	})
	return err
}

// receiveLoop reads from the subscription connection. go-redis reconnects and
// resubscribes on its own after a network error; the first subscription
// confirmation after an error marks the reconnect.
func (r *Redis) receiveLoop() {
	defer r.wg.Done()

	ctx := context.Background()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	broken := false

	for {
		msg, err := r.pubsub.Receive(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) || r.isClosed() {
				return
			}
			if !broken {
				slog.Warn("redis subscription lost", "error", err)
			}
			broken = true
			select {
			case <-r.done:
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			r.reg.dispatch(m.Channel, []byte(m.Payload))
		case *redis.Subscription:
			if broken {
				broken = false
				retry.Reset()
				slog.Info("redis subscription restored")
				r.reg.fireResync()
			}
		}
	}
}

func (r *Redis) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// connectWithRetry runs connect until it succeeds, ctx ends or tries run out.
func connectWithRetry(ctx context.Context, name string, tries uint, connect func() error) error {
	if tries == 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, connect()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Info("waiting for "+name, "error", err, "retry_in", wait)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	return nil
}
