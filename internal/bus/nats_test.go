package bus

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

func runNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestNATS(t *testing.T, url string) *NATS {
	t.Helper()
	n, err := NewNATS(context.Background(), NATSOptions{URL: url, ConnectTries: 3})
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNATSBus(t *testing.T) {
	t.Parallel()

	srv := runNATSServer(t)
	a := newTestNATS(t, srv.ClientURL())
	b := newTestNATS(t, srv.ClientURL())
	exerciseBus(t, a, b)
}

func TestNATSSubscribeTwiceSwapsHandler(t *testing.T) {
	t.Parallel()

	srv := runNATSServer(t)
	n := newTestNATS(t, srv.ClientURL())
	ctx := context.Background()

	first, gotFirst := recorder()
	second, gotSecond := recorder()
	if err := n.Subscribe(ctx, "t.channel.7", first); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.Subscribe(ctx, "t.channel.7", second); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if len(n.subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(n.subs))
	}

	waitSubscribed(t, n, "t.channel.7", gotSecond)
	time.Sleep(50 * time.Millisecond)
	if len(gotFirst) != 0 {
		t.Fatalf("replaced handler still received %d events", len(gotFirst))
	}
}
