package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/pipeline"
	"github.com/Tyrowin/teamchat/internal/presence"
)

// TestRoomDeliverySkipsClientThatLeft verifies that a frame addressed to a
// room is not queued for a client that left between target collection and
// the send.
func TestRoomDeliverySkipsClientThatLeft(t *testing.T) {
	h := NewHub(HubOptions{})
	c := NewClient(nil, h, "test", principalFor("bob"), ClientConfig{})

	h.mutex.Lock()
	h.clients[c] = true
	c.channels["7"] = struct{}{}
	h.rooms["7"] = map[*Client]struct{}{c: {}}
	h.mutex.Unlock()

	targets := []*Client{c}
	if err := h.leave(c, "7"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if failed := h.broadcastToClients(targets, "7", []byte(`{}`)); len(failed) != 0 {
		t.Fatalf("failed = %d, want 0", len(failed))
	}
	if n := len(c.send); n != 0 {
		t.Fatalf("queued %d frames for a client outside the room", n)
	}

	if failed := h.broadcastToClients(targets, "", []byte(`{}`)); len(failed) != 0 {
		t.Fatalf("failed = %d, want 0", len(failed))
	}
	if n := len(c.send); n != 1 {
		t.Fatalf("direct frame queued %d times, want 1", n)
	}
}

// TestSpawnRefusedAfterShutdown verifies that no tracked goroutine can start
// once Shutdown waits for them.
func TestSpawnRefusedAfterShutdown(t *testing.T) {
	b := bus.NewBroker().Connect()
	t.Cleanup(func() { _ = b.Close() })
	topics := bus.Topics{Prefix: "test"}

	h := NewHub(HubOptions{
		Pipeline: pipeline.New(pipeline.Options{Bus: b, Topics: topics, InstanceID: "a"}),
		Presence: presence.New("a"),
		Bus:      b,
		Topics:   topics,
	})
	go h.Run()

	ran := make(chan struct{})
	if !h.spawn(func() { close(ran) }) {
		t.Fatal("spawn refused on a running hub")
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("spawned function did not run")
	}

	if err := h.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.spawn(func() { t.Error("spawned after shutdown") }) {
		t.Fatal("spawn accepted after shutdown")
	}
}
