package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/store"
)

type fakeChannels struct {
	channels map[string]chat.Channel
	members  []chat.Member
}

func (f *fakeChannels) CreateChannel(_ context.Context, ch chat.Channel) error {
	if _, ok := f.channels[ch.ID]; ok {
		return store.ErrAlreadyExists
	}
	f.channels[ch.ID] = ch
	return nil
}

func (f *fakeChannels) AddMember(_ context.Context, m chat.Member) error {
	f.members = append(f.members, m)
	return nil
}

type fakePublisher struct {
	changes []chat.MembershipChange
}

func (f *fakePublisher) PublishMembershipChange(_ context.Context, c chat.MembershipChange) error {
	f.changes = append(f.changes, c)
	return nil
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestSeedIsIdempotent(t *testing.T) {
	path := writeSeed(t, `
channels:
  - id: general
    name: General
    topic: everything
    members: [alice, bob]
  - id: ops
    private: true
    members: [alice]
`)
	w := &fakeChannels{channels: map[string]chat.Channel{}}
	pub := &fakePublisher{}

	for i := 0; i < 2; i++ {
		if err := seed(context.Background(), path, w, pub); err != nil {
			t.Fatalf("seed run %d: %v", i, err)
		}
	}

	if got := w.channels["general"]; got.Name != "General" || got.Settings.Topic != "everything" {
		t.Fatalf("general = %+v", got)
	}
	if !w.channels["ops"].IsPrivate {
		t.Fatal("ops should be private")
	}
	if len(pub.changes) != 4 {
		t.Fatalf("published %d membership changes, want 4", len(pub.changes))
	}
	want := chat.MembershipChange{ChannelID: "general", UserIDs: []string{"alice", "bob"}}
	if !reflect.DeepEqual(pub.changes[0], want) {
		t.Fatalf("first change = %+v", pub.changes[0])
	}
}

func TestSeedRejectsInvalidIDs(t *testing.T) {
	path := writeSeed(t, `
channels:
  - id: "bad id"
`)
	if _, err := loadSeed(path); err == nil {
		t.Fatal("invalid channel id accepted")
	}
}
