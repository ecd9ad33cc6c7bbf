package server_test

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
)

const quiet = 200 * time.Millisecond

// TestSessionAutoJoin verifies that a new connection joins every channel the
// user belongs to and announces them in session_ready.
func TestSessionAutoJoin(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	_, ready := connect(t, a, "alice")
	if ready.UserID != "alice" || ready.ConnectionID == "" {
		t.Fatalf("session_ready = %+v", ready)
	}
	if !reflect.DeepEqual(ready.ChannelIDs, []string{"7", "8"}) {
		t.Fatalf("joined %v, want [7 8]", ready.ChannelIDs)
	}
}

// TestMessageFansOutAcrossInstances verifies that a message sent on one
// instance reaches members connected to another, and that the sender receives
// both its ack and the broadcast.
func TestMessageFansOutAcrossInstances(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	reply := alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "hello"})
	requireAck(t, reply)
	var acked chat.Message
	decode(t, reply, &acked)
	if acked.ID == "" || acked.Seq <= 0 {
		t.Fatalf("ack carries no persisted message: %+v", acked)
	}

	for name, c := range map[string]*wsClient{"alice": alice, "bob": bob} {
		f := c.expect(t, chat.KindMessageCreated)
		var got chat.Message
		decode(t, f, &got)
		if got.ID != acked.ID || got.Text != "hello" || f.ChannelID != "7" {
			t.Fatalf("%s got %+v on channel %s", name, got, f.ChannelID)
		}
	}
}

// TestMessagesKeepSendOrder verifies that receivers observe a sender's
// messages in commit order.
func TestMessagesKeepSendOrder(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	const n = 10
	for i := 0; i < n; i++ {
		requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "m"}))
	}

	var last int64
	for i := 0; i < n; i++ {
		var m chat.Message
		decode(t, bob.expect(t, chat.KindMessageCreated), &m)
		if m.Seq <= last {
			t.Fatalf("seq %d after %d", m.Seq, last)
		}
		last = m.Seq
	}
}

// TestNoCrossChannelLeakage verifies that events of a channel never reach
// connections that are not in its room.
func TestNoCrossChannelLeakage(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "8", MessageText: "private"}))
	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "public"}))

	f := bob.expect(t, chat.KindMessageCreated)
	if f.ChannelID != "7" {
		t.Fatalf("bob received a message of channel %s", f.ChannelID)
	}
	bob.expectNone(t, chat.KindMessageCreated, quiet)
}

// TestJoinRequiresMembership verifies that a non-member join is rejected with
// not_member and the connection receives nothing from that channel.
func TestJoinRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, a, "bob")

	requireError(t, bob.request(t, chat.KindJoinChannel, chat.JoinChannel{ChannelID: "8"}), chat.CodeNotMember)
	requireError(t, bob.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "8", MessageText: "x"}), chat.CodeNotMember)

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "8", MessageText: "secret"}))
	bob.expectNone(t, chat.KindMessageCreated, quiet)
}

// TestJoinLeaveControlsDelivery verifies that leave_channel stops delivery and
// join_channel restores it.
func TestJoinLeaveControlsDelivery(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, a, "bob")

	requireAck(t, bob.request(t, chat.KindLeaveChannel, chat.LeaveChannel{ChannelID: "7"}))
	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "one"}))
	bob.expectNone(t, chat.KindMessageCreated, quiet)

	requireAck(t, bob.request(t, chat.KindJoinChannel, chat.JoinChannel{ChannelID: "7"}))
	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "two"}))
	var m chat.Message
	decode(t, bob.expect(t, chat.KindMessageCreated), &m)
	if m.Text != "two" {
		t.Fatalf("bob got %q, want two", m.Text)
	}
}

// TestEveryRequestGetsOneReply verifies that malformed and invalid events are
// answered with an error frame and do not close the connection.
func TestEveryRequestGetsOneReply(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	alice, _ := connect(t, a, "alice")

	if err := alice.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := alice.expect(t, chat.KindError)
	if f.Error == nil || f.Error.Code != chat.CodeValidation {
		t.Fatalf("malformed frame answered with %+v", f.Error)
	}

	requireError(t, alice.request(t, "launch_rockets", struct{}{}), chat.CodeValidation)
	requireError(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7"}), chat.CodeValidation)
	requireError(t, alice.request(t, chat.KindReact, chat.React{MessageID: "missing", Emoji: "👍"}), chat.CodeNotFound)

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "still here"}))
}

// TestRateLimitRejectsExcessEvents verifies that events beyond the burst are
// answered with rate_limited.
func TestRateLimitRejectsExcessEvents(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Minute}
	a := env.startInstance(t, "a")
	alice, _ := connect(t, a, "alice")

	query := chat.QueryPresence{UserIDs: []string{"bob"}}
	requireAck(t, alice.request(t, chat.KindQueryPresence, query))
	requireAck(t, alice.request(t, chat.KindQueryPresence, query))
	requireError(t, alice.request(t, chat.KindQueryPresence, query), chat.CodeRateLimited)
}

// TestPresenceLastDisconnectGoesOfflineOnce verifies that a user with several
// connections is reported offline exactly once, after the last one closes.
func TestPresenceLastDisconnectGoesOfflineOnce(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	bob, _ := connect(t, a, "bob")

	alice1, _ := connect(t, b, "alice")
	if status := bob.expectPresence(t, chat.KindUserOnline, "alice"); !status.Online {
		t.Fatalf("user_online = %+v", status)
	}
	alice2, _ := connect(t, b, "alice")

	alice1.close()
	bob.expectNone(t, chat.KindUserOffline, quiet)

	alice2.close()
	if status := bob.expectPresence(t, chat.KindUserOffline, "alice"); status.Online {
		t.Fatalf("user_offline = %+v", status)
	}
	bob.expectNone(t, chat.KindUserOffline, quiet)

	reply := bob.request(t, chat.KindQueryPresence, chat.QueryPresence{UserIDs: []string{"alice", "bob"}})
	requireAck(t, reply)
	var statuses []chat.PresenceStatus
	decode(t, reply, &statuses)
	want := []chat.PresenceStatus{{UserID: "alice", Online: false}, {UserID: "bob", Online: true}}
	if !reflect.DeepEqual(statuses, want) {
		t.Fatalf("statuses = %+v, want %+v", statuses, want)
	}
}

// TestPresenceSyncOnStart verifies that an instance started after others
// learns the users already online elsewhere.
func TestPresenceSyncOnStart(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	connect(t, a, "bob")

	b := env.startInstance(t, "b")
	eventually(t, "instance b sees bob online", func() bool { return b.presence.Online("bob") })

	alice, _ := connect(t, b, "alice")
	reply := alice.request(t, chat.KindQueryPresence, chat.QueryPresence{UserIDs: []string{"bob"}})
	requireAck(t, reply)
	var statuses []chat.PresenceStatus
	decode(t, reply, &statuses)
	if len(statuses) != 1 || !statuses[0].Online {
		t.Fatalf("statuses = %+v, want bob online", statuses)
	}
}

// TestPresenceVisibleFromInstanceWithoutLocalClients verifies that an instance
// holding no connection of an account still answers presence for it, and
// that presence does not cross accounts.
func TestPresenceVisibleFromInstanceWithoutLocalClients(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	connect(t, a, "alice")

	url := b.srv.URL + "/presence/alice"
	eventually(t, "instance b reports alice online", func() bool {
		var status chat.PresenceStatus
		return getJSON(t, url, token(t, "bob"), &status) == http.StatusOK && status.Online
	})

	var status chat.PresenceStatus
	if code := getJSON(t, url, tokenFor(t, "mallory", "other"), &status); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if status.Online {
		t.Fatal("alice is visible to another account")
	}
}

// TestIdleConnectionIsDropped verifies that a connection that sends nothing
// for the idle timeout is closed and its user goes offline, while an active
// one survives past the same window.
func TestIdleConnectionIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.IdleTimeout = 300 * time.Millisecond
	a := env.startInstance(t, "a")

	alice, _ := connect(t, a, "alice")
	for i := 0; i < 5; i++ {
		requireAck(t, alice.request(t, chat.KindQueryPresence, chat.QueryPresence{UserIDs: []string{"alice"}}))
		time.Sleep(100 * time.Millisecond)
	}

	alice.expectClosed(t)
	eventually(t, "alice goes offline", func() bool { return !a.presence.Online("alice") })
	if n := a.hub.ClientCount(); n != 0 {
		t.Fatalf("%d clients left after idle close", n)
	}
}

// TestTypingUpdateDroppedWhenExpired verifies that a typing update whose
// expiry has passed on the receiving instance is not delivered.
func TestTypingUpdateDroppedWhenExpired(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	late := env.startInstance(t, "late", withHubClock(func() time.Time { return time.Now().Add(time.Hour) }))

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, late, "bob")

	requireAck(t, alice.request(t, chat.KindTypingStart, chat.Typing{ChannelID: "7"}))
	var update chat.TypingUpdate
	decode(t, alice.expect(t, chat.KindTypingUpdate), &update)
	if !update.IsTyping || update.UserID != "alice" {
		t.Fatalf("typing update = %+v", update)
	}

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "after typing"}))
	// Both updates share the channel topic, so the typing update would have
	// been delivered before the message.
	bob.expect(t, chat.KindMessageCreated)
	bob.expectNone(t, chat.KindTypingUpdate, quiet)
}

// TestMembershipChangeEvictsConnection verifies that removing a member and
// announcing the change evicts the member's connections from the room.
func TestMembershipChangeEvictsConnection(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	ctx := context.Background()
	if err := env.store.RemoveMember(ctx, "7", "bob"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := a.pipeline.PublishMembershipChange(ctx, chat.MembershipChange{ChannelID: "7", UserIDs: []string{"bob"}}); err != nil {
		t.Fatalf("publish membership change: %v", err)
	}

	f := bob.expect(t, chat.KindChannelRemoved)
	if f.ChannelID != "7" {
		t.Fatalf("channel_removed for %s", f.ChannelID)
	}

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "bob is gone"}))
	alice.expect(t, chat.KindMessageCreated)
	bob.expectNone(t, chat.KindMessageCreated, quiet)
	requireError(t, bob.request(t, chat.KindJoinChannel, chat.JoinChannel{ChannelID: "7"}), chat.CodeNotMember)
}

// TestBusRecoverySendsResync verifies that connections are told to refetch
// their channels after the bus comes back, and that delivery resumes.
func TestBusRecoverySendsResync(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	env.broker.SetDown(true)
	env.broker.SetDown(false)

	var list chat.ChannelList
	decode(t, alice.expect(t, chat.KindResync), &list)
	if !reflect.DeepEqual(list.ChannelIDs, []string{"7", "8"}) {
		t.Fatalf("alice resync %v", list.ChannelIDs)
	}
	decode(t, bob.expect(t, chat.KindResync), &list)
	if !reflect.DeepEqual(list.ChannelIDs, []string{"7"}) {
		t.Fatalf("bob resync %v", list.ChannelIDs)
	}

	requireAck(t, alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "back"}))
	bob.expect(t, chat.KindMessageCreated)
}

// TestMessageCommittedDuringOutageIsDelivered verifies that a message
// persisted while the bus is down reaches other instances once it recovers.
func TestMessageCommittedDuringOutageIsDelivered(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	alice, _ := connect(t, a, "alice")
	bob, _ := connect(t, b, "bob")

	env.broker.SetDown(true)
	reply := alice.request(t, chat.KindSendMessage, chat.SendMessage{ChannelID: "7", MessageText: "queued"})
	requireAck(t, reply)
	env.broker.SetDown(false)

	var m chat.Message
	decode(t, bob.expect(t, chat.KindMessageCreated), &m)
	if m.Text != "queued" {
		t.Fatalf("bob got %q", m.Text)
	}
}

// TestUnauthenticatedHandshakeRejected verifies that a missing or invalid
// credential is refused with 401 before the upgrade.
func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	for name, bearer := range map[string]string{"missing": "", "garbage": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := dialRaw(a.wsURL(), bearer)
			if conn != nil {
				_ = conn.Close()
			}
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("dial error = %v, want bad handshake", err)
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %v, want 401", resp)
			}
			_ = resp.Body.Close()
		})
	}
	if n := a.hub.ClientCount(); n != 0 {
		t.Fatalf("hub registered %d clients", n)
	}
}

// TestTokenQueryParameter verifies that browsers can pass the credential in
// the token query parameter.
func TestTokenQueryParameter(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	conn, resp, err := dialRaw(a.wsURL()+"?token="+token(t, "alice"), "")
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
}

// TestDisallowedOriginRejected verifies the origin allow-list on the upgrade.
func TestDisallowedOriginRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	headers.Set("Authorization", "Bearer "+token(t, "alice"))
	conn, resp, err := dialer.Dial(a.wsURL(), headers)
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("dial from a disallowed origin succeeded")
	}
	if resp != nil {
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

// TestShutdownClosesClientsAndPublishesOffline verifies that stopping a hub
// force-closes its connections and other instances see the users go offline.
func TestShutdownClosesClientsAndPublishesOffline(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "a")
	b := env.startInstance(t, "b")

	bob, _ := connect(t, a, "bob")
	alice, _ := connect(t, b, "alice")
	bob.expectPresence(t, chat.KindUserOnline, "alice")

	if err := b.hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	alice.expectClosed(t)

	bob.expectPresence(t, chat.KindUserOffline, "alice")
	if n := b.hub.ClientCount(); n != 0 {
		t.Fatalf("%d clients left after shutdown", n)
	}
}
