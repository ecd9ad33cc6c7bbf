// Package server coordinates client registration, room membership, fan-out
// delivery and connection cleanup for the chat core via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/metrics"
	"github.com/Tyrowin/teamchat/internal/pipeline"
	"github.com/Tyrowin/teamchat/internal/presence"
	"github.com/Tyrowin/teamchat/internal/store"
)

const presencePublishTimeout = 5 * time.Second

// HubOptions wires a Hub to its collaborators.
type HubOptions struct {
	Pipeline *pipeline.Pipeline
	Members  *store.MembershipCache
	Presence *presence.Registry
	Bus      bus.Bus
	Topics   bus.Topics
	Now      func() time.Time
}

type topicRef struct {
	count   int
	handler bus.Handler
}

// Hub owns the per-process session state: registered clients, the local room
// delivery sets and the bus subscriptions backing them. It is created at
// process start and torn down by Shutdown, which force-closes every client.
type Hub struct {
	pipeline *pipeline.Pipeline
	members  *store.MembershipCache
	presence *presence.Registry
	bus      bus.Bus
	topics   bus.Topics
	now      func() time.Time

	clients  map[*Client]bool
	rooms    map[string]map[*Client]struct{}
	accounts map[string]map[*Client]struct{}
	mutex    sync.RWMutex

	subMu     sync.Mutex
	topicRefs map[string]*topicRef

	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	spawnMu    sync.Mutex
	stopping   bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub. Call Run in its own goroutine before accepting clients.
func NewHub(opts HubOptions) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		pipeline:   opts.Pipeline,
		members:    opts.Members,
		presence:   opts.Presence,
		bus:        opts.Bus,
		topics:     opts.Topics,
		now:        opts.Now,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		accounts:   make(map[string]map[*Client]struct{}),
		topicRefs:  make(map[string]*topicRef),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands an authenticated client to the hub, which starts its pumps.
// It returns false when the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	h.bus.OnResync(h.resync)
	h.acquireTopic(h.topics.Control(), h.handleControlEvent)
	if h.acquireTopic(h.topics.Presence(), h.handlePresenceEvent) {
		h.pipeline.RequestPresenceSync(h.ctx)
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				slog.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client, true)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	acct := c.principal.AccountID

	h.mutex.Lock()
	h.clients[c] = true
	set := h.accounts[acct]
	if set == nil {
		set = make(map[*Client]struct{})
		h.accounts[acct] = set
	}
	set[c] = struct{}{}
	count := len(h.clients)
	h.mutex.Unlock()

	metrics.Connections.Set(float64(count))
	slog.Info("client registered", "conn", c.id, "user", c.principal.UserID, "addr", c.addr, "clients", count)
}

// removeClient is the single teardown path of a client: it leaves every room,
// releases bus subscriptions, closes the send channel and reports presence.
// publishAsync is false only during shutdown, where the offline delta must be
// published before the bus closes.
func (h *Hub) removeClient(c *Client, publishAsync bool) bool {
	acct := c.principal.AccountID

	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, c)
	c.closed = true
	channels := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		channels = append(channels, channelID)
		h.removeFromRoomLocked(c, channelID)
	}
	set := h.accounts[acct]
	delete(set, c)
	if len(set) == 0 {
		delete(h.accounts, acct)
	}
	count := len(h.clients)
	rooms := len(h.rooms)
	h.mutex.Unlock()

	close(c.send)
	c.setState(stateClosed)
	metrics.Connections.Set(float64(count))
	metrics.Rooms.Set(float64(rooms))
	slog.Info("client unregistered", "conn", c.id, "user", c.principal.UserID, "clients", count)

	for _, channelID := range channels {
		h.releaseTopic(h.topics.Channel(channelID))
	}

	if c.presenceRegistered {
		h.applyPresenceChange(acct, h.presence.Disconnect(c.principal, c.id), publishAsync)
	}
	return true
}

func (h *Hub) removeFromRoomLocked(c *Client, channelID string) {
	delete(c.channels, channelID)
	room := h.rooms[channelID]
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
}

// connectPresence registers c in the presence registry once its auto-join is done.
func (h *Hub) connectPresence(c *Client) {
	h.mutex.Lock()
	if c.closed {
		h.mutex.Unlock()
		return
	}
	// Registered under the hub lock so removeClient always disconnects after this.
	c.presenceRegistered = true
	change := h.presence.Connect(c.principal, c.id)
	h.mutex.Unlock()

	h.applyPresenceChange(c.principal.AccountID, change, true)
}

// applyPresenceChange runs after the registry was updated: local clients see
// the transition first, then the delta goes out on the bus.
func (h *Hub) applyPresenceChange(accountID string, change presence.Change, async bool) {
	if change.Transition {
		h.sendPresence(accountID, chat.PresenceStatus{UserID: change.Delta.UserID, Online: change.Delta.Online})
	}
	if !change.Publish {
		return
	}
	publish := func() {
		ctx, cancel := context.WithTimeout(context.Background(), presencePublishTimeout)
		defer cancel()
		h.pipeline.PublishPresence(ctx, change.Delta)
	}
	if !async || !h.spawn(publish) {
		publish()
	}
}

// spawn runs fn on a goroutine Shutdown waits for. It returns false once
// Shutdown started waiting.
func (h *Hub) spawn(fn func()) bool {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	if h.stopping {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

// join authorizes c for channelID and adds it to the room.
func (h *Hub) join(ctx context.Context, c *Client, channelID string) error {
	if err := chat.ValidateID("channelId", channelID); err != nil {
		return err
	}

	h.mutex.RLock()
	_, joined := c.channels[channelID]
	h.mutex.RUnlock()
	if joined {
		return nil
	}

	ok, err := h.members.IsMember(ctx, channelID, c.principal.UserID)
	if err != nil {
		slog.Error("membership lookup failed", "conn", c.id, "channel", channelID, "error", err)
		return chat.PersistenceFailed(err)
	}
	if !ok {
		return chat.NotMember(channelID)
	}

	topic := h.topics.Channel(channelID)
	h.acquireTopic(topic, h.channelHandler(channelID))

	h.mutex.Lock()
	if c.closed {
		h.mutex.Unlock()
		h.releaseTopic(topic)
		return nil
	}
	if _, dup := c.channels[channelID]; dup {
		h.mutex.Unlock()
		h.releaseTopic(topic)
		return nil
	}
	c.channels[channelID] = struct{}{}
	room := h.rooms[channelID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[channelID] = room
	}
	room[c] = struct{}{}
	rooms := len(h.rooms)
	h.mutex.Unlock()

	metrics.Rooms.Set(float64(rooms))
	slog.Debug("joined channel", "conn", c.id, "user", c.principal.UserID, "channel", channelID)
	return nil
}

// leave removes c from the room of channelID. Leaving a room the client is not
// in is not an error.
func (h *Hub) leave(c *Client, channelID string) error {
	if err := chat.ValidateID("channelId", channelID); err != nil {
		return err
	}

	h.mutex.Lock()
	_, joined := c.channels[channelID]
	if joined {
		h.removeFromRoomLocked(c, channelID)
	}
	rooms := len(h.rooms)
	h.mutex.Unlock()

	if joined {
		metrics.Rooms.Set(float64(rooms))
		h.releaseTopic(h.topics.Channel(channelID))
		slog.Debug("left channel", "conn", c.id, "user", c.principal.UserID, "channel", channelID)
	}
	return nil
}

// acquireTopic takes a reference on topic, subscribing on the first one. It
// reports whether this call created the subscription. A failed subscribe is
// logged and the reference kept: the next bus resync retries it.
func (h *Hub) acquireTopic(topic string, handler bus.Handler) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if ref, ok := h.topicRefs[topic]; ok {
		ref.count++
		return false
	}
	h.topicRefs[topic] = &topicRef{count: 1, handler: handler}
	if err := h.bus.Subscribe(h.ctx, topic, handler); err != nil {
		slog.Warn("bus subscribe failed, will retry on resync", "topic", topic, "error", err)
	}
	return true
}

// releaseTopic drops a reference on topic and reports whether it was the last,
// in which case the bus subscription is removed.
func (h *Hub) releaseTopic(topic string) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	ref, ok := h.topicRefs[topic]
	if !ok {
		return false
	}
	ref.count--
	if ref.count > 0 {
		return false
	}
	delete(h.topicRefs, topic)
	if err := h.bus.Unsubscribe(context.Background(), topic); err != nil {
		slog.Warn("bus unsubscribe failed", "topic", topic, "error", err)
	}
	return true
}

// resync runs after the bus transport reconnected. Events published while
// this instance was cut off are gone, so every affected client is told to
// refetch history.
func (h *Hub) resync(_ []string) {
	h.subMu.Lock()
	for topic, ref := range h.topicRefs {
		if err := h.bus.Subscribe(h.ctx, topic, ref.handler); err != nil {
			slog.Warn("bus resubscribe failed", "topic", topic, "error", err)
		}
	}
	h.subMu.Unlock()

	h.pipeline.Kick()
	h.pipeline.RequestPresenceSync(h.ctx)

	h.mutex.RLock()
	targets := make(map[*Client][]string, len(h.clients))
	for c := range h.clients {
		targets[c] = c.channelList()
	}
	h.mutex.RUnlock()

	var failed []*Client
	for c, channels := range targets {
		if len(channels) == 0 {
			continue
		}
		frame := chat.ServerFrame{
			Type:            chat.KindResync,
			Payload:         mustJSON(chat.ChannelList{ChannelIDs: channels}),
			ServerTimestamp: h.now().UTC(),
		}
		if !h.sendFrame(c, frame) {
			failed = append(failed, c)
		}
	}
	h.removeFailedClients(failed)
	slog.Info("hub resynced after bus reconnect", "clients", len(targets))
}

// channelHandler delivers events of one channel topic to that channel's room only.
func (h *Hub) channelHandler(channelID string) bus.Handler {
	return func(ev chat.Event) {
		if ev.ChannelID != channelID {
			slog.Warn("dropping event for foreign channel", "topic_channel", channelID, "event_channel", ev.ChannelID)
			return
		}
		if ev.Kind == chat.KindTypingUpdate && h.typingExpired(ev) {
			return
		}
		h.deliverToRoom(channelID, chat.FrameFromEvent(ev))
	}
}

func (h *Hub) typingExpired(ev chat.Event) bool {
	var t chat.TypingUpdate
	if err := ev.Decode(&t); err != nil {
		slog.Warn("dropping malformed typing update", "channel", ev.ChannelID, "error", err)
		return true
	}
	return t.IsTyping && t.Expired(h.now())
}

// handlePresenceEvent folds presence traffic of every account into the fleet
// view and tells local clients of the affected account about flips.
func (h *Hub) handlePresenceEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.KindPresenceDelta:
		var d chat.PresenceDelta
		if err := ev.Decode(&d); err != nil {
			slog.Warn("dropping malformed presence delta", "error", err)
			return
		}
		if h.presence.Apply(d) {
			h.sendPresence(d.AccountID, chat.PresenceStatus{UserID: d.UserID, Online: d.Online})
		}

	case chat.KindPresenceSync:
		if ev.Origin == h.presence.InstanceID() {
			return
		}
		snap := h.presence.Snapshot()
		h.spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), presencePublishTimeout)
			defer cancel()
			h.pipeline.PublishPresenceSnapshot(ctx, snap)
		})

	case chat.KindPresenceSnapshot:
		var s chat.PresenceSnapshot
		if err := ev.Decode(&s); err != nil {
			slog.Warn("dropping malformed presence snapshot", "error", err)
			return
		}
		if s.InstanceID == h.presence.InstanceID() {
			return
		}
		for _, f := range h.presence.ApplySnapshot(s) {
			h.sendPresence(f.AccountID, f.Status)
		}
	}
}

func (h *Hub) handleControlEvent(ev chat.Event) {
	if ev.Kind != chat.KindMembershipChanged {
		return
	}
	var change chat.MembershipChange
	if err := ev.Decode(&change); err != nil {
		slog.Warn("dropping malformed membership change", "error", err)
		return
	}
	h.members.InvalidateChannel(change.ChannelID, change.UserIDs...)
	h.spawn(func() { h.revalidateRoom(change) })
}

// revalidateRoom re-checks membership of local clients in the changed channel
// and evicts those that are no longer members.
func (h *Hub) revalidateRoom(change chat.MembershipChange) {
	var only map[string]bool
	if len(change.UserIDs) > 0 {
		only = make(map[string]bool, len(change.UserIDs))
		for _, u := range change.UserIDs {
			only[u] = true
		}
	}

	h.mutex.RLock()
	var candidates []*Client
	for c := range h.rooms[change.ChannelID] {
		if only == nil || only[c.principal.UserID] {
			candidates = append(candidates, c)
		}
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, c := range candidates {
		ok, err := h.members.IsMember(h.ctx, change.ChannelID, c.principal.UserID)
		if err != nil {
			slog.Warn("membership revalidation failed", "conn", c.id, "channel", change.ChannelID, "error", err)
			continue
		}
		if ok {
			continue
		}
		if err := h.leave(c, change.ChannelID); err != nil {
			continue
		}
		frame := chat.ServerFrame{
			Type:            chat.KindChannelRemoved,
			ChannelID:       change.ChannelID,
			Payload:         mustJSON(chat.ChannelList{ChannelIDs: []string{change.ChannelID}}),
			ServerTimestamp: h.now().UTC(),
		}
		if !h.sendFrame(c, frame) {
			failed = append(failed, c)
		}
		slog.Info("evicted client from channel", "conn", c.id, "user", c.principal.UserID, "channel", change.ChannelID)
	}
	h.removeFailedClients(failed)
}

func (h *Hub) deliverToRoom(channelID string, frame chat.ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("encode frame failed", "kind", frame.Type, "error", err)
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.rooms[channelID]))
	for c := range h.rooms[channelID] {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()

	h.removeFailedClients(h.broadcastToClients(targets, channelID, payload))
}

func (h *Hub) sendPresence(accountID string, status chat.PresenceStatus) {
	kind := chat.KindUserOffline
	if status.Online {
		kind = chat.KindUserOnline
	}
	payload, err := json.Marshal(chat.ServerFrame{
		Type:            kind,
		Payload:         mustJSON(status),
		ServerTimestamp: h.now().UTC(),
	})
	if err != nil {
		slog.Error("encode presence frame failed", "error", err)
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.accounts[accountID]))
	for c := range h.accounts[accountID] {
		targets = append(targets, c)
	}
	h.mutex.RUnlock()

	h.removeFailedClients(h.broadcastToClients(targets, "", payload))
}

// broadcastToClients sends payload to every target still joined to channelID,
// or to every target when channelID is empty. It returns the clients whose
// send buffer was full.
func (h *Hub) broadcastToClients(targets []*Client, channelID string, payload []byte) []*Client {
	var failed []*Client
	for _, c := range targets {
		if !h.safeSend(c, channelID, payload) {
			failed = append(failed, c)
		}
	}
	return failed
}

func (h *Hub) sendFrame(c *Client, frame chat.ServerFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("encode frame failed", "kind", frame.Type, "error", err)
		return true
	}
	return h.safeSend(c, "", payload)
}

func (h *Hub) safeSend(client *Client, channelID string, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic in safeSend", "panic", r)
		}
	}()

	// The read lock keeps removeClient from closing send mid-select.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		// Already gone; not a delivery failure.
		return true
	}
	if channelID != "" {
		// The client may have left the room after targets were collected.
		if _, joined := client.channels[channelID]; !joined {
			return true
		}
	}

	select {
	case client.send <- message:
		return true
	default:
		metrics.DroppedFrames.Inc()
		return false
	}
}

// removeFailedClients drops slow consumers. Closing their send channel makes
// the write pump send a close frame and tear the connection down.
func (h *Hub) removeFailedClients(clients []*Client) {
	for _, c := range clients {
		if h.removeClient(c, true) {
			slog.Warn("client removed due to full send buffer", "conn", c.id, "addr", c.addr)
		}
	}
}

// Statuses returns the fleet-wide presence of userIDs as seen from accountID.
func (h *Hub) Statuses(accountID string, userIDs []string) []chat.PresenceStatus {
	return h.presence.Statuses(accountID, userIDs)
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// shutdownClients force-closes every client, publishing offline deltas first.
func (h *Hub) shutdownClients() {
	slog.Info("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.RUnlock()

	for _, c := range clients {
		h.removeClient(c, false)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				slog.Warn("error closing client connection", "conn", c.id, "error", err)
			}
		}
	}

	h.subMu.Lock()
	for topic := range h.topicRefs {
		if err := h.bus.Unsubscribe(context.Background(), topic); err != nil {
			slog.Debug("unsubscribe on shutdown failed", "topic", topic, "error", err)
		}
		delete(h.topicRefs, topic)
	}
	h.subMu.Unlock()

	slog.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub, force-closes all clients and waits for their
// goroutines, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	slog.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	h.spawnMu.Lock()
	h.stopping = true
	h.spawnMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode payload failed", "error", err)
		return nil
	}
	return raw
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
