package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/bus"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/pipeline"
	"github.com/Tyrowin/teamchat/internal/presence"
	"github.com/Tyrowin/teamchat/internal/server"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/Tyrowin/teamchat/internal/store/sqlite"
)

const (
	testOrigin  = "http://localhost:8080"
	testSecret  = "test-secret"
	testAccount = "acct"
	waitTimeout = 3 * time.Second
)

// testEnv is the shared backing of one simulated fleet: a single store and a
// single in-memory broker that every instance connects to.
type testEnv struct {
	store    *sqlite.Store
	broker   *bus.Broker
	verifier *auth.Verifier
	cfg      *config.Config
	topics   bus.Topics
}

// newTestEnv seeds channel 7 (alice, bob) and channel 8 (alice).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	for _, ch := range []string{"7", "8"} {
		if err := st.CreateChannel(ctx, chat.Channel{ID: ch, Name: "channel-" + ch}); err != nil {
			t.Fatalf("create channel %s: %v", ch, err)
		}
	}
	members := []chat.Member{
		{ChannelID: "7", UserID: "alice"},
		{ChannelID: "7", UserID: "bob"},
		{ChannelID: "8", UserID: "alice"},
	}
	for _, m := range members {
		if err := st.AddMember(ctx, m); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}

	verifier, err := auth.NewHMAC([]byte(testSecret), "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	cfg := config.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.IdleTimeout = 30 * time.Second
	cfg.RateLimit = config.RateLimitConfig{Burst: 100, RefillInterval: time.Second}

	return &testEnv{
		store:    st,
		broker:   bus.NewBroker(),
		verifier: verifier,
		cfg:      cfg,
		topics:   bus.Topics{Prefix: "test"},
	}
}

// testInstance is one chat process of the simulated fleet.
type testInstance struct {
	id       string
	hub      *server.Hub
	pipeline *pipeline.Pipeline
	presence *presence.Registry
	srv      *httptest.Server
}

type instanceOption func(*server.HubOptions)

func withHubClock(now func() time.Time) instanceOption {
	return func(o *server.HubOptions) { o.Now = now }
}

func (e *testEnv) startInstance(t *testing.T, id string, opts ...instanceOption) *testInstance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	b := e.broker.Connect()
	members := store.NewMembershipCache(e.store)
	pipe := pipeline.New(pipeline.Options{
		Store:      e.store,
		Members:    members,
		Bus:        b,
		Topics:     e.topics,
		InstanceID: id,
	})
	pipe.Start(ctx)

	registry := presence.New(id)
	hubOpts := server.HubOptions{
		Pipeline: pipe,
		Members:  members,
		Presence: registry,
		Bus:      b,
		Topics:   e.topics,
	}
	for _, opt := range opts {
		opt(&hubOpts)
	}
	hub := server.NewHub(hubOpts)
	go hub.Run()

	handlers := server.NewHandlers(hub, e.verifier, e.store, e.cfg)
	srv := httptest.NewServer(server.SetupRoutes(handlers))

	t.Cleanup(func() {
		_ = b.Close()
		cancel()
	})
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(5 * time.Second) })

	return &testInstance{id: id, hub: hub, pipeline: pipe, presence: registry, srv: srv}
}

func (i *testInstance) wsURL() string {
	return "ws" + strings.TrimPrefix(i.srv.URL, "http") + "/ws"
}

func token(t *testing.T, userID string) string {
	t.Helper()
	return tokenFor(t, userID, testAccount)
}

func tokenFor(t *testing.T, userID, accountID string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AccountID: accountID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// wsClient reads frames in the background so tests can wait on them by kind.
type wsClient struct {
	conn   *websocket.Conn
	frames chan chat.ServerFrame
	// pending holds frames that arrived ahead of session_ready.
	pending []chat.ServerFrame
	seq     atomic.Int64
}

type readResult int

const (
	readOK readResult = iota
	readClosed
	readTimeout
)

// next returns the oldest unread frame.
func (c *wsClient) next(deadline <-chan time.Time) (chat.ServerFrame, readResult) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, readOK
	}
	select {
	case f, ok := <-c.frames:
		if !ok {
			return chat.ServerFrame{}, readClosed
		}
		return f, readOK
	case <-deadline:
		return chat.ServerFrame{}, readTimeout
	}
}

func dialRaw(url, bearer string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	if bearer != "" {
		headers.Set("Authorization", "Bearer "+bearer)
	}
	return dialer.Dial(url, headers)
}

// connect dials inst as userID and waits for session_ready.
func connect(t *testing.T, inst *testInstance, userID string) (*wsClient, chat.SessionReady) {
	t.Helper()
	conn, resp, err := dialRaw(inst.wsURL(), token(t, userID))
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s as %s: %v", inst.id, userID, err)
	}
	c := &wsClient{conn: conn, frames: make(chan chat.ServerFrame, 512)}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })

	// Presence frames may overtake session_ready; keep them for the test.
	var early []chat.ServerFrame
	deadline := time.After(waitTimeout)
	for {
		f, res := c.next(deadline)
		switch res {
		case readClosed:
			t.Fatalf("connection closed before session_ready")
		case readTimeout:
			t.Fatalf("timed out waiting for session_ready")
		}
		if f.Type != chat.KindSessionReady {
			early = append(early, f)
			continue
		}
		c.pending = early
		var ready chat.SessionReady
		decode(t, f, &ready)
		return c, ready
	}
}

func (c *wsClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var f chat.ServerFrame
			if err := json.Unmarshal(line, &f); err != nil {
				continue
			}
			c.frames <- f
		}
	}
}

// expect returns the next frame of kind, skipping any other kinds.
func (c *wsClient) expect(t *testing.T, kind chat.Kind) chat.ServerFrame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		f, res := c.next(deadline)
		switch res {
		case readClosed:
			t.Fatalf("connection closed while waiting for %s", kind)
		case readTimeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
		if f.Type == kind {
			return f
		}
	}
}

// expectPresence returns the next presence frame of kind about userID.
func (c *wsClient) expectPresence(t *testing.T, kind chat.Kind, userID string) chat.PresenceStatus {
	t.Helper()
	for {
		var status chat.PresenceStatus
		decode(t, c.expect(t, kind), &status)
		if status.UserID == userID {
			return status
		}
	}
}

// expectNone fails if a frame of kind arrives within d.
func (c *wsClient) expectNone(t *testing.T, kind chat.Kind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		f, res := c.next(deadline)
		if res != readOK {
			return
		}
		if f.Type == kind {
			t.Fatalf("unexpected %s frame: %s", kind, f.Payload)
		}
	}
}

// expectClosed waits for the server to close the connection.
func (c *wsClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		switch _, res := c.next(deadline); res {
		case readClosed:
			return
		case readTimeout:
			t.Fatal("connection still open")
		}
	}
}

func (c *wsClient) send(t *testing.T, kind chat.Kind, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	frame := chat.ClientFrame{Type: kind, RequestID: requestID, Payload: raw}
	if err := c.conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", kind, err)
	}
}

// request sends one event and returns its ack or error frame.
func (c *wsClient) request(t *testing.T, kind chat.Kind, payload any) chat.ServerFrame {
	t.Helper()
	requestID := fmt.Sprintf("r%d", c.seq.Add(1))
	c.send(t, kind, requestID, payload)

	deadline := time.After(waitTimeout)
	for {
		f, res := c.next(deadline)
		switch res {
		case readClosed:
			t.Fatalf("connection closed while waiting for reply to %s", requestID)
		case readTimeout:
			t.Fatalf("timed out waiting for reply to %s %s", kind, requestID)
		}
		if (f.Type == chat.KindAck || f.Type == chat.KindError) && f.RequestID == requestID {
			return f
		}
	}
}

// eventually polls cond until it holds or waitTimeout passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *wsClient) close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func decode(t *testing.T, f chat.ServerFrame, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("decode %s payload %s: %v", f.Type, f.Payload, err)
	}
}

func requireAck(t *testing.T, f chat.ServerFrame) {
	t.Helper()
	if f.Type != chat.KindAck {
		t.Fatalf("expected ack, got %s %+v", f.Type, f.Error)
	}
}

func requireError(t *testing.T, f chat.ServerFrame, code chat.Code) {
	t.Helper()
	if f.Type != chat.KindError || f.Error == nil || f.Error.Code != code {
		t.Fatalf("expected %s error, got %s %+v", code, f.Type, f.Error)
	}
}

func getJSON(t *testing.T, url, bearer string, v any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}
