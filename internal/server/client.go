// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
	"github.com/Tyrowin/teamchat/internal/metrics"
)

const (
	sendBufferSize   = 256
	writeWait        = 10 * time.Second
	maxPresenceQuery = 100
)

// ClientConfig bounds one connection.
type ClientConfig struct {
	MaxMessageSize int64
	IdleTimeout    time.Duration
	RateLimit      config.RateLimitConfig
}

// ClientConfigFrom extracts the per-connection settings of cfg.
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	return ClientConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		IdleTimeout:    cfg.IdleTimeout,
		RateLimit:      cfg.RateLimit,
	}
}

// Client is one authenticated WebSocket connection. Its read pump is the only
// goroutine that handles the client's inbound events, so events of one
// connection are processed in arrival order.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	addr      string
	principal chat.Principal
	cfg       ClientConfig
	limiter   *rate.Limiter
	state     atomic.Int32
	// lastActivity is when the client last sent a frame, in unix nanoseconds.
	lastActivity atomic.Int64

	// ctx is canceled when the read pump exits, aborting in-flight work.
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by hub.mutex.
	closed             bool
	channels           map[string]struct{}
	presenceRegistered bool
}

// NewClient creates a Client for an already authenticated principal. The
// client's send channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, principal chat.Principal, cfg ClientConfig) *Client {
	if conn != nil && cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		hub:       hub,
		addr:      addr,
		principal: principal,
		cfg:       cfg,
		limiter:   newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[string]struct{}),
	}
	c.setState(stateAuthenticated)
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setState moves the connection forward in its lifecycle; it never goes back.
func (c *Client) setState(next connState) {
	for {
		cur := connState(c.state.Load())
		if next <= cur {
			return
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			slog.Debug("connection state", "conn", c.id, "from", cur, "to", next)
			return
		}
	}
}

func (c *Client) currentState() connState {
	return connState(c.state.Load())
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// idleFor returns how long the client has not sent a frame. Pongs do not count.
func (c *Client) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// channelList returns the joined channels. Callers hold hub.mutex.
func (c *Client) channelList() []string {
	return sortedKeys(c.channels)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *Client) extendReadDeadline() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
		slog.Debug("error setting read deadline", "conn", c.id, "error", err)
	}
}

// logReadError logs the reason the read loop stopped.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("message exceeded maximum size", "conn", c.id, "addr", c.addr, "limit", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		slog.Info("client disconnected", "conn", c.id, "addr", c.addr, "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		slog.Info("client connection closed", "conn", c.id, "addr", c.addr, "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		slog.Warn("unexpected websocket close", "conn", c.id, "addr", c.addr, "error", err)
	default:
		slog.Info("websocket read ended", "conn", c.id, "addr", c.addr, "error", err)
	}
}

// start auto-joins every channel the user belongs to, announces the session
// and registers the connection in presence.
func (c *Client) start() {
	channels, err := c.hub.members.ChannelsForUser(c.ctx, c.principal.UserID)
	if err != nil {
		slog.Error("auto-join lookup failed", "conn", c.id, "user", c.principal.UserID, "error", err)
		c.reply(chat.ClientFrame{}, nil, chat.PersistenceFailed(err))
	}

	joined := make([]string, 0, len(channels))
	for _, channelID := range channels {
		if err := c.hub.join(c.ctx, c, channelID); err != nil {
			slog.Warn("auto-join failed", "conn", c.id, "channel", channelID, "error", err)
			continue
		}
		joined = append(joined, channelID)
	}
	c.setState(stateJoined)

	c.push(chat.ServerFrame{
		Type: chat.KindSessionReady,
		Payload: mustJSON(chat.SessionReady{
			ConnectionID: c.id,
			UserID:       c.principal.UserID,
			ChannelIDs:   joined,
		}),
		ServerTimestamp: c.hub.now().UTC(),
	})
	c.hub.connectPresence(c)
}

func (c *Client) readPump() {
	defer func() {
		c.setState(stateClosing)
		c.cancel()
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Debug("error closing connection in readPump", "conn", c.id, "error", err)
		}
	}()

	c.setupReadConnection()
	c.start()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.touch()
		c.handleFrame(rawMessage)
	}
}

// handleFrame processes one inbound frame. Every frame is answered with
// exactly one ack or error frame.
func (c *Client) handleFrame(raw []byte) {
	var f chat.ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Debug("invalid frame", "conn", c.id, "error", err)
		c.reply(f, nil, chat.Validationf("malformed frame: %v", err))
		return
	}
	if f.Type == "" {
		c.reply(f, nil, chat.Validationf("frame type is required"))
		return
	}

	if !c.limiter.Allow() {
		slog.Warn("rate limit exceeded; rejecting event", "conn", c.id, "addr", c.addr,
			"burst", c.cfg.RateLimit.Burst, "interval", c.cfg.RateLimit.RefillInterval)
		metrics.EventsHandled.WithLabelValues(string(f.Type), string(chat.CodeRateLimited)).Inc()
		c.reply(f, nil, chat.RateLimited())
		return
	}

	result, err := c.dispatch(f)
	c.reply(f, result, err)
}

func (c *Client) dispatch(f chat.ClientFrame) (result any, err error) {
	switch f.Type {
	case chat.KindJoinChannel, chat.KindLeaveChannel, chat.KindQueryPresence:
		defer func() {
			outcome := "ok"
			if err != nil {
				outcome = string(chat.CodeOf(err))
			}
			metrics.EventsHandled.WithLabelValues(string(f.Type), outcome).Inc()
		}()
	}

	switch f.Type {
	case chat.KindJoinChannel:
		var req chat.JoinChannel
		if err := chat.DecodePayload(f, &req); err != nil {
			return nil, err
		}
		if err := c.hub.join(c.ctx, c, req.ChannelID); err != nil {
			return nil, err
		}
		return chat.ChannelList{ChannelIDs: []string{req.ChannelID}}, nil

	case chat.KindLeaveChannel:
		var req chat.LeaveChannel
		if err := chat.DecodePayload(f, &req); err != nil {
			return nil, err
		}
		if err := c.hub.leave(c, req.ChannelID); err != nil {
			return nil, err
		}
		return chat.ChannelList{ChannelIDs: []string{req.ChannelID}}, nil

	case chat.KindQueryPresence:
		var req chat.QueryPresence
		if err := chat.DecodePayload(f, &req); err != nil {
			return nil, err
		}
		if len(req.UserIDs) == 0 || len(req.UserIDs) > maxPresenceQuery {
			return nil, chat.Validationf("userIds must list 1 to %d users", maxPresenceQuery)
		}
		for _, id := range req.UserIDs {
			if err := chat.ValidateID("userId", id); err != nil {
				return nil, err
			}
		}
		return c.hub.Statuses(c.principal.AccountID, req.UserIDs), nil

	default:
		return c.hub.pipeline.Handle(c.ctx, c.principal, f)
	}
}

// reply sends the ack or error frame answering f.
func (c *Client) reply(f chat.ClientFrame, result any, err error) {
	frame := chat.ServerFrame{
		Type:            chat.KindAck,
		RequestID:       f.RequestID,
		ServerTimestamp: c.hub.now().UTC(),
	}
	if err != nil {
		frame.Type = chat.KindError
		frame.Error = chat.Body(err)
		if chat.CodeOf(err) == chat.CodeInternal {
			slog.Error("event failed", "conn", c.id, "kind", f.Type, "error", err)
		}
	} else if result != nil {
		frame.Payload = mustJSON(result)
	}
	c.push(frame)
}

// push queues frame for this client only. A full buffer drops the client.
func (c *Client) push(frame chat.ServerFrame) {
	if !c.hub.sendFrame(c, frame) {
		c.hub.removeFailedClients([]*Client{c})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.IdleTimeout * 9 / 10)
	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer func() {
		ticker.Stop()
		idle.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker, idle) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker, idle *time.Timer) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-idle.C:
		return c.checkIdle(idle)
	}
}

// checkIdle re-arms idle for the rest of the window, or closes the connection
// when the client sent nothing for IdleTimeout. Closing ends the read pump,
// which unregisters the client.
func (c *Client) checkIdle(idle *time.Timer) bool {
	if remaining := c.cfg.IdleTimeout - c.idleFor(time.Now()); remaining > 0 {
		idle.Reset(remaining)
		return true
	}

	slog.Info("closing idle connection", "conn", c.id, "addr", c.addr, "idle_timeout", c.cfg.IdleTimeout)
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Debug("error setting write deadline", "conn", c.id, "error", err)
		return false
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "idle timeout")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		slog.Debug("error writing idle close message", "conn", c.id, "error", err)
	}
	return false
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("error closing connection in writePump", "conn", c.id, "error", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Debug("error setting write deadline", "conn", c.id, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("error writing close message", "conn", c.id, "error", err)
		}
	}
	return false
}

// writeTextMessage writes a frame and any queued frames, newline separated,
// into one WebSocket message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		slog.Debug("error creating writer", "conn", c.id, "error", err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		slog.Debug("error writing message", "conn", c.id, "error", err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		slog.Debug("error closing writer", "conn", c.id, "error", err)
		return false
	}
	return true
}

// writeQueuedMessages drains what is already buffered without blocking.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		message, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			slog.Debug("error writing separator", "conn", c.id, "error", err)
			return false
		}
		if _, err := w.Write(message); err != nil {
			slog.Debug("error writing queued message", "conn", c.id, "error", err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Debug("error setting write deadline for ping", "conn", c.id, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		slog.Debug("error writing ping message", "conn", c.id, "error", err)
		return false
	}
	return true
}
