// Package server exposes HTTP handlers, including WebSocket upgrades, history
// and presence reads, health checks, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/teamchat/internal/auth"
	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/config"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// TokenVerifier turns a bearer credential into a principal.
type TokenVerifier interface {
	Verify(token string) (chat.Principal, error)
}

// HistoryReader reads one page of channel history in ascending order.
type HistoryReader interface {
	ListMessages(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]chat.Message, error)
}

// Handlers serves the HTTP surface of one instance.
type Handlers struct {
	hub      *Hub
	verifier TokenVerifier
	history  HistoryReader
	client   ClientConfig
	upgrader websocket.Upgrader
}

// NewHandlers wires the HTTP handlers to hub and its collaborators.
func NewHandlers(hub *Hub, verifier TokenVerifier, history HistoryReader, cfg *config.Config) *Handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins)
	return &Handlers{
		hub:      hub,
		verifier: verifier,
		history:  history,
		client:   ClientConfigFrom(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

// WebSocket authenticates the handshake and upgrades it. A missing or invalid
// credential is answered with 401 before any upgrade.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, principal, h.client)

	// The hub launches the pump goroutines.
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

type historyPage struct {
	Messages   []chat.Message `json:"messages"`
	NextBefore int64          `json:"nextBefore,omitempty"`
}

// History returns a page of a channel's messages. The before query parameter
// is an exclusive seq bound; nextBefore is set when older messages may exist.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	channelID := mux.Vars(r)["channelID"]
	if err := chat.ValidateID("channelId", channelID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	before, limit, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	member, err := h.hub.members.IsMember(r.Context(), channelID, principal.UserID)
	if err != nil {
		slog.Error("history membership lookup failed", "channel", channelID, "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.PersistenceFailed(err))
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, chat.NotMember(channelID))
		return
	}

	messages, err := h.history.ListMessages(r.Context(), channelID, before, limit)
	if err != nil {
		slog.Error("history read failed", "channel", channelID, "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.PersistenceFailed(err))
		return
	}

	page := historyPage{Messages: messages}
	if page.Messages == nil {
		page.Messages = []chat.Message{}
	}
	if len(messages) == limit {
		page.NextBefore = messages[0].Seq
	}
	writeJSON(w, http.StatusOK, page)
}

func pageParams(r *http.Request) (before int64, limit int, err error) {
	q := r.URL.Query()
	limit = defaultHistoryLimit
	if raw := q.Get("before"); raw != "" {
		before, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || before < 0 {
			return 0, 0, chat.Validationf("before must be a non-negative integer")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxHistoryLimit {
			return 0, 0, chat.Validationf("limit must be between 1 and %d", maxHistoryLimit)
		}
	}
	return before, limit, nil
}

// Presence reports the fleet-wide presence of one user of the caller's account.
func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userID"]
	if err := chat.ValidateID("userId", userID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.hub.Statuses(principal.AccountID, []string{userID})[0])
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (chat.Principal, bool) {
	principal, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			slog.Debug("request without credential", "path", r.URL.Path, "addr", r.RemoteAddr)
		} else {
			slog.Warn("rejected credential", "path", r.URL.Path, "addr", r.RemoteAddr, "error", err)
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="teamchat"`)
		writeError(w, http.StatusUnauthorized, err)
		return chat.Principal{}, false
	}
	return principal, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("error writing JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error *chat.ErrorBody `json:"error"`
	}{Error: chat.Body(err)})
}

// Health provides a simple health check endpoint that returns server status.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "teamchat server is running! clients=%d", h.hub.ClientCount())
}

// TestPage serves an HTML page for exercising the WebSocket protocol by hand.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>teamchat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #frames {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] {
            width: 300px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>teamchat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="channelInput" placeholder="Channel id">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="frames"></div>

    <script>
        let ws = null;
        let requestSeq = 0;
        let lastTyping = 0;
        const framesDiv = document.getElementById('frames');
        const tokenInput = document.getElementById('tokenInput');
        const channelInput = document.getElementById('channelInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '3px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            framesDiv.appendChild(line);
            framesDiv.scrollTop = framesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = function() {
                addLine('connected');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(frame) {
                    addLine('< ' + frame, 'green');
                });
            };
            ws.onclose = function(event) {
                addLine('connection closed (' + event.code + ')');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addLine('connection error');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendFrame(type, payload) {
            const frame = { type: type, requestId: 'r' + (++requestSeq), payload: payload };
            const text = JSON.stringify(frame);
            ws.send(text);
            addLine('> ' + text, 'blue');
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            const channelId = channelInput.value.trim();
            if (text && channelId && ws && ws.readyState === WebSocket.OPEN) {
                sendFrame('send_message', { channelId: channelId, messageText: text });
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            } else if (ws && channelInput.value.trim() && Date.now() - lastTyping > 2000) {
                lastTyping = Date.now();
                sendFrame('typing_start', { channelId: channelInput.value.trim() });
            }
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Debug("error writing HTML response", "error", err)
	}
}
