package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names an event on the wire, on the bus, or both.
type Kind string

// Client to server event kinds.
const (
	KindJoinChannel   Kind = "join_channel"
	KindLeaveChannel  Kind = "leave_channel"
	KindSendMessage   Kind = "send_message"
	KindTypingStart   Kind = "typing_start"
	KindTypingStop    Kind = "typing_stop"
	KindReact         Kind = "react"
	KindMarkRead      Kind = "mark_read"
	KindQueryPresence Kind = "query_presence"
)

// Server to client event kinds.
const (
	KindMessageCreated     Kind = "message_created"
	KindReactionUpdated    Kind = "reaction_updated"
	KindReadReceiptUpdated Kind = "read_receipt_updated"
	KindTypingUpdate       Kind = "typing_update"
	KindUserOnline         Kind = "user_online"
	KindUserOffline        Kind = "user_offline"
	KindSessionReady       Kind = "session_ready"
	KindChannelRemoved     Kind = "channel_removed"
	KindResync             Kind = "resync"
	KindAck                Kind = "ack"
	KindError              Kind = "error"
)

// Instance to instance kinds. These never reach a client as-is.
const (
	KindPresenceDelta     Kind = "presence_delta"
	KindPresenceSync      Kind = "presence_sync"
	KindPresenceSnapshot  Kind = "presence_snapshot"
	KindMembershipChanged Kind = "membership_changed"
)

// Event is the envelope carried by the fan-out bus. It holds everything a
// receiving instance needs to deliver without touching storage.
type Event struct {
	Kind            Kind            `json:"kind"`
	ChannelID       string          `json:"channelId,omitempty"`
	AccountID       string          `json:"accountId,omitempty"`
	Origin          string          `json:"origin,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// NewEvent marshals payload into a bus event stamped with now.
func NewEvent(kind Kind, channelID string, payload any, now time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		Kind:            kind,
		ChannelID:       channelID,
		Payload:         raw,
		ServerTimestamp: now.UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// ClientFrame is one inbound WebSocket message.
type ClientFrame struct {
	Type      Kind            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody is the error section of an error frame.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ServerFrame is one outbound WebSocket message.
type ServerFrame struct {
	Type            Kind            `json:"type"`
	RequestID       string          `json:"requestId,omitempty"`
	ChannelID       string          `json:"channelId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           *ErrorBody      `json:"error,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// FrameFromEvent converts a bus event into the frame delivered to clients.
func FrameFromEvent(e Event) ServerFrame {
	return ServerFrame{
		Type:            e.Kind,
		ChannelID:       e.ChannelID,
		Payload:         e.Payload,
		ServerTimestamp: e.ServerTimestamp,
	}
}

// JoinChannel is the payload of join_channel.
type JoinChannel struct {
	ChannelID string `json:"channelId"`
}

// LeaveChannel is the payload of leave_channel.
type LeaveChannel struct {
	ChannelID string `json:"channelId"`
}

// SendMessage is the payload of send_message.
type SendMessage struct {
	ChannelID        string       `json:"channelId"`
	MessageText      string       `json:"messageText,omitempty"`
	MessageType      MessageType  `json:"messageType,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
}

// Typing is the payload of typing_start and typing_stop.
type Typing struct {
	ChannelID string `json:"channelId"`
}

// React is the payload of react.
type React struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// MarkRead is the payload of mark_read. An empty MessageID targets the latest
// message of the channel.
type MarkRead struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId,omitempty"`
}

// QueryPresence is the payload of query_presence.
type QueryPresence struct {
	UserIDs []string `json:"userIds"`
}

// SessionReady is sent once a connection finished its auto-join.
type SessionReady struct {
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	ChannelIDs   []string `json:"channelIds"`
}

// ChannelList is used by join/leave acks, resync and channel_removed frames.
type ChannelList struct {
	ChannelIDs []string `json:"channelIds"`
}

// DecodePayload unmarshals a client frame payload, mapping malformed JSON to a
// validation error.
func DecodePayload(f ClientFrame, v any) error {
	if len(f.Payload) == 0 {
		return Validationf("%s requires a payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return Validationf("malformed %s payload: %v", f.Type, err)
	}
	return nil
}
