// Package chat defines the domain types shared by the session manager, the
// message pipeline, the fan-out bus and the persistence layer.
package chat

import "time"

// DefaultAccountID is assigned to principals whose credential carries no account.
const DefaultAccountID = "default"

// Principal identifies the user behind a connection. It is derived once from a
// verified credential and never changes for the lifetime of the connection.
type Principal struct {
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	RoleID    string `json:"roleId,omitempty"`
}

// ChannelSettings holds the typed per-channel options.
type ChannelSettings struct {
	Topic    string `json:"topic,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// Channel is a named chat room. Channels are mutated by REST collaborators; the
// chat core only reads them.
type Channel struct {
	ID        string          `json:"channelId"`
	Type      string          `json:"channelType"`
	Name      string          `json:"name"`
	IsPrivate bool            `json:"isPrivate"`
	Settings  ChannelSettings `json:"settings"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Member is one row of the channel membership relation.
type Member struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// Known reports whether t is one of the accepted message types.
func (t MessageType) Known() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo:
		return true
	}
	return false
}

// Attachment references media stored by the external upload handler.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// NewMessage is the validated input of a send, before persistence assigns
// an id, a sequence number and a timestamp.
type NewMessage struct {
	ChannelID        string
	SenderID         string
	Text             string
	Type             MessageType
	Attachments      []Attachment
	ReplyToMessageID string
}

// Message is a persisted chat message. Seq is assigned by the store and is the
// authoritative ordering field for both the event stream and REST history.
type Message struct {
	ID               string       `json:"messageId"`
	Seq              int64        `json:"seq"`
	ChannelID        string       `json:"channelId"`
	SenderID         string       `json:"senderId"`
	Text             string       `json:"messageText"`
	Type             MessageType  `json:"messageType"`
	Attachments      []Attachment `json:"attachments"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Reaction is the single reaction a user holds on a message.
type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReactionUpdate is the payload of reaction_updated.
type ReactionUpdate struct {
	MessageID     string         `json:"messageId"`
	ChannelID     string         `json:"channelId"`
	UserID        string         `json:"userId"`
	Emoji         string         `json:"emoji"`
	PreviousEmoji string         `json:"previousEmoji,omitempty"`
	Counts        map[string]int `json:"counts"`
}

// ReadMarker points at the last message a user acknowledged in a channel.
// LastReadSeq never decreases for a given (channel, user).
type ReadMarker struct {
	ChannelID         string    `json:"channelId"`
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	LastReadSeq       int64     `json:"lastReadSeq"`
	ReadAt            time.Time `json:"readAt"`
}

// ReadResult is the acknowledgement of a mark_read request.
type ReadResult struct {
	Marker   ReadMarker `json:"marker"`
	Advanced bool       `json:"advanced"`
}

// TypingUpdate is the ephemeral typing indicator broadcast to a channel.
type TypingUpdate struct {
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the indicator must no longer be shown as active.
// A stop update is never active.
func (t TypingUpdate) Expired(now time.Time) bool {
	if !t.IsTyping {
		return true
	}
	return !now.Before(t.ExpiresAt)
}

// PresenceDelta is exchanged between instances when a user's local connection
// set on InstanceID becomes non-empty (Online) or empty. Version increases with
// every delta and snapshot an instance emits; receivers ignore anything older
// than what they already applied for that instance.
type PresenceDelta struct {
	UserID     string `json:"userId"`
	AccountID  string `json:"accountId"`
	InstanceID string `json:"instanceId"`
	Online     bool   `json:"online"`
	Version    uint64 `json:"version"`
}

// PresenceSnapshot lists every user an instance currently holds connections
// for. It replaces whatever the receiver knew about that instance.
type PresenceSnapshot struct {
	InstanceID string         `json:"instanceId"`
	Users      []PresenceUser `json:"users"`
	Version    uint64         `json:"version"`
}

// PresenceUser is one entry of a snapshot.
type PresenceUser struct {
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
}

// PresenceStatus is the client-facing presence of one user.
type PresenceStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// MembershipChange is published on the control topic by channel CRUD
// collaborators. An empty UserIDs means the whole member list may have changed.
type MembershipChange struct {
	ChannelID string   `json:"channelId"`
	UserIDs   []string `json:"userIds,omitempty"`
}
