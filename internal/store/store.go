// Package store declares the persistence and membership collaborators the chat
// core depends on, plus a per-process membership cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when creating a record whose key is taken.
var ErrAlreadyExists = errors.New("record already exists")

// Membership answers channel membership questions.
type Membership interface {
	ChannelsForUser(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, channelID, userID string) (bool, error)
}

// Messages persists messages and their related soft state.
type Messages interface {
	// CreateMessage stores m and returns it with ID, Seq and CreatedAt set.
	CreateMessage(ctx context.Context, m chat.NewMessage, at time.Time) (chat.Message, error)
	GetMessage(ctx context.Context, messageID string) (chat.Message, error)
	// LatestMessage returns the highest-seq message of channelID.
	LatestMessage(ctx context.Context, channelID string) (chat.Message, error)
	// ListMessages returns up to limit messages with seq < beforeSeq (all when
	// beforeSeq <= 0), in ascending seq order.
	ListMessages(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]chat.Message, error)

	// UpsertReaction replaces the caller's reaction on a message and returns
	// the emoji it replaced, empty when there was none.
	UpsertReaction(ctx context.Context, r chat.Reaction) (previous string, err error)
	ReactionCounts(ctx context.Context, messageID string) (map[string]int, error)

	// UpdateReadMarker moves the marker forward to m.LastReadSeq. When the
	// stored marker is already at or past it, the stored marker is returned
	// with advanced false.
	UpdateReadMarker(ctx context.Context, m chat.ReadMarker) (marker chat.ReadMarker, advanced bool, err error)
	GetReadMarker(ctx context.Context, channelID, userID string) (chat.ReadMarker, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	Membership
	Messages
}
