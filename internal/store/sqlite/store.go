// Package sqlite provides the SQLite-backed chat store: channels, membership,
// messages, reactions and read markers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/Tyrowin/teamchat/internal/store"
	"github.com/Tyrowin/teamchat/internal/store/sqlite/migrations"
)

const maxListLimit = 200

// Store persists chat state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite chat store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps seq assignment and read-marker upserts serialized.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// CreateChannel inserts one channel.
func (s *Store) CreateChannel(ctx context.Context, ch chat.Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := chat.ValidateID("channel id", ch.ID); err != nil {
		return err
	}
	if strings.TrimSpace(ch.Name) == "" {
		return fmt.Errorf("channel name is required")
	}
	if ch.Type == "" {
		ch.Type = "group"
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	settings, err := json.Marshal(ch.Settings)
	if err != nil {
		return fmt.Errorf("marshal channel settings: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO channels (id, channel_type, name, is_private, settings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.Type, strings.TrimSpace(ch.Name), ch.IsPrivate, string(settings), toMillis(ch.CreatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// GetChannel returns one channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID string) (chat.Channel, error) {
	if err := ctx.Err(); err != nil {
		return chat.Channel{}, err
	}
	var (
		ch        chat.Channel
		settings  string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, channel_type, name, is_private, settings_json, created_at
		   FROM channels WHERE id = ?`,
		channelID,
	).Scan(&ch.ID, &ch.Type, &ch.Name, &ch.IsPrivate, &settings, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Channel{}, store.ErrNotFound
		}
		return chat.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &ch.Settings); err != nil {
		return chat.Channel{}, fmt.Errorf("decode channel settings: %w", err)
	}
	ch.CreatedAt = fromMillis(createdAt)
	return ch, nil
}

// AddMember adds or updates one membership row.
func (s *Store) AddMember(ctx context.Context, m chat.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := chat.ValidateID("user id", m.UserID); err != nil {
		return err
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id, role, joined_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (channel_id, user_id) DO UPDATE SET role = excluded.role`,
		m.ChannelID, m.UserID, m.Role, toMillis(m.JoinedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return store.ErrNotFound
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember deletes one membership row. Removing a non-member is not an error.
func (s *Store) RemoveMember(ctx context.Context, channelID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// ChannelsForUser returns the ids of every channel userID belongs to.
func (s *Store) ChannelsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT channel_id FROM channel_members WHERE user_id = ? ORDER BY channel_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel ids: %w", err)
	}
	return ids, nil
}

// IsMember reports whether userID belongs to channelID.
func (s *Store) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// CreateMessage persists m and assigns its id and sequence number.
func (s *Store) CreateMessage(ctx context.Context, m chat.NewMessage, at time.Time) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []chat.Attachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return chat.Message{}, fmt.Errorf("marshal attachments: %w", err)
	}

	msg := chat.Message{
		ID:               uuid.NewString(),
		ChannelID:        m.ChannelID,
		SenderID:         m.SenderID,
		Text:             m.Text,
		Type:             m.Type,
		Attachments:      attachments,
		ReplyToMessageID: m.ReplyToMessageID,
		CreatedAt:        fromMillis(toMillis(at)),
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, message_text, message_type,
		                       attachments_json, reply_to_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Text, string(msg.Type),
		string(raw), msg.ReplyToMessageID, toMillis(msg.CreatedAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return chat.Message{}, store.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("create message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("read message seq: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

const messageColumns = `seq, id, channel_id, sender_id, message_text, message_type,
       attachments_json, reply_to_message_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m           chat.Message
		msgType     string
		attachments string
		createdAt   int64
	)
	if err := row.Scan(&m.Seq, &m.ID, &m.ChannelID, &m.SenderID, &m.Text, &msgType,
		&attachments, &m.ReplyToMessageID, &createdAt); err != nil {
		return chat.Message{}, err
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return chat.Message{}, fmt.Errorf("decode attachments: %w", err)
	}
	m.Type = chat.MessageType(msgType)
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	m, err := scanMessage(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, store.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// LatestMessage returns the most recent message of channelID.
func (s *Store) LatestMessage(ctx context.Context, channelID string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	m, err := scanMessage(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? ORDER BY seq DESC LIMIT 1`,
		channelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, store.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("get latest message: %w", err)
	}
	return m, nil
}

// ListMessages returns one page of channel history in ascending seq order.
func (s *Store) ListMessages(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+`
		   FROM messages
		  WHERE channel_id = ? AND (? <= 0 OR seq < ?)
		  ORDER BY seq DESC
		  LIMIT ?`,
		channelID, beforeSeq, beforeSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var page []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// UpsertReaction stores r as the only reaction of r.UserID on r.MessageID.
func (s *Store) UpsertReaction(ctx context.Context, r chat.Reaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin reaction tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var previous string
	err = tx.QueryRowContext(ctx,
		`SELECT emoji FROM reactions WHERE message_id = ? AND user_id = ?`,
		r.MessageID, r.UserID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read previous reaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reactions (message_id, user_id, emoji, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET emoji = excluded.emoji, updated_at = excluded.updated_at`,
		r.MessageID, r.UserID, r.Emoji, toMillis(r.UpdatedAt),
	); err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("upsert reaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reaction: %w", err)
	}
	return previous, nil
}

// ReactionCounts returns the number of users per emoji on messageID.
func (s *Store) ReactionCounts(ctx context.Context, messageID string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT emoji, COUNT(*) FROM reactions WHERE message_id = ? GROUP BY emoji`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("count reactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			emoji string
			n     int
		)
		if err := rows.Scan(&emoji, &n); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		counts[emoji] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction counts: %w", err)
	}
	return counts, nil
}

// UpdateReadMarker advances the marker of (m.ChannelID, m.UserID) to
// m.LastReadSeq. A marker never moves backward.
func (s *Store) UpdateReadMarker(ctx context.Context, m chat.ReadMarker) (chat.ReadMarker, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.ReadMarker{}, false, err
	}
	if m.ReadAt.IsZero() {
		m.ReadAt = time.Now()
	}
	m.ReadAt = fromMillis(toMillis(m.ReadAt))

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return chat.ReadMarker{}, false, fmt.Errorf("begin read marker tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO read_markers (channel_id, user_id, last_read_message_id, last_read_seq, read_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, user_id) DO UPDATE SET
		     last_read_message_id = excluded.last_read_message_id,
		     last_read_seq = excluded.last_read_seq,
		     read_at = excluded.read_at
		 WHERE excluded.last_read_seq > read_markers.last_read_seq`,
		m.ChannelID, m.UserID, m.LastReadMessageID, m.LastReadSeq, toMillis(m.ReadAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return chat.ReadMarker{}, false, store.ErrNotFound
		}
		return chat.ReadMarker{}, false, fmt.Errorf("upsert read marker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return chat.ReadMarker{}, false, fmt.Errorf("read marker rows affected: %w", err)
	}

	if affected > 0 {
		if err := tx.Commit(); err != nil {
			return chat.ReadMarker{}, false, fmt.Errorf("commit read marker: %w", err)
		}
		return m, true, nil
	}

	current, err := readMarker(ctx, tx, m.ChannelID, m.UserID)
	if err != nil {
		return chat.ReadMarker{}, false, err
	}
	return current, false, nil
}

// GetReadMarker returns the marker of (channelID, userID).
func (s *Store) GetReadMarker(ctx context.Context, channelID, userID string) (chat.ReadMarker, error) {
	if err := ctx.Err(); err != nil {
		return chat.ReadMarker{}, err
	}
	return readMarker(ctx, s.sqlDB, channelID, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMarker(ctx context.Context, q queryRower, channelID, userID string) (chat.ReadMarker, error) {
	m := chat.ReadMarker{ChannelID: channelID, UserID: userID}
	var readAt int64
	err := q.QueryRowContext(ctx,
		`SELECT last_read_message_id, last_read_seq, read_at
		   FROM read_markers WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	).Scan(&m.LastReadMessageID, &m.LastReadSeq, &readAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.ReadMarker{}, store.ErrNotFound
		}
		return chat.ReadMarker{}, fmt.Errorf("get read marker: %w", err)
	}
	m.ReadAt = fromMillis(readAt)
	return m, nil
}

func isConstraint(err error, codes ...int) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.Code() == code {
			return true
		}
	}
	return false
}
