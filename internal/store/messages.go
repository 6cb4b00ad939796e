package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/chat"
)

// Embedding states of a message row.
const (
	EmbedPending = "pending"
	EmbedDone    = "done"
	EmbedFailed  = "failed"
	EmbedSkipped = "skipped"
)

const messageColumns = `m.id, m.conversation_id, m.message_id, m.sender_id, m.sender_name, m.body, m.sent_at, m.embedding, m.indexed_at`

// StoredMessage is a message together with its row id.
type StoredMessage struct {
	RowID int64 `json:"-"`
	chat.Message
}

// EmbedTask is a message that still needs an embedding.
type EmbedTask struct {
	RowID    int64
	Key      chat.Key
	Body     string
	Attempts int
}

// InsertMessageIfAbsent persists m unless its key already exists. It reports
// whether a new row was written; an existing row is never modified.
func (s *Store) InsertMessageIfAbsent(ctx context.Context, m chat.Message) (StoredMessage, bool, error) {
	stored, err := s.insertMessage(ctx, m, "ON CONFLICT (conversation_id, message_id) DO NOTHING")
	if errors.Is(err, errNoRow) {
		return StoredMessage{Message: m}, false, nil
	}
	if err != nil {
		return StoredMessage{}, false, errors.Wrapf(err, "store: insert message %s/%s", m.ConversationID, m.ID)
	}
	return stored, true, nil
}

// InsertMessage persists m and fails with ErrDuplicate if its key exists.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (StoredMessage, error) {
	stored, err := s.insertMessage(ctx, m, "")
	if isUniqueViolation(err) {
		return StoredMessage{}, errors.Wrapf(ErrDuplicate, "%s/%s", m.ConversationID, m.ID)
	}
	if err != nil {
		return StoredMessage{}, errors.Wrapf(err, "store: insert message %s/%s", m.ConversationID, m.ID)
	}
	return stored, nil
}

var errNoRow = errors.New("no row inserted")

func (s *Store) insertMessage(ctx context.Context, m chat.Message, conflict string) (StoredMessage, error) {
	if m.ConversationID == "" || m.ID == "" {
		return StoredMessage{}, errors.New("conversation id and message id are required")
	}
	status := EmbedPending
	if strings.TrimSpace(m.Body) == "" {
		status = EmbedSkipped
	}
	now := s.now()

	res, err := s.execHook(ctx, s.db,
		`INSERT INTO messages (conversation_id, message_id, sender_id, sender_name, body, sent_at, embed_status, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) `+conflict,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Body, toMillis(m.SentAt), status, toMillis(now),
	)
	if err != nil {
		return StoredMessage{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return StoredMessage{}, err
	}
	if n == 0 {
		return StoredMessage{}, errNoRow
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StoredMessage{}, err
	}
	m.IndexedAt = fromMillis(toMillis(now))
	m.Embedding = nil
	return StoredMessage{RowID: id, Message: m}, nil
}

// GetMessage returns one message, including its embedding when present.
func (s *Store) GetMessage(ctx context.Context, key chat.Key) (StoredMessage, error) {
	rows, err := s.queryHook(ctx, s.db,
		`SELECT `+messageColumns+` FROM messages m WHERE m.conversation_id = ? AND m.message_id = ?`,
		key.ConversationID, key.MessageID,
	)
	if err != nil {
		return StoredMessage{}, errors.Wrap(err, "store: get message")
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return StoredMessage{}, err
		}
		return StoredMessage{}, ErrNotFound
	}
	return scanMessage(rows)
}

// RecentMessages returns the newest messages, optionally for one conversation.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + messageColumns + ` FROM messages m`
	var args []any
	if conversationID != "" {
		query += ` WHERE m.conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY m.sent_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.queryHook(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: recent messages")
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// CountMessages counts stored messages. An empty id counts every conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	query := `SELECT COUNT(*) FROM messages`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "store: count messages")
	}
	return n, nil
}

// ─── Embedding bookkeeping ───────────────────────────────────────────────────

// SetEmbedding stores the vector of a message that does not have one yet.
func (s *Store) SetEmbedding(ctx context.Context, rowID int64, vec []float32) error {
	if len(vec) == 0 {
		return errors.Wrap(ErrDimension, "store: empty embedding")
	}
	if s.cfg.Dimensions > 0 && len(vec) != s.cfg.Dimensions {
		return errors.Wrapf(ErrDimension, "store: got %d, want %d", len(vec), s.cfg.Dimensions)
	}
	blob, err := EncodeVector(vec)
	if err != nil {
		return errors.Wrap(err, "store: encode embedding")
	}
	_, err = s.execHook(ctx, s.db,
		`UPDATE messages SET embedding = ?, embed_status = ?, next_embed_at = 0
		 WHERE id = ? AND embedding IS NULL`,
		blob, EmbedDone, rowID,
	)
	return errors.Wrap(err, "store: set embedding")
}

// RecordEmbeddingFailure counts a failed attempt. Once maxAttempts is reached
// the row is marked failed and never retried; otherwise it becomes due at next.
// It returns the attempt count and whether the row gave up.
func (s *Store) RecordEmbeddingFailure(ctx context.Context, rowID int64, next time.Time, maxAttempts int) (int, bool, error) {
	var (
		attempts int
		status   string
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE messages
		 SET embed_attempts = embed_attempts + 1,
		     next_embed_at  = ?,
		     embed_status   = CASE WHEN embed_attempts + 1 >= ? THEN 'failed' ELSE 'pending' END
		 WHERE id = ? AND embed_status = 'pending'
		 RETURNING embed_attempts, embed_status`,
		toMillis(next), maxAttempts, rowID,
	).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "store: record embedding failure")
	}
	return attempts, status == EmbedFailed, nil
}

// PendingEmbeddings returns rows whose embedding is due at or before now.
func (s *Store) PendingEmbeddings(ctx context.Context, now time.Time, limit int) ([]EmbedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.queryHook(ctx, s.db,
		`SELECT id, conversation_id, message_id, body, embed_attempts
		 FROM messages
		 WHERE embed_status = 'pending' AND embedding IS NULL AND next_embed_at <= ?
		 ORDER BY next_embed_at ASC, id ASC
		 LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: pending embeddings")
	}
	defer func() { _ = rows.Close() }()

	var out []EmbedTask
	for rows.Next() {
		var t EmbedTask
		if err := rows.Scan(&t.RowID, &t.Key.ConversationID, &t.Key.MessageID, &t.Body, &t.Attempts); err != nil {
			return nil, errors.Wrap(err, "store: scan pending embedding")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EmbeddingStats counts messages per embedding state.
func (s *Store) EmbeddingStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.queryHook(ctx, s.db, `SELECT embed_status, COUNT(*) FROM messages GROUP BY embed_status`)
	if err != nil {
		return nil, errors.Wrap(err, "store: embedding stats")
	}
	defer func() { _ = rows.Close() }()

	stats := map[string]int{EmbedPending: 0, EmbedDone: 0, EmbedFailed: 0, EmbedSkipped: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// HasEmbeddings reports whether any message carries an embedding.
func (s *Store) HasEmbeddings(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE embedding IS NOT NULL LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: has embeddings")
	}
	return true, nil
}

// ─── Scanning ────────────────────────────────────────────────────────────────

func scanMessage(r scanner) (StoredMessage, error) {
	var (
		sm              StoredMessage
		sentAt, indexed int64
		blob            []byte
	)
	err := r.Scan(&sm.RowID, &sm.ConversationID, &sm.ID, &sm.SenderID, &sm.SenderName, &sm.Body, &sentAt, &blob, &indexed)
	if err != nil {
		return sm, err
	}
	sm.SentAt = fromMillis(sentAt)
	sm.IndexedAt = fromMillis(indexed)
	if len(blob) > 0 {
		vec, err := DecodeVector(blob)
		if err != nil {
			return sm, errors.Wrapf(err, "decode embedding of row %d", sm.RowID)
		}
		sm.Embedding = vec
	}
	return sm, nil
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var out []StoredMessage
	for rows.Next() {
		sm, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan message")
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
