package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/chat"
)

// GetCursor returns the cursor of a conversation. A conversation that was
// never synced yields the zero cursor and no error.
func (s *Store) GetCursor(ctx context.Context, conversationID string) (chat.Cursor, error) {
	c := chat.Cursor{ConversationID: conversationID}
	var sentAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at, last_message_id, updated_at FROM cursors WHERE conversation_id = ?`,
		conversationID,
	).Scan(&sentAt, &c.MessageID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, errors.Wrapf(err, "store: get cursor %s", conversationID)
	}
	c.SentAt = fromMillis(sentAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// SetCursor advances the cursor of a conversation. A cursor never moves
// backwards: an older position than the stored one is ignored.
// The conversation's last_seen_at follows the cursor.
func (s *Store) SetCursor(ctx context.Context, c chat.Cursor) error {
	if c.ConversationID == "" {
		return errors.New("store: cursor without conversation id")
	}
	now := toMillis(s.now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.execHook(ctx, tx,
			`INSERT INTO cursors (conversation_id, last_sent_at, last_message_id, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (conversation_id) DO UPDATE SET
				last_sent_at    = excluded.last_sent_at,
				last_message_id = excluded.last_message_id,
				updated_at      = excluded.updated_at
			 WHERE excluded.last_sent_at >= cursors.last_sent_at`,
			c.ConversationID, toMillis(c.SentAt), c.MessageID, now,
		)
		if err != nil {
			return errors.Wrap(err, "upsert cursor")
		}
		_, err = s.execHook(ctx, tx,
			`UPDATE conversations SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?`,
			toMillis(c.SentAt), c.ConversationID,
		)
		return errors.Wrap(err, "bump last_seen_at")
	})
	return errors.Wrapf(err, "store: set cursor %s", c.ConversationID)
}

// DeleteCursor retires the cursor of a conversation.
func (s *Store) DeleteCursor(ctx context.Context, conversationID string) error {
	_, err := s.execHook(ctx, s.db, `DELETE FROM cursors WHERE conversation_id = ?`, conversationID)
	return errors.Wrapf(err, "store: delete cursor %s", conversationID)
}

// ListCursors returns every stored cursor keyed by conversation id.
func (s *Store) ListCursors(ctx context.Context) (map[string]chat.Cursor, error) {
	rows, err := s.queryHook(ctx, s.db,
		`SELECT conversation_id, last_sent_at, last_message_id, updated_at FROM cursors`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list cursors")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]chat.Cursor)
	for rows.Next() {
		var (
			c                 chat.Cursor
			sentAt, updatedAt int64
		)
		if err := rows.Scan(&c.ConversationID, &sentAt, &c.MessageID, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "store: scan cursor")
		}
		c.SentAt = fromMillis(sentAt)
		c.UpdatedAt = fromMillis(updatedAt)
		out[c.ConversationID] = c
	}
	return out, rows.Err()
}
