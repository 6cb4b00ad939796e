package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/chat"
)

const conversationColumns = `id, label, kind, participants, last_seen_at, updated_at, stale`

// UpsertConversation records c. It reports whether the stored row was created
// or changed, including a stale conversation coming back.
func (s *Store) UpsertConversation(ctx context.Context, c chat.Conversation) (bool, error) {
	if c.ID == "" {
		return false, errors.New("store: conversation id is required")
	}
	if c.Kind == "" {
		c.Kind = chat.KindGroup
	}
	participants, err := json.Marshal(nonNil(c.Participants))
	if err != nil {
		return false, errors.Wrap(err, "store: encode participants")
	}

	changed := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getConversation(ctx, tx, c.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			_, err = s.execHook(ctx, tx,
				`INSERT INTO conversations (id, label, kind, participants, updated_at, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				c.ID, c.Label, string(c.Kind), string(participants), toMillis(c.UpdatedAt), toMillis(s.now()),
			)
			if err != nil {
				return errors.Wrap(err, "insert conversation")
			}
			changed = true
			return nil
		case err != nil:
			return err
		}

		if existing.Label == c.Label &&
			existing.Kind == c.Kind &&
			toMillis(existing.UpdatedAt) == toMillis(c.UpdatedAt) &&
			slices.Equal(existing.Participants, nonNil(c.Participants)) &&
			!existing.Stale {
			return nil
		}
		_, err = s.execHook(ctx, tx,
			`UPDATE conversations
			 SET label = ?, kind = ?, participants = ?, updated_at = ?, stale = 0
			 WHERE id = ?`,
			c.Label, string(c.Kind), string(participants), toMillis(c.UpdatedAt), c.ID,
		)
		if err != nil {
			return errors.Wrap(err, "update conversation")
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "store: upsert conversation %s", c.ID)
	}
	return changed, nil
}

// MarkStaleExcept marks every non-stale conversation whose id is not in present
// as stale and returns the ids that changed. Their messages are retained.
func (s *Store) MarkStaleExcept(ctx context.Context, present []string) ([]string, error) {
	query := `SELECT id FROM conversations WHERE stale = 0`
	args := make([]any, 0, len(present))
	if len(present) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(present)) + `)`
		for _, id := range present {
			args = append(args, id)
		}
	}

	var gone []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.queryHook(ctx, tx, query, args...)
		if err != nil {
			return errors.Wrap(err, "select live conversations")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			gone = append(gone, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range gone {
			if _, err := s.execHook(ctx, tx, `UPDATE conversations SET stale = 1 WHERE id = ?`, id); err != nil {
				return errors.Wrap(err, "mark stale")
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: mark stale conversations")
	}
	return gone, nil
}

// MarkStale flags one conversation as no longer listed upstream.
func (s *Store) MarkStale(ctx context.Context, id string) error {
	_, err := s.execHook(ctx, s.db, `UPDATE conversations SET stale = 1 WHERE id = ?`, id)
	return errors.Wrapf(err, "store: mark stale %s", id)
}

// GetConversation returns one conversation or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

// ListConversations returns conversations ordered by most recent activity.
func (s *Store) ListConversations(ctx context.Context, includeStale bool) ([]chat.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if !includeStale {
		query += ` WHERE stale = 0`
	}
	query += ` ORDER BY last_seen_at DESC, label ASC, id ASC`

	rows, err := s.queryHook(ctx, s.db, query)
	if err != nil {
		return nil, errors.Wrap(err, "store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan conversation")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) getConversation(ctx context.Context, db queryer, id string) (chat.Conversation, error) {
	rows, err := s.queryHook(ctx, db, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "select conversation")
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return chat.Conversation{}, err
		}
		return chat.Conversation{}, ErrNotFound
	}
	return scanConversation(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(r scanner) (chat.Conversation, error) {
	var (
		c                   chat.Conversation
		kind, participants  string
		lastSeen, updatedAt int64
		stale               int
	)
	if err := r.Scan(&c.ID, &c.Label, &kind, &participants, &lastSeen, &updatedAt, &stale); err != nil {
		return c, err
	}
	c.Kind = chat.Kind(kind)
	c.LastSeenAt = fromMillis(lastSeen)
	c.UpdatedAt = fromMillis(updatedAt)
	c.Stale = stale != 0
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return c, errors.Wrap(err, "decode participants")
	}
	c.Participants = nonNil(c.Participants)
	return c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
