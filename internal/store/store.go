// Package store persists conversations, messages and sync cursors in SQLite.
//
// Messages carry a nullable embedding and are mirrored into an FTS5 index, so
// the same database answers both lexical and vector queries. The
// (conversation_id, message_id) uniqueness constraint is the single arbiter of
// deduplication: concurrent writers of the same message serialize on it.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var (
	// ErrDuplicate is a data-integrity violation: a strict insert hit an
	// existing (conversation_id, message_id). The existing row is kept.
	ErrDuplicate = errors.New("store: duplicate message")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDimension is returned when an embedding has the wrong length.
	ErrDimension = errors.New("store: embedding dimension mismatch")
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir string
	// FileName defaults to chatsync.db.
	FileName string
	// Dimensions is the expected embedding length. Zero disables the check.
	Dimensions int
}

// DefaultConfig returns the default configuration for the store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:    filepath.Join(home, ".chatsync"),
		FileName:   "chatsync.db",
		Dimensions: 1536,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the message and cursor store backed by SQLite + FTS5.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
	now   func() time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// storeHooks lets tests fail individual statements.
type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	query   func(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) queryHook(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(ctx, db, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a Store with the given configuration.
// It creates the data directory if needed, opens SQLite in WAL mode
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.FileName == "" {
		cfg.FileName = "chatsync.db"
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "store: create data dir")
	}

	db, err := openDB("sqlite", filepath.Join(cfg.DataDir, cfg.FileName))
	if err != nil {
		return nil, errors.Wrap(err, "store: open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "store: pragma %q", p)
		}
	}

	s := &Store{db: db, cfg: cfg, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: migration")
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return filepath.Join(s.cfg.DataDir, s.cfg.FileName)
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT    PRIMARY KEY,
			label        TEXT    NOT NULL DEFAULT '',
			kind         TEXT    NOT NULL DEFAULT 'group',
			participants TEXT    NOT NULL DEFAULT '[]',
			last_seen_at INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL DEFAULT 0,
			stale        INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT    NOT NULL,
			message_id      TEXT    NOT NULL,
			sender_id       TEXT    NOT NULL DEFAULT '',
			sender_name     TEXT    NOT NULL DEFAULT '',
			body            TEXT    NOT NULL DEFAULT '',
			sent_at         INTEGER NOT NULL,
			embedding       BLOB,
			embed_status    TEXT    NOT NULL DEFAULT 'pending',
			embed_attempts  INTEGER NOT NULL DEFAULT 0,
			next_embed_at   INTEGER NOT NULL DEFAULT 0,
			indexed_at      INTEGER NOT NULL,
			UNIQUE (conversation_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_sent  ON messages(sent_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_conv  ON messages(conversation_id, sent_at);
		CREATE INDEX IF NOT EXISTS idx_messages_embed ON messages(embed_status, next_embed_at);

		CREATE TABLE IF NOT EXISTS cursors (
			conversation_id TEXT    PRIMARY KEY,
			last_sent_at    INTEGER NOT NULL,
			last_message_id TEXT    NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			body,
			content='messages',
			content_rowid='id',
			tokenize='unicode61'
		);

		CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
		END;

		CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF body ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, body) VALUES ('delete', old.id, old.body);
			INSERT INTO messages_fts(rowid, body) VALUES (new.id, new.body);
		END;
	`
	_, err := s.execHook(ctx, s.db, schema)
	return err
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.commitHook(tx); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "commit")
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
