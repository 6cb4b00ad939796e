package store

import (
	"context"
	"database/sql"
	"time"
)

// DB exposes the internal *sql.DB for test helpers in store_test.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// FailExecMatching makes every exec whose SQL contains fragment fail with err
// once the first skip matching statements have succeeded.
func (s *Store) FailExecMatching(fragment string, skip int, err error) {
	seen := 0
	s.hooks.exec = func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
		if containsFold(query, fragment) {
			seen++
			if seen > skip {
				return nil, err
			}
		}
		return db.ExecContext(ctx, query, args...)
	}
}
