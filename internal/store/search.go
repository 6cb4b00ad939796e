package store

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Scored is a message with the score of one retrieval signal. Higher is better.
type Scored struct {
	StoredMessage
	Score float64
}

// Filter narrows a search.
type Filter struct {
	ConversationID string
}

// Similarity scores two vectors; higher means closer.
type Similarity func(a, b []float32) float64

// LexicalSearch runs an FTS5 MATCH expression and returns up to limit rows
// ranked by BM25. Scores are negated bm25() values, so higher is better.
func (s *Store) LexicalSearch(ctx context.Context, match string, limit int, f Filter) ([]Scored, error) {
	if match == "" || limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT ` + messageColumns + `, -bm25(messages_fts) AS score
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?`
	args := []any{match}
	if f.ConversationID != "" {
		query += ` AND m.conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	query += ` ORDER BY score DESC, m.sent_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.queryHook(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: lexical search")
	}
	defer func() { _ = rows.Close() }()

	var out []Scored
	for rows.Next() {
		var sc Scored
		sm, err := scanMessage(scoreScanner{rows: rows, score: &sc.Score})
		if err != nil {
			return nil, errors.Wrap(err, "store: scan lexical hit")
		}
		sc.StoredMessage = sm
		out = append(out, sc)
	}
	return out, rows.Err()
}

// LexicalScores returns the BM25 score of each listed row that matches.
// Rows that do not match are absent from the result.
func (s *Store) LexicalScores(ctx context.Context, match string, rowIDs []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(rowIDs))
	if match == "" || len(rowIDs) == 0 {
		return out, nil
	}
	args := []any{match}
	for _, id := range rowIDs {
		args = append(args, id)
	}
	rows, err := s.queryHook(ctx, s.db,
		`SELECT messages_fts.rowid, -bm25(messages_fts)
		 FROM messages_fts
		 WHERE messages_fts MATCH ? AND messages_fts.rowid IN (`+placeholders(len(rowIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: lexical scores")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id    int64
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out[id] = score
	}
	return out, rows.Err()
}

// VectorSearch scores every embedded message against q and returns the best
// limit rows. Messages without an embedding are never candidates.
func (s *Store) VectorSearch(ctx context.Context, q []float32, sim Similarity, limit int, f Filter) ([]Scored, error) {
	if len(q) == 0 || limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.embedding IS NOT NULL`
	var args []any
	if f.ConversationID != "" {
		query += ` AND m.conversation_id = ?`
		args = append(args, f.ConversationID)
	}

	rows, err := s.queryHook(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: vector search")
	}
	defer func() { _ = rows.Close() }()

	top := &scoredHeap{}
	for rows.Next() {
		sm, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store: scan vector candidate")
		}
		score := sim(q, sm.Embedding)
		if math.IsNaN(score) {
			continue
		}
		heap.Push(top, Scored{StoredMessage: sm, Score: score})
		if top.Len() > limit {
			heap.Pop(top)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Scored, top.Len())
	copy(out, *top)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out, nil
}

// VectorScores returns the similarity of q to each listed row that has an
// embedding. Rows without one are absent from the result.
func (s *Store) VectorScores(ctx context.Context, q []float32, sim Similarity, rowIDs []int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(rowIDs))
	if len(q) == 0 || len(rowIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(rowIDs))
	for _, id := range rowIDs {
		args = append(args, id)
	}
	rows, err := s.queryHook(ctx, s.db,
		`SELECT id, embedding FROM messages
		 WHERE embedding IS NOT NULL AND id IN (`+placeholders(len(rowIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "store: vector scores")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return nil, errors.Wrapf(err, "store: decode embedding of row %d", id)
		}
		out[id] = sim(q, vec)
	}
	return out, rows.Err()
}

// better orders by score, then recency, then row id.
func better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.RowID > b.RowID
}

// scoredHeap is a min-heap on better, so the worst kept hit is on top.
type scoredHeap []Scored

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// scoreScanner appends a trailing score column to a message scan.
type scoreScanner struct {
	rows  scanner
	score *float64
}

func (s scoreScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.score)...)
}
