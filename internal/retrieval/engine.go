// Package retrieval answers ranked queries over stored messages with a
// lexical (BM25) signal, a vector signal, or a fusion of both.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/embed"
	"github.com/HendryAvila/chatsync/internal/store"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Mode selects the ranking signal.
type Mode string

const (
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
	ModeHybrid  Mode = "hybrid"
)

// ParseMode accepts the canonical names and the aliases bm25, fulltext and
// semantic. An empty string selects hybrid.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hybrid":
		return ModeHybrid, nil
	case "lexical", "bm25", "fulltext":
		return ModeLexical, nil
	case "vector", "semantic":
		return ModeVector, nil
	default:
		return "", &QueryError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s)}
	}
}

// Fusion selects how hybrid mode combines the two signals.
type Fusion string

const (
	FusionRRF      Fusion = "rrf"
	FusionWeighted Fusion = "weighted"
)

// ParseFusion validates a fusion name. An empty string keeps the default.
func ParseFusion(s string) (Fusion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "rrf":
		return FusionRRF, nil
	case "weighted", "linear":
		return FusionWeighted, nil
	default:
		return "", &QueryError{Field: "fusion", Reason: fmt.Sprintf("unknown fusion %q", s)}
	}
}

// Weights are the weighted-fusion coefficients. They must lie in [0,1] and sum to 1.
type Weights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
}

// Validate returns a QueryError for weights outside [0,1] or not summing to 1.
func (w Weights) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"lexical", w.Lexical}, {"vector", w.Vector}} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return &QueryError{Field: "weights." + f.name, Reason: "must be within [0, 1]"}
		}
	}
	if math.Abs(w.Lexical+w.Vector-1) > 1e-6 {
		return &QueryError{Field: "weights", Reason: "must sum to 1"}
	}
	return nil
}

// Request is one search.
type Request struct {
	Query string
	Mode  Mode
	// Limit is the maximum number of results. Zero returns an empty list.
	Limit  int
	Fusion Fusion
	// Weights override the configured weighted-fusion coefficients.
	Weights *Weights
	// ConversationID restricts the search to one conversation.
	ConversationID string
}

// Result is one ranked message. Scores of a signal that did not take part
// are zero.
type Result struct {
	chat.Message
	LexicalScore float64 `json:"lexical_score"`
	VectorScore  float64 `json:"vector_score"`
	FusedScore   float64 `json:"fused_score"`
}

// QueryError is a rejected request. It is returned to the caller, never retried.
type QueryError struct {
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	return "invalid query: " + e.Field + ": " + e.Reason
}

// IsQueryError reports whether err is a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Index is the storage the engine ranks over.
type Index interface {
	LexicalSearch(ctx context.Context, match string, limit int, f store.Filter) ([]store.Scored, error)
	LexicalScores(ctx context.Context, match string, rowIDs []int64) (map[int64]float64, error)
	VectorSearch(ctx context.Context, q []float32, sim store.Similarity, limit int, f store.Filter) ([]store.Scored, error)
	VectorScores(ctx context.Context, q []float32, sim store.Similarity, rowIDs []int64) (map[int64]float64, error)
	HasEmbeddings(ctx context.Context) (bool, error)
}

// Config tunes ranking.
type Config struct {
	// Candidates is how many hits each signal contributes in hybrid mode.
	Candidates int
	RRFK       float64
	Fusion     Fusion
	Weights    Weights
	MaxLimit   int
	Similarity store.Similarity
}

// DefaultConfig returns the default ranking configuration.
func DefaultConfig() Config {
	return Config{
		Candidates: 50,
		RRFK:       60,
		Fusion:     FusionRRF,
		Weights:    Weights{Lexical: 0.3, Vector: 0.7},
		MaxLimit:   100,
		Similarity: Cosine,
	}
}

// Engine runs searches. It is safe for concurrent use.
type Engine struct {
	index    Index
	embedder embed.Embedder
	cfg      Config
	log      zerolog.Logger
}

// New builds an Engine. A nil embedder disables the vector signal.
func New(index Index, embedder embed.Embedder, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Candidates <= 0 {
		cfg.Candidates = def.Candidates
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.Fusion == "" {
		cfg.Fusion = def.Fusion
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.Similarity == nil {
		cfg.Similarity = def.Similarity
	}
	return &Engine{
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		log:      log.With().Str("component", "retrieval").Logger(),
	}
}

// Search ranks messages for req. Invalid requests fail with a QueryError;
// an empty list means nothing matched.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	if req.Limit == 0 || strings.TrimSpace(req.Query) == "" {
		return []Result{}, nil
	}

	switch req.Mode {
	case ModeLexical:
		return e.lexical(ctx, req)
	case ModeVector:
		q, err := e.queryVector(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		return e.vector(ctx, req, q)
	case ModeHybrid:
		return e.hybrid(ctx, req)
	default:
		return nil, &QueryError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
}

func (e *Engine) normalize(req Request) (Request, error) {
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return req, err
	}
	req.Mode = mode

	fusion, err := ParseFusion(string(req.Fusion))
	if err != nil {
		return req, err
	}
	if fusion == "" {
		fusion = e.cfg.Fusion
	}
	req.Fusion = fusion

	if req.Limit < 0 {
		return req, &QueryError{Field: "limit", Reason: "must not be negative"}
	}
	if req.Limit > e.cfg.MaxLimit {
		req.Limit = e.cfg.MaxLimit
	}

	if req.Weights == nil {
		w := e.cfg.Weights
		req.Weights = &w
	}
	if err := req.Weights.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// ─── Single signals ──────────────────────────────────────────────────────────

func (e *Engine) lexical(ctx context.Context, req Request) ([]Result, error) {
	hits, err := e.index.LexicalSearch(ctx, MatchExpr(req.Query), req.Limit, store.Filter{ConversationID: req.ConversationID})
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: lexical")
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{Message: h.Message, LexicalScore: h.Score, FusedScore: h.Score})
	}
	return out, nil
}

func (e *Engine) vector(ctx context.Context, req Request, q []float32) ([]Result, error) {
	if q == nil {
		return []Result{}, nil
	}
	hits, err := e.index.VectorSearch(ctx, q, e.cfg.Similarity, req.Limit, store.Filter{ConversationID: req.ConversationID})
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: vector")
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{Message: h.Message, VectorScore: h.Score, FusedScore: h.Score})
	}
	return out, nil
}

// queryVector embeds the query. It returns nil without error when the vector
// signal cannot contribute: no embedder or no embedded message yet.
func (e *Engine) queryVector(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, nil
	}
	has, err := e.index.HasEmbeddings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: check embeddings")
	}
	if !has {
		return nil, nil
	}
	q, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: embed query")
	}
	return q, nil
}

// ─── Hybrid ──────────────────────────────────────────────────────────────────

type candidate struct {
	rowID   int64
	msg     chat.Message
	lexical float64
	hasLex  bool
	vector  float64
	hasVec  bool
	fused   float64
}

func (e *Engine) hybrid(ctx context.Context, req Request) ([]Result, error) {
	q, err := e.queryVector(ctx, req.Query)
	if err != nil {
		// The vector signal is optional here: fall back to lexical ranking.
		e.log.Warn().Err(err).Msg("query embedding failed, using lexical ranking")
		q = nil
	}
	if q == nil {
		return e.lexical(ctx, req)
	}

	filter := store.Filter{ConversationID: req.ConversationID}
	match := MatchExpr(req.Query)
	lexHits, err := e.index.LexicalSearch(ctx, match, e.cfg.Candidates, filter)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: lexical candidates")
	}
	vecHits, err := e.index.VectorSearch(ctx, q, e.cfg.Similarity, e.cfg.Candidates, filter)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: vector candidates")
	}
	switch {
	case len(vecHits) == 0:
		return e.lexical(ctx, req)
	case len(lexHits) == 0:
		return e.vector(ctx, req, q)
	}

	cands, ids := union(lexHits, vecHits)
	lexScores, err := e.index.LexicalScores(ctx, match, ids)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: rescore lexical")
	}
	vecScores, err := e.index.VectorScores(ctx, q, e.cfg.Similarity, ids)
	if err != nil {
		return nil, errors.Wrap(err, "retrieval: rescore vector")
	}
	for _, c := range cands {
		c.lexical, c.hasLex = lexScores[c.rowID]
		c.vector, c.hasVec = vecScores[c.rowID]
	}

	switch req.Fusion {
	case FusionWeighted:
		fuseWeighted(cands, *req.Weights)
	default:
		fuseRRF(cands, e.cfg.RRFK)
	}
	sortByFused(cands)

	if len(cands) > req.Limit {
		cands = cands[:req.Limit]
	}
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		out = append(out, Result{
			Message:      c.msg,
			LexicalScore: finite(c.lexical),
			VectorScore:  finite(c.vector),
			FusedScore:   c.fused,
		})
	}
	return out, nil
}

func union(lex, vec []store.Scored) ([]*candidate, []int64) {
	byID := make(map[int64]*candidate, len(lex)+len(vec))
	var cands []*candidate
	var ids []int64
	for _, set := range [][]store.Scored{lex, vec} {
		for _, h := range set {
			if _, ok := byID[h.RowID]; ok {
				continue
			}
			c := &candidate{rowID: h.RowID, msg: h.Message}
			byID[h.RowID] = c
			cands = append(cands, c)
			ids = append(ids, h.RowID)
		}
	}
	return cands, ids
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
