// Package syncer polls every known conversation on a fixed interval, hands
// new messages to the ingestion pipeline and advances per-conversation
// cursors once messages are durable.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/ingest"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

// ErrPaused is returned by RunCycle while the upstream credential is rejected.
var ErrPaused = errors.New("syncer: paused until the credential is refreshed")

// ─── Collaborators ───────────────────────────────────────────────────────────

// Fetcher is the upstream message listing.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (upstream.Page, error)
}

// Catalog provides the conversations to sync.
type Catalog interface {
	Due() bool
	Refresh(ctx context.Context) ([]chat.Conversation, error)
	Conversations() []chat.Conversation
	Retire(ctx context.Context, id string) error
}

// Cursors is the cursor store.
type Cursors interface {
	GetCursor(ctx context.Context, conversationID string) (chat.Cursor, error)
	SetCursor(ctx context.Context, c chat.Cursor) error
	DeleteCursor(ctx context.Context, conversationID string) error
	ListCursors(ctx context.Context) (map[string]chat.Cursor, error)
}

// Ingester persists fetched messages.
type Ingester interface {
	Ingest(ctx context.Context, conversationID string, batch []chat.Message) (ingest.Result, error)
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration
	Workers        int
	PageSize       int
	MaxPages       int
	RequestTimeout time.Duration
	DegradedAfter  int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		Workers:        4,
		PageSize:       50,
		MaxPages:       20,
		RequestTimeout: 30 * time.Second,
		DegradedAfter:  3,
	}
}

// ─── Status ──────────────────────────────────────────────────────────────────

// ConversationStatus is the sync health of one conversation.
type ConversationStatus struct {
	ConversationID      string      `json:"conversation_id"`
	Label               string      `json:"label,omitempty"`
	Cursor              chat.Cursor `json:"cursor"`
	LastAttempt         time.Time   `json:"last_attempt,omitzero"`
	LastSuccess         time.Time   `json:"last_success,omitzero"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Degraded            bool        `json:"degraded"`
	LastError           string      `json:"last_error,omitempty"`
	ErrorClass          string      `json:"error_class,omitempty"`
	Ingested            int         `json:"ingested"`
	Retired             bool        `json:"retired,omitempty"`
	// Backfilling is set while a page chain spans cycles; the cursor stays
	// put until the chain is exhausted.
	Backfilling bool `json:"backfilling,omitempty"`
}

// Status is a snapshot of the whole scheduler.
type Status struct {
	Paused        bool                          `json:"paused"`
	PausedReason  string                        `json:"paused_reason,omitempty"`
	Cycles        int                           `json:"cycles"`
	LastCycle     time.Time                     `json:"last_cycle,omitzero"`
	Conversations map[string]ConversationStatus `json:"conversations"`
}

// Degraded returns the ids of degraded conversations, sorted.
func (s Status) Degraded() []string {
	var out []string
	for id, cs := range s.Conversations {
		if cs.Degraded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// convState is the scheduler-owned record of one conversation. A worker
// receives it by reference and is its only writer during a cycle.
type convState struct {
	mu sync.Mutex
	ConversationStatus

	// Page chain left unfinished by an earlier cycle.
	chainSince chat.Cursor
	resume     string
	chainHigh  *chat.Message
}

// resetChain drops the unfinished page chain. The caller holds mu.
func (st *convState) resetChain() {
	st.chainSince = chat.Cursor{}
	st.resume = ""
	st.chainHigh = nil
	st.Backfilling = false
}

func (st *convState) snapshot() ConversationStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ConversationStatus
}

// ─── Scheduler ───────────────────────────────────────────────────────────────

// Scheduler runs sync cycles.
type Scheduler struct {
	fetcher Fetcher
	catalog Catalog
	cursors Cursors
	ingest  Ingester
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	states       map[string]*convState
	paused       bool
	pausedReason string
	cycles       int
	lastCycle    time.Time
}

// New builds a Scheduler.
func New(f Fetcher, cat Catalog, cur Cursors, ing Ingester, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	return &Scheduler{
		fetcher: f,
		catalog: cat,
		cursors: cur,
		ingest:  ing,
		cfg:     cfg,
		log:     log.With().Str("component", "syncer").Logger(),
		now:     time.Now,
		states:  make(map[string]*convState),
	}
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. Cycles never overlap. On cancellation no new work starts; work
// already in flight finishes or times out before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("workers", s.cfg.Workers).
		Msg("sync scheduler started")

	s.runLogged(ctx)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sync scheduler stopped")
			return nil
		case <-t.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrPaused) {
		s.log.Error().Err(err).Msg("sync cycle aborted")
	}
}

// RunCycle syncs every live conversation once. A store failure aborts the
// cycle and is returned; per-conversation upstream failures are recorded in
// the status and do not fail the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	work := context.WithoutCancel(ctx)
	defer func() {
		s.mu.Lock()
		s.cycles++
		s.lastCycle = s.now()
		s.mu.Unlock()
	}()

	if s.Paused() || s.catalog.Due() {
		if err := s.refreshCatalog(work); err != nil {
			return err
		}
	}

	convs := s.catalog.Conversations()
	g, gctx := errgroup.WithContext(work)
	g.SetLimit(s.cfg.Workers)
	for _, conv := range convs {
		if ctx.Err() != nil || gctx.Err() != nil {
			break
		}
		st := s.state(conv)
		g.Go(func() error {
			if ctx.Err() != nil || gctx.Err() != nil {
				return nil
			}
			return s.syncConversation(ctx, gctx, st, conv.ID)
		})
	}
	return g.Wait()
}

func (s *Scheduler) refreshCatalog(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	_, err := s.catalog.Refresh(rctx)
	switch {
	case err == nil:
		s.resume()
		return nil
	case errors.Is(err, upstream.ErrAuthExpired):
		s.pause(err)
		return errors.Wrap(ErrPaused, err.Error())
	case s.Paused():
		return errors.Wrap(ErrPaused, err.Error())
	case upstream.IsTransient(err):
		s.log.Warn().Err(err).Msg("conversation listing failed, using cached list")
		return nil
	default:
		return errors.Wrap(err, "syncer: refresh catalog")
	}
}

// syncConversation runs one pass over a conversation. parent is the
// caller's context and only stops new page requests; ctx carries the work.
func (s *Scheduler) syncConversation(parent, ctx context.Context, st *convState, id string) error {
	logger := s.log.With().Str("conversation_id", id).Logger()

	cursor, err := s.cursors.GetCursor(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "syncer: read cursor of %s", id)
	}
	st.mu.Lock()
	st.LastAttempt = s.now()
	st.Cursor = cursor
	since, token := cursor, ""
	if st.resume != "" {
		since, token = st.chainSince, st.resume
	}
	st.mu.Unlock()

	batch, next, err := s.fetchAll(parent, ctx, id, since, token)
	if err != nil {
		return s.fetchFailed(ctx, st, id, err)
	}

	chat.SortAscending(batch)
	res, ierr := s.ingest.Ingest(ctx, id, batch)

	if next != "" {
		st.mu.Lock()
		if ierr != nil {
			st.resetChain()
		} else {
			st.chainSince = since
			st.resume = next
			st.Backfilling = true
			if res.Last != nil && (st.chainHigh == nil || chat.At(*st.chainHigh).Admits(*res.Last)) {
				last := *res.Last
				st.chainHigh = &last
			}
		}
		st.mu.Unlock()
		if ierr != nil {
			s.recordFailure(st, ierr)
			return errors.Wrapf(ierr, "syncer: ingest %s", id)
		}
		s.recordSuccess(st, cursor, res)
		logger.Debug().Int("inserted", res.Inserted).Msg("page chain continues next cycle, cursor held")
		return nil
	}

	// The chain is exhausted: everything after since is durable up to the
	// newest message seen, or up to res.Last when this batch failed midway.
	st.mu.Lock()
	target := res.Last
	if ierr == nil && st.chainHigh != nil && (target == nil || chat.At(*target).Admits(*st.chainHigh)) {
		target = st.chainHigh
	}
	st.resetChain()
	st.mu.Unlock()

	if target != nil && cursor.Admits(*target) {
		advanced := chat.At(*target)
		if err := s.cursors.SetCursor(ctx, advanced); err != nil {
			s.recordFailure(st, err)
			return errors.Wrapf(err, "syncer: advance cursor of %s", id)
		}
		cursor = advanced
	}
	if ierr != nil {
		s.recordFailure(st, ierr)
		return errors.Wrapf(ierr, "syncer: ingest %s", id)
	}

	s.recordSuccess(st, cursor, res)
	if res.Inserted > 0 {
		logger.Debug().Int("inserted", res.Inserted).Int("duplicates", res.Duplicates).Msg("conversation synced")
	}
	return nil
}

func (s *Scheduler) recordSuccess(st *convState, cursor chat.Cursor, res ingest.Result) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Cursor = cursor
	st.LastSuccess = s.now()
	st.ConsecutiveFailures = 0
	st.Degraded = false
	st.LastError = ""
	st.ErrorClass = ""
	st.Ingested += res.Inserted
}

// fetchAll follows continuation tokens up to MaxPages and returns the token
// of the first page it did not fetch. No new page is requested once parent
// is done.
func (s *Scheduler) fetchAll(parent, ctx context.Context, id string, since chat.Cursor, token string) ([]chat.Message, string, error) {
	var batch []chat.Message
	for page := 0; page < s.cfg.MaxPages; page++ {
		if page > 0 && parent.Err() != nil {
			return batch, token, nil
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		p, err := s.fetcher.FetchMessages(rctx, id, since, token, s.cfg.PageSize)
		cancel()
		if err != nil {
			if rctx.Err() != nil && ctx.Err() == nil && !upstream.IsTransient(err) {
				err = errors.Wrap(upstream.ErrUnavailable, err.Error())
			}
			return nil, "", err
		}
		batch = append(batch, p.Messages...)
		token = p.NextToken
		if token == "" {
			return batch, "", nil
		}
	}
	s.log.Debug().Str("conversation_id", id).Int("pages", s.cfg.MaxPages).Msg("page ceiling reached, continuing next cycle")
	return batch, token, nil
}

func (s *Scheduler) fetchFailed(ctx context.Context, st *convState, id string, err error) error {
	logger := s.log.With().Str("conversation_id", id).Str("class", upstream.Class(err)).Logger()
	switch {
	case ctx.Err() != nil:
		// A sibling aborted the cycle; this failure says nothing about the conversation.
		logger.Debug().Err(err).Msg("fetch interrupted by aborted cycle")
		return nil

	case errors.Is(err, upstream.ErrAuthExpired):
		s.recordFailure(st, err)
		s.pause(err)
		return errors.Wrap(ErrPaused, err.Error())

	case errors.Is(err, upstream.ErrNotFound):
		logger.Warn().Err(err).Msg("conversation gone upstream, retiring cursor")
		if derr := s.cursors.DeleteCursor(ctx, id); derr != nil {
			return errors.Wrapf(derr, "syncer: retire cursor of %s", id)
		}
		if rerr := s.catalog.Retire(ctx, id); rerr != nil {
			return errors.Wrapf(rerr, "syncer: retire %s", id)
		}
		st.mu.Lock()
		st.resetChain()
		st.Retired = true
		st.Cursor = chat.Cursor{ConversationID: id}
		st.LastError = err.Error()
		st.ErrorClass = upstream.Class(err)
		st.mu.Unlock()
		return nil

	default:
		if !upstream.IsTransient(err) {
			// The saved page token may be what the platform rejects.
			st.mu.Lock()
			st.resetChain()
			st.mu.Unlock()
		}
		failures, degraded := s.recordFailure(st, err)
		ev := logger.Warn()
		if degraded {
			ev = logger.Error()
		}
		ev.Err(err).Int("consecutive_failures", failures).Bool("degraded", degraded).Msg("fetch failed, cursor unchanged")
		return nil
	}
}

func (s *Scheduler) recordFailure(st *convState, err error) (int, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ConsecutiveFailures++
	st.LastError = err.Error()
	st.ErrorClass = upstream.Class(err)
	if st.ConsecutiveFailures >= s.cfg.DegradedAfter {
		st.Degraded = true
	}
	return st.ConsecutiveFailures, st.Degraded
}

func (s *Scheduler) state(conv chat.Conversation) *convState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conv.ID]
	if !ok {
		st = &convState{ConversationStatus: ConversationStatus{ConversationID: conv.ID}}
		s.states[conv.ID] = st
	}
	st.mu.Lock()
	st.Label = conv.Label
	st.Retired = false
	st.mu.Unlock()
	return st
}

// ─── Pause ───────────────────────────────────────────────────────────────────

func (s *Scheduler) pause(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.log.Error().Err(err).Msg("credential rejected, pausing all sync")
	}
	s.paused = true
	s.pausedReason = err.Error()
}

func (s *Scheduler) resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.log.Info().Msg("credential accepted again, resuming sync")
	}
	s.paused = false
	s.pausedReason = ""
}

// Paused reports whether sync is paused on an auth failure.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Status returns a snapshot of every conversation the scheduler knows,
// including ones that only have a stored cursor.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	cursors, err := s.cursors.ListCursors(ctx)
	if err != nil {
		return Status{}, errors.Wrap(err, "syncer: status")
	}

	s.mu.Lock()
	out := Status{
		Paused:        s.paused,
		PausedReason:  s.pausedReason,
		Cycles:        s.cycles,
		LastCycle:     s.lastCycle,
		Conversations: make(map[string]ConversationStatus, len(s.states)),
	}
	states := make([]*convState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		cs := st.snapshot()
		if c, ok := cursors[cs.ConversationID]; ok {
			cs.Cursor = c
		}
		out.Conversations[cs.ConversationID] = cs
	}
	for id, c := range cursors {
		if _, ok := out.Conversations[id]; !ok {
			out.Conversations[id] = ConversationStatus{ConversationID: id, Cursor: c}
		}
	}
	return out, nil
}
