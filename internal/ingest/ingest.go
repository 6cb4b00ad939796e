// Package ingest turns raw upstream messages into stored, indexed, published
// messages and keeps their embeddings converging in the background.
package ingest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/embed"
	"github.com/HendryAvila/chatsync/internal/events"
	"github.com/HendryAvila/chatsync/internal/store"
)

// Store is the persistence the pipeline needs.
type Store interface {
	InsertMessageIfAbsent(ctx context.Context, m chat.Message) (store.StoredMessage, bool, error)
	InsertMessage(ctx context.Context, m chat.Message) (store.StoredMessage, error)
	SetEmbedding(ctx context.Context, rowID int64, vec []float32) error
	RecordEmbeddingFailure(ctx context.Context, rowID int64, next time.Time, maxAttempts int) (int, bool, error)
	PendingEmbeddings(ctx context.Context, now time.Time, limit int) ([]store.EmbedTask, error)
}

// Publisher receives an event for every newly persisted message.
type Publisher interface {
	Publish(typ events.Type, data any) uint64
}

// Config tunes the embedding side of the pipeline.
type Config struct {
	QueueSize      int
	Workers        int
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		Workers:        2,
		MaxAttempts:    5,
		Timeout:        30 * time.Second,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
		SweepInterval:  30 * time.Second,
		SweepBatch:     100,
	}
}

// Result summarizes one Ingest call.
type Result struct {
	Inserted   int
	Duplicates int
	// Last is the newest message known to be durable, nil when none is.
	// The caller may advance its cursor to it.
	Last *chat.Message
}

// Pipeline deduplicates, persists and publishes messages, and computes their
// embeddings asynchronously.
type Pipeline struct {
	store    Store
	bus      Publisher
	embedder embed.Embedder
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	queue    chan store.EmbedTask
	inflight sync.Map

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Pipeline. A nil embedder leaves every message pending.
func New(st Store, bus Publisher, embedder embed.Embedder, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	return &Pipeline{
		store:    st,
		bus:      bus,
		embedder: embedder,
		cfg:      cfg,
		log:      log.With().Str("component", "ingest").Logger(),
		now:      time.Now,
		queue:    make(chan store.EmbedTask, cfg.QueueSize),
	}
}

// ─── Ingestion ───────────────────────────────────────────────────────────────

// Ingest persists batch in ascending (sent_at, id) order. Messages already
// stored are skipped; new ones are published and queued for embedding.
// A store failure stops the batch: the returned Result still names the last
// durable message so the caller can advance past what was written.
func (p *Pipeline) Ingest(ctx context.Context, conversationID string, batch []chat.Message) (Result, error) {
	msgs := slices.Clone(batch)
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	chat.SortAscending(msgs)

	var res Result
	for i := range msgs {
		m := msgs[i]
		if m.ConversationID != conversationID {
			p.log.Warn().
				Str("conversation_id", conversationID).
				Str("message_id", m.ID).
				Str("foreign_conversation_id", m.ConversationID).
				Msg("skipping message of another conversation")
			continue
		}
		stored, inserted, err := p.store.InsertMessageIfAbsent(ctx, m)
		if err != nil {
			p.log.Error().Err(err).
				Str("conversation_id", conversationID).
				Str("message_id", m.ID).
				Msg("persist failed, stopping batch")
			return res, errors.Wrap(err, "ingest")
		}
		if inserted {
			res.Inserted++
			p.announce(stored)
		} else {
			res.Duplicates++
		}
		res.Last = &msgs[i]
	}
	return res, nil
}

// Record persists a message this process produced itself, such as one just
// sent upstream. Unlike Ingest it refuses duplicates with store.ErrDuplicate.
func (p *Pipeline) Record(ctx context.Context, m chat.Message) (store.StoredMessage, error) {
	stored, err := p.store.InsertMessage(ctx, m)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			p.log.Warn().
				Str("conversation_id", m.ConversationID).
				Str("message_id", m.ID).
				Msg("rejected duplicate insert")
		}
		return store.StoredMessage{}, err
	}
	p.announce(stored)
	return stored, nil
}

func (p *Pipeline) announce(sm store.StoredMessage) {
	if p.bus != nil {
		p.bus.Publish(events.TypeMessage, sm.Message)
	}
	if strings.TrimSpace(sm.Body) != "" {
		p.enqueue(store.EmbedTask{RowID: sm.RowID, Key: sm.Key(), Body: sm.Body})
	}
}

// ─── Embedding ───────────────────────────────────────────────────────────────

// enqueue hands a task to the workers without blocking. A full queue or a
// task already in flight is left to the next sweep.
func (p *Pipeline) enqueue(t store.EmbedTask) bool {
	if p.embedder == nil {
		return false
	}
	if _, loaded := p.inflight.LoadOrStore(t.RowID, struct{}{}); loaded {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		p.inflight.Delete(t.RowID)
		return false
	}
}

// Start launches the embedding workers and the sweep. It is a no-op without
// an embedder or when already started.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.embedder == nil || p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()
	p.log.Info().Int("workers", p.cfg.Workers).Dur("sweep_interval", p.cfg.SweepInterval).Msg("embedding started")
}

// Stop cancels the workers and the sweep and waits for them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.embedOne(ctx, t)
			p.inflight.Delete(t.RowID)
		}
	}
}

func (p *Pipeline) embedOne(ctx context.Context, t store.EmbedTask) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	vec, err := p.embedder.Embed(reqCtx, t.Body)
	cancel()
	if err == nil {
		err = p.store.SetEmbedding(ctx, t.RowID, vec)
		if err == nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	next := p.now().Add(p.retryDelay(t.Attempts + 1))
	attempts, gaveUp, rerr := p.store.RecordEmbeddingFailure(ctx, t.RowID, next, p.cfg.MaxAttempts)
	ev := p.log.Warn()
	if gaveUp {
		ev = p.log.Error()
	}
	ev.Err(err).
		Str("conversation_id", t.Key.ConversationID).
		Str("message_id", t.Key.MessageID).
		Int("attempt", attempts).
		Bool("gave_up", gaveUp).
		Time("next_attempt", next).
		Msg("embedding failed")
	if rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
		p.log.Error().Err(rerr).Int64("row_id", t.RowID).Msg("record embedding failure")
	}
}

// retryDelay is the exponential backoff before attempt n+1, capped at MaxBackoff.
func (p *Pipeline) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("embedding sweep failed")
	}
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("embedding sweep failed")
			}
		}
	}
}

// Sweep queues messages whose embedding is due and returns how many were queued.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	if p.embedder == nil {
		return 0, nil
	}
	tasks, err := p.store.PendingEmbeddings(ctx, p.now(), p.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if p.enqueue(t) {
			n++
		}
	}
	if n > 0 {
		p.log.Debug().Int("queued", n).Msg("embedding sweep")
	}
	return n, nil
}
