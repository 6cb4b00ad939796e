// Package catalog keeps the set of known conversations in step with the
// upstream listing and announces every change on the event bus.
package catalog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/events"
)

// Change kinds carried by conversation events.
const (
	ChangeAdded   = "added"
	ChangeUpdated = "updated"
	ChangeStale   = "stale"
)

// Change is the payload of a conversation event.
type Change struct {
	chat.Conversation
	Change string `json:"change"`
}

// Lister is the upstream listing call.
type Lister interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
}

// Store persists conversations.
type Store interface {
	UpsertConversation(ctx context.Context, c chat.Conversation) (bool, error)
	MarkStaleExcept(ctx context.Context, present []string) ([]string, error)
	MarkStale(ctx context.Context, id string) error
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, includeStale bool) ([]chat.Conversation, error)
}

// Publisher receives conversation events.
type Publisher interface {
	Publish(typ events.Type, data any) uint64
}

// Catalog caches the live conversation list.
type Catalog struct {
	upstream Lister
	store    Store
	bus      Publisher
	maxAge   time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	cached      []chat.Conversation
	refreshedAt time.Time
}

// New builds a Catalog whose cache is considered fresh for maxAge.
func New(up Lister, st Store, bus Publisher, maxAge time.Duration) *Catalog {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &Catalog{
		upstream: up,
		store:    st,
		bus:      bus,
		maxAge:   maxAge,
		log:      log.With().Str("component", "catalog").Logger(),
		now:      time.Now,
	}
}

// Warm fills the cache from the store, so known conversations are synced
// even before the first successful listing.
func (c *Catalog) Warm(ctx context.Context) error {
	convs, err := c.store.ListConversations(ctx, false)
	if err != nil {
		return errors.Wrap(err, "catalog: warm")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		c.cached = convs
	}
	return nil
}

// Due reports whether the cache is older than maxAge or was never refreshed.
func (c *Catalog) Due() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt.IsZero() || c.now().Sub(c.refreshedAt) >= c.maxAge
}

// Invalidate makes the next Due report true.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshedAt = time.Time{}
}

// Conversations returns a copy of the cached live conversations.
func (c *Catalog) Conversations() []chat.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.cached)
}

// Refresh lists conversations upstream, records them, marks vanished ones
// stale and publishes a conversation event for each change. On failure the
// previous cache is kept.
func (c *Catalog) Refresh(ctx context.Context) ([]chat.Conversation, error) {
	listed, err := c.upstream.ListConversations(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: list conversations")
	}

	prev := make(map[string]bool)
	c.mu.RLock()
	for _, conv := range c.cached {
		prev[conv.ID] = true
	}
	c.mu.RUnlock()

	ids := make([]string, 0, len(listed))
	for _, conv := range listed {
		changed, err := c.store.UpsertConversation(ctx, conv)
		if err != nil {
			return nil, errors.Wrap(err, "catalog: record conversation")
		}
		ids = append(ids, conv.ID)
		if !changed {
			continue
		}
		kind := ChangeUpdated
		if !prev[conv.ID] {
			kind = ChangeAdded
		}
		c.publish(conv, kind)
	}

	gone, err := c.store.MarkStaleExcept(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: mark stale")
	}
	for _, id := range gone {
		c.announceStale(ctx, id)
	}

	c.mu.Lock()
	c.cached = slices.Clone(listed)
	c.refreshedAt = c.now()
	c.mu.Unlock()

	c.log.Debug().Int("conversations", len(listed)).Int("stale", len(gone)).Msg("catalog refreshed")
	return slices.Clone(listed), nil
}

// Add records a conversation created through this process.
func (c *Catalog) Add(ctx context.Context, conv chat.Conversation) error {
	changed, err := c.store.UpsertConversation(ctx, conv)
	if err != nil {
		return errors.Wrap(err, "catalog: add conversation")
	}
	c.mu.Lock()
	if !slices.ContainsFunc(c.cached, func(x chat.Conversation) bool { return x.ID == conv.ID }) {
		c.cached = append(c.cached, conv)
	}
	c.mu.Unlock()
	if changed {
		c.publish(conv, ChangeAdded)
	}
	return nil
}

// Retire marks a conversation that upstream reports as gone. Its messages
// are kept; it leaves the cache until it is listed again.
func (c *Catalog) Retire(ctx context.Context, id string) error {
	if err := c.store.MarkStale(ctx, id); err != nil {
		return errors.Wrap(err, "catalog: retire")
	}
	c.mu.Lock()
	c.cached = slices.DeleteFunc(c.cached, func(x chat.Conversation) bool { return x.ID == id })
	c.mu.Unlock()
	c.announceStale(ctx, id)
	return nil
}

func (c *Catalog) announceStale(ctx context.Context, id string) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		conv = chat.Conversation{ID: id}
	}
	conv.Stale = true
	c.log.Info().Str("conversation_id", id).Msg("conversation no longer listed, marked stale")
	c.publish(conv, ChangeStale)
}

func (c *Catalog) publish(conv chat.Conversation, kind string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TypeConversation, Change{Conversation: conv, Change: kind})
}
