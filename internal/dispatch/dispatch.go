// Package dispatch turns caller commands into engine operations. Every
// operation is a Command variant handled by one type switch in Dispatch.
package dispatch

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/events"
	"github.com/HendryAvila/chatsync/internal/retrieval"
	"github.com/HendryAvila/chatsync/internal/store"
	"github.com/HendryAvila/chatsync/internal/syncer"
)

var (
	// ErrInvalid wraps malformed command arguments.
	ErrInvalid = errors.New("dispatch: invalid command")
	// ErrUnknownCommand is returned for a Command the dispatcher has no case for.
	ErrUnknownCommand = errors.New("dispatch: unknown command")
)

// ─── Commands ────────────────────────────────────────────────────────────────

// Command is a sealed set of operations; only this package declares variants.
type Command interface {
	command()
}

// Search ranks stored messages. A nil Limit uses the configured default.
type Search struct {
	Query          string
	Mode           string
	Limit          *int
	Fusion         string
	Weights        *retrieval.Weights
	ConversationID string
}

// SyncStatus reports per-conversation sync health.
type SyncStatus struct{}

// Subscribe attaches a live event queue. The caller must Close the
// returned subscription.
type Subscribe struct {
	Resource string
}

// ListConversations lists known conversations.
type ListConversations struct {
	IncludeStale bool
}

// RecentMessages returns the newest stored messages, newest first.
type RecentMessages struct {
	ConversationID string
	Limit          int
}

// SendMessage posts upstream and records the sent message locally.
type SendMessage struct {
	ConversationID string
	Text           string
}

// CreateConversation opens a one-to-one conversation with a user.
type CreateConversation struct {
	UserRef string
}

func (Search) command()             {}
func (SyncStatus) command()         {}
func (Subscribe) command()          {}
func (ListConversations) command()  {}
func (RecentMessages) command()     {}
func (SendMessage) command()        {}
func (CreateConversation) command() {}

// ─── Replies ─────────────────────────────────────────────────────────────────

// SearchReply answers Search.
type SearchReply struct {
	Query   string             `json:"query"`
	Mode    string             `json:"mode"`
	Results []retrieval.Result `json:"results"`
}

// SyncStatusReply answers SyncStatus.
type SyncStatusReply struct {
	syncer.Status
	Embeddings map[string]int `json:"embeddings"`
}

// SubscribeReply answers Subscribe.
type SubscribeReply struct {
	Subscription *events.Subscription
}

// ConversationsReply answers ListConversations.
type ConversationsReply struct {
	Conversations []chat.Conversation `json:"conversations"`
}

// MessagesReply answers RecentMessages.
type MessagesReply struct {
	Messages []chat.Message `json:"messages"`
}

// SendMessageReply answers SendMessage. Recorded is false when the send
// succeeded but the local write did not; the next sync cycle stores it.
type SendMessageReply struct {
	Message  chat.Message `json:"message"`
	Recorded bool         `json:"recorded"`
}

// CreateConversationReply answers CreateConversation.
type CreateConversationReply struct {
	Conversation chat.Conversation `json:"conversation"`
}

// ─── Collaborators ───────────────────────────────────────────────────────────

// Searcher ranks messages.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) ([]retrieval.Result, error)
}

// StatusSource reports scheduler state.
type StatusSource interface {
	Status(ctx context.Context) (syncer.Status, error)
}

// Subscriber attaches event queues.
type Subscriber interface {
	Subscribe(resource events.Resource) (*events.Subscription, error)
}

// Store is the read side of the message store.
type Store interface {
	ListConversations(ctx context.Context, includeStale bool) ([]chat.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]store.StoredMessage, error)
	EmbeddingStats(ctx context.Context) (map[string]int, error)
}

// Upstream performs caller-initiated writes on the remote platform.
type Upstream interface {
	SendMessage(ctx context.Context, conversationID, text string) (chat.Message, error)
	CreateConversation(ctx context.Context, userRef string) (chat.Conversation, error)
}

// Recorder persists messages this process produced.
type Recorder interface {
	Record(ctx context.Context, m chat.Message) (store.StoredMessage, error)
}

// Registry records conversations created by callers.
type Registry interface {
	Add(ctx context.Context, conv chat.Conversation) error
}

// Deps are the collaborators a Dispatcher needs.
type Deps struct {
	Searcher     Searcher
	Status       StatusSource
	Bus          Subscriber
	Store        Store
	Upstream     Upstream
	Recorder     Recorder
	Registry     Registry
	DefaultLimit int
}

// ─── Dispatcher ──────────────────────────────────────────────────────────────

// Dispatcher executes commands.
type Dispatcher struct {
	deps Deps
	log  zerolog.Logger
}

// New builds a Dispatcher.
func New(deps Deps) *Dispatcher {
	if deps.DefaultLimit <= 0 {
		deps.DefaultLimit = 10
	}
	return &Dispatcher{deps: deps, log: log.With().Str("component", "dispatch").Logger()}
}

// Dispatch runs cmd and returns its variant-specific reply.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case Search:
		return d.search(ctx, c)
	case SyncStatus:
		return d.syncStatus(ctx)
	case Subscribe:
		return d.subscribe(c)
	case ListConversations:
		return d.listConversations(ctx, c)
	case RecentMessages:
		return d.recentMessages(ctx, c)
	case SendMessage:
		return d.sendMessage(ctx, c)
	case CreateConversation:
		return d.createConversation(ctx, c)
	default:
		return nil, errors.Wrapf(ErrUnknownCommand, "%T", cmd)
	}
}

func (d *Dispatcher) search(ctx context.Context, c Search) (SearchReply, error) {
	limit := d.deps.DefaultLimit
	if c.Limit != nil {
		limit = *c.Limit
	}
	mode, err := retrieval.ParseMode(c.Mode)
	if err != nil {
		return SearchReply{}, err
	}
	results, err := d.deps.Searcher.Search(ctx, retrieval.Request{
		Query:          c.Query,
		Mode:           mode,
		Limit:          limit,
		Fusion:         retrieval.Fusion(c.Fusion),
		Weights:        c.Weights,
		ConversationID: c.ConversationID,
	})
	if err != nil {
		return SearchReply{}, err
	}
	return SearchReply{Query: c.Query, Mode: string(mode), Results: results}, nil
}

func (d *Dispatcher) syncStatus(ctx context.Context) (SyncStatusReply, error) {
	st, err := d.deps.Status.Status(ctx)
	if err != nil {
		return SyncStatusReply{}, err
	}
	stats, err := d.deps.Store.EmbeddingStats(ctx)
	if err != nil {
		return SyncStatusReply{}, err
	}
	return SyncStatusReply{Status: st, Embeddings: stats}, nil
}

func (d *Dispatcher) subscribe(c Subscribe) (SubscribeReply, error) {
	res, err := events.ParseResource(c.Resource)
	if err != nil {
		return SubscribeReply{}, errors.Wrap(ErrInvalid, err.Error())
	}
	sub, err := d.deps.Bus.Subscribe(res)
	if err != nil {
		return SubscribeReply{}, err
	}
	return SubscribeReply{Subscription: sub}, nil
}

func (d *Dispatcher) listConversations(ctx context.Context, c ListConversations) (ConversationsReply, error) {
	convs, err := d.deps.Store.ListConversations(ctx, c.IncludeStale)
	if err != nil {
		return ConversationsReply{}, err
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	return ConversationsReply{Conversations: convs}, nil
}

func (d *Dispatcher) recentMessages(ctx context.Context, c RecentMessages) (MessagesReply, error) {
	if c.Limit < 0 {
		return MessagesReply{}, errors.Wrap(ErrInvalid, "limit must not be negative")
	}
	rows, err := d.deps.Store.RecentMessages(ctx, c.ConversationID, c.Limit)
	if err != nil {
		return MessagesReply{}, err
	}
	msgs := make([]chat.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.Message
	}
	return MessagesReply{Messages: msgs}, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, c SendMessage) (SendMessageReply, error) {
	if strings.TrimSpace(c.ConversationID) == "" {
		return SendMessageReply{}, errors.Wrap(ErrInvalid, "conversation_id is required")
	}
	if strings.TrimSpace(c.Text) == "" {
		return SendMessageReply{}, errors.Wrap(ErrInvalid, "text is required")
	}

	m, err := d.deps.Upstream.SendMessage(ctx, c.ConversationID, c.Text)
	if err != nil {
		return SendMessageReply{}, errors.Wrapf(err, "dispatch: send to %s", c.ConversationID)
	}
	if m.ConversationID == "" {
		m.ConversationID = c.ConversationID
	}

	_, err = d.deps.Recorder.Record(ctx, m)
	switch {
	case err == nil:
		return SendMessageReply{Message: m, Recorded: true}, nil
	case errors.Is(err, store.ErrDuplicate):
		// A sync cycle stored it first.
		return SendMessageReply{Message: m, Recorded: true}, nil
	default:
		d.log.Error().Err(err).
			Str("conversation_id", m.ConversationID).
			Str("message_id", m.ID).
			Msg("sent message not recorded locally")
		return SendMessageReply{Message: m}, nil
	}
}

func (d *Dispatcher) createConversation(ctx context.Context, c CreateConversation) (CreateConversationReply, error) {
	if strings.TrimSpace(c.UserRef) == "" {
		return CreateConversationReply{}, errors.Wrap(ErrInvalid, "user reference is required")
	}
	conv, err := d.deps.Upstream.CreateConversation(ctx, c.UserRef)
	if err != nil {
		return CreateConversationReply{}, errors.Wrapf(err, "dispatch: create conversation with %s", c.UserRef)
	}
	if err := d.deps.Registry.Add(ctx, conv); err != nil {
		d.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("created conversation not recorded locally")
	}
	return CreateConversationReply{Conversation: conv}, nil
}
