// Package server wires all components and creates the running application.
//
// This is the composition root: it builds the concrete store, upstream,
// embedder, bus and engines from configuration and injects them into the
// scheduler, dispatcher and MCP handlers that depend on interfaces.
// No business logic lives here, only wiring and lifecycle.
package server

import (
	"context"
	"io"
	stdlog "log"

	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/chatsync/internal/catalog"
	"github.com/HendryAvila/chatsync/internal/config"
	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/embed"
	"github.com/HendryAvila/chatsync/internal/events"
	"github.com/HendryAvila/chatsync/internal/ingest"
	"github.com/HendryAvila/chatsync/internal/prompts"
	"github.com/HendryAvila/chatsync/internal/resources"
	"github.com/HendryAvila/chatsync/internal/retrieval"
	"github.com/HendryAvila/chatsync/internal/store"
	"github.com/HendryAvila/chatsync/internal/stream"
	"github.com/HendryAvila/chatsync/internal/syncer"
	"github.com/HendryAvila/chatsync/internal/tools"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

// Version is set at build time via ldflags.
var Version = "dev"

// App holds every long-lived component.
type App struct {
	Config     config.Config
	Store      *store.Store
	Bus        *events.Bus
	Upstream   upstream.Client
	Embedder   embed.Embedder
	Catalog    *catalog.Catalog
	Pipeline   *ingest.Pipeline
	Scheduler  *syncer.Scheduler
	Engine     *retrieval.Engine
	Dispatcher *dispatch.Dispatcher
	MCP        *server.MCPServer

	relay      *events.Relay
	relayClose func() error
	log        zerolog.Logger
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	upstream upstream.Client
	embedder embed.Embedder
	noEmbed  bool
}

// WithUpstream replaces the upstream client.
func WithUpstream(c upstream.Client) Option {
	return func(o *options) { o.upstream = c }
}

// WithEmbedder replaces the embedder. A nil embedder disables embeddings.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) {
		o.embedder = e
		o.noEmbed = e == nil
	}
}

// New builds the application. The caller must Close it.
func New(cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, log: log.With().Str("component", "server").Logger()}

	// --- Embedder ---

	switch {
	case o.embedder != nil || o.noEmbed:
		a.Embedder = o.embedder
	default:
		e, err := newEmbedder(cfg.Embed)
		if err != nil {
			return nil, err
		}
		a.Embedder = e
	}
	dims := cfg.Embed.Dimensions
	if a.Embedder != nil {
		dims = a.Embedder.Dim()
	}

	// --- Storage and events ---

	st, err := store.New(store.Config{DataDir: cfg.DataDir, FileName: cfg.DBFile, Dimensions: dims})
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.Bus = events.NewBus(cfg.Events.QueueSize)

	if cfg.Events.RedisAddr != "" {
		pub, closeFn, err := events.NewRedisPublisher(cfg.Events.RedisAddr)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.relay = events.NewRelay(a.Bus, pub, cfg.Events.TopicPrefix)
		a.relayClose = closeFn
	}

	// --- Upstream ---

	switch {
	case o.upstream != nil:
		a.Upstream = o.upstream
	case cfg.Demo:
		a.Upstream = upstream.NewDemoClient()
	default:
		a.Upstream = upstream.NewGraphClient(upstream.GraphConfig{
			BaseURL:           cfg.Upstream.BaseURL,
			RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
			Burst:             cfg.Upstream.Burst,
		}, upstream.NewFileTokenSource(cfg.Upstream.TokenPath))
	}

	// --- Engine ---

	a.Catalog = catalog.New(a.Upstream, st, a.Bus, cfg.Catalog.RefreshInterval)
	a.Pipeline = ingest.New(st, a.Bus, a.Embedder, ingest.Config{
		QueueSize:      cfg.Embed.QueueSize,
		Workers:        cfg.Embed.Workers,
		MaxAttempts:    cfg.Embed.MaxAttempts,
		Timeout:        cfg.Embed.Timeout,
		InitialBackoff: cfg.Embed.InitialBackoff,
		MaxBackoff:     cfg.Embed.MaxBackoff,
		SweepInterval:  cfg.Embed.SweepInterval,
	})
	a.Scheduler = syncer.New(a.Upstream, a.Catalog, st, a.Pipeline, syncer.Config{
		Interval:       cfg.Sync.Interval,
		Workers:        cfg.Sync.Workers,
		PageSize:       cfg.Sync.PageSize,
		MaxPages:       cfg.Sync.MaxPages,
		RequestTimeout: cfg.Sync.RequestTimeout,
		DegradedAfter:  cfg.Sync.DegradedAfter,
	})

	rcfg, err := retrievalConfig(cfg.Search)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = retrieval.New(st, a.Embedder, rcfg)

	a.Dispatcher = dispatch.New(dispatch.Deps{
		Searcher:     a.Engine,
		Status:       a.Scheduler,
		Bus:          a.Bus,
		Store:        st,
		Upstream:     a.Upstream,
		Recorder:     a.Pipeline,
		Registry:     a.Catalog,
		DefaultLimit: cfg.Search.DefaultLimit,
	})

	a.MCP = newMCPServer(a.Dispatcher)
	return a, nil
}

func newEmbedder(cfg config.Embed) (embed.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return embed.NewOpenAI(embed.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
	case "hash":
		return embed.NewHash(cfg.Dimensions), nil
	case "none", "":
		return nil, nil
	default:
		return nil, errors.Errorf("server: unknown embed provider %q", cfg.Provider)
	}
}

func retrievalConfig(cfg config.Search) (retrieval.Config, error) {
	sim, err := retrieval.SimilarityByName(cfg.Similarity)
	if err != nil {
		return retrieval.Config{}, err
	}
	fusion, err := retrieval.ParseFusion(cfg.Fusion)
	if err != nil {
		return retrieval.Config{}, err
	}
	return retrieval.Config{
		Candidates: cfg.Candidates,
		RRFK:       float64(cfg.RRFK),
		Fusion:     fusion,
		Weights:    retrieval.Weights{Lexical: cfg.WeightLexical, Vector: cfg.WeightVector},
		MaxLimit:   cfg.MaxLimit,
		Similarity: sim,
	}, nil
}

// newMCPServer registers every tool, resource and prompt against d.
func newMCPServer(d *dispatch.Dispatcher) *server.MCPServer {
	s := server.NewMCPServer(
		"chatsync",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Tools ---

	searchTool := tools.NewSearchTool(d)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	statusTool := tools.NewStatusTool(d)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	listTool := tools.NewListConversationsTool(d)
	s.AddTool(listTool.Definition(), listTool.Handle)

	recentTool := tools.NewRecentMessagesTool(d)
	s.AddTool(recentTool.Definition(), recentTool.Handle)

	sendTool := tools.NewSendTool(d)
	s.AddTool(sendTool.Definition(), sendTool.Handle)

	createTool := tools.NewCreateConversationTool(d)
	s.AddTool(createTool.Definition(), createTool.Handle)

	// --- Resources ---

	h := resources.NewHandler(d)
	s.AddResource(h.ConversationsResource(), h.HandleConversations)
	s.AddResource(h.IncomingResource(), h.HandleIncoming)
	s.AddResource(h.StatusResource(), h.HandleStatus)

	// --- Prompts ---

	catchUp := prompts.NewCatchUpPrompt()
	s.AddPrompt(catchUp.Definition(), catchUp.Handle)

	recall := prompts.NewRecallPrompt()
	s.AddPrompt(recall.Definition(), recall.Handle)

	return s
}

// Run starts syncing, embedding and notifying and blocks until ctx is
// cancelled or, when stdin is non-nil, the MCP client hangs up.
func (a *App) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.Catalog.Warm(ctx); err != nil {
		return err
	}
	a.Pipeline.Start(ctx)
	defer a.Pipeline.Stop()

	a.log.Info().
		Str("version", Version).
		Str("db", a.Store.Path()).
		Bool("demo", a.Config.Demo).
		Bool("embeddings", a.Embedder != nil).
		Msg("chatsync starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error {
		return resources.NewNotifier(a.Bus, a.MCP.SendNotificationToAllClients).Run(gctx)
	})
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if addr := a.Config.WS.Addr; addr != "" {
		g.Go(func() error {
			return stream.Serve(gctx, addr, stream.NewHandler(a.Dispatcher).Routes())
		})
	}
	if stdin != nil {
		g.Go(func() error {
			defer cancel()
			stdio := server.NewStdioServer(a.MCP)
			stdio.SetErrorLogger(stdlog.New(a.log, "", 0))
			err := stdio.Listen(gctx, stdin, stdout)
			if err != nil && gctx.Err() == nil && !errors.Is(err, io.EOF) {
				return errors.Wrap(err, "server: stdio")
			}
			return nil
		})
	}

	err := g.Wait()
	a.log.Info().Msg("chatsync stopped")
	return err
}

// Close releases the store, the bus and the relay publisher.
func (a *App) Close() error {
	var first error
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.relayClose != nil {
		if err := a.relayClose(); err != nil && first == nil {
			first = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func serverInstructions() string {
	return `You have access to chatsync, which keeps a searchable local copy of the user's chat conversations.

## WHAT IT DOES

A background loop polls every conversation every few seconds and stores new
messages exactly once. Messages are indexed for keyword search immediately and
for semantic search once their embedding is computed.

## TOOLS

- search_messages: find messages by keywords or meaning. Prefer the default
  hybrid mode; use lexical for exact terms or names, vector for paraphrases.
- recent_messages: read the latest messages, optionally in one conversation.
- list_conversations: discover conversation ids and labels.
- sync_status: check whether sync is healthy before trusting that results are
  complete. A paused status means the credential expired.
- send_message / create_conversation: write to the chat platform. Always
  confirm the exact text and recipient with the user before calling these.

## RESOURCES

chatsync://messages/incoming and chatsync://conversations change as new data
arrives; subscribe to be notified. chatsync://sync/status mirrors sync_status.`
}
