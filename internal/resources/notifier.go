package resources

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/chatsync/internal/events"
)

// MethodResourceUpdated is the MCP notification sent when a resource changed.
const MethodResourceUpdated = "notifications/resources/updated"

// NotifyFunc delivers a notification to connected clients, e.g.
// (*server.MCPServer).SendNotificationToAllClients.
type NotifyFunc func(method string, params map[string]any)

// Subscriber attaches event queues.
type Subscriber interface {
	Subscribe(resource events.Resource) (*events.Subscription, error)
}

// Notifier forwards bus events as resource-updated notifications.
type Notifier struct {
	bus    Subscriber
	notify NotifyFunc
	log    zerolog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(bus Subscriber, notify NotifyFunc) *Notifier {
	return &Notifier{bus: bus, notify: notify, log: log.With().Str("component", "notifier").Logger()}
}

// URIFor maps an event resource to the MCP resource it changes.
func URIFor(r events.Resource) string {
	if r == events.ResourceConversations {
		return URIConversations
	}
	return URIIncoming
}

// Run notifies until ctx is cancelled or the bus closes.
func (n *Notifier) Run(ctx context.Context) error {
	resources := []events.Resource{events.ResourceMessages, events.ResourceConversations}
	subs := make([]*events.Subscription, 0, len(resources))
	for _, res := range resources {
		sub, err := n.bus.Subscribe(res)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error {
			defer sub.Close()
			return n.forward(ctx, sub)
		})
	}
	return g.Wait()
}

func (n *Notifier) forward(ctx context.Context, sub *events.Subscription) error {
	res := sub.Resource
	uri := URIFor(res)
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if d := sub.Dropped(); d > reported {
				n.log.Warn().Str("resource", string(res)).Uint64("dropped", d-reported).Msg("notifier fell behind, events dropped")
				reported = d
			}
			n.notify(MethodResourceUpdated, map[string]any{"uri": uri, "type": string(ev.Type), "seq": ev.Seq})
		}
	}
}
