package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Relay is a bus subscriber that republishes every event to a Watermill
// publisher, one topic per resource, for consumers in other processes.
type Relay struct {
	bus    *Bus
	pub    message.Publisher
	prefix string
	log    zerolog.Logger
}

// NewRelay wires bus to pub. Topics are "<prefix>.messages" and
// "<prefix>.conversations".
func NewRelay(bus *Bus, pub message.Publisher, prefix string) *Relay {
	if prefix == "" {
		prefix = "chatsync"
	}
	return &Relay{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// Topic returns the topic events of resource are published to.
func (r *Relay) Topic(resource Resource) string {
	return r.prefix + "." + string(resource)
}

// Run forwards events until ctx is cancelled or the bus closes.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, res := range []Resource{ResourceMessages, ResourceConversations} {
		sub, err := r.bus.Subscribe(res)
		if err != nil {
			return errors.Wrap(err, "relay: subscribe")
		}
		g.Go(func() error {
			defer sub.Close()
			return r.forward(ctx, sub)
		})
	}
	return g.Wait()
}

func (r *Relay) forward(ctx context.Context, sub *Subscription) error {
	topic := r.Topic(sub.Resource)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				r.log.Warn().Err(err).Uint64("seq", ev.Seq).Msg("relay: encode event")
				continue
			}
			msg := message.NewMessage(watermill.NewUUID(), payload)
			msg.Metadata.Set("type", string(ev.Type))
			if err := r.pub.Publish(topic, msg); err != nil {
				// Delivery to the relay is best effort, like every subscriber.
				r.log.Warn().Err(err).Str("topic", topic).Uint64("seq", ev.Seq).Msg("relay: publish failed")
			}
		}
	}
}

// NewRedisPublisher returns a Redis Streams publisher for addr.
func NewRedisPublisher(addr string) (message.Publisher, func() error, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrap(err, "relay: redis publisher")
	}
	closeFn := func() error {
		perr := pub.Close()
		cerr := client.Close()
		if perr != nil {
			return perr
		}
		return cerr
	}
	return pub, closeFn, nil
}

// ─── Watermill logging ───────────────────────────────────────────────────────

type watermillLogger struct {
	l zerolog.Logger
}

// NewWatermillLogger adapts a zerolog logger to watermill.LoggerAdapter.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{l: l.With().Str("component", "watermill").Logger()}
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{l: w.l.With().Fields(map[string]any(fields)).Logger()}
}
