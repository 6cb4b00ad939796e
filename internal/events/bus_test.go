package events_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/events"
)

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// ─── Delivery ───────────────────────────────────────────────────────────────

func TestBus_DeliversInPublishOrderPerResource(t *testing.T) {
	bus := events.NewBus(8)
	msgs, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)
	convs, err := bus.Subscribe(events.ResourceConversations)
	require.NoError(t, err)

	bus.Publish(events.TypeMessage, "m1")
	bus.Publish(events.TypeConversation, "c1")
	bus.Publish(events.TypeMessage, "m2")

	got := drain(msgs)
	require.Len(t, got, 2)
	require.Equal(t, "m1", got[0].Data)
	require.Equal(t, "m2", got[1].Data)
	require.Less(t, got[0].Seq, got[1].Seq)

	gotConv := drain(convs)
	require.Len(t, gotConv, 1)
	require.Equal(t, events.TypeConversation, gotConv[0].Type)
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := events.NewBus(3)
	slow, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)
	fast, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)

	var fastGot []any
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range fast.Events() {
			fastGot = append(fastGot, ev.Data)
		}
	}()

	for i := 1; i <= 10; i++ {
		bus.Publish(events.TypeMessage, i)
		// Let the fast subscriber keep up so it never overflows.
		require.Eventually(t, func() bool { return len(fast.Events()) == 0 }, time.Second, time.Millisecond)
	}

	got := drain(slow)
	require.Equal(t, []any{8, 9, 10}, []any{got[0].Data, got[1].Data, got[2].Data})
	require.Equal(t, uint64(7), slow.Dropped())

	bus.Close()
	wg.Wait()
	require.Len(t, fastGot, 10, "the fast subscriber is unaffected by the slow one")
	require.Zero(t, fast.Dropped())
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := events.NewBus(1)
	_, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(events.TypeMessage, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a subscriber nobody reads")
	}
}

// ─── Detach / Close ─────────────────────────────────────────────────────────

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	bus := events.NewBus(4)
	sub, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)

	bus.Publish(events.TypeMessage, "before")
	sub.Close()
	sub.Close()
	bus.Publish(events.TypeMessage, "after")

	_, ok := <-sub.Events()
	require.False(t, ok, "detached queue is released")
	require.Zero(t, bus.Subscribers())
}

func TestBus_CloseDrainsGracefully(t *testing.T) {
	bus := events.NewBus(4)
	sub, err := bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)

	bus.Publish(events.TypeMessage, "a")
	bus.Publish(events.TypeMessage, "b")
	bus.Close()

	var got []any
	for ev := range sub.Events() {
		got = append(got, ev.Data)
	}
	require.Equal(t, []any{"a", "b"}, got)

	_, err = bus.Subscribe(events.ResourceMessages)
	require.ErrorIs(t, err, events.ErrClosed)
	require.Zero(t, bus.Publish(events.TypeMessage, "late"))
}

func TestParseResource(t *testing.T) {
	_, err := events.ParseResource("nope")
	require.Error(t, err)
	r, err := events.ParseResource("conversations")
	require.NoError(t, err)
	require.Equal(t, events.ResourceConversations, r)

	_, err = events.NewBus(1).Subscribe("bogus")
	require.Error(t, err)
}

// ─── Relay ──────────────────────────────────────────────────────────────────

func TestRelay_ForwardsToWatermill(t *testing.T) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)
	defer pubsub.Close()

	bus := events.NewBus(8)
	relay := events.NewRelay(bus, pubsub, "test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := pubsub.Subscribe(ctx, relay.Topic(events.ResourceMessages))
	require.NoError(t, err)

	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.TypeMessage, map[string]string{"message_id": "m1"})

	select {
	case msg := <-out:
		msg.Ack()
		require.Equal(t, "message", msg.Metadata.Get("type"))
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		require.Equal(t, events.TypeMessage, ev.Type)
		require.Equal(t, map[string]any{"message_id": "m1"}, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not forward the event")
	}

	cancel()
	require.NoError(t, <-relayDone)
}
