package syncer_test

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/catalog"
	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/events"
	"github.com/HendryAvila/chatsync/internal/ingest"
	"github.com/HendryAvila/chatsync/internal/store"
	"github.com/HendryAvila/chatsync/internal/syncer"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

// ─── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	store   *store.Store
	up      *upstream.MemoryClient
	bus     *events.Bus
	catalog *catalog.Catalog
	cursors *flakyCursors
	pipe    *ingest.Pipeline
	sched   *syncer.Scheduler
}

// flakyCursors fails the next SetCursor calls while failSets > 0.
type flakyCursors struct {
	*store.Store
	failSets atomic.Int32
}

func (f *flakyCursors) SetCursor(ctx context.Context, c chat.Cursor) error {
	if f.failSets.Load() > 0 {
		f.failSets.Add(-1)
		return errors.New("disk I/O error")
	}
	return f.Store.SetCursor(ctx, c)
}

func newFixture(t *testing.T, cfg syncer.Config, convIDs ...string) *fixture {
	t.Helper()
	st, err := store.New(store.Config{DataDir: t.TempDir(), Dimensions: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	up := upstream.NewMemoryClient()
	for _, id := range convIDs {
		up.AddConversation(chat.Conversation{ID: id, Label: "chat " + id, Kind: chat.KindGroup})
	}
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)
	cat := catalog.New(up, st, bus, time.Hour)
	pipe := ingest.New(st, bus, nil, ingest.DefaultConfig())
	cur := &flakyCursors{Store: st}

	return &fixture{
		store:   st,
		up:      up,
		bus:     bus,
		catalog: cat,
		cursors: cur,
		pipe:    pipe,
		sched:   syncer.New(up, cat, cur, pipe, cfg),
	}
}

// fetchFunc adapts a function to syncer.Fetcher.
type fetchFunc func(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (upstream.Page, error)

func (f fetchFunc) FetchMessages(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (upstream.Page, error) {
	return f(ctx, conversationID, since, pageToken, pageSize)
}

// newestFirst serves msgs the way Graph does: pages walk back in time.
func newestFirst(msgs *[]chat.Message) fetchFunc {
	return func(_ context.Context, _ string, since chat.Cursor, pageToken string, pageSize int) (upstream.Page, error) {
		var newer []chat.Message
		for _, m := range *msgs {
			if since.Admits(m) {
				newer = append(newer, m)
			}
		}
		chat.SortAscending(newer)
		slices.Reverse(newer)

		offset := 0
		if pageToken != "" {
			offset, _ = strconv.Atoi(pageToken)
		}
		end := min(offset+pageSize, len(newer))
		page := upstream.Page{Messages: append([]chat.Message(nil), newer[offset:end]...)}
		chat.SortAscending(page.Messages)
		if end < len(newer) {
			page.NextToken = strconv.Itoa(end)
		}
		return page, nil
	}
}

func msg(conv, id string, ms int64) chat.Message {
	return chat.Message{ConversationID: conv, ID: id, SenderID: "u1", Body: "body " + id, SentAt: time.UnixMilli(ms)}
}

func (f *fixture) cursor(t *testing.T, conv string) chat.Cursor {
	t.Helper()
	c, err := f.store.GetCursor(context.Background(), conv)
	require.NoError(t, err)
	return c
}

func (f *fixture) count(t *testing.T, conv string) int {
	t.Helper()
	n, err := f.store.CountMessages(context.Background(), conv)
	require.NoError(t, err)
	return n
}

// ─── Happy path ─────────────────────────────────────────────────────────────

func TestRunCycle_FetchesOnlyAfterCursor(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	ctx := context.Background()

	for i, ms := range []int64{100, 101, 102, 103} {
		f.up.AddMessage(msg("C1", []string{"m100", "m101", "m102", "m103"}[i], ms))
	}
	require.NoError(t, f.store.SetCursor(ctx, chat.At(msg("C1", "m100", 100))))

	sub, err := f.bus.Subscribe(events.ResourceMessages)
	require.NoError(t, err)

	require.NoError(t, f.sched.RunCycle(ctx))

	require.Equal(t, 3, f.count(t, "C1"))
	_, err = f.store.GetMessage(ctx, chat.Key{ConversationID: "C1", MessageID: "m100"})
	require.ErrorIs(t, err, store.ErrNotFound, "the message at the cursor is not fetched again")

	c := f.cursor(t, "C1")
	require.Equal(t, int64(103), c.SentAt.UnixMilli())
	require.Equal(t, "m103", c.MessageID)

	var ids []string
	for range 3 {
		ev := <-sub.Events()
		ids = append(ids, ev.Data.(chat.Message).ID)
	}
	require.Equal(t, []string{"m101", "m102", "m103"}, ids)
}

func TestRunCycle_Idempotent(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	ctx := context.Background()
	f.up.AddMessage(msg("C1", "a", 10))
	f.up.AddMessage(msg("C1", "b", 20))

	require.NoError(t, f.sched.RunCycle(ctx))
	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 2, f.count(t, "C1"))

	f.up.AddMessage(msg("C1", "c", 30))
	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 3, f.count(t, "C1"))
	require.Equal(t, "c", f.cursor(t, "C1").MessageID)
}

func TestRunCycle_PageCeilingContinuesNextCycle(t *testing.T) {
	f := newFixture(t, syncer.Config{PageSize: 2, MaxPages: 2}, "C1")
	ctx := context.Background()
	for i := range 5 {
		f.up.AddMessage(msg("C1", string(rune('a'+i)), int64(10*(i+1))))
	}

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 4, f.count(t, "C1"))
	require.True(t, f.cursor(t, "C1").IsZero(), "cursor waits for the chain to finish")
	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Conversations["C1"].Backfilling)

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 5, f.count(t, "C1"))
	require.Equal(t, "e", f.cursor(t, "C1").MessageID)
	st, err = f.sched.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Conversations["C1"].Backfilling)
}

func TestRunCycle_SameTimestampAcrossPageCeiling(t *testing.T) {
	f := newFixture(t, syncer.Config{PageSize: 1, MaxPages: 1}, "C1")
	ctx := context.Background()
	f.up.AddMessage(msg("C1", "a", 101))
	f.up.AddMessage(msg("C1", "b", 101))
	f.up.AddMessage(msg("C1", "c", 102))

	for range 5 {
		require.NoError(t, f.sched.RunCycle(ctx))
	}
	require.Equal(t, 3, f.count(t, "C1"))
	c := f.cursor(t, "C1")
	require.Equal(t, "c", c.MessageID)
	require.Equal(t, int64(102), c.SentAt.UnixMilli())

	// A later message at the cursor's own timestamp is still picked up.
	f.up.AddMessage(msg("C1", "d", 102))
	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 4, f.count(t, "C1"))
	require.Equal(t, "d", f.cursor(t, "C1").MessageID)
}

func TestRunCycle_NewestFirstPagesNeverSkipOlderTail(t *testing.T) {
	f := newFixture(t, syncer.Config{PageSize: 2, MaxPages: 1}, "C1")
	ctx := context.Background()
	msgs := []chat.Message{msg("C1", "m1", 10), msg("C1", "m2", 20), msg("C1", "m3", 30), msg("C1", "m4", 40), msg("C1", "m5", 50)}
	sched := syncer.New(newestFirst(&msgs), f.catalog, f.cursors, f.pipe, syncer.Config{PageSize: 2, MaxPages: 1})

	require.NoError(t, sched.RunCycle(ctx))
	require.Equal(t, 2, f.count(t, "C1"))
	require.True(t, f.cursor(t, "C1").IsZero(), "newest page alone must not move the cursor")

	require.NoError(t, sched.RunCycle(ctx))
	require.NoError(t, sched.RunCycle(ctx))
	require.Equal(t, 5, f.count(t, "C1"))
	require.Equal(t, "m5", f.cursor(t, "C1").MessageID)

	msgs = append(msgs, msg("C1", "m6", 60))
	require.NoError(t, sched.RunCycle(ctx))
	require.Equal(t, 6, f.count(t, "C1"))
	require.Equal(t, "m6", f.cursor(t, "C1").MessageID)
}

func TestRunCycle_ConversationsIndependent(t *testing.T) {
	f := newFixture(t, syncer.Config{Workers: 2}, "C1", "C2", "C3")
	ctx := context.Background()
	f.up.AddMessage(msg("C1", "x", 10))
	f.up.AddMessage(msg("C2", "x", 10))
	f.up.AddMessage(msg("C3", "x", 10))
	f.up.FailFetch("C2", errors.Wrap(upstream.ErrUnavailable, "502"))

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 1, f.count(t, "C1"))
	require.Equal(t, 0, f.count(t, "C2"))
	require.Equal(t, 1, f.count(t, "C3"))
	require.True(t, f.cursor(t, "C2").IsZero(), "failed fetch leaves the cursor alone")
}

// ─── Failures ───────────────────────────────────────────────────────────────

func TestRunCycle_AtLeastOnceAfterCursorWriteFailure(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	ctx := context.Background()
	f.up.AddMessage(msg("C1", "a", 10))
	f.up.AddMessage(msg("C1", "b", 20))

	f.cursors.failSets.Store(1)
	err := f.sched.RunCycle(ctx)
	require.Error(t, err, "a store failure aborts the cycle")
	require.Equal(t, 2, f.count(t, "C1"), "messages are durable before the cursor moves")
	require.True(t, f.cursor(t, "C1").IsZero())

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 2, f.count(t, "C1"), "refetched messages are deduplicated")
	require.Equal(t, "b", f.cursor(t, "C1").MessageID)
}

func TestRunCycle_DegradesAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, syncer.Config{DegradedAfter: 3}, "C1", "C2")
	ctx := context.Background()
	f.up.AddMessage(msg("C2", "ok", 10))
	f.up.FailFetch("C1", errors.Wrap(upstream.ErrUnavailable, "timeout"))

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.sched.RunCycle(ctx))
		st, err := f.sched.Status(ctx)
		require.NoError(t, err)
		c1 := st.Conversations["C1"]
		require.Equal(t, i, c1.ConsecutiveFailures)
		require.Equal(t, i >= 3, c1.Degraded)
		require.Equal(t, "unavailable", c1.ErrorClass)
	}

	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"C1"}, st.Degraded())
	require.False(t, st.Conversations["C2"].Degraded)
	require.Equal(t, 1, st.Conversations["C2"].Ingested)

	f.up.FailFetch("C1", nil)
	f.up.AddMessage(msg("C1", "late", 50))
	require.NoError(t, f.sched.RunCycle(ctx))
	st, err = f.sched.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Conversations["C1"].Degraded)
	require.Zero(t, st.Conversations["C1"].ConsecutiveFailures)
	require.Empty(t, st.Conversations["C1"].LastError)
	require.Equal(t, "late", st.Conversations["C1"].Cursor.MessageID)
}

func TestRunCycle_PausesOnAuthFailure(t *testing.T) {
	f := newFixture(t, syncer.Config{Workers: 1}, "C1")
	ctx := context.Background()
	f.up.AddMessage(msg("C1", "a", 10))
	f.up.FailFetch("C1", upstream.ErrAuthExpired)

	err := f.sched.RunCycle(ctx)
	require.ErrorIs(t, err, syncer.ErrPaused)
	require.True(t, f.sched.Paused())

	// Still rejected: the probe fails, nothing is fetched.
	f.up.FailList(upstream.ErrAuthExpired)
	calls := f.up.FetchCalls("C1")
	err = f.sched.RunCycle(ctx)
	require.ErrorIs(t, err, syncer.ErrPaused)
	require.Equal(t, calls, f.up.FetchCalls("C1"))

	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Paused)
	require.NotEmpty(t, st.PausedReason)

	// Token refreshed.
	f.up.FailList(nil)
	f.up.FailFetch("C1", nil)
	require.NoError(t, f.sched.RunCycle(ctx))
	require.False(t, f.sched.Paused())
	require.Equal(t, 1, f.count(t, "C1"))
}

func TestRunCycle_RetiresVanishedConversation(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1", "C2")
	ctx := context.Background()
	f.up.AddMessage(msg("C2", "a", 10))
	require.NoError(t, f.sched.RunCycle(ctx))
	require.False(t, f.cursor(t, "C2").IsZero())

	// Gone upstream while the catalog cache still lists it.
	f.up.RemoveConversation("C2")
	require.NoError(t, f.sched.RunCycle(ctx))

	require.True(t, f.cursor(t, "C2").IsZero(), "cursor retired")
	for _, c := range f.catalog.Conversations() {
		require.NotEqual(t, "C2", c.ID)
	}
	conv, err := f.store.GetConversation(ctx, "C2")
	require.NoError(t, err)
	require.True(t, conv.Stale)
	require.Equal(t, 1, f.count(t, "C2"), "messages are retained")

	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Conversations["C2"].Retired)
}

func TestRunCycle_TransientListFailureUsesCache(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	ctx := context.Background()
	require.NoError(t, f.sched.RunCycle(ctx))

	f.catalog.Invalidate()
	f.up.FailList(errors.Wrap(upstream.ErrUnavailable, "503"))
	f.up.AddMessage(msg("C1", "a", 10))

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Equal(t, 1, f.count(t, "C1"))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestRunCycle_CancelledContextStartsNothing(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.sched.RunCycle(ctx))
	require.Zero(t, f.up.FetchCalls("C1"))
}

func TestRunCycle_CancelStopsRequestingPages(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1")
	f.up.AddMessage(msg("C1", "a", 10))
	f.up.AddMessage(msg("C1", "b", 20))
	f.up.AddMessage(msg("C1", "c", 30))
	cfg := syncer.Config{PageSize: 1, MaxPages: 10}

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	sched := syncer.New(fetchFunc(func(rctx context.Context, id string, since chat.Cursor, token string, size int) (upstream.Page, error) {
		calls.Add(1)
		cancel()
		return f.up.FetchMessages(rctx, id, since, token, size)
	}), f.catalog, f.cursors, f.pipe, cfg)

	require.NoError(t, sched.RunCycle(ctx))
	require.EqualValues(t, 1, calls.Load(), "the in-flight page finishes, no new page starts")
	require.Equal(t, 1, f.count(t, "C1"))
	require.True(t, f.cursor(t, "C1").IsZero())

	// The next cycle picks the chain up where it stopped.
	require.NoError(t, sched.RunCycle(context.Background()))
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 3, f.count(t, "C1"))
	require.Equal(t, "c", f.cursor(t, "C1").MessageID)
}

func TestRunCycle_AbortedCycleDoesNotCountSiblingFailures(t *testing.T) {
	f := newFixture(t, syncer.Config{}, "C1", "C2")
	f.up.AddMessage(msg("C1", "a", 10))
	f.up.AddMessage(msg("C2", "x", 10))
	f.cursors.failSets.Store(1)

	sched := syncer.New(fetchFunc(func(ctx context.Context, id string, since chat.Cursor, token string, size int) (upstream.Page, error) {
		if id == "C2" {
			select {
			case <-ctx.Done():
				return upstream.Page{}, errors.Wrap(upstream.ErrUnavailable, ctx.Err().Error())
			case <-time.After(5 * time.Second):
				return upstream.Page{}, errors.New("cycle was never aborted")
			}
		}
		return f.up.FetchMessages(ctx, id, since, token, size)
	}), f.catalog, f.cursors, f.pipe, syncer.Config{Workers: 2})

	ctx := context.Background()
	require.Error(t, sched.RunCycle(ctx))

	st, err := sched.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Conversations["C2"].ConsecutiveFailures)
	require.Empty(t, st.Conversations["C2"].LastError)
	require.Equal(t, 1, st.Conversations["C1"].ConsecutiveFailures)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, syncer.Config{Interval: 10 * time.Millisecond}, "C1")
	f.up.AddMessage(msg("C1", "a", 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := f.sched.Status(context.Background())
		return err == nil && st.Cycles >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, 1, f.count(t, "C1"))
}

func TestStatus_IncludesStoredCursors(t *testing.T) {
	f := newFixture(t, syncer.Config{})
	ctx := context.Background()
	require.NoError(t, f.store.SetCursor(ctx, chat.At(msg("OLD", "z", 99))))

	st, err := f.sched.Status(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Conversations, "OLD")
	require.Equal(t, "z", st.Conversations["OLD"].Cursor.MessageID)
}
