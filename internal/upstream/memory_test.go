package upstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/chat"
	"github.com/HendryAvila/chatsync/internal/upstream"
)

func TestMemoryClient_PagesAfterCursor(t *testing.T) {
	c := upstream.NewMemoryClient()
	c.AddConversation(chat.Conversation{ID: "C1"})
	for i := int64(1); i <= 5; i++ {
		c.AddMessage(chat.Message{ConversationID: "C1", ID: string(rune('a' + i)), SentAt: time.UnixMilli(100 + i)})
	}
	ctx := context.Background()
	since := chat.Cursor{ConversationID: "C1", SentAt: time.UnixMilli(102)}

	var got []string
	token := ""
	for {
		page, err := c.FetchMessages(ctx, "C1", since, token, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			got = append(got, m.ID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	require.Equal(t, []string{"d", "e", "f"}, got)
	require.Equal(t, 2, c.FetchCalls("C1"))
}

func TestMemoryClient_InjectedErrors(t *testing.T) {
	c := upstream.NewMemoryClient()
	c.AddConversation(chat.Conversation{ID: "C1"})
	ctx := context.Background()

	_, err := c.FetchMessages(ctx, "missing", chat.Cursor{}, "", 10)
	require.ErrorIs(t, err, upstream.ErrNotFound)

	c.FailFetch("C1", upstream.ErrRateLimited)
	_, err = c.FetchMessages(ctx, "C1", chat.Cursor{}, "", 10)
	require.True(t, upstream.IsTransient(err))

	c.FailFetch("C1", nil)
	_, err = c.FetchMessages(ctx, "C1", chat.Cursor{}, "", 10)
	require.NoError(t, err)

	c.FailList(upstream.ErrAuthExpired)
	_, err = c.ListConversations(ctx)
	require.ErrorIs(t, err, upstream.ErrAuthExpired)
}

func TestMemoryClient_SendAndCreate(t *testing.T) {
	c := upstream.NewMemoryClient()
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, "grace")
	require.NoError(t, err)
	require.Equal(t, chat.KindOneToOne, conv.Kind)

	m, err := c.SendMessage(ctx, conv.ID, "hello")
	require.NoError(t, err)
	require.Equal(t, conv.ID, m.ConversationID)

	page, err := c.FetchMessages(ctx, conv.ID, chat.Cursor{}, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
}

func TestDemoClient(t *testing.T) {
	c := upstream.NewDemoClient()
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
}
