package upstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/chat"
)

// MemoryClient is an in-process upstream. It backs demo mode and tests.
// Errors can be injected per operation and per conversation.
type MemoryClient struct {
	mu            sync.Mutex
	conversations []chat.Conversation
	messages      map[string][]chat.Message
	listErr       error
	fetchErr      map[string]error
	fetchCalls    map[string]int
	now           func() time.Time
	seq           int
}

// NewMemoryClient returns an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		messages:   make(map[string][]chat.Message),
		fetchErr:   make(map[string]error),
		fetchCalls: make(map[string]int),
		now:        time.Now,
	}
}

// NewDemoClient returns a MemoryClient seeded with a couple of conversations.
func NewDemoClient() *MemoryClient {
	c := NewMemoryClient()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	c.AddConversation(chat.Conversation{ID: "demo-team", Label: "Project Team", Kind: chat.KindGroup, Participants: []string{"Ada", "Grace", "Linus"}})
	c.AddConversation(chat.Conversation{ID: "demo-ada", Label: "Ada", Kind: chat.KindOneToOne, Participants: []string{"Ada"}})
	demo := []struct{ conv, sender, body string }{
		{"demo-team", "Ada", "The release candidate is ready for review"},
		{"demo-team", "Grace", "I will run the migration tests this afternoon"},
		{"demo-team", "Linus", "Deployment window moved to Thursday"},
		{"demo-ada", "Ada", "Can you check the flaky sync job?"},
		{"demo-ada", "Ada", "Embedding backlog looks healthy now"},
	}
	for i, d := range demo {
		c.AddMessage(chat.Message{
			ConversationID: d.conv,
			ID:             fmt.Sprintf("demo-%d", i+1),
			SenderID:       d.sender,
			SenderName:     d.sender,
			Body:           d.body,
			SentAt:         base.Add(time.Duration(i) * time.Minute),
		})
	}
	return c
}

// AddConversation adds or replaces a conversation.
func (c *MemoryClient) AddConversation(conv chat.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.conversations {
		if c.conversations[i].ID == conv.ID {
			c.conversations[i] = conv
			return
		}
	}
	c.conversations = append(c.conversations, conv)
}

// RemoveConversation makes a conversation disappear, as if deleted upstream.
func (c *MemoryClient) RemoveConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.conversations {
		if c.conversations[i].ID == id {
			c.conversations = append(c.conversations[:i], c.conversations[i+1:]...)
			break
		}
	}
	delete(c.messages, id)
}

// AddMessage appends a message to its conversation.
func (c *MemoryClient) AddMessage(m chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[m.ConversationID] = append(c.messages[m.ConversationID], m)
	chat.SortAscending(c.messages[m.ConversationID])
}

// FailList makes ListConversations return err until cleared with nil.
func (c *MemoryClient) FailList(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// FailFetch makes FetchMessages for one conversation return err until cleared with nil.
func (c *MemoryClient) FailFetch(conversationID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fetchErr, conversationID)
		return
	}
	c.fetchErr[conversationID] = err
}

// FetchCalls returns how many times a conversation was fetched.
func (c *MemoryClient) FetchCalls(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls[conversationID]
}

// ListConversations implements Client.
func (c *MemoryClient) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]chat.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out, nil
}

// FetchMessages implements Client. Page tokens are offsets into the filtered list.
func (c *MemoryClient) FetchMessages(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, errors.Wrap(ErrUnavailable, err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls[conversationID]++
	if err := c.fetchErr[conversationID]; err != nil {
		return Page{}, err
	}
	if !c.exists(conversationID) {
		return Page{}, errors.Wrap(ErrNotFound, conversationID)
	}

	var newer []chat.Message
	for _, m := range c.messages[conversationID] {
		if since.Admits(m) {
			newer = append(newer, m)
		}
	}
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return Page{}, errors.Errorf("upstream: bad page token %q", pageToken)
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = len(newer)
	}
	if offset > len(newer) {
		offset = len(newer)
	}
	end := min(offset+pageSize, len(newer))

	page := Page{Messages: append([]chat.Message(nil), newer[offset:end]...)}
	if end < len(newer) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// SendMessage implements Client.
func (c *MemoryClient) SendMessage(ctx context.Context, conversationID, text string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, errors.Wrap(ErrUnavailable, err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists(conversationID) {
		return chat.Message{}, errors.Wrap(ErrNotFound, conversationID)
	}
	c.seq++
	m := chat.Message{
		ConversationID: conversationID,
		ID:             fmt.Sprintf("sent-%d", c.seq),
		SenderID:       "me",
		SenderName:     "me",
		Body:           text,
		SentAt:         c.now(),
	}
	c.messages[conversationID] = append(c.messages[conversationID], m)
	chat.SortAscending(c.messages[conversationID])
	return m, nil
}

// CreateConversation implements Client.
func (c *MemoryClient) CreateConversation(ctx context.Context, userRef string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, errors.Wrap(ErrUnavailable, err.Error())
	}
	if userRef == "" {
		return chat.Conversation{}, errors.New("upstream: user reference is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	conv := chat.Conversation{
		ID:           fmt.Sprintf("chat-%d", c.seq),
		Label:        userRef,
		Kind:         chat.KindOneToOne,
		Participants: []string{userRef},
		UpdatedAt:    c.now(),
	}
	c.conversations = append(c.conversations, conv)
	return conv, nil
}

func (c *MemoryClient) exists(id string) bool {
	for _, conv := range c.conversations {
		if conv.ID == id {
			return true
		}
	}
	return false
}
