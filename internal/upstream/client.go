// Package upstream defines the contract chatsync needs from the remote
// messaging platform and ships two implementations: a Microsoft Graph adapter
// and an in-process client for demo mode and tests.
package upstream

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/HendryAvila/chatsync/internal/chat"
)

// Error classes returned by every Client. Implementations wrap one of these so
// callers can branch with errors.Is.
var (
	// ErrAuthExpired means the credential is missing or rejected. All sync
	// pauses until it is refreshed out of band.
	ErrAuthExpired = errors.New("upstream: credential expired")
	// ErrUnavailable is a transient failure: network, timeout or 5xx.
	ErrUnavailable = errors.New("upstream: unavailable")
	// ErrRateLimited is a transient failure asking the caller to slow down.
	ErrRateLimited = errors.New("upstream: rate limited")
	// ErrNotFound means the conversation no longer exists.
	ErrNotFound = errors.New("upstream: not found")
)

// Page is one page of messages. NextToken is empty on the last page.
type Page struct {
	Messages  []chat.Message
	NextToken string
}

// Client is the upstream messaging platform.
type Client interface {
	// ListConversations returns every conversation the credential can see.
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	// FetchMessages returns messages of one conversation that lie strictly
	// after since. Messages within a page are oldest first; the order of
	// pages is up to the platform, so callers may only treat since as
	// covered once the token chain is exhausted. pageToken continues a
	// previous call made with the same since.
	FetchMessages(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (Page, error)
	// SendMessage posts text into a conversation and returns the stored message.
	SendMessage(ctx context.Context, conversationID, text string) (chat.Message, error)
	// CreateConversation opens a one-to-one conversation with a user.
	CreateConversation(ctx context.Context, userRef string) (chat.Conversation, error)
}

// RateLimitError carries the server's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return "upstream: rate limited, retry after " + e.RetryAfter.String()
	}
	return ErrRateLimited.Error()
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// IsTransient reports whether err should be retried on the next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// Class names the error class of err for status reporting.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "auth"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
