package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/HendryAvila/chatsync/internal/chat"
)

// DefaultGraphBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"

const (
	// maxMessagePage is the largest $top /chats/{id}/messages accepts.
	maxMessagePage = 50
	// filterOverlap widens the strict gt filter so messages sharing the
	// cursor's timestamp are listed again; Cursor.Admits drops the seen ones.
	filterOverlap = time.Second
)

// GraphConfig configures GraphClient.
type GraphConfig struct {
	BaseURL string
	// RequestsPerSecond caps outgoing requests. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// Transport is the base transport under the bearer-token layer.
	Transport http.RoundTripper
}

// GraphClient talks to Microsoft Graph chats and chat messages.
type GraphClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewGraphClient builds a Graph client that authenticates with src.
func NewGraphClient(cfg GraphConfig, src oauth2.TokenSource) *GraphClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultGraphBaseURL
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &GraphClient{
		base:    base,
		http:    &http.Client{Transport: &oauth2.Transport{Source: src, Base: transport}},
		limiter: limiter,
		log:     log.With().Str("component", "graph").Logger(),
	}
}

// ─── Wire types ──────────────────────────────────────────────────────────────

type graphChat struct {
	ID                  string        `json:"id"`
	Topic               string        `json:"topic"`
	ChatType            string        `json:"chatType"`
	LastUpdatedDateTime time.Time     `json:"lastUpdatedDateTime"`
	Members             []graphMember `json:"members"`
}

type graphMember struct {
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
}

type graphMessage struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chatId"`
	MessageType     string    `json:"messageType"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	From            *struct {
		User *struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphList[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ─── Client ──────────────────────────────────────────────────────────────────

// ListConversations implements Client, following every continuation link.
func (g *GraphClient) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	next := g.base + "/me/chats?$expand=members"
	var out []chat.Conversation
	for next != "" {
		var page graphList[graphChat]
		if err := g.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, errors.Wrap(err, "list chats")
		}
		for _, c := range page.Value {
			out = append(out, c.toConversation())
		}
		next = page.NextLink
	}
	return out, nil
}

// FetchMessages implements Client. Graph lists chat messages newest first
// and only filters lastModifiedDateTime with gt, so the first request asks
// for everything modified shortly before the cursor and the cursor itself
// drops what was already ingested. Later requests follow @odata.nextLink,
// walking back in time.
func (g *GraphClient) FetchMessages(ctx context.Context, conversationID string, since chat.Cursor, pageToken string, pageSize int) (Page, error) {
	target := pageToken
	if target == "" {
		q := url.Values{}
		if pageSize > 0 {
			q.Set("$top", strconv.Itoa(min(pageSize, maxMessagePage)))
		}
		q.Set("$orderby", "lastModifiedDateTime desc")
		if !since.IsZero() {
			from := since.SentAt.Add(-filterOverlap).UTC().Format(time.RFC3339Nano)
			q.Set("$filter", "lastModifiedDateTime gt "+from)
		}
		target = g.base + "/chats/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	} else if !strings.HasPrefix(target, g.base) {
		return Page{}, errors.Errorf("upstream: page token points outside %s", g.base)
	}

	var page graphList[graphMessage]
	if err := g.do(ctx, http.MethodGet, target, nil, &page); err != nil {
		return Page{}, errors.Wrapf(err, "fetch messages of %s", conversationID)
	}

	out := Page{NextToken: page.NextLink}
	for _, gm := range page.Value {
		if gm.MessageType != "" && gm.MessageType != "message" {
			continue
		}
		m := gm.toMessage(conversationID)
		if since.Admits(m) {
			out.Messages = append(out.Messages, m)
		}
	}
	chat.SortAscending(out.Messages)
	return out, nil
}

// SendMessage implements Client.
func (g *GraphClient) SendMessage(ctx context.Context, conversationID, text string) (chat.Message, error) {
	body := map[string]any{"body": map[string]string{"contentType": "text", "content": text}}
	var gm graphMessage
	target := g.base + "/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := g.do(ctx, http.MethodPost, target, body, &gm); err != nil {
		return chat.Message{}, errors.Wrapf(err, "send message to %s", conversationID)
	}
	return gm.toMessage(conversationID), nil
}

// CreateConversation implements Client with a one-to-one chat.
func (g *GraphClient) CreateConversation(ctx context.Context, userRef string) (chat.Conversation, error) {
	if userRef == "" {
		return chat.Conversation{}, errors.New("upstream: user reference is required")
	}
	body := map[string]any{
		"chatType": "oneOnOne",
		"members": []map[string]any{{
			"@odata.type":     "#microsoft.graph.aadUserConversationMember",
			"roles":           []string{"owner"},
			"user@odata.bind": fmt.Sprintf("%s/users('%s')", g.base, userRef),
		}},
	}
	var gc graphChat
	if err := g.do(ctx, http.MethodPost, g.base+"/chats", body, &gc); err != nil {
		return chat.Conversation{}, errors.Wrapf(err, "create chat with %s", userRef)
	}
	conv := gc.toConversation()
	if conv.Label == "" {
		conv.Label = userRef
	}
	return conv, nil
}

// ─── Transport ───────────────────────────────────────────────────────────────

func (g *GraphClient) do(ctx context.Context, method, target string, in, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}

	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return err
		}
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp); err != nil {
		g.log.Debug().Str("method", method).Int("status", resp.StatusCode).Err(err).Msg("graph request failed")
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(ErrUnavailable, "decode response: "+err.Error())
	}
	return nil
}

// statusError maps an HTTP status onto the upstream error classes.
func statusError(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("status %d: %s", code, strings.TrimSpace(string(snippet)))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrap(ErrAuthExpired, detail)
	case code == http.StatusNotFound:
		return errors.Wrap(ErrNotFound, detail)
	case code == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case code >= 500 || code == http.StatusRequestTimeout:
		return errors.Wrap(ErrUnavailable, detail)
	default:
		return errors.New("upstream: " + detail)
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

// ─── Mapping ─────────────────────────────────────────────────────────────────

func (c graphChat) toConversation() chat.Conversation {
	names := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.DisplayName != "" {
			names = append(names, m.DisplayName)
		}
	}
	label := c.Topic
	if label == "" {
		label = strings.Join(names, ", ")
	}
	return chat.Conversation{
		ID:           c.ID,
		Label:        label,
		Participants: names,
		Kind:         chat.ParseKind(c.ChatType),
		UpdatedAt:    c.LastUpdatedDateTime,
	}
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func (gm graphMessage) toMessage(conversationID string) chat.Message {
	m := chat.Message{
		ConversationID: conversationID,
		ID:             gm.ID,
		SentAt:         gm.CreatedDateTime,
		Body:           gm.Body.Content,
	}
	if gm.ChatID != "" {
		m.ConversationID = gm.ChatID
	}
	if gm.From != nil && gm.From.User != nil {
		m.SenderID = gm.From.User.ID
		m.SenderName = gm.From.User.DisplayName
	}
	if strings.EqualFold(gm.Body.ContentType, "html") {
		m.Body = strings.Join(strings.Fields(html.UnescapeString(tagPattern.ReplaceAllString(gm.Body.Content, " "))), " ")
	}
	return m
}
