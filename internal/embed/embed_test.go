package embed_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/chatsync/internal/embed"
)

func TestOpenAI_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	e, err := embed.NewOpenAI(embed.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 3, MaxTokens: 100})
	require.NoError(t, err)
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	require.Equal(t, 3, e.Dim())
}

func TestOpenAI_FailuresAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	e, err := embed.NewOpenAI(embed.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, embed.ErrUnavailable)
}

func TestOpenAI_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}]}`))
	}))
	defer srv.Close()

	e, err := embed.NewOpenAI(embed.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 3})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, embed.ErrUnavailable)
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := embed.NewOpenAI(embed.OpenAIConfig{})
	require.Error(t, err)
}

func TestTruncator(t *testing.T) {
	tr, err := embed.NewTruncator(3)
	require.NoError(t, err)

	short := "hi"
	require.Equal(t, short, tr.Truncate(short))

	long := "the quick brown fox jumps over the lazy dog"
	cut := tr.Truncate(long)
	require.NotEqual(t, long, cut)
	require.Equal(t, "the quick brown", cut)
	require.Equal(t, cut, tr.Truncate(cut), "a truncated text fits the budget")
}

func TestHashEmbedder(t *testing.T) {
	h := embed.NewHash(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Deploy the release")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "deploy THE release!")
	require.NoError(t, err)
	require.Equal(t, a, b, "case and punctuation do not matter")
	require.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	empty, err := h.Embed(ctx, "   ")
	require.NoError(t, err)
	for _, v := range empty {
		require.Zero(t, v)
	}
}
