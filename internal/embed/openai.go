package embed

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	// MaxTokens truncates input before it is sent. Zero disables truncation.
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dims      int
	truncator *Truncator
}

// NewOpenAI builds an OpenAIEmbedder.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embed: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	e := &OpenAIEmbedder{
		client: openai.NewClientWithConfig(oc),
		model:  openai.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}
	if cfg.MaxTokens > 0 {
		t, err := NewTruncator(cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		e.truncator = t
	}
	return e, nil
}

// Embed implements Embedder. Every failure wraps ErrUnavailable.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.truncator != nil {
		text = e.truncator.Truncate(text)
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, errors.Wrapf(ErrUnavailable, "status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.Wrap(ErrUnavailable, "empty embedding response")
	}
	vec := resp.Data[0].Embedding
	if e.dims > 0 && len(vec) != e.dims {
		return nil, errors.Wrapf(ErrUnavailable, "got %d dimensions, want %d", len(vec), e.dims)
	}
	return vec, nil
}

// Dim implements Embedder.
func (e *OpenAIEmbedder) Dim() int { return e.dims }
