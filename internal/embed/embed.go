// Package embed turns message text into dense vectors.
package embed

import (
	"context"

	"github.com/pkg/errors"
)

// ErrUnavailable marks a failed embedding request. The message stays
// searchable lexically and the request is retried later.
var ErrUnavailable = errors.New("embed: service unavailable")

// Embedder computes one vector per text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim is the length of every returned vector.
	Dim() int
}

// Func adapts a function to Embedder.
type Func struct {
	Fn   func(ctx context.Context, text string) ([]float32, error)
	Size int
}

// Embed implements Embedder.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

// Dim implements Embedder.
func (f Func) Dim() int { return f.Size }
