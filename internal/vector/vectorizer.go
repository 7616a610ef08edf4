// Package vector wraps embedding providers behind a fixed-dimension
// contract. Every vector in the index has exactly the configured length;
// a provider returning anything else is a fatal configuration error, not
// a per-job failure.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/n1hub/deepmine/internal/log"
)

// ErrDimensionMismatch indicates the embedder output length disagrees with
// the configured dimension. Callers treat this as fatal at startup.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder is the minimal embedding dependency. Implementations must
// return one vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Vectorizer enforces the dimension contract over an Embedder.
type Vectorizer struct {
	embedder Embedder
	dim      int
	logger   log.Logger
}

// New creates a vectorizer for the given fixed dimension.
func New(embedder Embedder, dim int, logger log.Logger) *Vectorizer {
	return &Vectorizer{embedder: embedder, dim: dim, logger: logger}
}

// Dimension returns the configured vector length.
func (v *Vectorizer) Dimension() int {
	return v.dim
}

// Embed embeds texts and validates every returned vector.
func (v *Vectorizer) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if len(vec) != v.dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				ErrDimensionMismatch, i, len(vec), v.dim)
		}
	}
	return vecs, nil
}

// EmbedOne embeds a single text.
func (v *Vectorizer) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := v.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Verify probes the embedder once at startup so that a misconfigured
// dimension fails the process instead of every job.
func (v *Vectorizer) Verify(ctx context.Context) error {
	if _, err := v.EmbedOne(ctx, "dimension probe"); err != nil {
		return fmt.Errorf("verifying embedder: %w", err)
	}
	v.logger.Debug("embedder verified", "dimension", v.dim)
	return nil
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched
// or zero-norm inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
