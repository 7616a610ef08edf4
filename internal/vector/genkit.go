package vector

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// GenkitEmbedder adapts a genkit ai.Embedder to the Embedder interface.
type GenkitEmbedder struct {
	embedder ai.Embedder
}

// NewGenkitEmbedder wraps e.
func NewGenkitEmbedder(e ai.Embedder) *GenkitEmbedder {
	return &GenkitEmbedder{embedder: e}
}

// Embed implements Embedder over the genkit embedding API.
func (g *GenkitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	res, err := g.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("genkit embed: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genkit embed: got %d embeddings for %d documents",
			len(res.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		vecs[i] = e.Embedding
	}
	return vecs, nil
}
