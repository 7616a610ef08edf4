package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// LocalEmbedder derives vectors from a SHA-256 digest of the text. It needs
// no provider and the same text always embeds identically, which keeps the
// semantic hash and retrieval behavior reproducible in offline mode. The
// vectors carry no semantic signal; lexical overlap does the ranking work.
type LocalEmbedder struct {
	dim int
}

// NewLocalEmbedder creates a provider-free embedder of the given dimension.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	return &LocalEmbedder{dim: dim}
}

// Embed implements Embedder.
func (l *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, l.dim)
		for d := range vec {
			bits := binary.BigEndian.Uint32(sum[(d*4)%28:])
			vec[d] = float32(bits%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}
