package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// HashEmbedder derives deterministic vectors from input text. The same text
// always embeds to the same vector, so similarity assertions are stable
// across runs without any embedding provider.
type HashEmbedder struct {
	Dim int
	Err error // returned verbatim when set, for failure-path tests
}

// Embed implements vector.Embedder.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, e.Dim)
		for d := range vec {
			bits := binary.BigEndian.Uint32(sum[(d*4)%28:])
			vec[d] = float32(bits%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}
