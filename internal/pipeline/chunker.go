package pipeline

import (
	"fmt"
	"strings"

	"github.com/n1hub/deepmine/internal/store"
)

// Chunk splits text into overlapping windows of whitespace tokens. Window
// boundaries are token offsets, carried in the chunk id so a citation can
// be traced back to its span. Empty text yields a single empty segment so
// every capsule has at least one chunk row.
func Chunk(capsuleID, text string, size, stride int) []store.Chunk {
	if size <= 0 {
		size = 800
	}
	if stride < 0 || stride >= size {
		stride = 0
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return []store.Chunk{{
			ID:        chunkID(capsuleID, 0, 0, 0),
			CapsuleID: capsuleID,
		}}
	}

	step := size - stride
	if step < 1 {
		step = 1
	}

	var chunks []store.Chunk
	for start, seq := 0, 0; start < len(tokens); start, seq = start+step, seq+1 {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, store.Chunk{
			ID:         chunkID(capsuleID, seq, start, end),
			CapsuleID:  capsuleID,
			Seq:        seq,
			StartToken: start,
			EndToken:   end,
			Content:    strings.Join(tokens[start:end], " "),
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

func chunkID(capsuleID string, seq, start, end int) string {
	return fmt.Sprintf("%s::c%04d@t%d-%d", capsuleID, seq, start, end)
}
