package analyze

import (
	"context"
	"fmt"
	"strings"
)

// Candidate is one retrieved capsule offered to the composer.
type Candidate struct {
	CapsuleID string
	Summary   string
	Excerpt   string
	Score     float64
}

// Composer writes a grounded answer to a query from retrieved candidates.
// Answers cite capsules with 【capsule_id】 markers; the retrieval engine
// strips any citation outside the candidate set afterwards.
type Composer interface {
	Compose(ctx context.Context, query string, candidates []Candidate, maxTokens int) (string, error)
}

// TemplateComposer is the deterministic fallback composer used when no
// model provider is configured, and in tests.
type TemplateComposer struct{}

// NewTemplateComposer creates the deterministic composer.
func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{}
}

// Compose builds a grounded answer by stitching candidate excerpts
// together, citing each one.
func (c *TemplateComposer) Compose(_ context.Context, query string, candidates []Candidate, maxTokens int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the indexed capsules, regarding %q: ", query)

	for i, cand := range candidates {
		if i > 0 {
			b.WriteString(" ")
		}
		excerpt := cand.Excerpt
		if excerpt == "" {
			excerpt = cand.Summary
		}
		fmt.Fprintf(&b, "%s 【%s】.", firstSentence(excerpt), cand.CapsuleID)
	}

	return TruncateTokens(b.String(), maxTokens), nil
}

// firstSentence returns the first sentence of text, or the whole text when
// no terminator is found.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, ".!?"); idx > 0 {
		return text[:idx]
	}
	return text
}

// TruncateTokens caps text at maxTokens whitespace-separated tokens.
func TruncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text
	}
	return strings.Join(words[:maxTokens], " ")
}
