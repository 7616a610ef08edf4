package analyze

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// answerPrompt instructs the model to stay grounded and to cite capsules
// with the 【id】 marker the API contract requires.
const answerPrompt = `Answer the question using ONLY the knowledge capsules below.
Cite every statement with the marker 【capsule_id】 of the capsule it came from.
If the capsules do not contain the answer, say so briefly.
Keep the answer under %d words.

Question: %s

Capsules:
%s`

// GenkitComposer generates answers through a genkit model.
type GenkitComposer struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenkitComposer creates a composer for the given provider-qualified
// model name (for example "googleai/gemini-2.5-flash").
func NewGenkitComposer(g *genkit.Genkit, modelName string) *GenkitComposer {
	return &GenkitComposer{g: g, modelName: modelName}
}

// Compose implements Composer via genkit.Generate.
func (c *GenkitComposer) Compose(ctx context.Context, query string, candidates []Candidate, maxTokens int) (string, error) {
	var ctxBlock strings.Builder
	for _, cand := range candidates {
		fmt.Fprintf(&ctxBlock, "- [%s] %s\n", cand.CapsuleID, cand.Summary)
		if cand.Excerpt != "" && cand.Excerpt != cand.Summary {
			fmt.Fprintf(&ctxBlock, "  excerpt: %s\n", cand.Excerpt)
		}
	}

	prompt := fmt.Sprintf(answerPrompt, maxTokens, query, ctxBlock.String())

	response, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}

	return TruncateTokens(response.Text(), maxTokens), nil
}
