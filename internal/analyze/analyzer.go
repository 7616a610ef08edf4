// Package analyze turns normalized text into capsule material: keyword and
// entity extraction, claim mining, and the synthesis of summaries, insights
// and retrieval hints. The default implementation is deterministic; model
// backed implementations satisfy the same interfaces.
package analyze

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/n1hub/deepmine/internal/capsule"
)

// Extraction is the factual layer mined from raw text.
type Extraction struct {
	Keywords []string
	Entities []string
	Claims   []string
}

// Synthesis is the interpretive layer built on top of an extraction.
type Synthesis struct {
	Summary         string
	Insights        []string
	Questions       []string
	Archetypes      []string
	Symbols         []string
	VectorHint      []string
	EmotionalCharge float64
}

// Analyzer produces capsule material from text. Implementations must be
// safe for concurrent use.
type Analyzer interface {
	Extract(ctx context.Context, text string) (Extraction, error)
	Synthesize(ctx context.Context, text string, ex Extraction) (Synthesis, error)
}

// Extraction limits.
const (
	maxKeywords     = 10
	maxEntities     = 10
	maxClaims       = 5
	summaryWordSpan = 110
)

var sentenceRe = regexp.MustCompile(`[.!?]+`)
var entityRe = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)

// Small polarity lexicons for the emotional charge estimate.
var (
	positiveWords = map[string]bool{
		"gain": true, "growth": true, "improve": true, "success": true,
		"robust": true, "clear": true, "benefit": true, "stable": true,
		"fast": true, "simple": true,
	}
	negativeWords = map[string]bool{
		"loss": true, "failure": true, "risk": true, "broken": true,
		"slow": true, "fragile": true, "debt": true, "outage": true,
		"leak": true, "stale": true,
	}
)

// HeuristicAnalyzer is the deterministic default analyzer. Identical input
// always yields identical capsule material, which keeps ingestion
// idempotent end to end.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates the deterministic analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Extract mines keywords, entities and claims from text.
func (a *HeuristicAnalyzer) Extract(_ context.Context, text string) (Extraction, error) {
	return Extraction{
		Keywords: topKeywords(text, maxKeywords),
		Entities: namedEntities(text, maxEntities),
		Claims:   claims(text, maxClaims),
	}, nil
}

// Synthesize builds the interpretive layer from text and its extraction.
func (a *HeuristicAnalyzer) Synthesize(_ context.Context, text string, ex Extraction) (Synthesis, error) {
	s := Synthesis{
		Summary:         leadingWords(text, summaryWordSpan),
		EmotionalCharge: emotionalCharge(text),
		VectorHint:      vectorHint(ex),
		Archetypes:      archetypes(ex.Keywords),
		Symbols:         symbols(ex),
	}

	for i, kw := range ex.Keywords {
		if i == 3 {
			break
		}
		s.Insights = append(s.Insights, "recurring theme: "+kw)
	}
	for i, kw := range ex.Keywords {
		if i == 2 {
			break
		}
		s.Questions = append(s.Questions, "what follows from "+kw+"?")
	}

	return s, nil
}

// topKeywords ranks content words by frequency, ties broken alphabetically.
func topKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, tok := range capsule.Tokenize(text) {
		if len(tok) < 3 || capsule.IsStopword(tok) {
			continue
		}
		counts[tok]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

// namedEntities collects capitalized tokens in order of first appearance.
func namedEntities(text string, limit int) []string {
	var entities []string
	seen := make(map[string]bool)
	for _, m := range entityRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		entities = append(entities, m)
		if len(entities) == limit {
			break
		}
	}
	return entities
}

// claims takes the substantial sentences as declarative claims.
func claims(text string, limit int) []string {
	var out []string
	for _, sentence := range sentenceRe.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if len(strings.Fields(sentence)) < 6 {
			continue
		}
		out = append(out, sentence)
		if len(out) == limit {
			break
		}
	}
	return out
}

// leadingWords returns the first n whitespace-separated words of text.
func leadingWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// emotionalCharge scores text in [-1, 1] from the polarity lexicons.
func emotionalCharge(text string) float64 {
	var pos, neg int
	for _, tok := range capsule.Tokenize(text) {
		if positiveWords[tok] {
			pos++
		}
		if negativeWords[tok] {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}

// vectorHint merges keywords and lowercased entities into retrieval anchors.
func vectorHint(ex Extraction) []string {
	var hint []string
	seen := make(map[string]bool)
	add := func(term string) {
		term = strings.ToLower(term)
		if term == "" || seen[term] || len(hint) >= capsule.MaxVectorHint {
			return
		}
		seen[term] = true
		hint = append(hint, term)
	}
	for _, kw := range ex.Keywords {
		add(kw)
	}
	for _, e := range ex.Entities {
		add(e)
	}
	return hint
}

// archetypeCandidates is the fixed palette for the archetype assignment.
var archetypeCandidates = []string{"explorer", "builder", "sage", "guardian", "weaver"}

// archetypes picks up to two palette entries, keyed deterministically off
// the keyword set.
func archetypes(keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	first := archetypeCandidates[len(keywords)%len(archetypeCandidates)]
	second := archetypeCandidates[len(keywords[0])%len(archetypeCandidates)]
	if second == first {
		return []string{first}
	}
	return []string{first, second}
}

// symbols are terms that surface both as keyword and entity.
func symbols(ex Extraction) []string {
	kw := make(map[string]bool, len(ex.Keywords))
	for _, k := range ex.Keywords {
		kw[k] = true
	}
	var out []string
	for _, e := range ex.Entities {
		if kw[strings.ToLower(e)] {
			out = append(out, strings.ToLower(e))
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}
