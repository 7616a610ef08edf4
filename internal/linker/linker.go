// Package linker suggests relations between a freshly mined capsule and the
// capsules already in the store. Suggestions are never auto-accepted; they
// wait for human review with Accepted left nil.
package linker

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
)

const (
	keywordWeight = 0.6
	tagWeight     = 0.4

	// minScore is the similarity floor below which no link is suggested.
	minScore = 0.60

	// maxConfidence caps suggestion confidence; only a human can say 1.0.
	maxConfidence = 0.95

	// maxCandidates bounds how many existing capsules are compared.
	maxCandidates = 200
)

// Linker scores a capsule against existing ones and emits suggested links.
type Linker struct {
	capsules store.CapsuleStore
	logger   log.Logger
}

// New creates a Linker over the capsule store.
func New(capsules store.CapsuleStore, logger log.Logger) *Linker {
	return &Linker{capsules: capsules, logger: logger}
}

// Suggest returns links from c to existing capsules, strongest first. The
// capsule itself is skipped. Relations are inferred from claim verbs;
// identical semantic hashes short-circuit to a duplicates link.
func (l *Linker) Suggest(ctx context.Context, c *capsule.Capsule) ([]capsule.Link, error) {
	existing, err := l.capsules.ListCapsules(ctx, store.CapsuleFilter{Limit: maxCandidates})
	if err != nil {
		return nil, err
	}

	var links []capsule.Link
	for _, other := range existing {
		if other.ID == c.ID {
			continue
		}
		score := Similarity(c, other)
		if score < minScore {
			continue
		}
		links = append(links, capsule.Link{
			TargetID:   other.ID,
			Rel:        relationFor(c, score),
			Confidence: confidence(score),
		})
	}

	sort.Slice(links, func(i, k int) bool {
		if links[i].Confidence == links[k].Confidence {
			return links[i].TargetID < links[k].TargetID
		}
		return links[i].Confidence > links[k].Confidence
	})

	l.logger.Debug("link suggestions computed",
		"capsule_id", c.ID, "candidates", len(existing), "links", len(links))
	return links, nil
}

// Similarity blends keyword and tag overlap. Capsules with the same
// semantic hash are the same knowledge and score 1.0.
func Similarity(a, b *capsule.Capsule) float64 {
	if a.Metadata.SemanticHash != "" && a.Metadata.SemanticHash == b.Metadata.SemanticHash {
		return 1.0
	}
	kw := jaccard(a.Core.Keywords, b.Core.Keywords)
	tags := jaccard(a.Metadata.Tags, b.Metadata.Tags)
	return kw*keywordWeight + tags*tagWeight
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = true
	}
	var inter int
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		s = strings.ToLower(s)
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// relationFor picks the link relation. Hash-identical capsules duplicate
// each other; otherwise the source capsule's claims decide.
func relationFor(c *capsule.Capsule, score float64) string {
	if score >= 1.0 {
		return capsule.RelDuplicates
	}
	for _, claim := range c.Core.Claims {
		lower := strings.ToLower(claim)
		if strings.Contains(lower, "extend") {
			return capsule.RelExtends
		}
		if strings.Contains(lower, "depend") || strings.Contains(lower, "require") {
			return capsule.RelDependsOn
		}
	}
	return capsule.RelReferences
}

func confidence(score float64) float64 {
	return math.Min(maxConfidence, math.Max(minScore, score))
}
