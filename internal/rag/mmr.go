package rag

import (
	"github.com/n1hub/deepmine/internal/vector"
)

// mmr applies maximal marginal relevance: candidates are picked one at a
// time, trading relevance against similarity to what was already picked.
// lambda weighs relevance; 1-lambda weighs diversity.
func mmr(cands []candidate, lambda float64, keep int) []candidate {
	if keep <= 0 || len(cands) <= 1 {
		if keep > 0 && len(cands) > keep {
			return cands[:keep]
		}
		return cands
	}
	if keep > len(cands) {
		keep = len(cands)
	}

	selected := make([]candidate, 0, keep)
	remaining := append([]candidate(nil), cands...)

	for len(selected) < keep && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, cand := range remaining {
			score := lambda * cand.blended
			if len(selected) > 0 {
				maxSim := 0.0
				for _, s := range selected {
					if sim := vector.Cosine(cand.hit.Embedding, s.hit.Embedding); sim > maxSim {
						maxSim = sim
					}
				}
				score -= (1 - lambda) * maxSim
			}
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}
