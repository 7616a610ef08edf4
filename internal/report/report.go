// Package report computes observability reports in-process from query
// logs, capsules and the audit trail. Nothing is exported to external
// telemetry; reports are served on demand over the API.
package report

import (
	"context"
	"sort"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
)

// DefaultWindowDays is the report window when none is requested.
const DefaultWindowDays = 7

// Reporter computes reports over the store.
type Reporter struct {
	store  store.Store
	logger log.Logger
}

// New creates a Reporter.
func New(st store.Store, logger log.Logger) *Reporter {
	return &Reporter{store: st, logger: logger}
}

func window(days int) time.Time {
	if days <= 0 {
		days = DefaultWindowDays
	}
	return time.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

// RetrievalReport aggregates logged retrievals.
type RetrievalReport struct {
	WindowDays   int     `json:"window_days"`
	TotalQueries int     `json:"total_queries"`
	FallbackRate float64 `json:"fallback_rate"`
	AvgSources   float64 `json:"avg_sources"`
	AvgTopScore  float64 `json:"avg_top_score"`
}

// Retrieval reports how well retrieval grounded recent queries. A query
// with no capsule ids is a fallback.
func (r *Reporter) Retrieval(ctx context.Context, windowDays int) (*RetrievalReport, error) {
	logs, err := r.store.ListQueryLogs(ctx, window(windowDays))
	if err != nil {
		return nil, err
	}
	rep := &RetrievalReport{WindowDays: normalizeDays(windowDays), TotalQueries: len(logs)}
	if len(logs) == 0 {
		return rep, nil
	}

	var fallbacks, sources int
	var topScores float64
	var grounded int
	for _, q := range logs {
		if len(q.CapsuleIDs) == 0 {
			fallbacks++
			continue
		}
		grounded++
		sources += len(q.CapsuleIDs)
		top := q.Scores[0]
		for _, s := range q.Scores {
			if s > top {
				top = s
			}
		}
		topScores += top
	}
	rep.FallbackRate = float64(fallbacks) / float64(len(logs))
	if grounded > 0 {
		rep.AvgSources = float64(sources) / float64(grounded)
		rep.AvgTopScore = topScores / float64(grounded)
	}
	return rep, nil
}

// RouterReport shows how queries spread across scopes and capsules.
type RouterReport struct {
	WindowDays         int            `json:"window_days"`
	ScopeDistribution  map[string]int `json:"scope_distribution"`
	DominanceIncidents int            `json:"dominance_incidents"`
	TopCapsules        []CapsuleCount `json:"top_capsules"`
}

// CapsuleCount is a capsule with its retrieval count.
type CapsuleCount struct {
	CapsuleID string `json:"capsule_id"`
	Count     int    `json:"count"`
}

// Router reports scope usage. A grounded query resting on a single capsule
// counts as a dominance incident.
func (r *Reporter) Router(ctx context.Context, windowDays int) (*RouterReport, error) {
	logs, err := r.store.ListQueryLogs(ctx, window(windowDays))
	if err != nil {
		return nil, err
	}
	rep := &RouterReport{
		WindowDays:        normalizeDays(windowDays),
		ScopeDistribution: make(map[string]int),
	}
	hitCounts := make(map[string]int)
	for _, q := range logs {
		rep.ScopeDistribution[q.Scope]++
		if len(q.CapsuleIDs) == 1 {
			rep.DominanceIncidents++
		}
		for _, id := range q.CapsuleIDs {
			hitCounts[id]++
		}
	}
	for id, n := range hitCounts {
		rep.TopCapsules = append(rep.TopCapsules, CapsuleCount{CapsuleID: id, Count: n})
	}
	sort.Slice(rep.TopCapsules, func(i, k int) bool {
		if rep.TopCapsules[i].Count == rep.TopCapsules[k].Count {
			return rep.TopCapsules[i].CapsuleID < rep.TopCapsules[k].CapsuleID
		}
		return rep.TopCapsules[i].Count > rep.TopCapsules[k].Count
	})
	if len(rep.TopCapsules) > 10 {
		rep.TopCapsules = rep.TopCapsules[:10]
	}
	return rep, nil
}

// HashCluster is a set of capsules sharing one semantic hash.
type HashCluster struct {
	SemanticHash string   `json:"semantic_hash"`
	CapsuleIDs   []string `json:"capsule_ids"`
}

// SemanticHashReport lists duplicate knowledge clusters.
type SemanticHashReport struct {
	TotalCapsules int           `json:"total_capsules"`
	Clusters      []HashCluster `json:"clusters"`
}

// SemanticHash groups capsules by hash and reports clusters of two or
// more, which indicate the same knowledge mined repeatedly.
func (r *Reporter) SemanticHash(ctx context.Context) (*SemanticHashReport, error) {
	capsules, err := r.store.ListCapsules(ctx, store.CapsuleFilter{})
	if err != nil {
		return nil, err
	}
	byHash := make(map[string][]string)
	for _, c := range capsules {
		byHash[c.Metadata.SemanticHash] = append(byHash[c.Metadata.SemanticHash], c.ID)
	}
	rep := &SemanticHashReport{TotalCapsules: len(capsules)}
	for hash, ids := range byHash {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		rep.Clusters = append(rep.Clusters, HashCluster{SemanticHash: hash, CapsuleIDs: ids})
	}
	sort.Slice(rep.Clusters, func(i, k int) bool {
		return rep.Clusters[i].SemanticHash < rep.Clusters[k].SemanticHash
	})
	return rep, nil
}

// PIIReport counts PII findings across stored capsules by label.
type PIIReport struct {
	ScannedCapsules  int            `json:"scanned_capsules"`
	AffectedCapsules int            `json:"affected_capsules"`
	FindingsByLabel  map[string]int `json:"findings_by_label"`
}

// PII rescans every stored capsule. Indexed capsules should be clean; any
// finding here points at a pipeline gap.
func (r *Reporter) PII(ctx context.Context) (*PIIReport, error) {
	capsules, err := r.store.ListCapsules(ctx, store.CapsuleFilter{})
	if err != nil {
		return nil, err
	}
	rep := &PIIReport{
		ScannedCapsules: len(capsules),
		FindingsByLabel: make(map[string]int),
	}
	for _, c := range capsules {
		findings := capsule.ScanPII(c)
		if len(findings) > 0 {
			rep.AffectedCapsules++
		}
		for _, f := range findings {
			rep.FindingsByLabel[f.Label]++
		}
	}
	return rep, nil
}

func normalizeDays(days int) int {
	if days <= 0 {
		return DefaultWindowDays
	}
	return days
}
