package report

import (
	"context"
	"testing"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
)

func seedLogs(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	logs := []store.QueryLog{
		{Query: "grounded one", Scope: "public",
			CapsuleIDs: []string{"01A", "01B"}, Scores: []float64{0.9, 0.7}},
		{Query: "grounded two", Scope: "public",
			CapsuleIDs: []string{"01A"}, Scores: []float64{0.8}},
		{Query: "fell back", Scope: "my"},
		{Query: "too old", Scope: "public",
			CapsuleIDs: []string{"01C"}, Scores: []float64{0.9},
			CreatedAt:  time.Now().Add(-30 * 24 * time.Hour)},
	}
	for _, q := range logs {
		if err := mem.AppendQueryLog(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRetrievalReport(t *testing.T) {
	mem := store.NewMemory()
	seedLogs(t, mem)

	rep, err := New(mem, log.NewNop()).Retrieval(context.Background(), 7)
	if err != nil {
		t.Fatalf("Retrieval: %v", err)
	}
	if rep.TotalQueries != 3 {
		t.Errorf("total = %d, old entries must fall outside the window", rep.TotalQueries)
	}
	if got := rep.FallbackRate; got < 0.33 || got > 0.34 {
		t.Errorf("fallback rate = %v", got)
	}
	if rep.AvgSources != 1.5 {
		t.Errorf("avg sources = %v", rep.AvgSources)
	}
	// top scores 0.9 and 0.8 across the two grounded queries
	if got := rep.AvgTopScore; got < 0.849 || got > 0.851 {
		t.Errorf("avg top score = %v", got)
	}
}

func TestRetrievalReport_Empty(t *testing.T) {
	rep, err := New(store.NewMemory(), log.NewNop()).Retrieval(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalQueries != 0 || rep.WindowDays != DefaultWindowDays {
		t.Errorf("report = %+v", rep)
	}
}

func TestRouterReport(t *testing.T) {
	mem := store.NewMemory()
	seedLogs(t, mem)

	rep, err := New(mem, log.NewNop()).Router(context.Background(), 7)
	if err != nil {
		t.Fatalf("Router: %v", err)
	}
	if rep.ScopeDistribution["public"] != 2 || rep.ScopeDistribution["my"] != 1 {
		t.Errorf("scope distribution = %v", rep.ScopeDistribution)
	}
	if rep.DominanceIncidents != 1 {
		t.Errorf("dominance incidents = %d", rep.DominanceIncidents)
	}
	if len(rep.TopCapsules) == 0 || rep.TopCapsules[0].CapsuleID != "01A" || rep.TopCapsules[0].Count != 2 {
		t.Errorf("top capsules = %+v", rep.TopCapsules)
	}
}

func reportCapsule(summary string) *capsule.Capsule {
	return &capsule.Capsule{
		ID: capsule.NewID(),
		Metadata: capsule.Metadata{
			Version:      capsule.SchemaVersion,
			Status:       capsule.StatusActive,
			Author:       "alice",
			CreatedAt:    time.Now().UTC(),
			Language:     "en",
			SemanticHash: capsule.SemanticHash(summary),
		},
		Core: capsule.Core{Summary: summary, Content: summary},
	}
}

func TestSemanticHashReport(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	dupA := reportCapsule("quantum garden extends the memory palace")
	dupB := reportCapsule("quantum garden extends the memory palace")
	unique := reportCapsule("a different idea entirely about compost")
	for _, c := range []*capsule.Capsule{dupA, dupB, unique} {
		if err := mem.SaveCapsule(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := New(mem, log.NewNop()).SemanticHash(ctx)
	if err != nil {
		t.Fatalf("SemanticHash: %v", err)
	}
	if rep.TotalCapsules != 3 {
		t.Errorf("total = %d", rep.TotalCapsules)
	}
	if len(rep.Clusters) != 1 {
		t.Fatalf("clusters = %+v", rep.Clusters)
	}
	if len(rep.Clusters[0].CapsuleIDs) != 2 {
		t.Errorf("cluster members = %v", rep.Clusters[0].CapsuleIDs)
	}
}

func TestPIIReport(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	clean := reportCapsule("a clean capsule about gardening techniques")
	dirty := reportCapsule("leaked details")
	dirty.Core.Content = "reach me at alice@example.com or 555-123-4567"
	for _, c := range []*capsule.Capsule{clean, dirty} {
		if err := mem.SaveCapsule(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	rep, err := New(mem, log.NewNop()).PII(ctx)
	if err != nil {
		t.Fatalf("PII: %v", err)
	}
	if rep.ScannedCapsules != 2 || rep.AffectedCapsules != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.FindingsByLabel["EMAIL"] == 0 {
		t.Errorf("findings = %v", rep.FindingsByLabel)
	}
}
