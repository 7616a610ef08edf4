package linker

import (
	"context"
	"math"
	"testing"

	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
)

func buildCapsule(keywords, tags, claims []string) *capsule.Capsule {
	return &capsule.Capsule{
		ID: capsule.NewID(),
		Metadata: capsule.Metadata{
			Version:      capsule.SchemaVersion,
			Status:       capsule.StatusActive,
			Author:       "miner",
			SemanticHash: capsule.SemanticHash(joinWords(keywords)),
			Tags:         tags,
		},
		Core: capsule.Core{
			Summary:  joinWords(keywords),
			Keywords: keywords,
			Claims:   claims,
		},
	}
}

func joinWords(words []string) string {
	var out string
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

func TestSimilarity_HashEqualIsOne(t *testing.T) {
	a := buildCapsule([]string{"cache", "eviction"}, nil, nil)
	b := buildCapsule([]string{"totally", "different"}, nil, nil)
	b.Metadata.SemanticHash = a.Metadata.SemanticHash

	if got := Similarity(a, b); got != 1.0 {
		t.Errorf("Similarity = %v, want 1.0 for equal hash", got)
	}
}

func TestSimilarity_BlendsKeywordAndTagOverlap(t *testing.T) {
	a := buildCapsule([]string{"cache", "redis", "eviction", "latency"},
		[]string{"infra", "performance"}, nil)
	b := buildCapsule([]string{"cache", "redis", "eviction", "postgres"},
		[]string{"infra", "performance"}, nil)

	// keywords: 3 shared of 5 distinct = 0.6; tags identical = 1.0
	want := 0.6*0.6 + 1.0*0.4
	if got := Similarity(a, b); math.Abs(got-want) > 1e-9 {
		t.Errorf("Similarity = %v, want %v", got, want)
	}
}

func TestSimilarity_EmptySidesScoreZero(t *testing.T) {
	a := buildCapsule(nil, nil, nil)
	b := buildCapsule([]string{"cache"}, []string{"infra"}, nil)
	if got := Similarity(a, b); got != 0 {
		t.Errorf("Similarity = %v, want 0", got)
	}
}

func TestSuggest_DuplicateByHash(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	existing := buildCapsule([]string{"memory", "palace"}, nil, nil)
	if err := mem.SaveCapsule(ctx, existing); err != nil {
		t.Fatal(err)
	}

	fresh := buildCapsule([]string{"unrelated", "topics"}, nil, nil)
	fresh.Metadata.SemanticHash = existing.Metadata.SemanticHash

	links, err := New(mem, log.NewNop()).Suggest(ctx, fresh)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("got %d links", len(links))
	}
	l := links[0]
	if l.TargetID != existing.ID || l.Rel != capsule.RelDuplicates {
		t.Errorf("link = %+v", l)
	}
	if l.Confidence != 0.95 {
		t.Errorf("duplicate confidence = %v, want capped 0.95", l.Confidence)
	}
	if l.Accepted != nil {
		t.Error("suggestions must not be auto-accepted")
	}
}

func TestSuggest_RelationFromClaims(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	existing := buildCapsule([]string{"cache", "redis", "eviction", "latency"},
		[]string{"infra", "performance"}, nil)
	if err := mem.SaveCapsule(ctx, existing); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		claims []string
		rel    string
	}{
		{"extends", []string{"this design extends the earlier caching approach"}, capsule.RelExtends},
		{"depends", []string{"the pipeline depends on a warm cache"}, capsule.RelDependsOn},
		{"requires", []string{"correctness requires an eviction policy"}, capsule.RelDependsOn},
		{"default", []string{"caches are faster than disks"}, capsule.RelReferences},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fresh := buildCapsule([]string{"cache", "redis", "eviction", "postgres"},
				[]string{"infra", "performance"}, tc.claims)

			links, err := New(mem, log.NewNop()).Suggest(ctx, fresh)
			if err != nil {
				t.Fatalf("Suggest: %v", err)
			}
			if len(links) != 1 {
				t.Fatalf("got %d links", len(links))
			}
			if links[0].Rel != tc.rel {
				t.Errorf("rel = %s, want %s", links[0].Rel, tc.rel)
			}
		})
	}
}

func TestSuggest_FloorCutsWeakMatches(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	weak := buildCapsule([]string{"gardening", "compost"}, []string{"hobby"}, nil)
	if err := mem.SaveCapsule(ctx, weak); err != nil {
		t.Fatal(err)
	}

	fresh := buildCapsule([]string{"cache", "redis"}, []string{"hobby", "infra"}, nil)
	links, err := New(mem, log.NewNop()).Suggest(ctx, fresh)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("weak match produced links: %+v", links)
	}
}

func TestSuggest_SkipsSelf(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c := buildCapsule([]string{"cache", "redis"}, []string{"infra"}, nil)
	if err := mem.SaveCapsule(ctx, c); err != nil {
		t.Fatal(err)
	}

	links, err := New(mem, log.NewNop()).Suggest(ctx, c)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("capsule linked to itself: %+v", links)
	}
}
