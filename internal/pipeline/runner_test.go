package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/n1hub/deepmine/internal/analyze"
	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/linker"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/store"
	"github.com/n1hub/deepmine/internal/vector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const miningText = `The ingestion pipeline turns raw notes into structured capsules.
Normalization strips noise, segmentation windows the tokens and the analyzer
extracts keywords, entities and claims before synthesis distills a summary.
Every capsule passes validation before indexing so retrieval only ever sees
well formed knowledge. A stable capsule summary keeps the semantic hash
stable across repeated mining runs of the same source material.`

// hashEmbedder derives deterministic unit-length vectors from text.
type hashEmbedder struct {
	dim int
	err error
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, e.dim)
		for d := range vec {
			bits := binary.BigEndian.Uint32(sum[(d*4)%28:])
			vec[d] = float32(bits%1000)/1000 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

type fixture struct {
	runner *Runner
	store  *store.Memory
	bus    *events.Bus
	cancel context.CancelFunc
}

func newFixture(t *testing.T, cfg *config.Config, embedErr error) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := store.NewMemory()
	logger := log.NewNop()
	vec := vector.New(&hashEmbedder{dim: 8, err: embedErr}, 8, logger)
	bus := events.NewBus(256, logger)

	r := NewRunner(ctx, mem, vec, analyze.NewHeuristicAnalyzer(),
		linker.New(mem, logger), bus, cfg, logger)
	r.retry = RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	t.Cleanup(func() {
		r.Wait()
		bus.Close()
		cancel()
	})
	return &fixture{runner: r, store: mem, bus: bus, cancel: cancel}
}

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:         40,
		ChunkStride:       10,
		MaxConcurrentJobs: 4,
		MaxPayloadMB:      1,
		RetentionDays:     7,
	}
}

func waitTerminal(t *testing.T, st store.JobStore, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestRunner_FullPipeline(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	subID, ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(subID)

	j, err := f.runner.Submit(ctx, IngestRequest{
		Owner:      "alice",
		Text:       miningText,
		SourceKind: "note",
		SourceRef:  "notebook/7",
		Tags:       []string{"pipeline", "notes"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.State != job.StateQueued || j.Stage != job.StageQueued {
		t.Errorf("fresh job = %s/%d", j.State, j.Stage)
	}

	final := waitTerminal(t, f.store, j.ID)
	if final.State != job.StateSucceeded || final.Stage != job.StageDone {
		t.Fatalf("job ended %s/%d: %+v", final.State, final.Stage, final.Err)
	}
	if final.CapsuleID == "" {
		t.Fatal("no capsule id on finished job")
	}

	c, err := f.store.GetCapsule(ctx, final.CapsuleID)
	if err != nil {
		t.Fatalf("GetCapsule: %v", err)
	}
	if c.Metadata.Status != capsule.StatusDraft {
		t.Errorf("mined capsule status = %s, want draft", c.Metadata.Status)
	}
	if !c.Metadata.IncludeInRAG {
		t.Error("mined capsule must default to include_in_rag=true")
	}
	if c.Metadata.SemanticHash != capsule.SemanticHash(c.Core.Summary) {
		t.Error("semantic hash does not mirror the summary")
	}
	if c.Neuro.SemanticHash != c.Metadata.SemanticHash {
		t.Error("semantic hash not mirrored into the neuro section")
	}
	if final.Progress != 100 {
		t.Errorf("finished job progress = %d, want 100", final.Progress)
	}

	entries, err := f.store.ListAudit(ctx, c.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	var created bool
	for _, e := range entries {
		if e.Action == store.AuditCapsuleCreated && e.Actor == "alice" {
			created = true
		}
	}
	if !created {
		t.Errorf("no creation audit entry for the mined capsule: %+v", entries)
	}

	hits, err := f.store.SearchVectors(ctx, make([]float32, 8), 10, []string{c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 {
		t.Error("no chunks indexed")
	}

	// Stage codes and progress on the event stream never decrease.
	f.runner.Wait()
	last := job.Stage(0)
	lastProgress := -1
	for {
		select {
		case e := <-ch:
			if e.JobID != j.ID {
				continue
			}
			if e.StageCode < last && e.State != job.StateFailed {
				t.Errorf("stage code went backwards: %d after %d", e.StageCode, last)
			}
			if e.Progress < lastProgress {
				t.Errorf("progress went backwards: %d after %d", e.Progress, lastProgress)
			}
			last = e.StageCode
			lastProgress = e.Progress
			if e.StageCode == job.StageDone {
				if e.Progress != 100 {
					t.Errorf("done event progress = %d", e.Progress)
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("done event never arrived, last code %d", last)
		}
	}
}

func TestRunner_Idempotency(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	req := IngestRequest{Owner: "alice", Text: miningText, IdempotencyKey: "mine-42"}
	first, err := f.runner.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := f.runner.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("idempotent resubmission created a new job: %s vs %s", second.ID, first.ID)
	}

	jobs, _ := f.store.ListJobs(ctx, 0)
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}
	waitTerminal(t, f.store, first.ID)
}

func TestRunner_PayloadTooLarge(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	huge := strings.Repeat("a ", 1<<20) // 2 MB against a 1 MB cap
	_, err := f.runner.Submit(context.Background(), IngestRequest{Owner: "alice", Text: huge})

	var jerr *job.Error
	if !errors.As(err, &jerr) || jerr.Code != job.CodePayloadTooLarge {
		t.Fatalf("got %v, want PayloadTooLarge", err)
	}
	if jerr.Category != job.CategoryAdmission {
		t.Errorf("category = %s", jerr.Category)
	}
}

func TestRunner_ConcurrencyExceededPerOwner(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	for range 2 {
		if err := f.store.CreateJob(ctx, job.New("alice", "")); err != nil {
			t.Fatal(err)
		}
	}

	_, err := f.runner.Submit(ctx, IngestRequest{Owner: "alice", Text: miningText})
	var jerr *job.Error
	if !errors.As(err, &jerr) || jerr.Code != job.CodeConcurrencyExceeded {
		t.Fatalf("got %v, want ConcurrencyExceeded", err)
	}

	// The cap is per caller: a different owner still gets a slot.
	j, err := f.runner.Submit(ctx, IngestRequest{Owner: "bob", Text: miningText})
	if err != nil {
		t.Fatalf("other owner rejected: %v", err)
	}
	waitTerminal(t, f.store, j.ID)
}

func TestRunner_IncludeInRAGOptOut(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	no := false
	j, err := f.runner.Submit(ctx, IngestRequest{Owner: "alice", Text: miningText, IncludeInRAG: &no})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitTerminal(t, f.store, j.ID)
	if final.State != job.StateSucceeded {
		t.Fatalf("job ended %s: %+v", final.State, final.Err)
	}

	c, err := f.store.GetCapsule(ctx, final.CapsuleID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Metadata.IncludeInRAG {
		t.Error("opt-out request still produced an opted-in capsule")
	}
}

func TestRunner_PIIFailsStandardPrivacy(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	text := miningText + "\nReach the author at alice@example.com for questions."
	j, err := f.runner.Submit(context.Background(), IngestRequest{Owner: "alice", Text: text})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, f.store, j.ID)
	if final.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.Err == nil || final.Err.Code != job.CodePIIDetected {
		t.Fatalf("error = %+v, want PIIDetected", final.Err)
	}
	if final.Err.Category != job.CategoryPII {
		t.Errorf("category = %s", final.Err.Category)
	}
	if len(final.Err.Issues) == 0 {
		t.Error("no field issues attached")
	}
}

func TestRunner_HighPrivacyRedactsAndSucceeds(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	text := miningText + "\nReach the author at alice@example.com for questions."
	j, err := f.runner.Submit(ctx, IngestRequest{
		Owner:        "alice",
		Text:         text,
		PrivacyLevel: capsule.PrivacyHigh,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, f.store, j.ID)
	if final.State != job.StateSucceeded {
		t.Fatalf("state = %s: %+v", final.State, final.Err)
	}

	c, err := f.store.GetCapsule(ctx, final.CapsuleID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(c.Core.Content, "alice@example.com") {
		t.Error("email survived high-privacy mining")
	}
}

func TestRunner_UpstreamFailure(t *testing.T) {
	f := newFixture(t, testConfig(), errors.New("embedder: 503 service unavailable"))

	j, err := f.runner.Submit(context.Background(), IngestRequest{Owner: "alice", Text: miningText})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitTerminal(t, f.store, j.ID)
	if final.State != job.StateFailed {
		t.Fatalf("state = %s", final.State)
	}
	if final.Err == nil || final.Err.Code != job.CodeUpstreamUnavailable {
		t.Fatalf("error = %+v, want UpstreamUnavailable", final.Err)
	}
	if final.Err.Category != job.CategoryUpstream {
		t.Errorf("category = %s", final.Err.Category)
	}
}

func TestRunner_CancelBeforeIndexing(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	j := job.New("alice", "")
	if err := j.Advance(job.StageNormalizing); err != nil {
		t.Fatal(err)
	}
	if err := f.store.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.runner.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.State != job.StateCancelled {
		t.Errorf("state = %s", cancelled.State)
	}
	if cancelled.Stage != job.StageFailed {
		t.Errorf("cancelled job must land on the terminal code, got %d", cancelled.Stage)
	}
	if cancelled.Progress != 100 {
		t.Errorf("cancelled job progress = %d, want 100", cancelled.Progress)
	}
}

func TestRunner_CancelRejectedAtIndexing(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	j := job.New("alice", "")
	for _, st := range []job.Stage{
		job.StageNormalizing, job.StageSegmenting, job.StageExtracting,
		job.StageSynthesizing, job.StageAssembling, job.StageValidating,
		job.StageIndexing,
	} {
		if err := j.Advance(st); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	if _, err := f.runner.Cancel(ctx, j.ID); !errors.Is(err, job.ErrCancellationRejected) {
		t.Fatalf("got %v, want ErrCancellationRejected", err)
	}

	got, _ := f.store.GetJob(ctx, j.ID)
	if got.State != job.StateProcessing {
		t.Errorf("rejected cancel changed state to %s", got.State)
	}
}

func TestJanitor_Sweep(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	stale := job.New("alice", "")
	stale.Fail(&job.Error{Category: job.CategoryInternal, Code: job.CodeInternal, Message: "x"})
	stale.UpdatedAt = time.Now().Add(-30 * 24 * time.Hour)
	if err := mem.CreateJob(ctx, stale); err != nil {
		t.Fatal(err)
	}
	live := job.New("alice", "")
	if err := mem.CreateJob(ctx, live); err != nil {
		t.Fatal(err)
	}

	jn := NewJanitor(mem, 7, log.NewNop())
	jn.sweep(ctx)

	if _, err := mem.GetJob(ctx, stale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("stale job survived the sweep")
	}
	if _, err := mem.GetJob(ctx, live.ID); err != nil {
		t.Error("live job was swept")
	}
}
