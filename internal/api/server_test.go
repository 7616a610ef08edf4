package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/n1hub/deepmine/internal/analyze"
	"github.com/n1hub/deepmine/internal/capsule"
	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/linker"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/pipeline"
	"github.com/n1hub/deepmine/internal/rag"
	"github.com/n1hub/deepmine/internal/report"
	"github.com/n1hub/deepmine/internal/store"
	"github.com/n1hub/deepmine/internal/vector"
)

// hashEmbedder derives deterministic vectors from text so the full stack
// runs without an embedding provider.
type hashEmbedder struct{ dim int }

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
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

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:         40,
		ChunkStride:       10,
		MaxConcurrentJobs: 4,
		MaxPayloadMB:      1,
		RetentionDays:     7,

		TopK:            6,
		RerankPool:      24,
		RerankKeep:      8,
		PerSourceCap:    3,
		MMRLambda:       0.3,
		AnswerMaxTokens: 200,

		// Hash-derived test vectors can land anywhere on the sphere, so
		// score floors sit below any reachable blended score.
		CitationMinConfidence: -1,
		PublicScoreThreshold:  -1,

		RateLimitUpload: 1000,
		RateLimitChat:   1000,
		RateLimitPublic: 1000,
		CORSOrigins:     []string{"http://localhost:4200"},
	}
}

type harness struct {
	srv   *httptest.Server
	store *store.Memory
	bus   *events.Bus
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := store.NewMemory()
	logger := log.NewNop()
	vec := vector.New(&hashEmbedder{dim: 8}, 8, logger)
	bus := events.NewBus(256, logger)

	runner := pipeline.NewRunner(ctx, mem, vec, analyze.NewHeuristicAnalyzer(),
		linker.New(mem, logger), bus, cfg, logger)
	engine := rag.New(mem, vec, analyze.NewTemplateComposer(), cfg, logger)

	server := NewServer(ServerConfig{
		Logger:   logger,
		Config:   cfg,
		Store:    mem,
		Runner:   runner,
		Engine:   engine,
		Reporter: report.New(mem, logger),
		Bus:      bus,
	})
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		runner.Wait()
		bus.Close()
		cancel()
	})
	return &harness{srv: ts, store: mem, bus: bus}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func waitJob(t *testing.T, h *harness, id string) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.store.GetJob(context.Background(), id)
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

const ingestText = `Cache invalidation works through versioned keys. Every
write bumps the key version so stale readers miss and refill from the source
of truth. The alternative, explicit purges, races with concurrent writers.`

func TestIngest_AcceptedAndMined(t *testing.T) {
	h := newHarness(t, testConfig())

	resp := h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: ingestText, SourceKind: "note", PrivacyLevel: capsule.PrivacyStandard},
		map[string]string{"X-Actor": "alice"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	accepted := decode[job.Job](t, resp)
	if accepted.Owner != "alice" {
		t.Errorf("owner = %q, want alice", accepted.Owner)
	}

	done := waitJob(t, h, accepted.ID)
	if done.State != job.StateSucceeded {
		t.Fatalf("state = %s, err = %v", done.State, done.Err)
	}
	if done.CapsuleID == "" {
		t.Fatal("succeeded job carries no capsule id")
	}

	got := h.do(t, http.MethodGet, "/api/v1/jobs/"+accepted.ID, nil, nil)
	if got.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d", got.StatusCode)
	}
	fetched := decode[job.Job](t, got)
	if fetched.Stage != job.StageDone {
		t.Errorf("stage = %d, want %d", fetched.Stage, job.StageDone)
	}
}

func TestIngest_IdempotencyReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	headers := map[string]string{"X-Actor": "alice", "Idempotency-Key": "k-42"}

	first := decode[job.Job](t, h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: ingestText, SourceKind: "note"}, headers))
	waitJob(t, h, first.ID)

	second := decode[job.Job](t, h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: ingestText, SourceKind: "note"}, headers))
	if second.ID != first.ID {
		t.Errorf("replay created a new job: %s vs %s", second.ID, first.ID)
	}
}

func TestIngest_PayloadTooLarge(t *testing.T) {
	h := newHarness(t, testConfig())

	huge := strings.Repeat("x", 2<<20)
	resp := h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: huge}, map[string]string{"X-Actor": "alice"})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	env := decode[errorEnvelope](t, resp)
	if env.Error.Category != job.CategoryAdmission || env.Error.Code != job.CodePayloadTooLarge {
		t.Errorf("envelope = %+v", env.Error)
	}
}

func TestIngest_MissingText(t *testing.T) {
	h := newHarness(t, testConfig())
	resp := h.do(t, http.MethodPost, "/api/v1/ingest", ingestBody{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJobs_GetUnknown(t *testing.T) {
	h := newHarness(t, testConfig())
	resp := h.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	env := decode[errorEnvelope](t, resp)
	if env.Error.Code != "NotFound" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestJobs_CancelAfterDoneConflicts(t *testing.T) {
	h := newHarness(t, testConfig())

	accepted := decode[job.Job](t, h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: ingestText}, map[string]string{"X-Actor": "alice"}))
	waitJob(t, h, accepted.ID)

	resp := h.do(t, http.MethodDelete, "/api/v1/jobs/"+accepted.ID, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	env := decode[errorEnvelope](t, resp)
	if env.Error.Code != job.CodeCancellationRejected {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func mine(t *testing.T, h *harness, text, actor string) string {
	t.Helper()
	accepted := decode[job.Job](t, h.do(t, http.MethodPost, "/api/v1/ingest",
		ingestBody{Text: text, SourceKind: "note"}, map[string]string{"X-Actor": actor}))
	done := waitJob(t, h, accepted.ID)
	if done.State != job.StateSucceeded {
		t.Fatalf("mining failed: %v", done.Err)
	}
	return done.CapsuleID
}

func TestCapsules_PatchPromotesAndAudits(t *testing.T) {
	h := newHarness(t, testConfig())
	capsuleID := mine(t, h, ingestText, "alice")

	// Mining opts the capsule in already; promotion is a status change,
	// and withdrawing it is an explicit opt-out.
	status := capsule.StatusActive
	include := false
	resp := h.do(t, http.MethodPatch, "/api/v1/capsules/"+capsuleID,
		store.CapsulePatch{IncludeInRAG: &include, Status: &status},
		map[string]string{"X-Actor": "curator"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	patched := decode[capsule.Capsule](t, resp)
	if patched.Metadata.IncludeInRAG || patched.Metadata.Status != capsule.StatusActive {
		t.Errorf("patch not applied: %+v", patched.Metadata)
	}

	audit, err := h.store.ListAudit(context.Background(), capsuleID, time.Time{})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(audit) != 3 {
		t.Fatalf("audit entries = %d, want creation plus two patches", len(audit))
	}
	if audit[0].Action != store.AuditCapsuleCreated || audit[0].Actor != "alice" {
		t.Errorf("first entry = %+v, want creation by the miner", audit[0])
	}
	for _, entry := range audit[1:] {
		if entry.Actor != "curator" {
			t.Errorf("audit actor = %q", entry.Actor)
		}
	}
}

func TestCapsules_PatchEmptyRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	capsuleID := mine(t, h, ingestText, "alice")

	resp := h.do(t, http.MethodPatch, "/api/v1/capsules/"+capsuleID,
		store.CapsulePatch{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCapsules_GetWithLinks(t *testing.T) {
	h := newHarness(t, testConfig())
	capsuleID := mine(t, h, ingestText, "alice")

	resp := h.do(t, http.MethodGet, "/api/v1/capsules/"+capsuleID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[struct {
		Capsule capsule.Capsule `json:"capsule"`
		Links   []capsule.Link  `json:"links"`
	}](t, resp)
	if body.Capsule.ID != capsuleID {
		t.Errorf("capsule id = %q", body.Capsule.ID)
	}
}

func TestCapsules_ListParamValidation(t *testing.T) {
	h := newHarness(t, testConfig())

	resp := h.do(t, http.MethodGet, "/api/v1/capsules?status=everything", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/v1/capsules?include_in_rag=maybe", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("include_in_rag status = %d, want 400", resp.StatusCode)
	}

	// An unrecognized scope word is a tag filter, not an error.
	resp = h.do(t, http.MethodGet, "/api/v1/capsules?scope=galaxy", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tag scope status = %d, want 200", resp.StatusCode)
	}
}

func TestChat_GroundedAfterPromotion(t *testing.T) {
	h := newHarness(t, testConfig())

	idA := mine(t, h, ingestText, "alice")
	idB := mine(t, h, `Cache entries expire when the source of truth changes.
Versioned cache keys make stale entries unreachable rather than deleting
them, which sidesteps purge races entirely.`, "bob")

	// Mined capsules are already opted into retrieval; activation alone
	// makes them publicly visible.
	status := capsule.StatusActive
	for _, id := range []string{idA, idB} {
		h.do(t, http.MethodPatch, "/api/v1/capsules/"+id,
			store.CapsulePatch{Status: &status},
			map[string]string{"X-Actor": "curator"})
	}

	resp := h.do(t, http.MethodPost, "/api/v1/chat",
		rag.ChatRequest{Query: "how does cache invalidation work", Scope: []string{rag.ScopePublic}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[chatResult](t, resp)
	if body.Fallback {
		t.Fatalf("grounded query fell back: %+v", body)
	}
	if len(body.Sources) < 2 {
		t.Errorf("sources = %d, want >= 2", len(body.Sources))
	}
}

func TestChat_FallbackOnEmptyIndex(t *testing.T) {
	h := newHarness(t, testConfig())

	resp := h.do(t, http.MethodPost, "/api/v1/chat",
		rag.ChatRequest{Query: "anything", Scope: []string{rag.ScopePublic}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[chatResult](t, resp)
	if !body.Fallback || body.Answer != rag.FallbackAnswer {
		t.Errorf("want fallback sentinel, got %+v", body)
	}
	if len(body.Sources) != 0 {
		t.Errorf("fallback carries sources: %v", body.Sources)
	}
}

func TestChat_ScopeForms(t *testing.T) {
	h := newHarness(t, testConfig())
	idA := mine(t, h, ingestText, "alice")
	idB := mine(t, h, `Cache entries expire when the source of truth changes.
Versioned cache keys make stale entries unreachable rather than deleting
them, which sidesteps purge races entirely.`, "alice")
	status := capsule.StatusActive
	for _, id := range []string{idA, idB} {
		h.do(t, http.MethodPatch, "/api/v1/capsules/"+id,
			store.CapsulePatch{Status: &status}, map[string]string{"X-Actor": "curator"})
	}

	// Omitting scope searches the caller's own capsules.
	resp := h.do(t, http.MethodPost, "/api/v1/chat",
		rag.ChatRequest{Query: "how does cache invalidation work"},
		map[string]string{"X-Actor": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("default scope status = %d, want 200", resp.StatusCode)
	}
	body := decode[chatResult](t, resp)
	if body.Fallback {
		t.Errorf("own-capsule query fell back: %+v", body)
	}

	// An unrecognized word is a tag filter; nothing carries that tag.
	resp = h.do(t, http.MethodPost, "/api/v1/chat",
		rag.ChatRequest{Query: "q", Scope: []string{"galaxy"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tag scope status = %d, want 200", resp.StatusCode)
	}
	body = decode[chatResult](t, resp)
	if !body.Fallback {
		t.Errorf("unmatched tag scope should fall back, got %+v", body)
	}
}

func TestReports_Endpoints(t *testing.T) {
	h := newHarness(t, testConfig())
	mine(t, h, ingestText, "alice")

	for _, path := range []string{
		"/api/v1/reports/retrieval?window_days=14",
		"/api/v1/reports/router",
		"/api/v1/reports/semantic-hash",
		"/api/v1/reports/pii",
	} {
		resp := h.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRateLimit_PublicBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPublic = 2
	h := newHarness(t, cfg)

	var last *http.Response
	for range 3 {
		last = h.do(t, http.MethodGet, "/api/v1/jobs", nil, nil)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", last.Header.Get("Retry-After"))
	}
	env := decode[errorEnvelope](t, last)
	if env.Error.Category != job.CategoryAdmission {
		t.Errorf("category = %q", env.Error.Category)
	}
}

func TestHealth_BypassesRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPublic = 1
	h := newHarness(t, cfg)

	for range 5 {
		resp := h.do(t, http.MethodGet, "/health", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("health status = %d", resp.StatusCode)
		}
	}
	resp := h.do(t, http.MethodGet, "/ready", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
}

func TestStream_DeliversJobEvents(t *testing.T) {
	h := newHarness(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.srv.URL+"/api/v1/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Wait for the subscriber to register before publishing.
	deadline := time.Now().Add(time.Second)
	for h.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.bus.Publish(events.Event{
		JobID: "01TESTJOB", State: job.StateProcessing,
		StageCode: job.StageExtracting, Stage: "extracting", At: time.Now().UTC(),
	})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: job" {
		t.Errorf("event line = %q", eventLine)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("decoding event payload: %v", err)
	}
	if ev.JobID != "01TESTJOB" || ev.StageCode != job.StageExtracting {
		t.Errorf("event = %+v", ev)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := newHarness(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://localhost:4200")
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:4200" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestClientIP_ProxyHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(r, false); got != "192.0.2.10" {
		t.Errorf("untrusted proxy ip = %q", got)
	}
	if got := clientIP(r, true); got != "203.0.113.7" {
		t.Errorf("trusted proxy ip = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := clientIP(r, true); got != "192.0.2.10" {
		t.Errorf("garbage XFF ip = %q", got)
	}
}
