// Package pipeline turns raw text into indexed capsules. A submitted job
// walks the fixed stage ladder; each stage transition is persisted and
// published to the event bus, and cancellation is observed at every stage
// boundary until indexing begins.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

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

// IngestRequest is one mining submission. IncludeInRAG defaults to true
// when unset; callers opt a capsule out of retrieval, not in.
type IngestRequest struct {
	Owner          string
	Text           string
	SourceKind     string
	SourceRef      string
	PrivacyLevel   string
	Tags           []string
	IncludeInRAG   *bool
	IdempotencyKey string
}

// Runner executes ingestion jobs on a bounded worker group.
type Runner struct {
	store    store.Store
	vec      *vector.Vectorizer
	analyzer analyze.Analyzer
	links    *linker.Linker
	bus      *events.Bus
	cfg      *config.Config
	logger   log.Logger
	retry    RetryConfig

	baseCtx context.Context
	group   *errgroup.Group
}

// NewRunner creates a Runner. baseCtx bounds the lifetime of background
// workers; jobs survive the HTTP request that submitted them but not the
// process shutdown.
func NewRunner(baseCtx context.Context, st store.Store, vec *vector.Vectorizer,
	analyzer analyze.Analyzer, links *linker.Linker, bus *events.Bus,
	cfg *config.Config, logger log.Logger) *Runner {

	g := &errgroup.Group{}
	g.SetLimit(cfg.MaxConcurrentJobs)
	return &Runner{
		store:    st,
		vec:      vec,
		analyzer: analyzer,
		links:    links,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		retry:    DefaultRetryConfig(),
		baseCtx:  baseCtx,
		group:    g,
	}
}

// Submit admits a request and schedules it on the worker group. Oversized
// payloads and a full worker pool are rejected with structured errors; a
// repeated idempotency key returns the original job instead of a new one.
func (r *Runner) Submit(ctx context.Context, req IngestRequest) (*job.Job, error) {
	if int64(len(req.Text)) > r.cfg.MaxPayloadBytes() {
		return nil, &job.Error{
			Category: job.CategoryAdmission,
			Code:     job.CodePayloadTooLarge,
			Message:  fmt.Sprintf("payload exceeds %d MB", r.cfg.MaxPayloadMB),
		}
	}

	if req.IdempotencyKey != "" {
		if existing, err := r.store.GetJobByIdempotencyKey(ctx, req.Owner, req.IdempotencyKey); err == nil {
			r.logger.Debug("idempotent resubmission", "job_id", existing.ID, "key", req.IdempotencyKey)
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	active, err := r.store.CountActiveJobs(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if active >= r.cfg.MaxConcurrentJobs {
		return nil, &job.Error{
			Category: job.CategoryAdmission,
			Code:     job.CodeConcurrencyExceeded,
			Message:  fmt.Sprintf("at most %d concurrent jobs per caller", r.cfg.MaxConcurrentJobs),
		}
	}

	j := job.New(req.Owner, req.IdempotencyKey)
	if err := r.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	r.bus.Publish(events.NewEvent(j, "job accepted"))
	r.logger.Info("job submitted", "job_id", j.ID, "owner", j.Owner, "bytes", len(req.Text))

	r.group.Go(func() error {
		r.run(r.baseCtx, j.ID, req)
		return nil
	})
	return j, nil
}

// Cancel requests cancellation. Jobs at or past indexing, and terminal
// jobs, reject it with ErrCancellationRejected.
func (r *Runner) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := j.Cancel(); err != nil {
		return nil, err
	}
	if err := r.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	r.bus.Publish(events.NewEvent(j, "cancelled by request"))
	r.logger.Info("job cancelled", "job_id", j.ID, "stage_code", int(j.Stage))
	return j, nil
}

// Wait blocks until all in-flight jobs finish. Used during shutdown.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// run executes one job to a terminal state. Failures never propagate as
// errors; they are persisted on the job itself.
func (r *Runner) run(ctx context.Context, jobID string, req IngestRequest) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.logger.Error("job vanished before start", "job_id", jobID, "error", err)
		return
	}

	privacy := req.PrivacyLevel
	if privacy == "" {
		privacy = capsule.PrivacyStandard
	}
	capsuleID := capsule.NewID()

	if !r.advance(ctx, j, job.StageNormalizing) {
		return
	}
	text := Normalize(req.Text, privacy)

	if !r.advance(ctx, j, job.StageSegmenting) {
		return
	}
	chunks := Chunk(capsuleID, text, r.cfg.ChunkSize, r.cfg.ChunkStride)

	if !r.advance(ctx, j, job.StageExtracting) {
		return
	}
	ex, err := r.analyzer.Extract(ctx, text)
	if err != nil {
		r.fail(ctx, j, classify(err, "extraction failed"))
		return
	}

	if !r.advance(ctx, j, job.StageSynthesizing) {
		return
	}
	syn, err := r.analyzer.Synthesize(ctx, text, ex)
	if err != nil {
		r.fail(ctx, j, classify(err, "synthesis failed"))
		return
	}

	if !r.advance(ctx, j, job.StageAssembling) {
		return
	}
	c := assemble(capsuleID, req, privacy, text, ex, syn)
	if findings := capsule.ScanPII(c); len(findings) > 0 {
		issues := make([]capsule.Issue, len(findings))
		for i, f := range findings {
			issues[i] = capsule.Issue{Path: f.Field, Message: "contains " + f.Label}
		}
		r.fail(ctx, j, &job.Error{
			Category: job.CategoryPII,
			Code:     job.CodePIIDetected,
			Message:  "detected personal data in mined capsule",
			Issues:   issues,
		})
		return
	}

	if !r.advance(ctx, j, job.StageValidating) {
		return
	}
	report := capsule.NewValidator(r.cfg.StrictValidation).Validate(c)
	if !report.Valid() {
		r.fail(ctx, j, &job.Error{
			Category: job.CategoryValidation,
			Code:     job.CodeValidationFailed,
			Message:  "capsule failed validation",
			Issues:   report.Errors,
		})
		return
	}

	if !r.advance(ctx, j, job.StageIndexing) {
		return
	}
	if err := r.index(ctx, c, chunks); err != nil {
		r.fail(ctx, j, classify(err, "indexing failed"))
		return
	}

	j.CapsuleID = c.ID
	if err := j.Advance(job.StageDone); err != nil {
		r.logger.Error("finalizing job", "job_id", j.ID, "error", err)
		return
	}
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("persisting finished job", "job_id", j.ID, "error", err)
		return
	}
	r.bus.Publish(events.NewEvent(j, "capsule "+c.ID+" indexed"))
	r.logger.Info("job done", "job_id", j.ID, "capsule_id", c.ID, "chunks", len(chunks))
}

// advance moves the job one stage forward unless it was cancelled in the
// meantime. Returns false when the job must stop.
func (r *Runner) advance(ctx context.Context, j *job.Job, to job.Stage) bool {
	current, err := r.store.GetJob(ctx, j.ID)
	if err != nil {
		r.logger.Error("reloading job", "job_id", j.ID, "error", err)
		return false
	}
	if current.State == job.StateCancelled {
		r.logger.Info("job stopped by cancellation", "job_id", j.ID, "stage_code", int(current.Stage))
		return false
	}

	if err := j.Advance(to); err != nil {
		r.logger.Error("advancing job", "job_id", j.ID, "to", int(to), "error", err)
		return false
	}
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("persisting stage", "job_id", j.ID, "stage_code", int(to), "error", err)
		return false
	}
	r.bus.Publish(events.NewEvent(j, ""))
	return true
}

func (r *Runner) fail(ctx context.Context, j *job.Job, e *job.Error) {
	j.Fail(e)
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("persisting failed job", "job_id", j.ID, "error", err)
	}
	r.bus.Publish(events.NewEvent(j, e.Message))
	r.logger.Warn("job failed", "job_id", j.ID, "category", e.Category, "code", e.Code, "message", e.Message)
}

// index embeds the chunks and persists capsule, chunks and link
// suggestions. Embedding retries transient provider errors.
func (r *Runner) index(ctx context.Context, c *capsule.Capsule, chunks []store.Chunk) error {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}

	var vectors [][]float32
	err := withRetry(ctx, r.retry, func() error {
		var embedErr error
		vectors, embedErr = r.vec.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	links, err := r.links.Suggest(ctx, c)
	if err != nil {
		return fmt.Errorf("suggesting links: %w", err)
	}
	c.Recursive.Links = links

	if err := r.store.SaveCapsule(ctx, c); err != nil {
		return err
	}
	if err := r.store.SaveChunks(ctx, c.ID, chunks, vectors); err != nil {
		return err
	}
	if err := r.store.SaveLinks(ctx, c.ID, links); err != nil {
		return err
	}
	if err := r.store.AppendAudit(ctx, store.AuditEntry{
		CapsuleID: c.ID,
		Action:    store.AuditCapsuleCreated,
		NewValue:  c.Metadata.Status,
		Actor:     c.Metadata.Author,
	}); err != nil {
		return fmt.Errorf("recording capsule creation: %w", err)
	}
	return nil
}

func assemble(id string, req IngestRequest, privacy, text string,
	ex analyze.Extraction, syn analyze.Synthesis) *capsule.Capsule {

	include := true
	if req.IncludeInRAG != nil {
		include = *req.IncludeInRAG
	}
	hash := capsule.SemanticHash(syn.Summary)

	return &capsule.Capsule{
		ID: id,
		Metadata: capsule.Metadata{
			Version:      capsule.SchemaVersion,
			Status:       capsule.StatusDraft,
			Author:       req.Owner,
			CreatedAt:    time.Now().UTC(),
			Language:     "en",
			SemanticHash: hash,
			IncludeInRAG: include,
			Tags:         req.Tags,
			PrivacyLevel: privacy,
		},
		Core: capsule.Core{
			Summary:  syn.Summary,
			Content:  text,
			Keywords: ex.Keywords,
			Entities: ex.Entities,
			Claims:   ex.Claims,
			Source: capsule.SourceDescriptor{
				Kind: req.SourceKind,
				Ref:  req.SourceRef,
			},
		},
		Neuro: capsule.Neuro{
			VectorHint:      syn.VectorHint,
			EmotionalCharge: syn.EmotionalCharge,
			Archetypes:      syn.Archetypes,
			Symbols:         syn.Symbols,
			SemanticHash:    hash,
		},
		Recursive: capsule.Recursive{
			Insights:  syn.Insights,
			Questions: syn.Questions,
		},
	}
}

// classify maps an internal error to the structured job error surface.
func classify(err error, msg string) *job.Error {
	switch {
	case errors.Is(err, vector.ErrDimensionMismatch):
		return &job.Error{Category: job.CategoryConfig, Code: job.CodeDimensionMismatch, Message: err.Error()}
	case retryableError(err):
		return &job.Error{Category: job.CategoryUpstream, Code: job.CodeUpstreamUnavailable, Message: err.Error()}
	default:
		return &job.Error{Category: job.CategoryInternal, Code: job.CodeInternal, Message: msg + ": " + err.Error()}
	}
}
