// Package job models ingestion jobs and their stage state machine.
//
// Stage codes are an external contract: clients poll them and the SSE
// stream carries them, so the numbering is fixed and codes never decrease
// over a job's lifetime.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/n1hub/deepmine/internal/capsule"
)

// Stage identifies a pipeline phase by its wire code.
type Stage int

// Pipeline stages in execution order, plus the two terminal codes.
const (
	StageQueued       Stage = 100
	StageNormalizing  Stage = 110
	StageSegmenting   Stage = 120
	StageExtracting   Stage = 130
	StageSynthesizing Stage = 140
	StageAssembling   Stage = 150
	StageValidating   Stage = 160
	StageIndexing     Stage = 170
	StageDone         Stage = 200
	StageFailed       Stage = 500
)

var stageNames = map[Stage]string{
	StageQueued:       "queued",
	StageNormalizing:  "normalizing",
	StageSegmenting:   "segmenting",
	StageExtracting:   "extracting",
	StageSynthesizing: "synthesizing",
	StageAssembling:   "assembling",
	StageValidating:   "validating",
	StageIndexing:     "indexing",
	StageDone:         "done",
	StageFailed:       "failed",
}

// stageProgress maps each stage to the percentage reported to clients.
// Terminal stages always report 100, including failures and cancellations.
var stageProgress = map[Stage]int{
	StageQueued:       0,
	StageNormalizing:  5,
	StageSegmenting:   15,
	StageExtracting:   30,
	StageSynthesizing: 45,
	StageAssembling:   60,
	StageValidating:   75,
	StageIndexing:     90,
	StageDone:         100,
	StageFailed:       100,
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a known stage code.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Progress returns the percentage clients see for a job at this stage.
func (s Stage) Progress() int {
	return stageProgress[s]
}

// Cancelable reports whether a job at this stage may still be cancelled.
// Once indexing has begun the capsule is being persisted and cancellation
// is rejected.
func (s Stage) Cancelable() bool {
	return s < StageIndexing
}

// Next returns the stage that follows s in the pipeline.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageQueued:
		return StageNormalizing, true
	case StageNormalizing:
		return StageSegmenting, true
	case StageSegmenting:
		return StageExtracting, true
	case StageExtracting:
		return StageSynthesizing, true
	case StageSynthesizing:
		return StageAssembling, true
	case StageAssembling:
		return StageValidating, true
	case StageValidating:
		return StageIndexing, true
	case StageIndexing:
		return StageDone, true
	}
	return 0, false
}

// CanTransition reports whether from→to is a legal stage move: one step
// forward along the pipeline, or a jump to failed from any non-terminal
// stage. Codes never decrease.
func CanTransition(from, to Stage) bool {
	if from == StageDone || from == StageFailed {
		return false
	}
	if to == StageFailed {
		return true
	}
	next, ok := from.Next()
	return ok && to == next
}

// Job states.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Error categories for failed jobs.
const (
	CategoryValidation = "validation"
	CategoryAdmission  = "admission"
	CategoryPII        = "pii"
	CategoryUpstream   = "upstream"
	CategoryCancelled  = "cancelled"
	CategoryConfig     = "config"
	CategoryInternal   = "internal"
)

// Error codes carried in the structured job error and API envelopes.
const (
	CodePayloadTooLarge      = "PayloadTooLarge"
	CodeConcurrencyExceeded  = "ConcurrencyExceeded"
	CodeValidationFailed     = "ValidationFailed"
	CodePIIDetected          = "PIIDetected"
	CodeUpstreamUnavailable  = "UpstreamUnavailable"
	CodeCancellationRejected = "CancellationRejected"
	CodeCancelled            = "Cancelled"
	CodeDimensionMismatch    = "DimensionMismatch"
	CodeInternal             = "Internal"
)

var (
	// ErrCancellationRejected is returned when a cancel request arrives at
	// or past the indexing stage, or for a terminal job.
	ErrCancellationRejected = errors.New("job can no longer be cancelled")

	// ErrBadTransition is returned for stage moves outside the transition
	// table, including any code decrease.
	ErrBadTransition = errors.New("illegal stage transition")
)

// Error is the structured failure attached to a failed job.
type Error struct {
	Category string          `json:"category"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Issues   []capsule.Issue `json:"issues,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// Job is one ingestion run through the pipeline.
type Job struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Stage          Stage     `json:"stage_code"`
	Progress       int       `json:"progress"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Owner          string    `json:"owner"`
	CapsuleID      string    `json:"capsule_id,omitempty"`
	Err            *Error    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// New creates a queued job.
func New(owner, idempotencyKey string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             capsule.NewID(),
		State:          StateQueued,
		Stage:          StageQueued,
		IdempotencyKey: idempotencyKey,
		Owner:          owner,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Active reports whether the job still occupies a concurrency slot.
func (j *Job) Active() bool {
	return j.State == StateQueued || j.State == StateProcessing
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	switch j.State {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Advance moves the job one stage forward, updating state accordingly.
func (j *Job) Advance(to Stage) error {
	if j.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrBadTransition, j.State)
	}
	if !CanTransition(j.Stage, to) {
		return fmt.Errorf("%w: %s(%d) -> %s(%d)", ErrBadTransition, j.Stage, j.Stage, to, to)
	}
	j.Stage = to
	j.Progress = to.Progress()
	switch to {
	case StageDone:
		j.State = StateSucceeded
	case StageFailed:
		j.State = StateFailed
	default:
		j.State = StateProcessing
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the job failed with a structured error.
func (j *Job) Fail(e *Error) {
	j.Stage = StageFailed
	j.Progress = StageFailed.Progress()
	j.State = StateFailed
	j.Err = e
	j.UpdatedAt = time.Now().UTC()
}

// Cancel marks the job cancelled if the cancellation law allows it. A
// cancelled job lands on the terminal 500 code with full progress, same as
// a failure; the state distinguishes the two.
func (j *Job) Cancel() error {
	if j.Terminal() || !j.Stage.Cancelable() {
		return ErrCancellationRejected
	}
	j.Stage = StageFailed
	j.Progress = StageFailed.Progress()
	j.State = StateCancelled
	j.Err = &Error{Category: CategoryCancelled, Code: CodeCancelled, Message: "cancelled by request"}
	j.UpdatedAt = time.Now().UTC()
	return nil
}
