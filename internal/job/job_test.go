package job

import (
	"errors"
	"testing"
)

func TestAdvance_FullPipelineIsMonotonic(t *testing.T) {
	j := New("miner", "")

	order := []Stage{
		StageNormalizing, StageSegmenting, StageExtracting, StageSynthesizing,
		StageAssembling, StageValidating, StageIndexing, StageDone,
	}

	prev := j.Stage
	prevProgress := j.Progress
	for _, next := range order {
		if err := j.Advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if j.Stage <= prev {
			t.Fatalf("stage code decreased: %d -> %d", prev, j.Stage)
		}
		if j.Progress <= prevProgress {
			t.Fatalf("progress did not advance: %d -> %d at %s", prevProgress, j.Progress, j.Stage)
		}
		prev = j.Stage
		prevProgress = j.Progress
	}

	if j.State != StateSucceeded {
		t.Errorf("state = %s, want succeeded", j.State)
	}
	if j.Progress != 100 {
		t.Errorf("finished progress = %d, want 100", j.Progress)
	}
}

func TestAdvance_RejectsSkipsAndRewinds(t *testing.T) {
	j := New("miner", "")

	if err := j.Advance(StageExtracting); !errors.Is(err, ErrBadTransition) {
		t.Errorf("skip accepted: %v", err)
	}
	if err := j.Advance(StageNormalizing); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := j.Advance(StageQueued); !errors.Is(err, ErrBadTransition) {
		t.Errorf("rewind accepted: %v", err)
	}
}

func TestAdvance_TerminalJobsAreFrozen(t *testing.T) {
	j := New("miner", "")
	j.Fail(&Error{Category: CategoryInternal, Code: CodeInternal, Message: "boom"})

	if err := j.Advance(StageNormalizing); !errors.Is(err, ErrBadTransition) {
		t.Errorf("advance after failure accepted: %v", err)
	}
}

func TestCanTransition_FailureFromAnyActiveStage(t *testing.T) {
	for _, from := range []Stage{StageQueued, StageSegmenting, StageIndexing} {
		if !CanTransition(from, StageFailed) {
			t.Errorf("failure from %s rejected", from)
		}
	}
	if CanTransition(StageDone, StageFailed) {
		t.Error("failure from done accepted")
	}
}

func TestCancel_BeforeIndexing(t *testing.T) {
	j := New("miner", "")
	for _, s := range []Stage{StageNormalizing, StageSegmenting, StageExtracting} {
		if err := j.Advance(s); err != nil {
			t.Fatal(err)
		}
	}

	if err := j.Cancel(); err != nil {
		t.Fatalf("cancel at %s: %v", j.Stage, err)
	}
	if j.State != StateCancelled {
		t.Errorf("state = %s", j.State)
	}
	if j.Stage != StageFailed {
		t.Errorf("cancelled job must land on code 500, got %d", j.Stage)
	}
	if j.Progress != 100 {
		t.Errorf("cancelled progress = %d, want 100", j.Progress)
	}
	if j.Err == nil || j.Err.Code != CodeCancelled {
		t.Errorf("cancelled error = %+v", j.Err)
	}
}

func TestCancel_RejectedFromIndexing(t *testing.T) {
	j := New("miner", "")
	stages := []Stage{
		StageNormalizing, StageSegmenting, StageExtracting, StageSynthesizing,
		StageAssembling, StageValidating, StageIndexing,
	}
	for _, s := range stages {
		if err := j.Advance(s); err != nil {
			t.Fatal(err)
		}
	}

	if err := j.Cancel(); !errors.Is(err, ErrCancellationRejected) {
		t.Errorf("cancel at indexing: got %v, want ErrCancellationRejected", err)
	}
	if j.State != StateProcessing {
		t.Errorf("rejected cancel changed state to %s", j.State)
	}
}

func TestCancel_RejectedWhenTerminal(t *testing.T) {
	j := New("miner", "")
	j.Fail(&Error{Category: CategoryValidation, Code: CodeValidationFailed, Message: "bad capsule"})

	if err := j.Cancel(); !errors.Is(err, ErrCancellationRejected) {
		t.Errorf("got %v", err)
	}
}

func TestStage_Labels(t *testing.T) {
	tests := []struct {
		stage Stage
		want  string
	}{
		{StageQueued, "queued"},
		{StageSynthesizing, "synthesizing"},
		{StageDone, "done"},
		{StageFailed, "failed"},
		{Stage(999), "stage(999)"},
	}
	for _, tt := range tests {
		if got := tt.stage.String(); got != tt.want {
			t.Errorf("Stage(%d).String() = %q, want %q", tt.stage, got, tt.want)
		}
	}
}

func TestActive(t *testing.T) {
	j := New("miner", "")
	if !j.Active() {
		t.Error("queued job should be active")
	}
	j.Fail(&Error{Category: CategoryInternal, Code: CodeInternal, Message: "x"})
	if j.Active() {
		t.Error("failed job should not be active")
	}
}
