package events

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testEvent(jobID string, stage job.Stage) Event {
	return Event{
		JobID:     jobID,
		State:     job.StateProcessing,
		StageCode: stage,
		Stage:     stage.String(),
		At:        time.Now().UTC(),
	}
}

func TestNewEvent_CarriesProgressAndCancelLabel(t *testing.T) {
	j := job.New("miner", "")
	if err := j.Advance(job.StageNormalizing); err != nil {
		t.Fatal(err)
	}

	e := NewEvent(j, "working")
	if e.Progress != j.Progress || e.Progress == 0 {
		t.Errorf("event progress = %d, job progress = %d", e.Progress, j.Progress)
	}
	if e.Stage != "normalizing" {
		t.Errorf("stage label = %q", e.Stage)
	}

	if err := j.Cancel(); err != nil {
		t.Fatal(err)
	}
	e = NewEvent(j, "cancelled by request")
	if e.Stage != "cancelled" || e.StageCode != job.StageFailed {
		t.Errorf("cancelled event = %+v", e)
	}
	if e.Progress != 100 {
		t.Errorf("cancelled event progress = %d", e.Progress)
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(4, log.NewNop())
	defer bus.Close()

	_, ch1 := bus.Subscribe()
	_, ch2 := bus.Subscribe()

	bus.Publish(testEvent("job-1", job.StageSegmenting))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.JobID != "job-1" || e.StageCode != job.StageSegmenting {
				t.Errorf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1, log.NewNop())
	defer bus.Close()

	_, ch := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			bus.Publish(testEvent("job-2", job.StageExtracting))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// Exactly one event fits the buffer; the rest were dropped.
	if e := <-ch; e.JobID != "job-2" {
		t.Errorf("unexpected event %+v", e)
	}
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("expected at most one buffered event, got %+v", e)
		}
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(0, log.NewNop())
	defer bus.Close()

	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", bus.SubscriberCount())
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	bus := NewBus(0, log.NewNop())
	_, ch := bus.Subscribe()

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel still open after close")
	}

	// Publishing and subscribing after close must not panic.
	bus.Publish(testEvent("job-3", job.StageDone))
	_, late := bus.Subscribe()
	if _, ok := <-late; ok {
		t.Error("post-close subscription returned an open channel")
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := NewBus(8, log.NewNop())
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch := bus.Subscribe()
			for range 3 {
				select {
				case <-ch:
				case <-time.After(100 * time.Millisecond):
				}
			}
			bus.Unsubscribe(id)
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				bus.Publish(testEvent("job-c", job.StageNormalizing))
			}
		}()
	}
	wg.Wait()
}
