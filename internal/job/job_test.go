package job

import (
	"sync"
	"testing"
)

func TestTransitions(t *testing.T) {
	t.Run("happy path pending to completed", func(t *testing.T) {
		j := New("", "sync-1")
		if j.Status() != StatusPending {
			t.Fatalf("new job should be PENDING, got %s", j.Status())
		}
		if err := j.Transition(StatusRunning); err != nil {
			t.Fatalf("PENDING -> RUNNING failed: %v", err)
		}
		if err := j.Transition(StatusCompleted); err != nil {
			t.Fatalf("RUNNING -> COMPLETED failed: %v", err)
		}
		snap := j.Snapshot()
		if snap.StartedAt.IsZero() || snap.CompletedAt.IsZero() {
			t.Fatal("expected started/completed timestamps to be set")
		}
	})

	t.Run("cancellation path", func(t *testing.T) {
		j := New("", "sync-1")
		_ = j.Transition(StatusRunning)
		if err := j.Transition(StatusCancelling); err != nil {
			t.Fatalf("RUNNING -> CANCELLING failed: %v", err)
		}
		if err := j.Transition(StatusCancelled); err != nil {
			t.Fatalf("CANCELLING -> CANCELLED failed: %v", err)
		}
	})

	t.Run("terminal re-entry is a no-op", func(t *testing.T) {
		j := New("", "sync-1")
		_ = j.Transition(StatusRunning)
		_ = j.Transition(StatusCompleted)
		if err := j.Transition(StatusCompleted); err != nil {
			t.Fatalf("re-entering COMPLETED should be a no-op, got %v", err)
		}
	})

	t.Run("running from terminal is an error", func(t *testing.T) {
		j := New("", "sync-1")
		_ = j.Transition(StatusRunning)
		_ = j.Transition(StatusCompleted)
		if err := j.Transition(StatusRunning); err == nil {
			t.Fatal("expected error transitioning COMPLETED -> RUNNING")
		}
	})

	t.Run("pending cannot complete directly", func(t *testing.T) {
		j := New("", "sync-1")
		if err := j.Transition(StatusCompleted); err == nil {
			t.Fatal("expected error transitioning PENDING -> COMPLETED")
		}
	})
}

func TestFail(t *testing.T) {
	t.Run("records error detail", func(t *testing.T) {
		j := New("job-1", "sync-1")
		_ = j.Transition(StatusRunning)
		if err := j.Fail("E_SOURCE_IO", "connection reset", true); err != nil {
			t.Fatalf("Fail returned error: %v", err)
		}
		snap := j.Snapshot()
		if snap.Status != StatusFailed {
			t.Fatalf("expected FAILED, got %s", snap.Status)
		}
		if snap.Error == nil || snap.Error.Code != "E_SOURCE_IO" || !snap.Error.Retryable {
			t.Fatalf("unexpected error detail: %+v", snap.Error)
		}
	})

	t.Run("fail after terminal does not clobber outcome", func(t *testing.T) {
		j := New("job-1", "sync-1")
		_ = j.Transition(StatusRunning)
		_ = j.Transition(StatusCompleted)
		if err := j.Fail("E_UNKNOWN", "late worker", false); err != nil {
			t.Fatalf("Fail on terminal job should no-op, got %v", err)
		}
		if j.Status() != StatusCompleted {
			t.Fatalf("status changed after terminal: %s", j.Status())
		}
	})
}

func TestCounters(t *testing.T) {
	j := New("", "sync-1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				j.AddCounts(Counters{Inserted: 1, Kept: 2})
			}
		}()
	}
	wg.Wait()

	got := j.Counters()
	if got.Inserted != 800 || got.Kept != 1600 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if got.Total() != 2400 {
		t.Fatalf("unexpected total: %d", got.Total())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	j := New("job-1", "sync-1")
	_ = j.Transition(StatusRunning)
	_ = j.Fail("E_TIMEOUT", "deadline exceeded", true)

	snap := j.Snapshot()
	snap.Error.Code = "MUTATED"
	if j.Snapshot().Error.Code != "E_TIMEOUT" {
		t.Fatal("snapshot mutation leaked into job state")
	}
}
