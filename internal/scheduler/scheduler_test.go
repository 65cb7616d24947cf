package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestScheduleReadyUnderCapacity(t *testing.T) {
	s := New(Config{MaxConcurrent: 2, WindowLimit: 10, WindowDuration: time.Minute})

	res := s.Schedule("a", Normal)
	if res.Outcome != Ready {
		t.Fatalf("expected Ready, got %v", res.Outcome)
	}
	res = s.Schedule("b", Normal)
	if res.Outcome != Ready {
		t.Fatalf("expected Ready, got %v", res.Outcome)
	}
}

func TestScheduleQueuesOverConcurrencyCap(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})

	if res := s.Schedule("a", Normal); res.Outcome != Ready {
		t.Fatalf("expected Ready, got %v", res.Outcome)
	}
	res := s.Schedule("b", Normal)
	if res.Outcome != Queued {
		t.Fatalf("expected Queued, got %v", res.Outcome)
	}
	if res.Position != 0 {
		t.Fatalf("expected position 0 (no higher-priority entries ahead), got %d", res.Position)
	}
}

func TestQueuePositionCountsOnlyHigherPriority(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})

	s.Schedule("running", Normal)
	if res := s.Schedule("low1", Low); res.Position != 0 {
		t.Fatalf("expected position 0, got %d", res.Position)
	}
	if res := s.Schedule("critical1", Critical); res.Position != 0 {
		t.Fatalf("critical should have no higher-priority entries ahead, got position %d", res.Position)
	}
	res := s.Schedule("normal1", Normal)
	if res.Position != 1 {
		t.Fatalf("normal should count the one critical entry ahead, got %d", res.Position)
	}
}

func TestDuplicateRejected(t *testing.T) {
	s := New(Config{MaxConcurrent: 2, WindowLimit: 10, WindowDuration: time.Minute})

	s.Schedule("a", Normal)
	res := s.Schedule("a", Normal)
	if res.Outcome != Rejected {
		t.Fatalf("expected Rejected for already-running duplicate, got %v", res.Outcome)
	}

	s2 := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})
	s2.Schedule("x", Normal)
	s2.Schedule("y", Normal) // queued
	res = s2.Schedule("y", Normal)
	if res.Outcome != Rejected {
		t.Fatalf("expected Rejected for already-queued duplicate, got %v", res.Outcome)
	}
}

func TestRateLimitedWhenWindowFull(t *testing.T) {
	s := New(Config{MaxConcurrent: 10, WindowLimit: 2, WindowDuration: time.Minute})

	s.Schedule("a", Normal)
	s.Schedule("b", Normal)
	res := s.Schedule("c", Normal)
	if res.Outcome != RateLimited {
		t.Fatalf("expected RateLimited, got %v", res.Outcome)
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive retry_after, got %v", res.RetryAfter)
	}
}

func TestCompletePromotesHighestPriorityQueued(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})

	s.Schedule("running", Normal)
	s.Schedule("low1", Low)
	s.Schedule("critical1", Critical)

	s.Complete("running")

	res := s.Schedule("critical1", Critical)
	if res.Outcome != Rejected {
		t.Fatalf("expected critical1 to have been promoted to running, got %v", res.Outcome)
	}
}

func TestWaitForSlotUnblocksOnComplete(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})
	s.Schedule("running", Normal)

	done := make(chan ScheduleResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		res, err := s.WaitForSlot(ctx, "waiter", Normal)
		if err != nil {
			t.Errorf("WaitForSlot: %v", err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	s.Complete("running")

	select {
	case res := <-done:
		if res.Outcome != Ready {
			t.Fatalf("expected Ready after promotion, got %v", res.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSlot did not unblock after Complete")
	}
}

func TestWaitForSlotRespectsContextCancellation(t *testing.T) {
	s := New(Config{MaxConcurrent: 1, WindowLimit: 10, WindowDuration: time.Minute})
	s.Schedule("running", Normal)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.WaitForSlot(ctx, "waiter", Normal)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestPriorityForLoopType(t *testing.T) {
	if PriorityForLoopType("plan") != High {
		t.Fatal("expected plan loop type to default to High priority")
	}
	if PriorityForLoopType("build") != Normal {
		t.Fatal("expected non-plan loop type to default to Normal priority")
	}
}
