package loopmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
)

type fakeEngine struct {
	mu      sync.Mutex
	started map[string]int
	block   chan struct{} // if non-nil, Run blocks on it until ctx done
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: map[string]int{}}
}

func (f *fakeEngine) Run(ctx context.Context, execID string) error {
	f.mu.Lock()
	f.started[execID]++
	f.mu.Unlock()

	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeEngine) startCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[id]
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeStopper) Stop(toExecID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, toExecID)
	return true
}

func openTestSM(t *testing.T) *statemgr.Manager {
	t.Helper()
	sm, err := statemgr.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statemgr.Open: %v", err)
	}
	t.Cleanup(func() { sm.Close() })
	return sm
}

func TestSpawnRejectsCyclicDependencies(t *testing.T) {
	sm := openTestSM(t)
	ctx := context.Background()
	mgr := New(sm, newFakeEngine(), &fakeStopper{}, Config{})

	a := &model.LoopExecution{ID: "a", DependsOn: []string{"b"}}
	if err := mgr.Spawn(ctx, a); err != nil {
		t.Fatalf("spawning a: %v", err)
	}
	b := &model.LoopExecution{ID: "b", DependsOn: []string{"a"}}
	err := mgr.Spawn(ctx, b)
	if !errors.Is(err, ErrCyclicDependencies) {
		t.Fatalf("expected ErrCyclicDependencies, got %v", err)
	}
}

func TestTrySpawnWaitsForDependencies(t *testing.T) {
	sm := openTestSM(t)
	ctx := context.Background()
	engine := newFakeEngine()
	mgr := New(sm, engine, &fakeStopper{}, Config{})

	dep := &model.LoopExecution{ID: "dep"}
	if err := mgr.Spawn(ctx, dep); err != nil {
		t.Fatalf("spawn dep: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "dep"); err != nil {
		t.Fatalf("activate dep: %v", err)
	}

	child := &model.LoopExecution{ID: "child", DependsOn: []string{"dep"}}
	if err := mgr.Spawn(ctx, child); err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "child"); err != nil {
		t.Fatalf("activate child: %v", err)
	}

	mgr.trySpawn(ctx, "child")
	if engine.startCount("child") != 0 {
		t.Fatalf("child should not start before its dependency completes")
	}

	if _, err := sm.MarkRunning(ctx, "dep"); err != nil {
		t.Fatalf("mark dep running: %v", err)
	}
	if _, err := sm.CompleteExecution(ctx, "dep", model.ArtifactPresent); err != nil {
		t.Fatalf("complete dep: %v", err)
	}

	mgr.trySpawn(ctx, "child")
	deadline := time.After(time.Second)
	for engine.startCount("child") == 0 {
		select {
		case <-deadline:
			t.Fatalf("child never started once its dependency completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConcurrencyCapLimitsSimultaneousTasks(t *testing.T) {
	sm := openTestSM(t)
	ctx := context.Background()
	engine := newFakeEngine()
	engine.block = make(chan struct{})
	mgr := New(sm, engine, &fakeStopper{}, Config{MaxConcurrent: 1})

	for _, id := range []string{"a", "b"} {
		exec := &model.LoopExecution{ID: id}
		if err := mgr.Spawn(ctx, exec); err != nil {
			t.Fatalf("spawn %s: %v", id, err)
		}
		if _, err := sm.ActivateDraft(ctx, id); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}

	mgr.trySpawn(ctx, "a")
	mgr.trySpawn(ctx, "b")

	time.Sleep(20 * time.Millisecond)
	if engine.startCount("a")+engine.startCount("b") != 1 {
		t.Fatalf("expected exactly one task admitted under cap=1")
	}

	close(engine.block)
}

func TestRecoverCrashedResumesRecentlyUpdated(t *testing.T) {
	sm := openTestSM(t)
	ctx := context.Background()
	engine := newFakeEngine()
	mgr := New(sm, engine, &fakeStopper{}, Config{RecoveryAge: time.Hour})

	exec := &model.LoopExecution{ID: "e1"}
	if err := sm.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "e1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := sm.MarkRunning(ctx, "e1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := mgr.recoverCrashed(ctx); err != nil {
		t.Fatalf("recoverCrashed: %v", err)
	}

	deadline := time.After(time.Second)
	for engine.startCount("e1") == 0 {
		select {
		case <-deadline:
			t.Fatalf("recently-updated running execution was never resumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRecoverCrashedFailsStaleExecutions(t *testing.T) {
	sm := openTestSM(t)
	ctx := context.Background()
	mgr := New(sm, newFakeEngine(), &fakeStopper{}, Config{RecoveryAge: time.Millisecond})

	exec := &model.LoopExecution{ID: "e1"}
	if err := sm.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "e1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := sm.MarkRunning(ctx, "e1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := mgr.recoverCrashed(ctx); err != nil {
		t.Fatalf("recoverCrashed: %v", err)
	}

	got, err := sm.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestShutdownStopsRunningTasks(t *testing.T) {
	sm := openTestSM(t)
	engine := newFakeEngine()
	engine.block = make(chan struct{})
	stopper := &fakeStopper{}
	mgr := New(sm, engine, stopper, Config{ShutdownGrace: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &model.LoopExecution{ID: "e1"}
	if err := mgr.Spawn(ctx, exec); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "e1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	mgr.trySpawn(ctx, "e1")

	deadline := time.After(time.Second)
	for engine.startCount("e1") == 0 {
		select {
		case <-deadline:
			t.Fatalf("task never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mgr.shutdown()

	stopper.mu.Lock()
	defer stopper.mu.Unlock()
	if len(stopper.stopped) != 1 || stopper.stopped[0] != "e1" {
		t.Fatalf("expected stop signal sent to e1, got %v", stopper.stopped)
	}
}
