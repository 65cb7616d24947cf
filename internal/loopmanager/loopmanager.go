// Package loopmanager is the lifecycle owner of loop executions: it
// validates dependency graphs at spawn time, decides readiness, bounds
// concurrent loops with a semaphore, recovers from a crash by inspecting
// executions left `running`, and drives graceful shutdown. It is the
// supervisor above internal/loopengine's per-execution driver, per
// spec.md §4.8.
package loopmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// ErrCyclicDependencies is returned when a spawn request's dependency
// closure contains a cycle, per spec.md's `cyclic_dependencies` fatal
// error.
var ErrCyclicDependencies = errors.New("loopmanager: cyclic_dependencies")

// Config bounds the manager's concurrency and timing policy.
type Config struct {
	MaxConcurrent int
	ReadinessPoll time.Duration
	RecoveryAge   time.Duration
	ShutdownGrace time.Duration
}

// DefaultConfig matches the defaults named in spec.md §4.8.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 50,
		ReadinessPoll: 10 * time.Second,
		RecoveryAge:   time.Hour,
		ShutdownGrace: 30 * time.Second,
	}
}

// Engine is the subset of *loopengine.Engine the manager drives. Defined
// here (rather than imported) to avoid loopmanager depending on the
// engine's Scheduler/Rebaser/LoopTypeProvider types it never touches.
type Engine interface {
	Run(ctx context.Context, execID string) error
}

// Stopper is the subset of *coordinator.Coordinator the manager needs to
// signal running loops to wind down during graceful shutdown.
type Stopper interface {
	Stop(toExecID, reason string) bool
}

type taskHandle struct {
	cancel    context.CancelFunc
	createdAt time.Time
	done      chan struct{}
}

// Manager supervises loop execution lifecycles. One Manager per daemon
// process.
type Manager struct {
	sm     *statemgr.Manager
	engine Engine
	coord  Stopper
	cfg    Config

	sem chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskHandle
}

// New constructs a Manager. cfg's zero fields are filled from
// DefaultConfig.
func New(sm *statemgr.Manager, engine Engine, coord Stopper, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ReadinessPoll <= 0 {
		cfg.ReadinessPoll = def.ReadinessPoll
	}
	if cfg.RecoveryAge <= 0 {
		cfg.RecoveryAge = def.RecoveryAge
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Manager{
		sm:     sm,
		engine: engine,
		coord:  coord,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		tasks:  make(map[string]*taskHandle),
	}
}

// Spawn validates execution's dependency closure is acyclic, then
// persists it, as a draft unless exec.Status is already set. The
// readiness loop starts it once it is pending and its dependencies are
// complete.
func (m *Manager) Spawn(ctx context.Context, exec *model.LoopExecution) error {
	if err := m.checkAcyclic(ctx, exec); err != nil {
		return err
	}
	if exec.Status == "" {
		return m.sm.CreateExecution(ctx, exec)
	}
	return m.sm.CreateExecution(ctx, exec)
}

// checkAcyclic walks exec's dependency closure (via already-persisted
// executions) looking for a path back to exec.ID. New executions being
// spawned together in the same batch are still validated against
// whatever has already landed in the store; a genuinely cyclic batch
// should declare dependencies only on executions created first.
func (m *Manager) checkAcyclic(ctx context.Context, exec *model.LoopExecution) error {
	visited := map[string]bool{}
	var visit func(id string, path map[string]bool) error
	visit = func(id string, path map[string]bool) error {
		if path[id] {
			return fmt.Errorf("%w: %s", ErrCyclicDependencies, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		path[id] = true
		defer delete(path, id)

		deps := exec.DependsOn
		if id != exec.ID {
			e, err := m.sm.GetExecution(ctx, id)
			if err != nil {
				return nil // unknown dependency is a readiness problem, not a cycle
			}
			deps = e.DependsOn
		}
		for _, dep := range deps {
			if dep == exec.ID {
				return fmt.Errorf("%w: %s -> %s", ErrCyclicDependencies, id, exec.ID)
			}
			if err := visit(dep, path); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(exec.ID, map[string]bool{})
}

// ready reports whether every one of exec's dependencies has resolved to
// a complete execution.
func (m *Manager) ready(ctx context.Context, exec *model.LoopExecution) (bool, error) {
	for _, dep := range exec.DependsOn {
		d, err := m.sm.GetExecution(ctx, dep)
		if err != nil {
			return false, nil // dependency not yet visible; stay pending
		}
		if d.Status != model.ExecComplete {
			return false, nil
		}
	}
	return true, nil
}

// Run is the manager's main loop: recover crashed executions, then
// select over state-change events, a readiness poll fallback, and ctx
// cancellation (graceful shutdown).
func (m *Manager) Run(ctx context.Context) error {
	if err := m.recoverCrashed(ctx); err != nil {
		log.Printf("[loopmanager] crash recovery: %v", err)
	}

	events := m.sm.Subscribe()
	ticker := time.NewTicker(m.cfg.ReadinessPoll)
	defer ticker.Stop()

	m.pollReady(ctx)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-events:
			if ev.Kind == statemgr.EventExecutionPending {
				m.trySpawn(ctx, ev.ExecutionID)
			}
		case <-ticker.C:
			m.pollReady(ctx)
		}
	}
}

// Nudge is the external wake-up path: it retries trySpawn for execID
// immediately rather than waiting for the next readiness poll. Used by
// internal/ipc to implement the ExecutionPending/ExecutionResumed
// control messages spec.md's wire protocol names.
func (m *Manager) Nudge(ctx context.Context, execID string) {
	m.trySpawn(ctx, execID)
}

// pollReady scans all pending executions and spawns the ones whose
// dependencies have resolved — the fallback path for when a state-change
// event was dropped (e.g. a subscriber's bounded channel was full).
func (m *Manager) pollReady(ctx context.Context) {
	pending, err := m.sm.ListExecutions(ctx, store.Filter{Field: "status", Op: store.OpEq, Value: string(model.ExecPending)})
	if err != nil {
		log.Printf("[loopmanager] listing pending executions: %v", err)
		return
	}
	for i := range pending {
		m.trySpawn(ctx, pending[i].ID)
	}
}

// trySpawn attempts to move a pending execution to running and start its
// task, if it is ready and a concurrency slot is available. Non-blocking:
// if no slot is free, the execution stays pending for the next poll.
func (m *Manager) trySpawn(ctx context.Context, execID string) {
	exec, err := m.sm.GetExecution(ctx, execID)
	if err != nil || exec.Status != model.ExecPending {
		return
	}
	ok, err := m.ready(ctx, exec)
	if err != nil || !ok {
		return
	}

	m.mu.Lock()
	if _, running := m.tasks[execID]; running {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	select {
	case m.sem <- struct{}{}:
	default:
		return // at capacity; try again next poll
	}

	if _, err := m.sm.MarkRunning(ctx, execID); err != nil {
		<-m.sem
		log.Printf("[loopmanager] marking %s running: %v", execID, err)
		return
	}

	m.startTask(execID)
}

// startTask registers execID's task handle and runs the engine in a
// goroutine, releasing its semaphore slot and registry entry on exit.
func (m *Manager) startTask(execID string) {
	taskCtx, cancel := context.WithCancel(context.Background())
	handle := &taskHandle{cancel: cancel, createdAt: time.Now(), done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[execID] = handle
	m.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			m.mu.Lock()
			delete(m.tasks, execID)
			m.mu.Unlock()
			<-m.sem
		}()

		if err := m.engine.Run(taskCtx, execID); err != nil && taskCtx.Err() == nil {
			log.Printf("[loopmanager] execution %s exited with error: %v", execID, err)
		}
	}()
}

// shutdown stops accepting new work, alerts every running task to stop,
// waits up to the configured grace period, then cancels whatever remains.
func (m *Manager) shutdown() {
	m.mu.Lock()
	handles := make(map[string]*taskHandle, len(m.tasks))
	for id, h := range m.tasks {
		handles[id] = h
	}
	m.mu.Unlock()

	for id := range handles {
		if m.coord != nil {
			m.coord.Stop(id, "daemon shutting down")
		}
	}

	deadline := time.After(m.cfg.ShutdownGrace)
	for id, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			log.Printf("[loopmanager] grace period expired, aborting execution %s", id)
			h.cancel()
		}
	}
	for _, h := range handles {
		h.cancel()
	}
}

// RunningCount reports how many tasks are currently active, for status
// reporting.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
