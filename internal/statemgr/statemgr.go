// Package statemgr is the single-writer actor that owns the Store.
// Every mutation funnels through one goroutine's command loop, which
// eliminates cross-worker races on the same record and lets every
// successful mutation publish a StateEvent to subscribers.
package statemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

// Error taxonomy exposed to callers, per spec.md §4.4.
var (
	ErrNotFound          = errors.New("statemgr: not found")
	ErrConflict          = errors.New("statemgr: conflict")
	ErrInvalidTransition = errors.New("statemgr: invalid transition")
)

// ErrStore wraps an underlying store failure.
type ErrStore struct {
	Kind string
	Err  error
}

func (e *ErrStore) Error() string { return fmt.Sprintf("statemgr: store error (%s): %v", e.Kind, e.Err) }
func (e *ErrStore) Unwrap() error { return e.Err }

// StateEventKind enumerates the broadcast events other components may
// subscribe to.
type StateEventKind string

const (
	EventPlanCreated       StateEventKind = "plan_created"
	EventExecutionPending  StateEventKind = "execution_pending"
	EventExecutionRunning  StateEventKind = "execution_running"
	EventExecutionComplete StateEventKind = "execution_complete"
	EventExecutionFailed   StateEventKind = "execution_failed"
	EventIterationLogged   StateEventKind = "iteration_log_created"
	EventStarted           StateEventKind = "started"
)

// StateEvent is broadcast to subscribers after every successful mutation.
type StateEvent struct {
	Kind        StateEventKind
	ExecutionID string
	Iteration   int
	ExitCode    int
	At          time.Time
}

// subscriberBufferSize bounds each subscriber channel per the back-pressure
// policy in spec.md §5: a slow subscriber drops events rather than
// blocking the single writer.
const subscriberBufferSize = 64

// command is one unit of work submitted to the actor loop. run executes
// against the store and returns a result to post back on reply.
type command struct {
	run   func(s *store.Store) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Manager is the single-writer actor. Construct with Open, and Close when
// done.
type Manager struct {
	store *store.Store
	cmds  chan command

	subMu sync.Mutex
	subs  []chan StateEvent

	done chan struct{}
}

// Open opens the store rooted at dir, rebuilds its indexes, starts the
// actor loop, and broadcasts EventStarted.
func Open(dir string) (*Manager, error) {
	st, err := store.Open(dir)
	if err != nil {
		return nil, &ErrStore{Kind: "open", Err: err}
	}
	m := &Manager{
		store: st,
		cmds:  make(chan command, 64),
		done:  make(chan struct{}),
	}
	go m.run()
	m.publish(StateEvent{Kind: EventStarted, At: time.Now()})
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for cmd := range m.cmds {
		v, err := cmd.run(m.store)
		cmd.reply <- result{value: v, err: err}
	}
}

// Close stops accepting commands, drains the queue, and closes the store.
func (m *Manager) Close() error {
	close(m.cmds)
	<-m.done
	return m.store.Close()
}

// Subscribe registers a new StateEvent listener. The returned channel is
// never closed by Manager; callers should stop reading from it when done
// (e.g. on context cancellation) — Manager holds no reference-count on it.
func (m *Manager) Subscribe() <-chan StateEvent {
	ch := make(chan StateEvent, subscriberBufferSize)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish(ev StateEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[statemgr] subscriber channel full, dropping event %s", ev.Kind)
		}
	}
}

func (m *Manager) submit(ctx context.Context, run func(s *store.Store) (any, error)) (any, error) {
	cmd := command{run: run, reply: make(chan result, 1)}
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- Plan ---

func (m *Manager) CreatePlan(ctx context.Context, p *model.Plan) error {
	now := time.Now().UnixMilli()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Create(s, store.CollPlans, p); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	if err == nil {
		m.publish(StateEvent{Kind: EventPlanCreated, At: time.Now()})
	}
	return err
}

func (m *Manager) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		var p model.Plan
		if err := store.Get(s, store.CollPlans, id, &p); err != nil {
			return nil, translateStoreErr(err)
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Plan), nil
}

func (m *Manager) ListPlans(ctx context.Context, filters ...store.Filter) ([]model.Plan, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		return store.List[model.Plan](s, store.CollPlans, filters...)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Plan), nil
}

// --- Spec ---

func (m *Manager) CreateSpec(ctx context.Context, sp *model.Spec) error {
	now := time.Now().UnixMilli()
	sp.CreatedAt, sp.UpdatedAt = now, now
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Create(s, store.CollSpecs, sp); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	return err
}

func (m *Manager) GetSpec(ctx context.Context, id string) (*model.Spec, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		var sp model.Spec
		if err := store.Get(s, store.CollSpecs, id, &sp); err != nil {
			return nil, translateStoreErr(err)
		}
		return &sp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Spec), nil
}

// --- LoopExecution ---

// validTransitions enumerates allowed status transitions per spec.md §4.7.
var validTransitions = map[model.ExecStatus][]model.ExecStatus{
	model.ExecDraft:    {model.ExecPending},
	model.ExecPending:  {model.ExecRunning, model.ExecBlocked},
	model.ExecRunning:  {model.ExecPaused, model.ExecRebasing, model.ExecBlocked, model.ExecComplete, model.ExecFailed},
	model.ExecPaused:   {model.ExecRunning, model.ExecFailed},
	model.ExecRebasing: {model.ExecRunning, model.ExecBlocked, model.ExecFailed},
	model.ExecBlocked:  {model.ExecPending, model.ExecRunning, model.ExecFailed},
}

// ValidTransition reports whether moving from 'from' to 'to' is allowed.
func ValidTransition(from, to model.ExecStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (m *Manager) CreateExecution(ctx context.Context, e *model.LoopExecution) error {
	now := time.Now().UnixMilli()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = model.ExecDraft
	}
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Create(s, store.CollLoops, e); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	return err
}

func (m *Manager) GetExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		var e model.LoopExecution
		if err := store.Get(s, store.CollLoops, id, &e); err != nil {
			return nil, translateStoreErr(err)
		}
		return &e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.LoopExecution), nil
}

func (m *Manager) ListExecutions(ctx context.Context, filters ...store.Filter) ([]model.LoopExecution, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		return store.List[model.LoopExecution](s, store.CollLoops, filters...)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.LoopExecution), nil
}

// transitionExecution loads exec id, validates the status change, applies
// mutate, and saves it — all inside one actor command so the read-modify-
// write is atomic with respect to every other command.
func (m *Manager) transitionExecution(ctx context.Context, id string, to model.ExecStatus, mutate func(e *model.LoopExecution)) (*model.LoopExecution, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		var e model.LoopExecution
		if err := store.Get(s, store.CollLoops, id, &e); err != nil {
			return nil, translateStoreErr(err)
		}
		if to != "" && !ValidTransition(e.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
		}
		if to != "" {
			e.Status = to
		}
		if mutate != nil {
			mutate(&e)
		}
		e.UpdatedAt = time.Now().UnixMilli()
		if err := store.Update(s, store.CollLoops, &e); err != nil {
			return nil, translateStoreErr(err)
		}
		return &e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.LoopExecution), nil
}

// ActivateDraft moves a draft execution to pending, making it eligible for
// scheduling by loopmanager.
func (m *Manager) ActivateDraft(ctx context.Context, id string) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecPending, nil)
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionPending, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// StartDraft creates a new execution already in pending status, skipping
// the draft stage (used when loopmanager itself decides an execution is
// ready the moment it is created).
func (m *Manager) StartDraft(ctx context.Context, e *model.LoopExecution) error {
	e.Status = model.ExecPending
	if err := m.CreateExecution(ctx, e); err != nil {
		return err
	}
	m.publish(StateEvent{Kind: EventExecutionPending, ExecutionID: e.ID, At: time.Now()})
	return nil
}

// ResumeExecution moves a paused/blocked execution back to running,
// honoring the recovery-age policy upstream in loopmanager (this method
// only enforces the state-machine transition, not the age check).
func (m *Manager) ResumeExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecRunning, nil)
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionRunning, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// MarkRunning transitions a pending execution to running.
func (m *Manager) MarkRunning(ctx context.Context, id string) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecRunning, nil)
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionRunning, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// UpdateProgress records the current iteration, progress note, last-error
// text, and token counters without changing status.
func (m *Manager) UpdateProgress(ctx context.Context, id string, iteration int, progress, lastErr string, inputTok, outputTok int64) (*model.LoopExecution, error) {
	return m.transitionExecution(ctx, id, "", func(e *model.LoopExecution) {
		e.Iteration = iteration
		e.Progress = progress
		e.LastError = lastErr
		e.InputTokens += inputTok
		e.OutputTokens += outputTok
	})
}

// SetRebasing transitions a running execution to rebasing, ahead of an
// in-worktree git rebase against the updated main branch.
func (m *Manager) SetRebasing(ctx context.Context, id string) (*model.LoopExecution, error) {
	return m.transitionExecution(ctx, id, model.ExecRebasing, nil)
}

// RestoreRunning transitions rebasing (or paused) back to running, e.g.
// after a successful rebase.
func (m *Manager) RestoreRunning(ctx context.Context, id string) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecRunning, nil)
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionRunning, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// SetBlocked transitions an execution to blocked with reason recorded as
// last_error, e.g. after a rebase conflict. Manual resolution is required
// before the execution can resume.
func (m *Manager) SetBlocked(ctx context.Context, id, reason string) (*model.LoopExecution, error) {
	return m.transitionExecution(ctx, id, model.ExecBlocked, func(e *model.LoopExecution) {
		e.LastError = reason
	})
}

// PauseExecution transitions a running execution to paused.
func (m *Manager) PauseExecution(ctx context.Context, id string) (*model.LoopExecution, error) {
	return m.transitionExecution(ctx, id, model.ExecPaused, nil)
}

// MergeContext merges a typed Share payload into the execution's context
// JSON blob under key, without changing status.
func (m *Manager) MergeContext(ctx context.Context, id, key string, payload json.RawMessage) (*model.LoopExecution, error) {
	return m.transitionExecution(ctx, id, "", func(e *model.LoopExecution) {
		fields := map[string]json.RawMessage{}
		if len(e.Context) > 0 {
			_ = json.Unmarshal(e.Context, &fields)
		}
		fields[key] = payload
		merged, err := json.Marshal(fields)
		if err == nil {
			e.Context = merged
		}
	})
}

// CompleteExecution marks an execution complete with its artifact status.
func (m *Manager) CompleteExecution(ctx context.Context, id string, artifactStat model.ArtifactStatus) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecComplete, func(e *model.LoopExecution) {
		e.ArtifactStat = artifactStat
	})
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionComplete, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// FailExecution marks an execution failed with lastErr recorded.
func (m *Manager) FailExecution(ctx context.Context, id string, lastErr string) (*model.LoopExecution, error) {
	e, err := m.transitionExecution(ctx, id, model.ExecFailed, func(e *model.LoopExecution) {
		e.LastError = lastErr
	})
	if err == nil {
		m.publish(StateEvent{Kind: EventExecutionFailed, ExecutionID: id, At: time.Now()})
	}
	return e, err
}

// DeleteExecution removes the execution and cascades to its iteration
// logs.
func (m *Manager) DeleteExecution(ctx context.Context, id string) error {
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Delete(s, store.CollLoops, id); err != nil {
			return nil, translateStoreErr(err)
		}
		if _, err := store.DeleteByIndex(s, store.CollIterLogs, "execution_id", id); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	return err
}

// --- IterationLog ---

func (m *Manager) CreateIterationLog(ctx context.Context, l *model.IterationLog) error {
	now := time.Now().UnixMilli()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Create(s, store.CollIterLogs, l); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	if err == nil {
		m.publish(StateEvent{Kind: EventIterationLogged, ExecutionID: l.ExecutionID, Iteration: l.Iteration, ExitCode: l.ExitCode, At: time.Now()})
	}
	return err
}

func (m *Manager) ListIterationLogs(ctx context.Context, executionID string) ([]model.IterationLog, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		return store.List[model.IterationLog](s, store.CollIterLogs, store.Filter{Field: "execution_id", Op: store.OpEq, Value: executionID})
	})
	if err != nil {
		return nil, err
	}
	logs := v.([]model.IterationLog)
	return logs, nil
}

// --- CoordinationEvent ---

func (m *Manager) CreateEvent(ctx context.Context, e *model.CoordinationEvent) error {
	now := time.Now().UnixMilli()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		if err := store.Create(s, store.CollEvents, e); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	return err
}

func (m *Manager) ListPendingEvents(ctx context.Context) ([]model.CoordinationEvent, error) {
	v, err := m.submit(ctx, func(s *store.Store) (any, error) {
		return store.List[model.CoordinationEvent](s, store.CollEvents, store.Filter{Field: "resolution", Op: store.OpEq, Value: string(model.ResolutionPending)})
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.CoordinationEvent), nil
}

func (m *Manager) MarkEventDelivered(ctx context.Context, id string) error {
	_, err := m.submit(ctx, func(s *store.Store) (any, error) {
		var e model.CoordinationEvent
		if err := store.Get(s, store.CollEvents, id, &e); err != nil {
			return nil, translateStoreErr(err)
		}
		e.Resolution = model.ResolutionDelivered
		e.UpdatedAt = time.Now().UnixMilli()
		if err := store.Update(s, store.CollEvents, &e); err != nil {
			return nil, translateStoreErr(err)
		}
		return nil, nil
	})
	return err
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrExists):
		return ErrConflict
	default:
		return &ErrStore{Kind: "io", Err: err}
	}
}
