package loopengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/llm"
	"github.com/taskdaemon/taskdaemon/internal/looptype"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/scheduler"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
	"github.com/taskdaemon/taskdaemon/internal/toolexec"
)

type fakeClient struct {
	responses []*llm.Response
	calls     int
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if f.calls >= len(f.responses) {
		return &llm.Response{StopReason: llm.StopEndTurn}, nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *llm.Request, sink chan<- llm.Chunk) (*llm.Response, error) {
	return f.Complete(ctx, req)
}

func (f *fakeClient) ModelInfo() llm.ModelInfo { return llm.ModelInfo{ID: "fake"} }
func (f *fakeClient) Close() error             { return nil }

type fakeScheduler struct{}

func (fakeScheduler) WaitForSlot(ctx context.Context, execID string, priority scheduler.Priority) (scheduler.ScheduleResult, error) {
	return scheduler.ScheduleResult{Outcome: scheduler.Ready}, nil
}
func (fakeScheduler) Complete(execID string)                   {}
func (fakeScheduler) HandleRateLimit(retryAfter time.Duration) {}

type fakeRebaser struct {
	err error
}

func (f fakeRebaser) Rebase(ctx context.Context, worktreePath string) error { return f.err }

func newTestEngine(t *testing.T, def looptype.Definition, client llm.Client, rebaser Rebaser) (*Engine, *statemgr.Manager) {
	t.Helper()
	sm, err := statemgr.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statemgr.Open: %v", err)
	}
	t.Cleanup(func() { sm.Close() })

	coord := coordinator.New(sm)
	tools, err := toolexec.NewRegistry(nil)
	if err != nil {
		t.Fatalf("toolexec.NewRegistry: %v", err)
	}

	return &Engine{
		SM:        sm,
		Scheduler: fakeScheduler{},
		Coord:     coord,
		Client:    client,
		Tools:     tools,
		LoopTypes: singleDefRegistry(t, def),
		Rebaser:   rebaser,
	}, sm
}

// singleDefRegistry builds a looptype.Registry exposing exactly one
// definition, by writing it as YAML into a temp project directory and
// running it through the real Discover path.
func singleDefRegistry(t *testing.T, def looptype.Definition) *looptype.Registry {
	t.Helper()
	dir := t.TempDir()
	data, err := yaml.Marshal(def)
	if err != nil {
		t.Fatalf("marshal loop type definition: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.yaml", def.Name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write loop type definition: %v", err)
	}
	r, err := looptype.Discover("", dir)
	if err != nil {
		t.Fatalf("looptype.Discover: %v", err)
	}
	return r
}

func baseDef(name string) looptype.Definition {
	return looptype.Definition{
		Name:                name,
		PromptTemplate:      "iteration {{.Iteration}}: {{.Progress}}",
		CompletionPredicate: "always",
		MaxIterations:       10,
	}
}

func createRunningExecution(t *testing.T, sm *statemgr.Manager, loopType string) *model.LoopExecution {
	t.Helper()
	ctx := context.Background()
	exec := &model.LoopExecution{ID: "e1", LoopType: loopType, WorktreePath: t.TempDir()}
	if err := sm.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if _, err := sm.ActivateDraft(ctx, "e1"); err != nil {
		t.Fatalf("ActivateDraft: %v", err)
	}
	if _, err := sm.MarkRunning(ctx, "e1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	got, err := sm.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return got
}

func TestRunCompletesOnFirstSuccessfulIteration(t *testing.T) {
	def := baseDef("build")
	client := &fakeClient{responses: []*llm.Response{{StopReason: llm.StopEndTurn}}}
	engine, sm := newTestEngine(t, def, client, fakeRebaser{})
	createRunningExecution(t, sm, "build")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Run(ctx, "e1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	exec, err := sm.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != model.ExecComplete {
		t.Fatalf("expected complete, got %s", exec.Status)
	}
}

func TestRunFailsAfterMaxIterations(t *testing.T) {
	def := baseDef("build")
	def.MaxIterations = 1
	def.CompletionPredicate = "artifact_exists" // no artifact path set, so never satisfied
	client := &fakeClient{responses: []*llm.Response{{StopReason: llm.StopEndTurn}}}
	engine, sm := newTestEngine(t, def, client, fakeRebaser{})
	createRunningExecution(t, sm, "build")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Run(ctx, "e1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	exec, err := sm.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != model.ExecFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
}

func TestRunIterationBlocksOnRebaseConflict(t *testing.T) {
	def := baseDef("build")
	client := &fakeClient{}
	engine, sm := newTestEngine(t, def, client, fakeRebaser{err: &RebaseConflictError{Err: errors.New("merge conflict")}})
	exec := createRunningExecution(t, sm, "build")

	inbox := make(chan coordinator.InboxMessage, 1)
	payload, _ := json.Marshal(coordinator.MainBranchUpdate{CommitSHA: "abc123"})
	inbox <- coordinator.InboxMessage{Kind: model.EventAlert, DataType: "main_branch_updated", Payload: payload}

	toolCtx := toolexec.NewToolContext(exec.WorktreePath, exec.ID, true, engine.Coord)
	ctx := context.Background()
	terminal, err := engine.runIteration(ctx, exec, def, toolCtx, inbox, defaultToolCallBudget)
	if err != nil {
		t.Fatalf("runIteration: %v", err)
	}
	if !terminal {
		t.Fatalf("expected terminal=true on rebase conflict")
	}

	got, err := sm.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecBlocked {
		t.Fatalf("expected blocked, got %s", got.Status)
	}
}

func TestRunIterationStopsOnToolCallBudgetExhaustion(t *testing.T) {
	def := baseDef("build")
	def.CompletionPredicate = "artifact_exists" // no artifact path set, so this iteration can't complete
	toolUseResp := &llm.Response{
		StopReason: llm.StopToolUse,
		ToolCalls:  []llm.ToolCall{{ID: "1", Name: "nonexistent"}, {ID: "2", Name: "nonexistent"}},
	}
	client := &fakeClient{responses: []*llm.Response{toolUseResp, {StopReason: llm.StopEndTurn}}}
	engine, sm := newTestEngine(t, def, client, fakeRebaser{})
	exec := createRunningExecution(t, sm, "build")

	toolCtx := toolexec.NewToolContext(exec.WorktreePath, exec.ID, true, engine.Coord)
	ctx := context.Background()
	inbox := make(chan coordinator.InboxMessage, 1)

	terminal, err := engine.runIteration(ctx, exec, def, toolCtx, inbox, 1)
	if err != nil {
		t.Fatalf("runIteration: %v", err)
	}
	if terminal {
		t.Fatalf("budget exhaustion alone should not be terminal")
	}

	got, err := sm.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.LastError != "tool call budget exhausted" {
		t.Fatalf("expected budget-exhaustion last error, got %q", got.LastError)
	}
}
