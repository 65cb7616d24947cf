package store

import (
	"testing"

	"github.com/taskdaemon/taskdaemon/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	plan := &model.Plan{ID: "p1", Title: "Add oauth", Status: model.PlanDraft, CreatedAt: 1, UpdatedAt: 1}
	if err := Create(s, CollPlans, plan); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var got model.Plan
	if err := Get(s, CollPlans, "p1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != plan.Title || got.Status != plan.Status {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, plan)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	plan := &model.Plan{ID: "p1", Title: "x", Status: model.PlanDraft}
	if err := Create(s, CollPlans, plan); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Create(s, CollPlans, plan); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestUpdateRequiresExisting(t *testing.T) {
	s := openTestStore(t)
	plan := &model.Plan{ID: "p1", Title: "x", Status: model.PlanDraft}
	if err := Update(s, CollPlans, plan); err == nil {
		t.Fatal("expected update of unknown id to fail")
	}
}

func TestDeleteByIndexCascade(t *testing.T) {
	s := openTestStore(t)
	exec := &model.LoopExecution{ID: "e1", Status: model.ExecRunning}
	if err := Create(s, CollLoops, exec); err != nil {
		t.Fatalf("Create exec: %v", err)
	}
	for i := 1; i <= 3; i++ {
		log := &model.IterationLog{ID: idForIter("e1", i), ExecutionID: "e1", Iteration: i}
		if err := Create(s, CollIterLogs, log); err != nil {
			t.Fatalf("Create log %d: %v", i, err)
		}
	}

	n, err := DeleteByIndex(s, CollIterLogs, "execution_id", "e1")
	if err != nil {
		t.Fatalf("DeleteByIndex: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deletions, got %d", n)
	}

	logs, err := List[model.IterationLog](s, CollIterLogs)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected zero iteration logs after cascade, got %d", len(logs))
	}
}

func TestRebuildIndexesIdempotent(t *testing.T) {
	s := openTestStore(t)
	plan := &model.Plan{ID: "p1", Title: "x", Status: model.PlanDraft}
	if err := Create(s, CollPlans, plan); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Delete(s, CollPlans, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := s.RebuildAllIndexes(); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	first, err := List[model.Plan](s, CollPlans)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if err := s.RebuildAllIndexes(); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, err := List[model.Plan](s, CollPlans)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("rebuild not idempotent: %d vs %d", len(first), len(second))
	}
	if len(first) != 0 {
		t.Fatalf("expected deleted plan to stay deleted after rebuild, got %d", len(first))
	}
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)
	for i, st := range []model.ExecStatus{model.ExecRunning, model.ExecComplete, model.ExecRunning} {
		exec := &model.LoopExecution{ID: idForIter("e", i), Status: st}
		if err := Create(s, CollLoops, exec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	running, err := List[model.LoopExecution](s, CollLoops, Filter{Field: "status", Op: OpEq, Value: string(model.ExecRunning)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running executions, got %d", len(running))
	}
}

func idForIter(prefix string, i int) string {
	return prefix + "-iter-" + string(rune('0'+i))
}
