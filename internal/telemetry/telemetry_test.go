package telemetry

import (
	"context"
	"testing"

	"github.com/taskdaemon/taskdaemon/internal/scheduler"
)

type fakeSchedulerSource struct{ stats scheduler.Stats }

func (f fakeSchedulerSource) Stats() scheduler.Stats { return f.stats }

type fakeCoordinatorSource struct{ n int }

func (f fakeCoordinatorSource) RegisteredCount() int { return f.n }

type fakeManagerSource struct{ n int }

func (f fakeManagerSource) RunningCount() int { return f.n }

func TestNewProviderDisabledWithoutEndpoint(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil Provider even without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRecordMethodsDoNotPanic(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer shutdown(context.Background())

	ctx := context.Background()
	p.RecordIteration(ctx, "implement", true)
	p.RecordValidatorRun(ctx, "implement", false)
	p.RecordToolCalls(ctx, "implement", 3)
	p.RecordSchedulerWait(ctx, 0)
}

func TestRegisterGaugesAcceptSources(t *testing.T) {
	p, shutdown, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer shutdown(context.Background())

	if err := p.RegisterSchedulerGauges(fakeSchedulerSource{stats: scheduler.Stats{TotalScheduled: 5}}); err != nil {
		t.Fatalf("RegisterSchedulerGauges: %v", err)
	}
	if err := p.RegisterCoordinatorGauge(fakeCoordinatorSource{n: 2}); err != nil {
		t.Fatalf("RegisterCoordinatorGauge: %v", err)
	}
	if err := p.RegisterManagerGauge(fakeManagerSource{n: 1}); err != nil {
		t.Fatalf("RegisterManagerGauge: %v", err)
	}
}
