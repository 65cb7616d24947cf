// Package model defines the durable domain entities TaskDaemon persists:
// Plan, Spec, LoopExecution, IterationLog, and CoordinationEvent. These are
// the only types the state manager writes to the Store; every other
// component reads and mutates them exclusively through statemgr commands.
package model

import "encoding/json"

// Record is the common contract the Store works against. Every persisted
// type implements it so Store[T] can stay generic over record kind.
type Record interface {
	RecordKind() string
	RecordID() string
	UpdatedAtMillis() int64
}

// PlanStatus enumerates the lifecycle of a Plan.
type PlanStatus string

const (
	PlanDraft    PlanStatus = "draft"
	PlanReady    PlanStatus = "ready"
	PlanRunning  PlanStatus = "running"
	PlanComplete PlanStatus = "complete"
	PlanFailed   PlanStatus = "failed"
)

// Plan is a user-initiated unit of work.
type Plan struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      PlanStatus `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

func (p *Plan) RecordKind() string     { return "plan" }
func (p *Plan) RecordID() string      { return p.ID }
func (p *Plan) UpdatedAtMillis() int64 { return p.UpdatedAt }

// SpecStatus enumerates the lifecycle of a Spec.
type SpecStatus string

const (
	SpecPending SpecStatus = "pending"
	SpecReady   SpecStatus = "ready"
	SpecRunning SpecStatus = "running"
	SpecComplete SpecStatus = "complete"
	SpecFailed  SpecStatus = "failed"
	SpecBlocked SpecStatus = "blocked"
)

// PhaseDescriptor is one ordered phase within a Spec's markdown artifact.
type PhaseDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Spec is a chunk of a Plan small enough to fit one context window.
type Spec struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	Title        string            `json:"title"`
	Status       SpecStatus        `json:"status"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Phases       []PhaseDescriptor `json:"phases,omitempty"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

func (s *Spec) RecordKind() string     { return "spec" }
func (s *Spec) RecordID() string      { return s.ID }
func (s *Spec) UpdatedAtMillis() int64 { return s.UpdatedAt }

// ExecStatus enumerates the lifecycle of a LoopExecution. Transitions are
// enforced by statemgr; see statemgr.ValidTransition.
type ExecStatus string

const (
	ExecDraft    ExecStatus = "draft"
	ExecPending  ExecStatus = "pending"
	ExecRunning  ExecStatus = "running"
	ExecPaused   ExecStatus = "paused"
	ExecRebasing ExecStatus = "rebasing"
	ExecBlocked  ExecStatus = "blocked"
	ExecComplete ExecStatus = "complete"
	ExecFailed   ExecStatus = "failed"
)

// ArtifactStatus tracks whether a LoopExecution's declared output artifact
// has been produced and verified by the loop type's completion predicate.
type ArtifactStatus string

const (
	ArtifactUnknown ArtifactStatus = ""
	ArtifactMissing ArtifactStatus = "missing"
	ArtifactPresent ArtifactStatus = "present"
)

// LoopExecution is one instance of an executing or completed loop.
type LoopExecution struct {
	ID            string         `json:"id"`
	LoopType      string         `json:"loop_type"`
	ParentID      string         `json:"parent_id,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	WorktreePath  string         `json:"worktree_path,omitempty"`
	Status        ExecStatus     `json:"status"`
	Iteration     int            `json:"iteration"`
	LastError     string         `json:"last_error,omitempty"`
	Progress      string         `json:"progress,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	ArtifactPath  string         `json:"artifact_path,omitempty"`
	ArtifactStat  ArtifactStatus `json:"artifact_status,omitempty"`
	InputTokens   int64          `json:"input_tokens"`
	OutputTokens  int64          `json:"output_tokens"`
	TotalDurationMS int64        `json:"total_duration_ms"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

func (e *LoopExecution) RecordKind() string     { return "loop_execution" }
func (e *LoopExecution) RecordID() string      { return e.ID }
func (e *LoopExecution) UpdatedAtMillis() int64 { return e.UpdatedAt }

// ToolCallSummary is a truncated record of one tool invocation within an
// iteration. Args/Result are capped at ~200 characters per spec.
type ToolCallSummary struct {
	Name    string `json:"name"`
	Args    string `json:"args"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// IterationLog is a per-iteration record. Created exactly once, never
// mutated, cascade-deleted with its parent LoopExecution.
type IterationLog struct {
	ID              string            `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	Iteration       int               `json:"iteration"`
	ValidationCmd   string            `json:"validation_cmd"`
	ExitCode        int               `json:"exit_code"`
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	DurationMS      int64             `json:"duration_ms"`
	ChangedFiles    []string          `json:"changed_files,omitempty"`
	InputTokens     int64             `json:"input_tokens,omitempty"`
	OutputTokens    int64             `json:"output_tokens,omitempty"`
	ToolCalls       []ToolCallSummary `json:"tool_calls,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	UpdatedAt       int64             `json:"updated_at"`
}

func (l *IterationLog) RecordKind() string     { return "iteration_log" }
func (l *IterationLog) RecordID() string      { return l.ID }
func (l *IterationLog) UpdatedAtMillis() int64 { return l.UpdatedAt }

// EventKind enumerates CoordinationEvent kinds.
type EventKind string

const (
	EventAlert EventKind = "alert"
	EventShare EventKind = "share"
	EventQuery EventKind = "query"
	EventReply EventKind = "reply"
	EventStop  EventKind = "stop"
)

// EventResolution tracks whether a durable event still needs delivery.
type EventResolution string

const (
	ResolutionPending  EventResolution = "pending"
	ResolutionDelivered EventResolution = "delivered"
)

// CoordinationEvent is a durable Alert/Share/Query record. Only events
// whose kind is marked durable (Alert, Share by default) are persisted;
// ephemeral kinds (Query, Reply) live only in in-process channels.
type CoordinationEvent struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	Sender     string          `json:"sender"`
	Recipients []string        `json:"recipients,omitempty"`
	DataType   string          `json:"data_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Resolution EventResolution `json:"resolution"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

func (c *CoordinationEvent) RecordKind() string   { return "coordination_event" }
func (c *CoordinationEvent) RecordID() string     { return c.ID }
func (c *CoordinationEvent) UpdatedAtMillis() int64 { return c.UpdatedAt }

// SchemaVersion tags a record's on-disk content shape, following the
// teacher's own "gt/work_item@1" convention so the append-only log can
// evolve without breaking older readers.
func SchemaVersion(name string, version int) string {
	return name + "@" + itoa(version)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
