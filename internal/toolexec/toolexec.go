// Package toolexec implements the sandboxed tool-call surface each loop
// iteration executes against: file I/O, shell commands, search, and
// coordinator-facing query/share calls, all confined to a worktree.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskdaemon/taskdaemon/internal/llm"
)

// Result is a tool's outcome: content to feed back to the model, and
// whether it represents an error the model should see and react to (as
// opposed to a fatal executor-side failure).
type Result struct {
	Content string
	IsError bool
}

// ToolContext is handed to every tool invocation within one loop
// execution. FilesRead is cleared by the loop engine at the start of each
// iteration; edit requires a path to have been read first.
type ToolContext struct {
	WorktreePath string
	ExecutionID  string
	Sandbox      bool
	Coordinator  Coordinator

	mu        sync.Mutex
	FilesRead map[string]bool
}

// Coordinator is the subset of the coordinator's API tools need: sending
// a Query and awaiting a reply, and Sharing data with other executions.
// Defined here (rather than importing internal/coordinator) to avoid an
// import cycle; internal/coordinator implements this interface.
type Coordinator interface {
	Query(ctx context.Context, fromExecID, toExecID, question string) (string, error)
	Share(ctx context.Context, fromExecID string, toExecIDs []string, dataType string, payload json.RawMessage) (int, error)
}

func NewToolContext(worktreePath, executionID string, sandbox bool, coord Coordinator) *ToolContext {
	return &ToolContext{
		WorktreePath: worktreePath,
		ExecutionID:  executionID,
		Sandbox:      sandbox,
		Coordinator:  coord,
		FilesRead:    make(map[string]bool),
	}
}

// ResetIteration clears the files-read set; called by the loop engine at
// the start of every iteration.
func (tc *ToolContext) ResetIteration() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.FilesRead = make(map[string]bool)
}

func (tc *ToolContext) markRead(relPath string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.FilesRead[relPath] = true
}

func (tc *ToolContext) wasRead(relPath string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.FilesRead[relPath]
}

// Tool is the protocol every built-in (and, eventually, user-declared)
// tool implements: a static name/description/schema plus an Execute
// method.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, tc *ToolContext) Result
}

// Registry holds the set of tools available to a loop execution and
// validates arguments against each tool's declared JSON Schema before
// dispatch.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds a registry over the given tools, pre-compiling each
// one's JSON Schema. If any tool's schema fails to compile, NewRegistry
// returns an error and no registry, rather than silently admitting it.
func NewRegistry(tools []Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
		schema, err := compileSchema(t.Name(), t.Parameters())
		if err != nil {
			return nil, fmt.Errorf("toolexec: compiling schema for %q: %w", t.Name(), err)
		}
		r.schemas[t.Name()] = schema
	}
	return r, nil
}

// Defs returns the registry's tools as llm.ToolDef for inclusion in a
// Request.
func (r *Registry) Defs() []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolDef{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

// Dispatch validates call.Args against the tool's schema and executes it.
// Unknown tool names and schema violations both yield an is_error result
// rather than aborting the iteration, per spec.md §4.3.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, tc *ToolContext) Result {
	t, ok := r.tools[call.Name]
	if !ok {
		return Result{Content: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}
	}

	var decoded any
	if len(call.Args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(call.Args, &decoded); err != nil {
		return Result{Content: fmt.Sprintf("%s: malformed arguments: %v", call.Name, err), IsError: true}
	}
	if schema := r.schemas[call.Name]; schema != nil {
		if err := schema.Validate(decoded); err != nil {
			return Result{Content: fmt.Sprintf("%s: arguments do not match schema: %v", call.Name, err), IsError: true}
		}
	}

	return t.Execute(ctx, call.Args, tc)
}

var schemaMu sync.Mutex

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()

	c := jsonschema.NewCompiler()
	url := "toolexec://" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// safePath canonicalizes path relative to tc.WorktreePath and rejects
// anything that resolves outside it (symlink-aware), mirroring the
// teacher's executor's containment check.
func safePath(tc *ToolContext, path string) (string, string, error) {
	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Clean(filepath.Join(tc.WorktreePath, path))
	}

	if !tc.Sandbox {
		rel, err := filepath.Rel(tc.WorktreePath, absPath)
		if err != nil {
			rel = path
		}
		return absPath, rel, nil
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		parentDir := filepath.Dir(absPath)
		resolvedParent, parentErr := filepath.EvalSymlinks(parentDir)
		if parentErr != nil {
			resolved = absPath
		} else {
			resolved = filepath.Join(resolvedParent, filepath.Base(absPath))
		}
	}

	resolvedWorkDir, err := filepath.EvalSymlinks(tc.WorktreePath)
	if err != nil {
		resolvedWorkDir = tc.WorktreePath
	}

	rel, err := filepath.Rel(resolvedWorkDir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("sandbox_violation: path %q is outside the worktree", path)
	}

	return absPath, rel, nil
}
