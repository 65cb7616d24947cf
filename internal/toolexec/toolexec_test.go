package toolexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskdaemon/taskdaemon/internal/llm"
)

func newTestRegistry(t *testing.T) (*Registry, *ToolContext) {
	t.Helper()
	dir := t.TempDir()
	reg, err := NewRegistry(BuiltinTools())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tc := NewToolContext(dir, "exec-1", true, nil)
	return reg, tc
}

func TestWriteThenRead(t *testing.T) {
	reg, tc := newTestRegistry(t)
	ctx := context.Background()

	writeArgs, _ := json.Marshal(map[string]string{"path": "hello.txt", "content": "hi there"})
	res := reg.Dispatch(ctx, llm.ToolCall{Name: "write", Args: writeArgs}, tc)
	if res.IsError {
		t.Fatalf("write failed: %s", res.Content)
	}

	readArgs, _ := json.Marshal(map[string]string{"path": "hello.txt"})
	res = reg.Dispatch(ctx, llm.ToolCall{Name: "read", Args: readArgs}, tc)
	if res.IsError {
		t.Fatalf("read failed: %s", res.Content)
	}
	if res.Content != "1: hi there\n" {
		t.Fatalf("unexpected read output: %q", res.Content)
	}
}

func TestEditRequiresPriorRead(t *testing.T) {
	reg, tc := newTestRegistry(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(tc.WorktreePath, "a.txt"), []byte("foo bar"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	editArgs, _ := json.Marshal(map[string]string{"path": "a.txt", "old_string": "foo", "new_string": "baz"})
	res := reg.Dispatch(ctx, llm.ToolCall{Name: "edit", Args: editArgs}, tc)
	if !res.IsError {
		t.Fatal("expected edit without prior read to fail")
	}

	readArgs, _ := json.Marshal(map[string]string{"path": "a.txt"})
	if res := reg.Dispatch(ctx, llm.ToolCall{Name: "read", Args: readArgs}, tc); res.IsError {
		t.Fatalf("read failed: %s", res.Content)
	}

	res = reg.Dispatch(ctx, llm.ToolCall{Name: "edit", Args: editArgs}, tc)
	if res.IsError {
		t.Fatalf("edit after read failed: %s", res.Content)
	}

	data, err := os.ReadFile(filepath.Join(tc.WorktreePath, "a.txt"))
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(data) != "baz bar" {
		t.Fatalf("unexpected file content: %q", data)
	}
}

func TestSandboxViolation(t *testing.T) {
	reg, tc := newTestRegistry(t)
	ctx := context.Background()

	args, _ := json.Marshal(map[string]string{"path": "../../etc/passwd"})
	res := reg.Dispatch(ctx, llm.ToolCall{Name: "read", Args: args}, tc)
	if !res.IsError {
		t.Fatal("expected sandbox violation for path escaping the worktree")
	}
}

func TestUnknownToolIsErrorNotPanic(t *testing.T) {
	reg, tc := newTestRegistry(t)
	res := reg.Dispatch(context.Background(), llm.ToolCall{Name: "does_not_exist", Args: json.RawMessage(`{}`)}, tc)
	if !res.IsError {
		t.Fatal("expected unknown tool to yield is_error=true")
	}
}

func TestMalformedArgsFailSchemaValidation(t *testing.T) {
	reg, tc := newTestRegistry(t)
	// write requires "content"; omit it.
	args, _ := json.Marshal(map[string]string{"path": "x.txt"})
	res := reg.Dispatch(context.Background(), llm.ToolCall{Name: "write", Args: args}, tc)
	if !res.IsError {
		t.Fatal("expected schema validation to reject missing required field")
	}
}

func TestResetIterationClearsFilesRead(t *testing.T) {
	reg, tc := newTestRegistry(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(tc.WorktreePath, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	readArgs, _ := json.Marshal(map[string]string{"path": "a.txt"})
	reg.Dispatch(ctx, llm.ToolCall{Name: "read", Args: readArgs}, tc)

	tc.ResetIteration()

	editArgs, _ := json.Marshal(map[string]string{"path": "a.txt", "old_string": "x", "new_string": "y"})
	res := reg.Dispatch(ctx, llm.ToolCall{Name: "edit", Args: editArgs}, tc)
	if !res.IsError {
		t.Fatal("expected edit to require a read within the current iteration")
	}
}
