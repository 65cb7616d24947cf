package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	defaultBashTimeout = 120 * time.Second
	maxFileReadSize    = 10 * 1024 * 1024
	maxOutputSize      = 30 * 1024
	maxGlobMatches     = 1000
	defaultGrepLimit   = 200
)

// BuiltinTools returns the ten stable-contract tools every loop execution
// is given, per spec.md §4.3.
func BuiltinTools() []Tool {
	return []Tool{
		readTool{}, writeTool{}, editTool{}, listTool{}, globTool{},
		grepTool{}, bashTool{}, queryTool{}, shareTool{}, completeTaskTool{},
	}
}

// --- read ---

type readTool struct{}

func (readTool) Name() string        { return "read" }
func (readTool) Description() string { return "Read a file by worktree-relative path, with optional offset/limit line ranges. Output lines are numbered." }
func (readTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Worktree-relative file path"},
			"offset": {"type": "integer", "description": "1-based first line to return"},
			"limit": {"type": "integer", "description": "Maximum number of lines to return"}
		},
		"required": ["path"]
	}`)
}

func (readTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	abs, rel, err := safePath(tc, params.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Result{Content: fmt.Sprintf("file not found: %s", params.Path), IsError: true}
	}
	if info.Size() > maxFileReadSize {
		return Result{Content: fmt.Sprintf("file too large (%d bytes, max %d)", info.Size(), maxFileReadSize), IsError: true}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Result{Content: fmt.Sprintf("reading file: %v", err), IsError: true}
	}

	lines := strings.Split(string(data), "\n")
	start := 1
	if params.Offset > 0 {
		start = params.Offset
	}
	end := len(lines)
	if params.Limit > 0 && start+params.Limit-1 < end {
		end = start + params.Limit - 1
	}
	if start > len(lines) {
		return Result{Content: fmt.Sprintf("offset %d exceeds file length %d", start, len(lines)), IsError: true}
	}

	var sb strings.Builder
	for i := start - 1; i < end && i < len(lines); i++ {
		fmt.Fprintf(&sb, "%d: %s\n", i+1, lines[i])
	}

	tc.markRead(rel)

	out := sb.String()
	if len(out) > maxOutputSize {
		out = out[:maxOutputSize] + "\n... (truncated)"
	}
	return Result{Content: out}
}

// --- write ---

type writeTool struct{}

func (writeTool) Name() string        { return "write" }
func (writeTool) Description() string { return "Write full content to a path, creating parent directories. No prior read required." }
func (writeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
}

func (writeTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	abs, _, err := safePath(tc, params.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Result{Content: fmt.Sprintf("creating directories: %v", err), IsError: true}
	}
	if err := os.WriteFile(abs, []byte(params.Content), 0o644); err != nil {
		return Result{Content: fmt.Sprintf("writing file: %v", err), IsError: true}
	}
	return Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)}
}

// --- edit ---

type editTool struct{}

func (editTool) Name() string { return "edit" }
func (editTool) Description() string {
	return "Replace old_string with new_string in a file that was read this iteration. old_string must be unique unless replace_all is set."
}
func (editTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"old_string": {"type": "string"},
			"new_string": {"type": "string"},
			"replace_all": {"type": "boolean"}
		},
		"required": ["path", "old_string", "new_string"]
	}`)
}

func (editTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	abs, rel, err := safePath(tc, params.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}
	if !tc.wasRead(rel) {
		return Result{Content: fmt.Sprintf("%s must be read before it can be edited", params.Path), IsError: true}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return Result{Content: fmt.Sprintf("reading file: %v", err), IsError: true}
	}
	content := string(data)

	count := strings.Count(content, params.OldString)
	if count == 0 {
		return Result{Content: fmt.Sprintf("old_string not found in %s", params.Path), IsError: true}
	}
	if !params.ReplaceAll && count > 1 {
		return Result{Content: fmt.Sprintf("old_string appears %d times in %s; set replace_all or make it unique", count, params.Path), IsError: true}
	}

	n := 1
	if params.ReplaceAll {
		n = -1
	}
	newContent := strings.Replace(content, params.OldString, params.NewString, n)
	if err := os.WriteFile(abs, []byte(newContent), 0o644); err != nil {
		return Result{Content: fmt.Sprintf("writing file: %v", err), IsError: true}
	}
	return Result{Content: fmt.Sprintf("applied edit to %s", params.Path)}
}

// --- list ---

type listTool struct{}

func (listTool) Name() string        { return "list" }
func (listTool) Description() string { return "List directory entries; directories are suffixed with /." }
func (listTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "description": "Directory path (default: worktree root)"}},
		"required": []
	}`)
}

func (listTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &params)
	}
	dir := tc.WorktreePath
	if params.Path != "" {
		abs, _, err := safePath(tc, params.Path)
		if err != nil {
			return Result{Content: err.Error(), IsError: true}
		}
		dir = abs
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{Content: fmt.Sprintf("reading directory: %v", err), IsError: true}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return Result{Content: "(empty directory)"}
	}
	return Result{Content: strings.Join(names, "\n")}
}

// --- glob ---

type globTool struct{}

func (globTool) Name() string        { return "glob" }
func (globTool) Description() string { return "Return up to 1000 matches for a glob pattern rooted at an optional base, within the worktree." }
func (globTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"base": {"type": "string"}
		},
		"required": ["pattern"]
	}`)
}

func (globTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Pattern string `json:"pattern"`
		Base    string `json:"base"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	base := tc.WorktreePath
	if params.Base != "" {
		abs, _, err := safePath(tc, params.Base)
		if err != nil {
			return Result{Content: err.Error(), IsError: true}
		}
		base = abs
	}

	var matches []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		ok, matchErr := filepath.Match(params.Pattern, d.Name())
		if matchErr == nil && ok {
			rel, relErr := filepath.Rel(tc.WorktreePath, path)
			if relErr == nil {
				matches = append(matches, rel)
			}
		}
		if len(matches) >= maxGlobMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return Result{Content: fmt.Sprintf("walking %s: %v", params.Base, err), IsError: true}
	}
	truncated := len(matches) >= maxGlobMatches
	sort.Strings(matches)
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n... (truncated at %d matches)", maxGlobMatches)
	}
	if out == "" {
		out = "(no matches)"
	}
	return Result{Content: out}
}

// --- grep ---

type grepTool struct{}

func (grepTool) Name() string        { return "grep" }
func (grepTool) Description() string { return "Regex search across files under the worktree with configurable context lines and a bounded result count." }
func (grepTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string"},
			"path": {"type": "string"},
			"context_lines": {"type": "integer"},
			"max_results": {"type": "integer"}
		},
		"required": ["pattern"]
	}`)
}

func (grepTool) Execute(_ context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Pattern      string `json:"pattern"`
		Path         string `json:"path"`
		ContextLines int    `json:"context_lines"`
		MaxResults   int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return Result{Content: fmt.Sprintf("invalid pattern: %v", err), IsError: true}
	}
	searchDir := tc.WorktreePath
	if params.Path != "" {
		abs, _, pathErr := safePath(tc, params.Path)
		if pathErr != nil {
			return Result{Content: pathErr.Error(), IsError: true}
		}
		searchDir = abs
	}
	maxResults := params.MaxResults
	if maxResults <= 0 || maxResults > defaultGrepLimit {
		maxResults = defaultGrepLimit
	}

	var sb strings.Builder
	count := 0
	walkErr := filepath.WalkDir(searchDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || count >= maxResults {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if count >= maxResults {
				break
			}
			if !re.MatchString(line) {
				continue
			}
			rel, _ := filepath.Rel(tc.WorktreePath, path)
			start := i - params.ContextLines
			if start < 0 {
				start = 0
			}
			end := i + params.ContextLines
			if end >= len(lines) {
				end = len(lines) - 1
			}
			for j := start; j <= end; j++ {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, j+1, lines[j])
			}
			count++
		}
		return nil
	})
	if walkErr != nil {
		return Result{Content: fmt.Sprintf("searching: %v", walkErr), IsError: true}
	}
	out := sb.String()
	if out == "" {
		return Result{Content: "(no matches)"}
	}
	if count >= maxResults {
		out += fmt.Sprintf("... (truncated at %d results)\n", maxResults)
	}
	return Result{Content: out}
}

// --- bash ---

type bashTool struct{}

func (bashTool) Name() string        { return "bash" }
func (bashTool) Description() string { return "Run a shell command in the worktree with a configurable timeout (default 120s)." }
func (bashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"timeout_seconds": {"type": "integer"}
		},
		"required": ["command"]
	}`)
}

func (bashTool) Execute(ctx context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	timeout := defaultBashTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "bash", "-c", params.Command)
	cmd.Dir = tc.WorktreePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR: " + stderr.String()
	}
	if len(output) > maxOutputSize {
		output = output[:maxOutputSize] + "\n... (truncated)"
	}

	if cctx.Err() == context.DeadlineExceeded {
		return Result{Content: fmt.Sprintf("command timed out after %v\n%s", timeout, output), IsError: true}
	}
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return Result{Content: fmt.Sprintf("exit code %d\n%s", exitCode, output), IsError: true}
	}
	return Result{Content: output}
}

// --- query ---

type queryTool struct{}

func (queryTool) Name() string        { return "query" }
func (queryTool) Description() string { return "Send a Query to another execution via the coordinator; return its reply or time out." }
func (queryTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"to_execution_id": {"type": "string"},
			"question": {"type": "string"}
		},
		"required": ["to_execution_id", "question"]
	}`)
}

func (queryTool) Execute(ctx context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		ToExecutionID string `json:"to_execution_id"`
		Question      string `json:"question"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	if tc.Coordinator == nil {
		return Result{Content: "no coordinator is attached to this execution", IsError: true}
	}
	reply, err := tc.Coordinator.Query(ctx, tc.ExecutionID, params.ToExecutionID, params.Question)
	if err != nil {
		return Result{Content: fmt.Sprintf("query failed: %v", err), IsError: true}
	}
	return Result{Content: reply}
}

// --- share ---

type shareTool struct{}

func (shareTool) Name() string        { return "share" }
func (shareTool) Description() string { return "Send typed JSON data to one or more execution ids; returns an acknowledgment count." }
func (shareTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"to_execution_ids": {"type": "array", "items": {"type": "string"}},
			"data_type": {"type": "string"},
			"payload": {}
		},
		"required": ["to_execution_ids", "data_type", "payload"]
	}`)
}

func (shareTool) Execute(ctx context.Context, input json.RawMessage, tc *ToolContext) Result {
	var params struct {
		ToExecutionIDs []string        `json:"to_execution_ids"`
		DataType       string          `json:"data_type"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	if tc.Coordinator == nil {
		return Result{Content: "no coordinator is attached to this execution", IsError: true}
	}
	n, err := tc.Coordinator.Share(ctx, tc.ExecutionID, params.ToExecutionIDs, params.DataType, params.Payload)
	if err != nil {
		return Result{Content: fmt.Sprintf("share failed: %v", err), IsError: true}
	}
	return Result{Content: fmt.Sprintf("acknowledged by %d recipient(s)", n)}
}

// --- complete_task ---

type completeTaskTool struct{}

func (completeTaskTool) Name() string        { return "complete_task" }
func (completeTaskTool) Description() string { return "Record a done intent with a summary. The validator still gates actual loop termination." }
func (completeTaskTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"summary": {"type": "string"}},
		"required": ["summary"]
	}`)
}

func (completeTaskTool) Execute(_ context.Context, input json.RawMessage, _ *ToolContext) Result {
	var params struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return Result{Content: fmt.Sprintf("parsing arguments: %v", err), IsError: true}
	}
	return Result{Content: fmt.Sprintf("recorded completion intent: %s", params.Summary)}
}
