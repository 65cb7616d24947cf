package loopengine

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"
	"unicode"

	"github.com/taskdaemon/taskdaemon/internal/looptype"
	"github.com/taskdaemon/taskdaemon/internal/model"
)

// renderPrompt merges a loop type's prompt template with the execution's
// current context variables: worktree path, iteration number, the bounded
// progress text, a changed-files summary, and last-error text, plus any
// loop-specific variables carried in the execution's context JSON (e.g.
// "goal" for the plan loop type, "spec_path" for build).
func renderPrompt(def looptype.Definition, exec *model.LoopExecution, changedFiles []string) (string, error) {
	tmpl, err := template.New(def.Name).Parse(def.PromptTemplate)
	if err != nil {
		return "", err
	}

	data := map[string]any{
		"WorktreePath": exec.WorktreePath,
		"Iteration":    exec.Iteration,
		"Progress":     exec.Progress,
		"LastError":    exec.LastError,
		"ChangedFiles": strings.Join(changedFiles, ", "),
	}
	for k, v := range contextFields(exec.Context) {
		data[capitalize(k)] = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// contextFields flattens a LoopExecution's context JSON blob into plain
// strings for template substitution. Values that aren't JSON strings are
// rendered as their raw JSON text.
func contextFields(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
		} else {
			out[k] = string(v)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
