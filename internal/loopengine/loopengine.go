// Package loopengine drives a single loop execution through its
// iterations: render a fresh prompt from durable state, wait for an
// admission slot, run the agentic tool-use sub-loop against the model,
// validate, persist, and decide whether to continue, complete, or fail.
// No conversation state survives across iterations in memory; step 2's
// prompt is rebuilt from scratch each time from the execution's current
// on-disk progress and context, per the Ralph-loop freshness invariant.
package loopengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/coordinator"
	"github.com/taskdaemon/taskdaemon/internal/llm"
	"github.com/taskdaemon/taskdaemon/internal/looptype"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/scheduler"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
	"github.com/taskdaemon/taskdaemon/internal/telemetry"
	"github.com/taskdaemon/taskdaemon/internal/toolexec"
)

// defaultToolCallBudget bounds the agentic sub-loop within one iteration,
// per spec.md §4.7 step 4, so a model stuck in a tool-use cycle can't
// stall an iteration forever.
const defaultToolCallBudget = 50

// interIterationDelay is the brief pause between iterations named in
// spec.md §4.7 step 8.
const interIterationDelay = 500 * time.Millisecond

// Rebaser rebases a worktree onto its upstream main branch. The default
// implementation shells out to git; tests substitute a fake.
type Rebaser interface {
	Rebase(ctx context.Context, worktreePath string) error
}

// RebaseConflictError distinguishes a rebase that failed because of a
// real merge conflict (execution should block for operator attention)
// from any other rebase failure (treated as a transient error).
type RebaseConflictError struct {
	Err error
}

func (e *RebaseConflictError) Error() string { return fmt.Sprintf("rebase conflict: %v", e.Err) }
func (e *RebaseConflictError) Unwrap() error  { return e.Err }

// Engine drives loop executions. One Engine instance is shared across all
// concurrently running executions; Run is safe to call concurrently for
// distinct execution ids.
type Engine struct {
	SM        *statemgr.Manager
	Scheduler Scheduler
	Coord     *coordinator.Coordinator
	Client    llm.Client
	Tools     *toolexec.Registry
	LoopTypes LoopTypeProvider
	Rebaser   Rebaser

	ToolCallBudget int

	// Metrics is optional; a nil Provider disables instrumentation.
	Metrics *telemetry.Provider
}

// LoopTypeProvider is the subset of *looptype.Registry the engine needs.
// Narrowed to an interface so loopmanager can hot-swap the backing
// registry on SIGHUP without the engine noticing.
type LoopTypeProvider interface {
	Get(name string) (looptype.Definition, bool)
}

// Scheduler is the subset of *scheduler.Scheduler the engine needs,
// narrowed so tests can substitute a fake without pulling in the real
// admission-control machinery.
type Scheduler interface {
	WaitForSlot(ctx context.Context, execID string, priority scheduler.Priority) (scheduler.ScheduleResult, error)
	Complete(execID string)
	HandleRateLimit(retryAfter time.Duration)
}

// Run drives execID's iteration loop until it completes, fails, blocks,
// or ctx is canceled. It returns nil once the execution reaches a
// terminal status (complete, failed, blocked) or is no longer running,
// ctx.Err() once ctx is done, and otherwise the error from loading the
// execution or from an iteration; it does not itself decide whether a
// blocked execution should later resume — that is loopmanager's job.
func (e *Engine) Run(ctx context.Context, execID string) error {
	inbox, unregister := e.Coord.Register(execID)
	defer unregister()

	budget := e.ToolCallBudget
	if budget <= 0 {
		budget = defaultToolCallBudget
	}

	toolCtx := toolexec.NewToolContext("", execID, true, e.Coord)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		exec, err := e.SM.GetExecution(ctx, execID)
		if err != nil {
			return fmt.Errorf("loopengine: loading execution %s: %w", execID, err)
		}
		if exec.Status != model.ExecRunning {
			return nil
		}

		def, ok := e.LoopTypes.Get(exec.LoopType)
		if !ok {
			_, _ = e.SM.FailExecution(ctx, execID, fmt.Sprintf("unknown loop type %q", exec.LoopType))
			return nil
		}

		toolCtx.WorktreePath = exec.WorktreePath
		toolCtx.ResetIteration()

		terminal, err := e.runIteration(ctx, exec, def, toolCtx, inbox, budget)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interIterationDelay):
		}
	}
}

// runIteration executes the 8-step iteration cycle described in spec.md
// §4.7 and returns whether the execution reached a terminal state.
func (e *Engine) runIteration(ctx context.Context, exec *model.LoopExecution, def looptype.Definition, toolCtx *toolexec.ToolContext, inbox <-chan coordinator.InboxMessage, toolBudget int) (bool, error) {
	// Step 1: drain any pending coordinator messages without blocking.
	if terminal, err := e.drainInbox(ctx, exec, inbox); terminal || err != nil {
		return terminal, err
	}

	// Refresh exec in case step 1 transitioned it (e.g. restored from
	// rebasing).
	exec, err := e.SM.GetExecution(ctx, exec.ID)
	if err != nil {
		return false, fmt.Errorf("loopengine: reloading execution %s: %w", exec.ID, err)
	}
	if exec.Status != model.ExecRunning {
		return exec.Status != model.ExecPaused, nil
	}

	// Step 2: render this iteration's prompt fresh from on-disk state.
	prompt, err := renderPrompt(def, exec, nil)
	if err != nil {
		_, ferr := e.SM.FailExecution(ctx, exec.ID, fmt.Sprintf("rendering prompt: %v", err))
		return true, ferr
	}

	// Step 3: wait for an admission slot from the scheduler.
	priority := effectivePriority(exec, def)
	waitStart := time.Now()
	res, err := e.Scheduler.WaitForSlot(ctx, exec.ID, priority)
	if e.Metrics != nil {
		e.Metrics.RecordSchedulerWait(ctx, time.Since(waitStart))
	}
	if err != nil {
		return false, fmt.Errorf("loopengine: waiting for scheduler slot: %w", err)
	}
	if res.Outcome == scheduler.Rejected {
		return false, fmt.Errorf("loopengine: scheduler rejected execution %s: %s", exec.ID, res.RejectedReason)
	}
	defer e.Scheduler.Complete(exec.ID)

	// Step 4: the agentic tool-use sub-loop.
	messages := []llm.Message{{Role: "user", Text: prompt}}
	var usage llm.Usage
	var toolSummaries []model.ToolCallSummary
	var lastErrText string

	req := &llm.Request{Messages: messages, Tools: filterTools(e.Tools.Defs(), def.Tools)}
	calls := 0
	for {
		resp, err := e.Client.Complete(ctx, req)
		if err != nil {
			var rle *llm.RateLimitedError
			if errors.As(err, &rle) {
				e.Scheduler.HandleRateLimit(time.Duration(rle.RetryAfterSeconds) * time.Second)
				lastErrText = err.Error()
				break
			}
			return false, fmt.Errorf("loopengine: model request failed: %w", err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.CacheReadTokens += resp.Usage.CacheReadTokens
		usage.CacheWriteTokens += resp.Usage.CacheWriteTokens

		if resp.StopReason != llm.StopToolUse || len(resp.ToolCalls) == 0 {
			break
		}

		assistantMsg := llm.Message{Role: "assistant"}
		var toolResults []llm.ContentBlock
		for _, call := range resp.ToolCalls {
			if calls >= toolBudget {
				lastErrText = "tool call budget exhausted"
				break
			}
			calls++

			assistantMsg.Blocks = append(assistantMsg.Blocks, llm.ContentBlock{
				Type: "tool_use", ToolUseID: call.ID, ToolName: call.Name, ToolInput: call.Args,
			})

			result := e.Tools.Dispatch(ctx, call, toolCtx)
			toolSummaries = append(toolSummaries, model.ToolCallSummary{
				Name:    call.Name,
				Args:    truncate(string(call.Args), 200),
				Result:  truncate(result.Content, 200),
				IsError: result.IsError,
			})
			toolResults = append(toolResults, llm.ContentBlock{
				Type: "tool_result", ToolUseID: call.ID, ToolResult: result.Content, ToolIsError: result.IsError,
			})
		}
		if calls >= toolBudget {
			break
		}

		messages = append(messages, assistantMsg, llm.Message{Role: "user", Blocks: toolResults})
		req = &llm.Request{Messages: messages, Tools: req.Tools}
	}

	// Step 6: run the loop type's validator.
	result := runValidator(ctx, def, exec.WorktreePath)
	if lastErrText == "" && result.ExitCode != def.Validator.SuccessExitCode {
		lastErrText = truncate(result.Stderr, 500)
	}
	if e.Metrics != nil {
		e.Metrics.RecordValidatorRun(ctx, def.Name, result.ExitCode == def.Validator.SuccessExitCode)
		e.Metrics.RecordToolCalls(ctx, def.Name, len(toolSummaries))
	}

	// Step 7: persist the iteration log and bounded progress.
	newIteration := exec.Iteration + 1
	iterLog := &model.IterationLog{
		ID:            fmt.Sprintf("%s-iter-%d", exec.ID, newIteration),
		ExecutionID:   exec.ID,
		Iteration:     newIteration,
		ValidationCmd: def.Validator.Command,
		ExitCode:      result.ExitCode,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		DurationMS:    result.Duration.Milliseconds(),
		ToolCalls:     toolSummaries,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
	}
	if err := e.SM.CreateIterationLog(ctx, iterLog); err != nil {
		return false, fmt.Errorf("loopengine: persisting iteration log: %w", err)
	}

	excerpt := iterationExcerpt(result, toolSummaries)
	newProgress := appendProgress(exec.Progress, newIteration, excerpt)
	if _, err := e.SM.UpdateProgress(ctx, exec.ID, newIteration, newProgress, lastErrText, usage.InputTokens, usage.OutputTokens); err != nil {
		return false, fmt.Errorf("loopengine: updating progress: %w", err)
	}

	// Step 8: decide whether this was the last iteration.
	if result.ExitCode == def.Validator.SuccessExitCode {
		complete, err := looptype.EvaluateCompletion(def, exec.ArtifactPath)
		if err != nil {
			log.Printf("[loopengine] %s: evaluating completion predicate: %v", exec.ID, err)
		} else if complete {
			if _, err := e.SM.CompleteExecution(ctx, exec.ID, model.ArtifactPresent); err != nil {
				return false, fmt.Errorf("loopengine: completing execution: %w", err)
			}
			if e.Metrics != nil {
				e.Metrics.RecordIteration(ctx, def.Name, true)
			}
			return true, nil
		}
	}

	maxIter := def.MaxIterations
	if maxIter <= 0 {
		maxIter = looptype.DefaultMaxIterations
	}
	if newIteration >= maxIter {
		if _, err := e.SM.FailExecution(ctx, exec.ID, "max iterations reached"); err != nil {
			return false, fmt.Errorf("loopengine: failing execution: %w", err)
		}
		if e.Metrics != nil {
			e.Metrics.RecordIteration(ctx, def.Name, true)
		}
		return true, nil
	}

	if e.Metrics != nil {
		e.Metrics.RecordIteration(ctx, def.Name, false)
	}
	return false, nil
}

// drainInbox handles any coordinator messages already queued, without
// blocking for more. It returns terminal=true if handling a message ended
// the execution's run (e.g. an unrecoverable rebase conflict).
func (e *Engine) drainInbox(ctx context.Context, exec *model.LoopExecution, inbox <-chan coordinator.InboxMessage) (bool, error) {
	for {
		select {
		case msg := <-inbox:
			terminal, err := e.handleInboxMessage(ctx, exec, msg)
			if terminal || err != nil {
				return terminal, err
			}
		default:
			return false, nil
		}
	}
}

func (e *Engine) handleInboxMessage(ctx context.Context, exec *model.LoopExecution, msg coordinator.InboxMessage) (bool, error) {
	switch msg.Kind {
	case model.EventAlert:
		if msg.DataType == "main_branch_updated" {
			return e.handleMainBranchUpdate(ctx, exec)
		}
	case model.EventShare:
		if _, err := e.SM.MergeContext(ctx, exec.ID, msg.DataType, msg.Payload); err != nil {
			return false, fmt.Errorf("loopengine: merging shared context: %w", err)
		}
	case model.EventQuery:
		answer := "unknown"
		if err := e.Coord.Reply(msg.ReplyTo, answer); err != nil {
			log.Printf("[loopengine] %s: replying to query: %v", exec.ID, err)
		}
	case model.EventStop:
		if _, err := e.SM.PauseExecution(ctx, exec.ID); err != nil {
			return false, fmt.Errorf("loopengine: pausing on stop signal: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) handleMainBranchUpdate(ctx context.Context, exec *model.LoopExecution) (bool, error) {
	if _, err := e.SM.SetRebasing(ctx, exec.ID); err != nil {
		return false, fmt.Errorf("loopengine: entering rebasing: %w", err)
	}
	err := e.Rebaser.Rebase(ctx, exec.WorktreePath)
	if err == nil {
		if _, err := e.SM.RestoreRunning(ctx, exec.ID); err != nil {
			return false, fmt.Errorf("loopengine: restoring running after rebase: %w", err)
		}
		return false, nil
	}

	var conflict *RebaseConflictError
	if errors.As(err, &conflict) {
		if _, berr := e.SM.SetBlocked(ctx, exec.ID, conflict.Error()); berr != nil {
			return false, fmt.Errorf("loopengine: blocking on rebase conflict: %w", berr)
		}
		return true, nil
	}
	return false, fmt.Errorf("loopengine: rebase failed: %w", err)
}

// effectivePriority returns the loop type's default priority (plan → High,
// everything else Normal) via scheduler.PriorityForLoopType. Nothing is
// inherited from a parent record: LoopExecution carries no priority, and
// exec is not consulted.
func effectivePriority(exec *model.LoopExecution, def looptype.Definition) scheduler.Priority {
	return scheduler.PriorityForLoopType(def.Name)
}

func filterTools(all []llm.ToolDef, allowed []string) []llm.ToolDef {
	if len(allowed) == 0 {
		return all
	}
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	out := make([]llm.ToolDef, 0, len(allowed))
	for _, t := range all {
		if set[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// iterationExcerpt summarizes one iteration's outcome for the bounded
// progress text: validator exit status plus a count of tool calls made.
func iterationExcerpt(result validationResult, toolSummaries []model.ToolCallSummary) string {
	status := "validator passed"
	if result.ExitCode != 0 {
		status = fmt.Sprintf("validator exited %d", result.ExitCode)
	}
	return fmt.Sprintf("%s; %d tool call(s)", status, len(toolSummaries))
}
