package loopengine

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/looptype"
)

// validationTimeoutExitCode is reported when the validator is killed for
// overrunning its deadline, and also when the validator command cannot be
// started at all; no real validator command should ever return it on its
// own.
const validationTimeoutExitCode = -1

// validationResult is the outcome of running a loop type's validator
// command. Stdout/Stderr are kept untruncated here; only the progress
// excerpt derived from them is bounded, per spec.md §4.7 step 7.
type validationResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// runValidator executes def.Validator.Command in the loop execution's
// worktree (joined with the validator's own WorkingDir, if set), bounded
// by def.IterationTimeoutMS. Only the process's exit code is interpreted;
// stdout/stderr are captured for the iteration log but never parsed.
func runValidator(ctx context.Context, def looptype.Definition, worktreePath string) validationResult {
	start := time.Now()

	if strings.TrimSpace(def.Validator.Command) == "" {
		return validationResult{ExitCode: 0, Duration: time.Since(start)}
	}

	timeout := time.Duration(def.IterationTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := worktreePath
	if def.Validator.WorkingDir != "" {
		dir = filepath.Join(worktreePath, def.Validator.WorkingDir)
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", def.Validator.Command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return validationResult{
			ExitCode: validationTimeoutExitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\nvalidator timed out after " + timeout.String(),
			Duration: duration,
			TimedOut: true,
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = validationTimeoutExitCode
			stderr.WriteString("\nvalidator failed to run: " + err.Error())
		}
	}

	return validationResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
}
