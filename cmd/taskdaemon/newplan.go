package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskdaemon/taskdaemon/internal/config"
	"github.com/taskdaemon/taskdaemon/internal/ipc"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/statemgr"
)

var (
	newPlanGoal     string
	newPlanTemplate string
	newPlanStart    bool
)

var newPlanCmd = &cobra.Command{
	Use:   "new-plan <name>",
	Short: "Create a new plan and its top-level plan loop execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runNewPlan,
}

func init() {
	newPlanCmd.Flags().StringVar(&newPlanGoal, "goal", "", "the plan's goal, recorded as its description")
	newPlanCmd.Flags().StringVar(&newPlanTemplate, "template", "plan", "loop type to drive the plan's first execution")
	newPlanCmd.Flags().BoolVar(&newPlanStart, "start", false, "activate the execution immediately instead of leaving it a draft")
	rootCmd.AddCommand(newPlanCmd)
}

func runNewPlan(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := config.Load(defaultConfigPath())
	if err != nil {
		return err
	}

	sm, err := statemgr.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer sm.Close()

	plan := &model.Plan{
		ID:          uuid.NewString(),
		Title:       name,
		Description: newPlanGoal,
		Status:      model.PlanDraft,
	}
	if err := sm.CreatePlan(cmd.Context(), plan); err != nil {
		return fmt.Errorf("creating plan: %w", err)
	}

	exec := &model.LoopExecution{
		ID:       uuid.NewString(),
		LoopType: newPlanTemplate,
		ParentID: plan.ID,
	}
	if err := sm.CreateExecution(cmd.Context(), exec); err != nil {
		return fmt.Errorf("creating plan execution: %w", err)
	}

	fmt.Printf("created plan %q (%s), execution %s (loop type %q)\n", name, plan.ID, exec.ID, exec.LoopType)

	if !newPlanStart {
		return nil
	}
	if _, err := sm.ActivateDraft(cmd.Context(), exec.ID); err != nil {
		return fmt.Errorf("activating execution: %w", err)
	}

	// Nudge a running daemon immediately rather than waiting for its next
	// readiness poll; a daemon that isn't running will pick the pending
	// execution up on its next startup crash-recovery/readiness pass.
	if _, err := ipc.Send(cfg.SocketPath, ipc.Request{Type: ipc.ReqExecutionPending, ID: exec.ID}); err != nil {
		fmt.Printf("execution activated, but could not reach a running daemon to nudge it: %v\n", err)
	}
	return nil
}
