package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/core"
	"taskwarden/internal/recovery"
)

func newRecoveryCommand() *cobra.Command {
	var (
		auto        bool
		interactive bool
		smart       bool
		contTask    string
		recoverID   string
		verifyTask  string
		listPoints  bool
	)
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Recover a paused task from its checkpoints",
		Long: `Recovery restores the task from a verified checkpoint. --auto acts
without asking but only on an exhausted retry budget; --smart-recovery
falls back to a report when automatic recovery is not safe;
--interactive lets you pick the checkpoint. After a successful restore,
run 'taskwarden run' again to resume execution.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return usageErr(err)
			}
			st, err := app.openStore(cmd.Context())
			if err != nil {
				return usageErr(fmt.Errorf("open state store: %w", err))
			}
			defer st.Close()
			_, rec := app.controller(st)

			ctx := cmd.Context()
			switch {
			case auto:
				outcome, err := rec.Auto(ctx)
				return doOutcome(cmd, outcome, err)
			case smart:
				return runSmartRecovery(cmd, rec)
			case interactive:
				outcome, err := rec.Interactive(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
				return doOutcome(cmd, outcome, err)
			case cmd.Flags().Changed("continue"):
				outcome, err := rec.Continue(ctx, contTask)
				return doOutcome(cmd, outcome, err)
			case recoverID != "":
				outcome, err := rec.Recover(ctx, recoverID)
				return doOutcome(cmd, outcome, err)
			case cmd.Flags().Changed("verify"):
				return runVerifyPoints(cmd, rec, verifyTask)
			case listPoints:
				return runListPoints(cmd, rec)
			default:
				_ = cmd.Help()
				return &ExitError{Code: ExitUsage}
			}
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "Restore the latest valid checkpoint without asking")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Pick a recovery point interactively")
	cmd.Flags().BoolVar(&smart, "smart-recovery", false, "Auto-recover when safe, otherwise report")
	cmd.Flags().StringVar(&contTask, "continue", "", "Continue the given task at its current step with a fresh attempt budget")
	cmd.Flags().StringVar(&recoverID, "recover-point", "", "Restore a specific checkpoint by ID")
	cmd.Flags().StringVar(&verifyTask, "verify", "", "Verify all checkpoints of the given task")
	cmd.Flags().BoolVar(&listPoints, "list-points", false, "List recovery points, newest first")
	return cmd
}

func doOutcome(cmd *cobra.Command, outcome *recovery.Outcome, err error) error {
	if err != nil {
		return mapRecoveryErr(err)
	}
	return printOutcome(cmd, outcome)
}

func mapRecoveryErr(err error) error {
	switch {
	case errors.Is(err, core.ErrStateNotFound):
		return usageErr(errors.New("no task state found"))
	case errors.Is(err, core.ErrStateCorrupt):
		return &ExitError{Code: ExitUnrecoverable, Err: err}
	case errors.Is(err, recovery.ErrNotPaused),
		errors.Is(err, checkpoint.ErrNotFound):
		return usageErr(err)
	default:
		return recoverableErr(err)
	}
}

// runSmartRecovery prints the controller's report when it declines to act.
// The report path exits 1: the task still needs an operator.
func runSmartRecovery(cmd *cobra.Command, rec *recovery.Controller) error {
	outcome, report, err := rec.Smart(cmd.Context())
	if err != nil {
		return mapRecoveryErr(err)
	}
	if outcome != nil {
		return printOutcome(cmd, outcome)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task %s is %s", report.TaskID, report.Status)
	if report.PauseReason != core.PauseNone {
		fmt.Fprintf(out, " (%s)", report.PauseReason)
	}
	fmt.Fprintln(out)
	if report.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", report.LastError)
	}
	printCheckpointReports(cmd, report.Checkpoints)
	fmt.Fprintf(out, "suggestion: %s\n", report.Suggestion)
	return &ExitError{Code: ExitRecoverable}
}

// runVerifyPoints exits 1 when any checkpoint fails verification.
func runVerifyPoints(cmd *cobra.Command, rec *recovery.Controller, taskID string) error {
	reports, err := rec.VerifyPoints(taskID)
	if err != nil {
		return mapRecoveryErr(err)
	}
	printCheckpointReports(cmd, reports)
	for _, r := range reports {
		if !r.Valid {
			return &ExitError{Code: ExitRecoverable}
		}
	}
	return nil
}

func runListPoints(cmd *cobra.Command, rec *recovery.Controller) error {
	points, err := rec.ListPoints("")
	if err != nil {
		return mapRecoveryErr(err)
	}
	out := cmd.OutOrStdout()
	if len(points) == 0 {
		fmt.Fprintln(out, "no recovery points")
		return nil
	}
	for _, cp := range points {
		fmt.Fprintf(out, "%s  step %d  %s\n", cp.ID, cp.StepIndex, cp.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func printCheckpointReports(cmd *cobra.Command, reports []checkpoint.Report) {
	out := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(out, "no recovery points")
		return
	}
	for _, r := range reports {
		mark := "ok"
		if !r.Valid {
			mark = "INVALID: " + r.Reason
		}
		fmt.Fprintf(out, "%s  step %d  %s  %s\n", r.ID, r.StepIndex, r.CreatedAt.Format(time.RFC3339), mark)
	}
}
