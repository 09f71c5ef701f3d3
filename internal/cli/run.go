package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/core"
	"taskwarden/internal/health"
	"taskwarden/internal/retry"
)

// stepKillGrace is how long a step process gets between SIGTERM and SIGKILL.
const stepKillGrace = 5 * time.Second

func newRunCommand() *cobra.Command {
	var (
		planPath string
		park     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the task plan, resuming from existing state if present",
		Long: `Executes the plan step by step, checkpointing after each step. If task
state already exists the run resumes from it and the --plan flag is
ignored. Exits 0 when the task completes, 1 when it pauses, 2 when it
aborts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return usageErr(err)
			}
			return runTask(cmd, app, planPath, park)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "plan.json", "Path to the task plan")
	cmd.Flags().BoolVar(&park, "park", false, "Stay alive waiting for operator recovery instead of exiting when paused")
	return cmd
}

func runTask(cmd *cobra.Command, app *app, planPath string, park bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	cps, _ := app.controller(st)

	engine := retry.NewEngine(retry.Policy{
		MaxAttempts:    app.cfg.Retry.MaxAttempts,
		InitialDelay:   app.cfg.Retry.InitialDelay,
		MaxDelay:       app.cfg.Retry.MaxDelay,
		BackoffFactor:  app.cfg.Retry.BackoffFactor,
		JitterRatio:    app.cfg.Retry.JitterRatio,
		PressureShrink: app.cfg.Retry.PressureShrink,
	}, st)
	engine.Classify = core.ClassifyStep
	engine.Pressure = health.PressureFunc(health.NewSystemProbe(), app.cfg.StateDir, app.thresholds())

	runner := core.NewCommandRunner(st, app.logger, app.cfg.Exec.StepTimeout, stepKillGrace)
	sup := core.NewSupervisor(st, cps, engine, runner, app.notifier(), app.logger, core.SupervisorConfig{
		HeartbeatEvery:  app.cfg.Exec.HeartbeatEvery,
		ParkPoll:        app.cfg.Exec.ParkPoll,
		KeepCheckpoints: app.cfg.Retention.Checkpoints,
		ParkOnPause:     park,
	})

	task, err := sup.Run(ctx, planPath)
	if task == nil {
		// The run never attached to a task: bad invocation unless the
		// state itself is unreadable.
		if errors.Is(err, core.ErrStateCorrupt) {
			return &ExitError{Code: ExitUnrecoverable, Err: err}
		}
		return usageErr(err)
	}
	if err != nil {
		return recoverableErr(err)
	}

	out := cmd.OutOrStdout()
	switch task.Status {
	case core.StatusCompleted:
		fmt.Fprintf(out, "task %s completed: %d/%d steps\n", task.ID, task.CurrentStep, task.TotalSteps)
		return nil
	case core.StatusAborted:
		fmt.Fprintf(out, "task %s aborted at step %d: %s\n", task.ID, task.CurrentStep, task.LastError)
		return &ExitError{Code: ExitUnrecoverable}
	case core.StatusPaused:
		fmt.Fprintf(out, "task %s paused at step %d (%s): %s\n", task.ID, task.CurrentStep, task.PauseReason, task.LastError)
		fmt.Fprintln(out, "inspect with 'taskwarden recovery --smart-recovery'")
		return &ExitError{Code: ExitRecoverable}
	default:
		// Interrupted while parked or mid-transition; treat as recoverable.
		fmt.Fprintf(out, "task %s left in status %s at step %d\n", task.ID, task.Status, task.CurrentStep)
		return &ExitError{Code: ExitRecoverable}
	}
}
