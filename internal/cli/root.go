// Package cli wires the warden commands: run, abort, monitor, recovery,
// retry and health. Exit codes are part of the contract: 0 success, 1
// recoverable failure (the task is paused and can be recovered), 2
// unrecoverable failure (the task is aborted), 3 invalid invocation.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/config"
	"taskwarden/internal/health"
	"taskwarden/internal/logging"
	"taskwarden/internal/notify"
	"taskwarden/internal/recovery"
	"taskwarden/internal/store"
)

// Exit codes reported by Execute.
const (
	ExitOK            = 0
	ExitRecoverable   = 1
	ExitUnrecoverable = 2
	ExitUsage         = 3
)

// ExitError carries a process exit code through cobra. A nil Err means the
// command already printed its result and only the code matters.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageErr(err error) *ExitError       { return &ExitError{Code: ExitUsage, Err: err} }
func recoverableErr(err error) *ExitError { return &ExitError{Code: ExitRecoverable, Err: err} }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		var xe *ExitError
		if errors.As(err, &xe) {
			if xe.Err != nil {
				fmt.Fprintln(os.Stderr, "error:", xe.Err)
			}
			return xe.Code
		}
		// Anything cobra itself produced is a usage problem.
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitUsage
	}
	return ExitOK
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskwarden",
		Short: "Supervise a long-running multi-step job with checkpoints and recovery",
		Long: `taskwarden runs one multi-step job to completion across failures.
It checkpoints after every step, retries transient errors with backoff,
pauses loudly when the budget runs out, and recovers from the last
verified checkpoint instead of starting over.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("state-dir", "", "Directory for task state, checkpoints and logs")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "Log format (text, json)")

	root.AddCommand(
		newRunCommand(),
		newAbortCommand(),
		newMonitorCommand(),
		newRecoveryCommand(),
		newRetryCommand(),
		newHealthCommand(),
	)
	return root
}

// app carries the pieces every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

// newApp loads configuration and applies the persistent flag overrides.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	return &app{cfg: cfg, logger: logging.New(cfg.Log.Level, cfg.Log.Format)}, nil
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, a.cfg.StateDir, a.cfg.Health.RingSize, a.cfg.Retention.StepLogs)
}

func (a *app) notifier() notify.Notifier {
	bark := a.cfg.Notification.Bark
	if bark.Enabled && bark.URL != "" {
		n, err := notify.NewBarkNotifier(bark.URL)
		if err != nil {
			a.logger.Warn("bark notifier disabled", "err", err)
			return &notify.NoOpNotifier{}
		}
		return n
	}
	return &notify.NoOpNotifier{}
}

func (a *app) controller(st *store.Store) (*checkpoint.Manager, *recovery.Controller) {
	cps := checkpoint.NewManager(st.CheckpointsDir())
	return cps, recovery.NewController(st, cps, a.notifier(), a.logger)
}

func (a *app) thresholds() health.Thresholds {
	h := a.cfg.Health
	return health.Thresholds{
		StallWarn:       h.StallWarn,
		StallCritical:   h.StallCritical,
		FailureStreak:   h.FailureStreak,
		DiskLowRatio:    h.DiskLowRatio,
		MemHighRatio:    h.MemHighRatio,
		LoadHighPerCore: h.LoadHighPerCore,
	}
}

func (a *app) monitorConfig() health.Config {
	return health.Config{
		SampleEvery:    a.cfg.Health.SampleEvery,
		SweepEvery:     a.cfg.Health.SweepEvery,
		Thresholds:     a.thresholds(),
		AlertRetention: a.cfg.Retention.AlertAge,
	}
}

// printOutcome renders a recovery outcome and maps it to an exit error.
func printOutcome(cmd *cobra.Command, outcome *recovery.Outcome) error {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", outcome.Action, outcome.Message)
	if outcome.Action == "aborted" {
		return &ExitError{Code: ExitUnrecoverable}
	}
	return nil
}
