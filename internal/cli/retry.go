package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/core"
	"taskwarden/internal/store"
)

func newRetryCommand() *cobra.Command {
	var (
		monitor   bool
		retryTask string
		stats     bool
		cleanup   bool
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect retry activity and manage the attempt budget",
		Long: `Without flags prints aggregated retry statistics. --retry grants a
paused task a fresh attempt budget at its current step, --monitor tails
retry activity live, and --cleanup archives a finished task's files.`,
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

			switch {
			case monitor:
				return runRetryMonitor(cmd, st)
			case retryTask != "":
				_, rec := app.controller(st)
				outcome, err := rec.Continue(cmd.Context(), retryTask)
				return doOutcome(cmd, outcome, err)
			case cleanup:
				_, rec := app.controller(st)
				outcome, err := rec.Cleanup(cmd.Context())
				if err != nil {
					return mapRecoveryErr(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived to %s\n", outcome.Message)
				return nil
			default:
				return runRetryStats(cmd, st)
			}
		},
	}
	cmd.Flags().BoolVar(&monitor, "monitor", false, "Tail retry activity live")
	cmd.Flags().StringVar(&retryTask, "retry", "", "Reset the attempt budget of the given paused task and mark it runnable")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print retry statistics (default)")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "Archive a terminal task's state, journal and checkpoints")
	return cmd
}

func runRetryStats(cmd *cobra.Command, st *store.Store) error {
	taskID := ""
	if task, err := st.ReadTask(); err == nil {
		taskID = task.ID
	} else if !errors.Is(err, core.ErrStateNotFound) {
		return recoverableErr(err)
	}

	stats, err := st.RetryStatsFor(taskID)
	if err != nil {
		return recoverableErr(err)
	}
	printRetryStats(cmd, taskID, stats)
	return nil
}

func printRetryStats(cmd *cobra.Command, taskID string, stats *store.RetryStats) {
	out := cmd.OutOrStdout()
	if taskID != "" {
		fmt.Fprintf(out, "retry statistics for task %s\n", taskID)
	} else {
		fmt.Fprintln(out, "retry statistics (all tasks)")
	}
	if stats.Total == 0 {
		fmt.Fprintln(out, "no retry records")
		return
	}
	fmt.Fprintf(out, "  records:   %d (%d transient, %d fatal)\n", stats.Total, stats.Transient, stats.Fatal)
	fmt.Fprintf(out, "  retried:   %d\n", stats.Retried)
	fmt.Fprintf(out, "  escalated: %d\n", stats.Escalated)
	fmt.Fprintf(out, "  backoff:   %s total\n", time.Duration(stats.TotalBackoffMS)*time.Millisecond)
	if len(stats.ByStep) > 0 {
		steps := make([]int, 0, len(stats.ByStep))
		for s := range stats.ByStep {
			steps = append(steps, s)
		}
		sort.Ints(steps)
		for _, s := range steps {
			fmt.Fprintf(out, "  step %d:    %d failures\n", s, stats.ByStep[s])
		}
	}
	if stats.LastRecordAt != nil {
		fmt.Fprintf(out, "  last:      %s\n", stats.LastRecordAt.Format(time.RFC3339))
	}
}

// runRetryMonitor prints new retry records as they land in the log.
func runRetryMonitor(cmd *cobra.Command, st *store.Store) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "watching retry activity, Ctrl-C to exit")

	seen := 0
	if records, err := st.ReadRetryRecords(); err == nil {
		seen = len(records)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		records, err := st.ReadRetryRecords()
		if err != nil {
			return recoverableErr(err)
		}
		for ; seen < len(records); seen++ {
			rec := records[seen]
			verdict := "escalate"
			if rec.Retry {
				verdict = fmt.Sprintf("retry in %s", time.Duration(rec.DelayMS)*time.Millisecond)
			}
			fmt.Fprintf(out, "%s  step %d attempt %d  %s  %s: %s\n",
				rec.Timestamp.Format(time.RFC3339), rec.StepIndex, rec.Attempt, rec.Class, verdict, rec.ErrorSummary)
		}
	}
}
