package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/core"
	"taskwarden/internal/health"
)

func newHealthCommand() *cobra.Command {
	var (
		check   bool
		monitor bool
		report  bool
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe system and task health",
		Long: `Without flags takes one health sample, evaluates it against the
thresholds and exits 1 on any critical finding. --report adds recent
samples and the thresholds in effect. --monitor keeps sampling on the
configured schedule until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return usageErr(err)
			}
			switch {
			case monitor:
				return runSampler(app)
			case report:
				return runHealthReport(cmd, app)
			default:
				return runHealthCheck(cmd, app)
			}
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Take one sample and evaluate it (default)")
	cmd.Flags().BoolVar(&monitor, "monitor", false, "Sample continuously on the configured schedule")
	cmd.Flags().BoolVar(&report, "report", false, "Print recent samples and the active thresholds")
	return cmd
}

func runHealthCheck(cmd *cobra.Command, app *app) error {
	ctx := cmd.Context()
	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	mon := health.NewMonitor(st, nil, app.notifier(), app.logger, app.monitorConfig())
	snap, findings, err := mon.RunOnce(ctx)
	if err != nil {
		return recoverableErr(err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "load=%.2f mem=%.0f%% disk_free=%.0f%% heartbeat_age=%.0fs transient_streak=%d\n",
		snap.CPULoad, snap.MemoryPressure*100, snap.DiskFreeRatio*100, snap.SecondsSinceHeartbeat, snap.TransientFailureRun)
	if len(findings) == 0 {
		fmt.Fprintln(out, "healthy")
		return nil
	}
	critical := false
	for _, f := range findings {
		fmt.Fprintf(out, "[%s] %s: %s\n", f.Severity, f.Kind, f.Message)
		if f.Severity == core.SeverityCritical {
			critical = true
		}
	}
	if critical {
		return &ExitError{Code: ExitRecoverable}
	}
	return nil
}

func runHealthReport(cmd *cobra.Command, app *app) error {
	ctx := cmd.Context()
	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	th := app.thresholds()
	fmt.Fprintln(out, "thresholds:")
	fmt.Fprintf(out, "  heartbeat stall: warn %s, critical %s\n", th.StallWarn, th.StallCritical)
	fmt.Fprintf(out, "  failure streak:  %d\n", th.FailureStreak)
	fmt.Fprintf(out, "  disk free:       below %.0f%%\n", th.DiskLowRatio*100)
	fmt.Fprintf(out, "  memory used:     above %.0f%%\n", th.MemHighRatio*100)
	fmt.Fprintf(out, "  load per core:   above %.1f\n", th.LoadHighPerCore)

	task, taskErr := st.ReadTask()
	if taskErr != nil && !errors.Is(taskErr, core.ErrStateNotFound) {
		return recoverableErr(taskErr)
	}
	fmt.Fprintln(out)
	alerts, _ := st.ListAlerts(ctx, false, 10)
	renderStatus(out, task, nil, alerts)

	samples, err := st.ListHealthSamples(ctx, 12)
	if err != nil {
		return recoverableErr(err)
	}
	fmt.Fprintln(out, "\nrecent samples, newest first:")
	if len(samples) == 0 {
		fmt.Fprintln(out, "  (none)")
		return nil
	}
	for _, s := range samples {
		fmt.Fprintf(out, "  %s  load=%.2f mem=%.0f%% disk_free=%.0f%% heartbeat_age=%.0fs streak=%d\n",
			s.Timestamp.Format(time.RFC3339), s.CPULoad, s.MemoryPressure*100, s.DiskFreeRatio*100,
			s.SecondsSinceHeartbeat, s.TransientFailureRun)
	}
	return nil
}
