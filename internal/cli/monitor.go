package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskwarden/internal/api"
	"taskwarden/internal/config"
	"taskwarden/internal/core"
	"taskwarden/internal/health"
	"taskwarden/internal/mcp"
)

const dashboardRefresh = 2 * time.Second

func newMonitorCommand() *cobra.Command {
	var (
		iface      bool
		background bool
		dashboard  bool
		check      bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Check task health, or run the monitor as a long-lived process",
		Long: `Without flags performs a single health check and exits 1 if any open
critical alert exists. --interface renders a live terminal view,
--dashboard renders it once, and --background runs the sampling monitor
headless with the HTTP API and MCP tools attached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return usageErr(err)
			}
			switch {
			case iface:
				return runLiveDashboard(cmd, app)
			case background:
				return runBackground(app)
			case dashboard:
				return runDashboardOnce(cmd, app)
			default:
				return runStatusCheck(cmd, app)
			}
		},
	}
	cmd.Flags().BoolVar(&iface, "interface", false, "Render a live status dashboard until interrupted")
	cmd.Flags().BoolVar(&background, "background", false, "Run the monitor headless with the HTTP API and MCP tools")
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "Render the status dashboard once")
	cmd.Flags().BoolVar(&check, "check", false, "Run a single health check (default)")
	return cmd
}

// runStatusCheck samples once, raises any findings, and reports.
func runStatusCheck(cmd *cobra.Command, app *app) error {
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

	task, taskErr := st.ReadTask()
	if taskErr != nil && !errors.Is(taskErr, core.ErrStateNotFound) {
		app.logger.Warn("task state unreadable", "err", taskErr)
	}
	alerts, _ := st.ListAlerts(ctx, false, 10)

	out := cmd.OutOrStdout()
	renderStatus(out, task, snap, alerts)
	for _, f := range findings {
		fmt.Fprintf(out, "finding [%s] %s: %s\n", f.Severity, f.Kind, f.Message)
	}

	for _, a := range alerts {
		if a.Severity == core.SeverityCritical {
			return &ExitError{Code: ExitRecoverable}
		}
	}
	return nil
}

// runDashboardOnce renders the status view a single time.
func runDashboardOnce(cmd *cobra.Command, app *app) error {
	ctx := cmd.Context()
	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	mon := health.NewMonitor(st, nil, app.notifier(), app.logger, app.monitorConfig())
	snap, task, err := mon.Collect(ctx)
	if err != nil {
		return recoverableErr(err)
	}
	alerts, _ := st.ListAlerts(ctx, false, 5)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "taskwarden dashboard  %s\n\n", time.Now().Format(time.RFC3339))
	renderStatus(out, task, snap, alerts)
	return nil
}

// runLiveDashboard re-renders the status view until interrupted.
func runLiveDashboard(cmd *cobra.Command, app *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	mon := health.NewMonitor(st, nil, app.notifier(), app.logger, app.monitorConfig())
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(dashboardRefresh)
	defer ticker.Stop()

	for {
		snap, task, err := mon.Collect(ctx)
		if err != nil {
			app.logger.Warn("collect failed", "err", err)
		}
		alerts, _ := st.ListAlerts(ctx, false, 5)

		fmt.Fprint(out, "\033[2J\033[H")
		fmt.Fprintf(out, "taskwarden dashboard  %s\n\n", time.Now().Format(time.RFC3339))
		renderStatus(out, task, snap, alerts)
		fmt.Fprintln(out, "\nCtrl-C to exit")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runSampler runs the sampling monitor alone until interrupted. The health
// command uses it for --monitor.
func runSampler(app *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	mon := health.NewMonitor(st, nil, app.notifier(), app.logger, app.monitorConfig())
	if err := mon.Start(); err != nil {
		return recoverableErr(fmt.Errorf("start monitor: %w", err))
	}
	app.logger.Info("health monitor running", "sample", app.cfg.Health.SampleEvery, "next", mon.NextSample().Format(time.RFC3339))

	<-ctx.Done()
	shCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGrace)
	defer cancel()
	mon.Stop(shCtx)
	return nil
}

// runBackground serves the HTTP API and MCP tools with the monitor sampling
// alongside. The server mode decides which transports come up.
func runBackground(app *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.openStore(ctx)
	if err != nil {
		return usageErr(fmt.Errorf("open state store: %w", err))
	}
	defer st.Close()

	cps, rec := app.controller(st)
	mon := health.NewMonitor(st, nil, app.notifier(), app.logger, app.monitorConfig())
	if err := mon.Start(); err != nil {
		return recoverableErr(fmt.Errorf("start monitor: %w", err))
	}
	mcpSrv := mcp.NewMCPServer(st, cps, rec, app.logger)

	serverErr := make(chan error, 2)
	var apiSrv *api.Server
	mode := app.cfg.Server.Mode
	if mode == config.ModeHTTP || mode == config.ModeBoth {
		apiSrv = api.NewServer(app.cfg.Server.Addr, app.cfg.Server.AuthToken, st, cps, rec, mcpSrv.Handler(), app.logger)
		go func() { serverErr <- apiSrv.Start() }()
		app.logger.Info("HTTP server listening", "addr", app.cfg.Server.Addr)
	}
	if mode == config.ModeMCP || mode == config.ModeBoth {
		go func() { serverErr <- mcpSrv.Run() }()
		app.logger.Info("MCP server on stdio")
	}

	select {
	case <-ctx.Done():
		app.logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("server stopped", "err", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGrace)
	defer cancel()
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shCtx); err != nil {
			app.logger.Error("HTTP shutdown", "err", err)
		}
	}
	mon.Stop(shCtx)
	return nil
}

// renderStatus writes the shared status block used by check and dashboard.
func renderStatus(out io.Writer, task *core.Task, snap *core.HealthSnapshot, alerts []*core.Alert) {
	if task == nil {
		fmt.Fprintln(out, "task: none")
	} else {
		fmt.Fprintf(out, "task: %s  status=%s  step=%d/%d  attempt=%d\n", task.ID, task.Status, task.CurrentStep, task.TotalSteps, task.StepAttempt)
		if task.PauseReason != core.PauseNone {
			fmt.Fprintf(out, "  paused: %s\n", task.PauseReason)
		}
		if task.LastError != "" {
			fmt.Fprintf(out, "  last error: %s\n", task.LastError)
		}
		if task.LastCheckpoint != "" {
			fmt.Fprintf(out, "  checkpoint: %s\n", task.LastCheckpoint)
		}
	}
	if snap != nil {
		fmt.Fprintf(out, "health: load=%.2f mem=%.0f%% disk_free=%.0f%% heartbeat_age=%.0fs transient_streak=%d\n",
			snap.CPULoad, snap.MemoryPressure*100, snap.DiskFreeRatio*100, snap.SecondsSinceHeartbeat, snap.TransientFailureRun)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "alerts: none open")
		return
	}
	fmt.Fprintf(out, "alerts: %d open\n", len(alerts))
	for _, a := range alerts {
		fmt.Fprintf(out, "  [%s] %s: %s\n", a.Severity, a.Kind, firstLine(a.Message))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
