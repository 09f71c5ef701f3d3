// Package mcp exposes the warden over the Model Context Protocol so an
// agent can inspect a run and drive recovery with the same guardrails the
// CLI enforces.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/core"
	"taskwarden/internal/recovery"
	"taskwarden/internal/store"
)

// MCPServer handles protocol communication for the warden tools.
type MCPServer struct {
	store  *store.Store
	cps    *checkpoint.Manager
	rec    *recovery.Controller
	logger *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(st *store.Store, cps *checkpoint.Manager, rec *recovery.Controller, logger *slog.Logger) *MCPServer {
	return &MCPServer{store: st, cps: cps, rec: rec, logger: logger}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.build())
}

// Handler returns a streamable HTTP handler for mounting under /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.build())
}

func (s *MCPServer) build() *server.MCPServer {
	srv := server.NewMCPServer(
		"taskwarden",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(srv)
	return srv
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("warden_status",
		mcp.WithDescription("Show the supervised task: status, progress, pause reason, last error, last checkpoint and heartbeat age"),
	), s.handleStatus)

	srv.AddTool(mcp.NewTool("warden_health",
		mcp.WithDescription("Show recent health samples: load, memory, disk free, heartbeat age and transient failure streak"),
		mcp.WithNumber("samples",
			mcp.Description("How many recent samples to include, default 5"),
			mcp.Min(1),
			mcp.Max(50),
		),
	), s.handleHealth)

	srv.AddTool(mcp.NewTool("warden_alerts",
		mcp.WithDescription("List alerts, open ones by default"),
		mcp.WithBoolean("all",
			mcp.Description("Include acknowledged alerts"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum alerts to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleAlerts)

	srv.AddTool(mcp.NewTool("warden_ack_alert",
		mcp.WithDescription("Acknowledge an alert by ID"),
		mcp.WithString("alert_id",
			mcp.Required(),
			mcp.Description("Alert ID"),
		),
	), s.handleAckAlert)

	srv.AddTool(mcp.NewTool("warden_list_checkpoints",
		mcp.WithDescription("List the task's recovery points, newest first, with their verification status"),
	), s.handleListCheckpoints)

	srv.AddTool(mcp.NewTool("warden_verify",
		mcp.WithDescription("Verify checkpoint integrity: hash and referenced artifacts. Verifies all checkpoints when no ID is given"),
		mcp.WithString("checkpoint_id",
			mcp.Description("Checkpoint ID, omit to verify all"),
		),
	), s.handleVerify)

	srv.AddTool(mcp.NewTool("warden_recover",
		mcp.WithDescription("Recover a paused task. Restores the given checkpoint, or the latest valid one when omitted. Automatic recovery only acts on a task paused for an exhausted retry budget"),
		mcp.WithString("checkpoint_id",
			mcp.Description("Checkpoint ID to restore, omit for automatic recovery"),
		),
	), s.handleRecover)

	srv.AddTool(mcp.NewTool("warden_continue",
		mcp.WithDescription("Continue a paused task at its current step with a fresh attempt budget, without restoring a checkpoint"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID, must match the supervised task"),
		),
	), s.handleContinue)

	srv.AddTool(mcp.NewTool("warden_journal",
		mcp.WithDescription("Show the tail of the execution journal"),
		mcp.WithNumber("limit",
			mcp.Description("How many entries, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleJournal)

	srv.AddTool(mcp.NewTool("warden_retry_stats",
		mcp.WithDescription("Summarize retry activity: attempts, error classes, backoff totals, per-step counts"),
	), s.handleRetryStats)

	s.logger.Info("MCP tools registered", "count", 10)
}

// handleStatus handles the warden_status tool call.
func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.store.ReadTask()
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			return mcp.NewToolResultText("no task in progress"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("read task state: %v", err)), nil
	}

	result := fmt.Sprintf("%s task %s\n", statusToIcon(task.Status), task.ID)
	result += fmt.Sprintf("status: %s", task.Status)
	if task.PauseReason != core.PauseNone {
		result += fmt.Sprintf(" (%s)", task.PauseReason)
	}
	result += "\n"
	result += fmt.Sprintf("progress: step %d of %d, attempt %d\n", task.CurrentStep, task.TotalSteps, task.StepAttempt)
	result += fmt.Sprintf("plan: %s\n", task.PlanRef)
	if task.LastError != "" {
		result += fmt.Sprintf("last error: %s\n", truncateString(task.LastError, 200))
	}
	if task.LastCheckpoint != "" {
		result += fmt.Sprintf("last checkpoint: %s\n", task.LastCheckpoint)
	}
	if core.IsActive(task.Status) {
		result += fmt.Sprintf("heartbeat: %s ago\n", time.Since(task.LastHeartbeatAt).Round(time.Second))
	}
	if open, err := s.store.OpenAlertCount(ctx); err == nil && open > 0 {
		result += fmt.Sprintf("open alerts: %d\n", open)
	}
	return mcp.NewToolResultText(result), nil
}

// handleHealth handles the warden_health tool call.
func (s *MCPServer) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "samples", 5))

	samples, err := s.store.ListHealthSamples(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list health samples: %v", err)), nil
	}
	if len(samples) == 0 {
		return mcp.NewToolResultText("no health samples recorded yet, is the monitor running?"), nil
	}

	result := fmt.Sprintf("last %d samples, newest first:\n\n", len(samples))
	for _, snap := range samples {
		result += fmt.Sprintf("%s  load/core %.2f  mem %.0f%%  disk free %.0f%%",
			snap.Timestamp.Format("15:04:05"), snap.CPULoad, snap.MemoryPressure*100, snap.DiskFreeRatio*100)
		if snap.SecondsSinceHeartbeat > 0 {
			result += fmt.Sprintf("  heartbeat %.0fs ago", snap.SecondsSinceHeartbeat)
		}
		if snap.TransientFailureRun > 0 {
			result += fmt.Sprintf("  failure streak %d", snap.TransientFailureRun)
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleAlerts handles the warden_alerts tool call.
func (s *MCPServer) handleAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	includeAcked := mcp.ParseBoolean(request, "all", false)
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	alerts, err := s.store.ListAlerts(ctx, includeAcked, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list alerts: %v", err)), nil
	}
	if len(alerts) == 0 {
		return mcp.NewToolResultText("no alerts"), nil
	}

	result := fmt.Sprintf("%d alerts:\n\n", len(alerts))
	for _, a := range alerts {
		acked := ""
		if a.Acknowledged {
			acked = " (acknowledged)"
		}
		result += fmt.Sprintf("%s [%s] %s%s\n", severityToIcon(a.Severity), a.Kind, a.ID, acked)
		result += fmt.Sprintf("    %s\n", a.Message)
		result += fmt.Sprintf("    at %s\n\n", a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

// handleAckAlert handles the warden_ack_alert tool call.
func (s *MCPServer) handleAckAlert(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := mcp.ParseString(request, "alert_id", "")

	if err := s.store.AcknowledgeAlert(ctx, alertID); err != nil {
		if errors.Is(err, store.ErrAlertNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("alert not found: %s", alertID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("acknowledge alert: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("alert acknowledged: %s", alertID)), nil
}

// handleListCheckpoints handles the warden_list_checkpoints tool call.
func (s *MCPServer) handleListCheckpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reports, err := s.rec.VerifyPoints("")
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			return mcp.NewToolResultText("no task in progress"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("list checkpoints: %v", err)), nil
	}
	if len(reports) == 0 {
		return mcp.NewToolResultText("no checkpoints yet"), nil
	}

	result := fmt.Sprintf("%d recovery points, newest first:\n\n", len(reports))
	for _, r := range reports {
		mark := "✅"
		if !r.Valid {
			mark = "❌"
		}
		result += fmt.Sprintf("%s %s  step %d  %s\n", mark, r.ID, r.StepIndex, r.CreatedAt.Format("2006-01-02 15:04:05"))
		if !r.Valid {
			result += fmt.Sprintf("    %s\n", r.Reason)
		}
	}
	return mcp.NewToolResultText(result), nil
}

// handleVerify handles the warden_verify tool call.
func (s *MCPServer) handleVerify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID := mcp.ParseString(request, "checkpoint_id", "")
	if checkpointID == "" {
		return s.handleListCheckpoints(ctx, request)
	}

	err := s.cps.Verify(checkpointID)
	switch {
	case err == nil:
		return mcp.NewToolResultText(fmt.Sprintf("✅ checkpoint %s verifies: hash and artifacts intact", checkpointID)), nil
	case errors.Is(err, checkpoint.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint not found: %s", checkpointID)), nil
	case errors.Is(err, checkpoint.ErrIntegrity):
		return mcp.NewToolResultText(fmt.Sprintf("❌ checkpoint %s does not verify: %v", checkpointID, err)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("verify checkpoint: %v", err)), nil
	}
}

// handleRecover handles the warden_recover tool call.
func (s *MCPServer) handleRecover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID := mcp.ParseString(request, "checkpoint_id", "")

	var (
		outcome *recovery.Outcome
		err     error
	)
	if checkpointID == "" {
		outcome, err = s.rec.Auto(ctx)
	} else {
		outcome, err = s.rec.Recover(ctx, checkpointID)
	}
	if err != nil {
		if errors.Is(err, recovery.ErrNotPaused) || errors.Is(err, recovery.ErrManualOnly) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("recovery failed: %v", err)), nil
	}

	s.logger.Info("recovery via mcp", "action", outcome.Action, "checkpoint_id", outcome.CheckpointID)
	result := fmt.Sprintf("action: %s\n%s", outcome.Action, outcome.Message)
	if outcome.Action == "restored" {
		result += "\nrestart the run to resume execution"
	}
	return mcp.NewToolResultText(result), nil
}

// handleContinue handles the warden_continue tool call.
func (s *MCPServer) handleContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	outcome, err := s.rec.Continue(ctx, taskID)
	if err != nil {
		if errors.Is(err, recovery.ErrNotPaused) || errors.Is(err, recovery.ErrManualOnly) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("continue failed: %v", err)), nil
	}

	s.logger.Info("continue via mcp", "task_id", taskID)
	return mcp.NewToolResultText(fmt.Sprintf("action: %s\n%s\nrestart the run to resume execution", outcome.Action, outcome.Message)), nil
}

// handleJournal handles the warden_journal tool call.
func (s *MCPServer) handleJournal(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	entries, err := s.store.TailJournal(limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read journal: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("journal is empty"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "last %d journal entries:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %-18s step %d", e.Timestamp.Format("01-02 15:04:05"), e.Event, e.Step)
		if e.Attempt > 0 {
			fmt.Fprintf(&b, " attempt %d", e.Attempt)
		}
		if e.ErrorClass != "" {
			fmt.Fprintf(&b, " [%s]", e.ErrorClass)
		}
		if e.Message != "" {
			fmt.Fprintf(&b, "  %s", truncateString(e.Message, 120))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

// handleRetryStats handles the warden_retry_stats tool call.
func (s *MCPServer) handleRetryStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.RetryStatsFor("")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read retry log: %v", err)), nil
	}
	if stats.Total == 0 {
		return mcp.NewToolResultText("no retry activity recorded"), nil
	}

	result := fmt.Sprintf("retry records: %d\n", stats.Total)
	result += fmt.Sprintf("transient: %d, fatal: %d\n", stats.Transient, stats.Fatal)
	result += fmt.Sprintf("retried: %d, escalated: %d\n", stats.Retried, stats.Escalated)
	result += fmt.Sprintf("total backoff: %s\n", (time.Duration(stats.TotalBackoffMS) * time.Millisecond).Round(time.Second))
	if len(stats.ByStep) > 0 {
		result += "failures by step:\n"
		for step, n := range stats.ByStep {
			result += fmt.Sprintf("  step %d: %d\n", step, n)
		}
	}
	if stats.LastRecordAt != nil {
		result += fmt.Sprintf("last record: %s\n", stats.LastRecordAt.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(result), nil
}

// Helper functions

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.TaskStatus) string {
	switch status {
	case core.StatusRunning, core.StatusRecovering:
		return "▶️"
	case core.StatusRetryPending:
		return "⏳"
	case core.StatusPaused:
		return "⏸️"
	case core.StatusCompleted:
		return "✅"
	case core.StatusAborted:
		return "🚫"
	case core.StatusPlanning:
		return "📋"
	default:
		return "❓"
	}
}

func severityToIcon(severity core.Severity) string {
	switch severity {
	case core.SeverityCritical:
		return "🔴"
	case core.SeverityWarning:
		return "🟡"
	default:
		return "ℹ️"
	}
}
