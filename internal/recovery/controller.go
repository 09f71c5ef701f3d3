// Package recovery turns a paused task back into a running one. The
// controller restores verified checkpoints, continues past exhausted
// budgets when an operator says so, and aborts when nothing can be
// salvaged. Every action goes through the validated status transitions,
// so a crashed controller never leaves the task in an ambiguous state.
package recovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/core"
	"taskwarden/internal/notify"
	"taskwarden/internal/store"
)

var (
	// ErrNotPaused is returned when a recovery action needs a paused task.
	ErrNotPaused = errors.New("task is not paused")

	// ErrManualOnly is returned when the pause reason rules out the
	// requested automatic action.
	ErrManualOnly = errors.New("pause reason requires a manual decision")
)

// Outcome describes what a recovery action did.
type Outcome struct {
	Action       string `json:"action"`
	TaskID       string `json:"task_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	ResumeStep   int    `json:"resume_step,omitempty"`
	Message      string `json:"message"`
}

// Report summarizes the situation when automatic recovery declines to act.
type Report struct {
	TaskID      string              `json:"task_id"`
	Status      core.TaskStatus     `json:"status"`
	PauseReason core.PauseReason    `json:"pause_reason,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	Checkpoints []checkpoint.Report `json:"checkpoints"`
	Suggestion  string              `json:"suggestion"`
}

// Controller executes recovery decisions against the state store.
type Controller struct {
	store    *store.Store
	cps      *checkpoint.Manager
	notifier notify.Notifier
	logger   *slog.Logger
}

func NewController(st *store.Store, cps *checkpoint.Manager, notifier notify.Notifier, logger *slog.Logger) *Controller {
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Controller{store: st, cps: cps, notifier: notifier, logger: logger}
}

// Auto restores the latest valid checkpoint without asking. It only acts on
// a task paused for an exhausted retry budget; every other pause reason
// means something an operator has to look at first.
func (c *Controller) Auto(ctx context.Context) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	if task.Status != core.StatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, task.Status)
	}
	if task.PauseReason != core.PauseRetryExhausted {
		return nil, fmt.Errorf("%w: paused for %s", ErrManualOnly, task.PauseReason)
	}
	return c.recoverLatest(ctx, task)
}

// Smart runs Auto when that is safe and otherwise produces a non-mutating
// report describing the situation and a suggested next action. Exactly one
// of the outcome and the report is non-nil on success.
func (c *Controller) Smart(ctx context.Context) (*Outcome, *Report, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, nil, err
	}
	if task.Status == core.StatusPaused && task.PauseReason == core.PauseRetryExhausted {
		out, err := c.recoverLatest(ctx, task)
		return out, nil, err
	}
	reports, err := c.cps.VerifyAll(task.ID)
	if err != nil {
		return nil, nil, err
	}
	return nil, &Report{
		TaskID:      task.ID,
		Status:      task.Status,
		PauseReason: task.PauseReason,
		LastError:   task.LastError,
		Checkpoints: reports,
		Suggestion:  suggestionFor(task),
	}, nil
}

func suggestionFor(task *core.Task) string {
	switch {
	case task.Status != core.StatusPaused:
		return fmt.Sprintf("task is %s, nothing to recover", task.Status)
	case task.PauseReason == core.PauseIntegrityFailure:
		return "verify the checkpoints, then restore a valid one with --recover-point or abort"
	case task.PauseReason == core.PauseFatalError:
		return "inspect the step log, then --continue to re-attempt or --recover-point to roll back"
	case task.PauseReason == core.PauseInterrupted:
		return "task was interrupted, --continue resumes at the current step"
	default:
		return "run with --auto to restore the latest valid checkpoint"
	}
}

// Recover restores a specific checkpoint chosen by the operator. Re-running
// the same restore is a no-op, so a crashed recovery can simply be retried.
func (c *Controller) Recover(ctx context.Context, checkpointID string) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	cp, err := c.cps.Get(checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.TaskID != task.ID {
		return nil, fmt.Errorf("checkpoint %s belongs to task %s, not %s", checkpointID, cp.TaskID, task.ID)
	}
	if task.Status == core.StatusRunning && task.LastCheckpoint == cp.ID && task.CurrentStep == cp.StepIndex+1 {
		return &Outcome{Action: "none", TaskID: task.ID, CheckpointID: cp.ID,
			ResumeStep: task.CurrentStep, Message: "already restored"}, nil
	}
	if task.Status != core.StatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, task.Status)
	}
	return c.restore(ctx, task, cp.ID)
}

// Continue resumes the paused task at its current step without touching any
// checkpoint, with a fresh attempt budget. Refused after an integrity
// failure: running on unverified state is how corruption spreads.
func (c *Controller) Continue(ctx context.Context, taskID string) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	if taskID != "" && taskID != task.ID {
		return nil, fmt.Errorf("task %s not found, current task is %s", taskID, task.ID)
	}
	if task.Status != core.StatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, task.Status)
	}
	if task.PauseReason == core.PauseIntegrityFailure {
		return nil, fmt.Errorf("%w: integrity failure, verify checkpoints first", ErrManualOnly)
	}
	task.StepAttempt = 0
	task.LastHeartbeatAt = time.Now().UTC()
	if err := c.store.UpdateStatus(task, core.StatusRunning, core.PauseNone); err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventTaskResumed, Status: core.StatusRunning,
		Step: task.CurrentStep, Message: "operator continued without restore, attempt budget reset"})
	c.logger.Info("task continued", "task_id", task.ID, "step", task.CurrentStep)
	return &Outcome{Action: "continued", TaskID: task.ID, ResumeStep: task.CurrentStep,
		Message: fmt.Sprintf("resuming at step %d with a fresh attempt budget", task.CurrentStep)}, nil
}

// Abort ends the task. Active statuses get the abort marker so a live
// supervisor stops cleanly between steps; a paused or planning task is
// aborted directly since no supervisor is processing markers.
func (c *Controller) Abort(ctx context.Context, why string) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	if core.IsTerminal(task.Status) {
		return nil, fmt.Errorf("task %s is already %s", task.ID, task.Status)
	}
	if core.IsActive(task.Status) {
		if err := c.store.RequestAbort(why); err != nil {
			return nil, err
		}
		c.logger.Info("abort requested", "task_id", task.ID, "status", task.Status)
		return &Outcome{Action: "abort_requested", TaskID: task.ID,
			Message: "abort marker set, the supervisor will stop after the current step"}, nil
	}
	if err := c.store.UpdateStatus(task, core.StatusAborted, core.PauseNone); err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventTaskAborted, Status: core.StatusAborted,
		Step: task.CurrentStep, Message: why})
	step := task.CurrentStep
	c.raiseAlert(ctx, task.ID, core.SeverityWarning, core.AlertTaskAborted,
		fmt.Sprintf("task aborted at step %d: %s", step, why), nil, &step)
	c.notify("taskwarden: task aborted", why)
	if err := c.store.ClearAbort(); err != nil {
		c.logger.Warn("clear abort marker", "err", err)
	}
	c.logger.Info("task aborted", "task_id", task.ID, "step", step)
	return &Outcome{Action: "aborted", TaskID: task.ID, Message: why}, nil
}

// Interactive walks an operator through the recovery points on a terminal
// and executes whatever they choose.
func (c *Controller) Interactive(ctx context.Context, in io.Reader, out io.Writer) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	if task.Status != core.StatusPaused {
		return nil, fmt.Errorf("%w: status is %s", ErrNotPaused, task.Status)
	}
	reports, err := c.cps.VerifyAll(task.ID)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(out, "task %s paused at step %d (%s)\n", task.ID, task.CurrentStep, task.PauseReason)
	if task.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", task.LastError)
	}
	fmt.Fprintln(out, "\nrecovery points, newest first:")
	if len(reports) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for i, r := range reports {
		mark := "ok"
		if !r.Valid {
			mark = "INVALID: " + r.Reason
		}
		fmt.Fprintf(out, "  [%d] %s  step %d  %s  %s\n",
			i+1, r.ID, r.StepIndex, r.CreatedAt.Format(time.RFC3339), mark)
	}
	fmt.Fprintln(out, "\nchoose: number to restore, c = continue current step, a = abort, q = quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return &Outcome{Action: "none", TaskID: task.ID, Message: "no action taken"}, nil
		}
		switch choice := strings.TrimSpace(scanner.Text()); choice {
		case "q", "":
			return &Outcome{Action: "none", TaskID: task.ID, Message: "no action taken"}, nil
		case "c":
			out2, err := c.Continue(ctx, task.ID)
			if errors.Is(err, ErrManualOnly) {
				fmt.Fprintf(out, "cannot continue: %v\n", err)
				continue
			}
			return out2, err
		case "a":
			return c.Abort(ctx, "operator chose abort during interactive recovery")
		default:
			idx, err := strconv.Atoi(choice)
			if err != nil || idx < 1 || idx > len(reports) {
				fmt.Fprintln(out, "invalid choice")
				continue
			}
			if !reports[idx-1].Valid {
				fmt.Fprintln(out, "that checkpoint does not verify, pick another")
				continue
			}
			return c.Recover(ctx, reports[idx-1].ID)
		}
	}
}

// VerifyPoints re-checks every checkpoint of the current task. Read-only.
func (c *Controller) VerifyPoints(taskID string) ([]checkpoint.Report, error) {
	id, err := c.resolveTask(taskID)
	if err != nil {
		return nil, err
	}
	return c.cps.VerifyAll(id)
}

// ListPoints lists the current task's checkpoints, newest first. Read-only.
func (c *Controller) ListPoints(taskID string) ([]*checkpoint.Checkpoint, error) {
	id, err := c.resolveTask(taskID)
	if err != nil {
		return nil, err
	}
	return c.cps.List(id)
}

// Cleanup archives a terminal task's files so the state dir is ready for
// the next run. Returns the archive destination in the outcome message.
func (c *Controller) Cleanup(ctx context.Context) (*Outcome, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventCleanup, Status: task.Status,
		Step: task.CurrentStep, Message: "archiving task files"})
	dest, err := c.store.ArchiveTask(task)
	if err != nil {
		return nil, err
	}
	c.logger.Info("task archived", "task_id", task.ID, "dest", dest)
	return &Outcome{Action: "archived", TaskID: task.ID, Message: dest}, nil
}

// recoverLatest restores the newest checkpoint that verifies, degrading to
// older ones past any that fail. When nothing verifies the task is aborted:
// resuming from nothing would silently re-run the whole plan.
func (c *Controller) recoverLatest(ctx context.Context, task *core.Task) (*Outcome, error) {
	latest, err := c.cps.LatestValid(task.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return c.abortNoCheckpoint(ctx, task)
	}
	return c.restore(ctx, task, latest.ID)
}

func (c *Controller) restore(ctx context.Context, task *core.Task, id string) (*Outcome, error) {
	if err := c.store.UpdateStatus(task, core.StatusRecovering, core.PauseNone); err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventRecoveryStarted, Status: core.StatusRecovering,
		Step: task.CurrentStep, CheckpointID: id, Message: "restoring from checkpoint"})
	c.logger.Info("recovery started", "task_id", task.ID, "checkpoint_id", id)

	cp, err := c.cps.Restore(id, c.store.ContextPath())
	if err != nil {
		c.failRecovery(ctx, task, id, err)
		return nil, err
	}

	task.LastCheckpoint = cp.ID
	task.CurrentStep = cp.StepIndex + 1
	task.StepAttempt = 0
	task.LastError = ""
	task.LastHeartbeatAt = time.Now().UTC()
	if err := c.store.UpdateStatus(task, core.StatusRunning, core.PauseNone); err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventRecoveryCompleted, Status: core.StatusRunning,
		Step: task.CurrentStep, CheckpointID: cp.ID,
		Message: fmt.Sprintf("context restored, resuming at step %d", task.CurrentStep)})
	c.logger.Info("recovery completed", "checkpoint_id", cp.ID, "resume_step", task.CurrentStep)
	return &Outcome{Action: "restored", TaskID: task.ID, CheckpointID: cp.ID, ResumeStep: task.CurrentStep,
		Message: fmt.Sprintf("restored checkpoint %s, resuming at step %d", cp.ID, task.CurrentStep)}, nil
}

// failRecovery records a restore that went wrong and pauses the task again.
// An integrity failure demands human eyes before anything else runs.
func (c *Controller) failRecovery(ctx context.Context, task *core.Task, id string, cause error) {
	c.journal(core.LogEntry{Event: core.EventRecoveryFailed, Status: core.StatusRecovering,
		Step: task.CurrentStep, CheckpointID: id, Message: cause.Error()})
	reason := core.PauseFatalError
	kind := core.AlertFatalError
	if errors.Is(cause, checkpoint.ErrIntegrity) {
		reason = core.PauseIntegrityFailure
		kind = core.AlertIntegrityFailure
	}
	if err := c.store.UpdateStatus(task, core.StatusPaused, reason); err != nil {
		c.logger.Error("pause after failed recovery", "err", err)
	}
	step := task.CurrentStep
	c.raiseAlert(ctx, task.ID, core.SeverityCritical, kind,
		fmt.Sprintf("recovery from checkpoint %s failed: %v", id, cause), &id, &step)
	c.notify("taskwarden: recovery failed", cause.Error())
	c.logger.Error("recovery failed", "checkpoint_id", id, "err", cause)
}

func (c *Controller) abortNoCheckpoint(ctx context.Context, task *core.Task) (*Outcome, error) {
	if err := c.store.UpdateStatus(task, core.StatusAborted, core.PauseNone); err != nil {
		return nil, err
	}
	c.journal(core.LogEntry{Event: core.EventTaskAborted, Status: core.StatusAborted,
		Step: task.CurrentStep, Message: "no valid checkpoint to restore"})
	c.raiseAlert(ctx, task.ID, core.SeverityCritical, core.AlertNoValidCheckpoint,
		fmt.Sprintf("task %s aborted: no checkpoint verifies", task.ID), nil, nil)
	c.notify("taskwarden: task aborted", "no valid checkpoint to restore")
	c.logger.Error("no valid checkpoint, task aborted", "task_id", task.ID)
	return &Outcome{Action: "aborted", TaskID: task.ID, Message: "no valid checkpoint, task aborted"}, nil
}

func (c *Controller) resolveTask(taskID string) (string, error) {
	task, err := c.store.ReadTask()
	if err != nil {
		return "", err
	}
	if taskID != "" && taskID != task.ID {
		return "", fmt.Errorf("task %s not found, current task is %s", taskID, task.ID)
	}
	return task.ID, nil
}

func (c *Controller) raiseAlert(ctx context.Context, taskID string, severity core.Severity, kind, message string, checkpointID *string, stepIndex *int) {
	if existing, err := c.store.FindOpenAlert(ctx, kind, taskID, severity); err != nil {
		c.logger.Error("alert dedup lookup", "kind", kind, "err", err)
	} else if existing != nil {
		return
	}
	alert := &core.Alert{Severity: severity, Kind: kind, Message: message,
		TaskID: taskID, CheckpointID: checkpointID, StepIndex: stepIndex}
	if err := c.store.InsertAlert(ctx, alert); err != nil {
		c.logger.Error("insert alert", "kind", kind, "err", err)
	}
}

func (c *Controller) notify(title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.notifier.Send(ctx, title, body); err != nil {
		c.logger.Warn("send notification", "err", err)
	}
}

func (c *Controller) journal(entry core.LogEntry) {
	if err := c.store.AppendJournal(entry); err != nil {
		c.logger.Error("append journal", "event", entry.Event, "err", err)
	}
}
