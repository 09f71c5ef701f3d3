package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskwarden/internal/checkpoint"
	"taskwarden/internal/notify"
	"taskwarden/internal/retry"
)

// Store abstracts the persistence layer used by the supervisor and runner.
type Store interface {
	// Task record
	ReadTask() (*Task, error)
	WriteTask(task *Task) error
	UpdateStatus(task *Task, to TaskStatus, reason PauseReason) error

	// Execution journal
	AppendJournal(entry LogEntry) error

	// Abort marker
	AbortRequested() bool
	ClearAbort() error

	// Step logs and job context
	EnsureStepLogDir() error
	StepLogPath(stepIndex, attempt int) string
	PruneStepLogs() (int, error)
	ContextPath() string

	// Alerts
	InsertAlert(ctx context.Context, alert *Alert) error
	FindOpenAlert(ctx context.Context, kind, taskID string, severity Severity) (*Alert, error)
}

var (
	// ErrStateNotFound means no task has been created in this state dir.
	ErrStateNotFound = errors.New("no task state found")

	// ErrStateCorrupt means the state file exists but cannot be trusted.
	// Callers must halt and alert instead of reinitializing: silently
	// starting over would erase the recovery trail.
	ErrStateCorrupt = errors.New("task state corrupt")

	// ErrTaskTerminal is returned when run is invoked while a completed or
	// aborted task still occupies the state directory.
	ErrTaskTerminal = errors.New("task already terminal, clean up before starting a new run")
)

// SupervisorConfig carries the loop tunables.
type SupervisorConfig struct {
	HeartbeatEvery  time.Duration
	ParkPoll        time.Duration
	KeepCheckpoints int
	// ParkOnPause keeps the supervisor process alive while the task is
	// paused, polling for a recovery action. When false the run returns as
	// soon as the task pauses so the exit code can report it.
	ParkOnPause bool
}

// Supervisor is the orchestration façade. It drives the plan step by step,
// persists a checkpoint after every success, consults the retry engine on
// failure, and pauses loudly when the budget runs out. Status only ever
// changes through the store's validated transitions.
type Supervisor struct {
	store    Store
	cps      *checkpoint.Manager
	engine   *retry.Engine
	runner   Runner
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      SupervisorConfig

	mu   sync.Mutex // guards task between the loop and the heartbeat ticker
	task *Task
}

// NewSupervisor constructs the façade with its collaborators.
func NewSupervisor(store Store, cps *checkpoint.Manager, engine *retry.Engine, runner Runner, notifier notify.Notifier, logger *slog.Logger, cfg SupervisorConfig) *Supervisor {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	if cfg.ParkPoll <= 0 {
		cfg.ParkPoll = 2 * time.Second
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Supervisor{
		store:    store,
		cps:      cps,
		engine:   engine,
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run drives the supervised task until it completes, aborts, or pauses. The
// returned task record carries the final status; callers map it to an exit
// code. A canceled context pauses an active task so the next run resumes
// cleanly.
func (s *Supervisor) Run(ctx context.Context, planPath string) (*Task, error) {
	plan, err := s.prepare(ctx, planPath)
	if err != nil {
		return s.snapshot(), err
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx)

	for {
		if ctx.Err() != nil {
			return s.interrupt()
		}
		if s.store.AbortRequested() {
			return s.abort(ctx, "operator abort requested")
		}

		switch s.status() {
		case StatusPlanning:
			if err := s.transition(StatusRunning, PauseNone, EventTaskStarted, "plan confirmed, execution started"); err != nil {
				return s.snapshot(), s.storeFailure(ctx, err)
			}
		case StatusRunning:
			task := s.snapshot()
			if task.CurrentStep >= task.TotalSteps {
				return s.complete()
			}
			if err := s.executeStep(ctx, plan); err != nil {
				return s.snapshot(), err
			}
		case StatusRetryPending:
			// Only observed here after a crash mid-backoff: the remaining
			// delay is unknown, so retry immediately. The attempt count was
			// already durable before the crash.
			if err := s.transition(StatusRunning, PauseNone, EventTaskResumed, "resuming after interrupted backoff"); err != nil {
				return s.snapshot(), s.storeFailure(ctx, err)
			}
		case StatusRecovering:
			// A recovery controller holds the task; wait for its outcome.
			if err := s.park(ctx); err != nil {
				return s.snapshot(), err
			}
		case StatusPaused:
			if !s.cfg.ParkOnPause {
				return s.snapshot(), nil
			}
			if err := s.park(ctx); err != nil {
				return s.snapshot(), err
			}
		case StatusCompleted, StatusAborted:
			return s.snapshot(), nil
		default:
			return s.snapshot(), fmt.Errorf("unknown task status %q", s.status())
		}
	}
}

// prepare loads or creates the task record and the plan it executes.
func (s *Supervisor) prepare(ctx context.Context, planPath string) (*Plan, error) {
	task, err := s.store.ReadTask()
	switch {
	case err == nil:
	case errors.Is(err, ErrStateNotFound):
		return s.createTask(planPath)
	case errors.Is(err, ErrStateCorrupt):
		alert := &Alert{Severity: SeverityCritical, Kind: AlertStateCorrupt,
			Message: fmt.Sprintf("task state unreadable: %v", err)}
		if ierr := s.store.InsertAlert(ctx, alert); ierr != nil {
			s.logger.Error("record state corruption alert", "err", ierr)
		}
		return nil, err
	default:
		return nil, err
	}

	if IsTerminal(task.Status) {
		s.setTask(task)
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}

	if planPath != "" {
		if abs, aerr := filepath.Abs(planPath); aerr == nil && abs != task.PlanRef {
			s.logger.Warn("ignoring supplied plan, resuming the recorded one",
				"recorded", task.PlanRef, "supplied", abs)
		}
	}
	plan, err := LoadPlan(task.PlanRef)
	if err != nil {
		return nil, fmt.Errorf("reload plan: %w", err)
	}
	if len(plan.Steps) != task.TotalSteps {
		return nil, fmt.Errorf("plan %s now has %d steps but task %s expects %d",
			task.PlanRef, len(plan.Steps), task.ID, task.TotalSteps)
	}
	s.setTask(task)

	if task.Status == StatusRecovering {
		// Crashed mid-recovery. Require an explicit operator decision
		// rather than guessing which side of the restore we died on.
		if err := s.transition(StatusPaused, PauseInterrupted, EventTaskPaused, "recovery was interrupted before completing"); err != nil {
			return nil, s.storeFailure(ctx, err)
		}
		s.raiseAlert(ctx, SeverityWarning, AlertRecoveryInterrupted,
			fmt.Sprintf("recovery of task %s was interrupted, verify checkpoints before resuming", task.ID), nil, nil)
	} else {
		s.appendJournal(LogEntry{Event: EventTaskResumed, Status: task.Status,
			Step: task.CurrentStep, Attempt: task.StepAttempt, Message: "supervisor restarted"})
		s.logger.Info("resuming task", "task_id", task.ID, "status", task.Status,
			"step", task.CurrentStep, "attempt", task.StepAttempt)
	}
	return plan, nil
}

func (s *Supervisor) createTask(planPath string) (*Plan, error) {
	if planPath == "" {
		return nil, fmt.Errorf("no task in progress and no plan supplied")
	}
	abs, err := filepath.Abs(planPath)
	if err != nil {
		return nil, fmt.Errorf("resolve plan path: %w", err)
	}
	plan, err := LoadPlan(abs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task := &Task{
		ID:              NewID(),
		PlanRef:         abs,
		Status:          StatusPlanning,
		TotalSteps:      len(plan.Steps),
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
	if err := s.store.WriteTask(task); err != nil {
		return nil, err
	}
	s.setTask(task)
	s.appendJournal(LogEntry{Event: EventTaskCreated, Status: StatusPlanning,
		Message: fmt.Sprintf("task created from plan %s (%d steps)", plan.Name, len(plan.Steps))})
	s.logger.Info("task created", "task_id", task.ID, "plan", plan.Name, "steps", len(plan.Steps))
	return plan, nil
}

// executeStep runs one attempt of the current step and routes the outcome. A
// non-nil return means the state store is unusable and the run must halt.
func (s *Supervisor) executeStep(ctx context.Context, plan *Plan) error {
	task := s.snapshot()
	step := task.CurrentStep
	attempt := task.StepAttempt

	s.mu.Lock()
	s.task.LastHeartbeatAt = time.Now().UTC()
	werr := s.store.WriteTask(s.task)
	s.mu.Unlock()
	if werr != nil {
		return s.storeFailure(ctx, fmt.Errorf("heartbeat before step %d: %w", step, werr))
	}

	s.appendJournal(LogEntry{Event: EventStepStarted, Status: StatusRunning,
		Step: step, Attempt: attempt, Message: plan.Steps[step].Name})
	s.logger.Info("step started", "task_id", task.ID, "step", step,
		"attempt", attempt, "name", plan.Steps[step].Name)

	stepErr := s.runner.RunStep(ctx, task, plan, step, attempt)
	if stepErr == nil {
		return s.advance(ctx, step, attempt)
	}
	if ctx.Err() != nil || s.store.AbortRequested() {
		// The loop top turns this into a pause or an abort.
		return nil
	}
	if plan.Steps[step].NoRetry {
		stepErr = retry.MarkFatal(stepErr)
	}
	return s.handleFailure(ctx, step, attempt, stepErr)
}

// advance persists the recovery point for the completed step, then moves the
// task forward. The checkpoint is durable before the step index changes, so
// a crash between the two leaves a resumable record.
func (s *Supervisor) advance(ctx context.Context, step, attempt int) error {
	s.appendJournal(LogEntry{Event: EventStepCompleted, Status: StatusRunning, Step: step, Attempt: attempt})

	blob, err := os.ReadFile(s.store.ContextPath())
	if err != nil && !os.IsNotExist(err) {
		return s.storeFailure(ctx, fmt.Errorf("read job context after step %d: %w", step, err))
	}
	cp, err := s.cps.Create(s.snapshot().ID, step, blob)
	if err != nil {
		return s.storeFailure(ctx, fmt.Errorf("persist checkpoint for step %d: %w", step, err))
	}

	s.mu.Lock()
	s.task.LastCheckpoint = cp.ID
	s.task.CurrentStep = step + 1
	s.task.StepAttempt = 0
	s.task.LastError = ""
	s.task.LastHeartbeatAt = time.Now().UTC()
	werr := s.store.WriteTask(s.task)
	s.mu.Unlock()
	if werr != nil {
		return s.storeFailure(ctx, fmt.Errorf("advance past step %d: %w", step, werr))
	}
	s.appendJournal(LogEntry{Event: EventCheckpointSaved, Status: StatusRunning, Step: step, CheckpointID: cp.ID})
	s.logger.Info("checkpoint saved", "checkpoint_id", cp.ID, "step", step)

	if _, err := s.cps.Prune(s.snapshot().ID, s.cfg.KeepCheckpoints); err != nil {
		s.logger.Warn("prune checkpoints", "err", err)
	}
	if _, err := s.store.PruneStepLogs(); err != nil {
		s.logger.Warn("prune step logs", "err", err)
	}
	return nil
}

// handleFailure records the failed attempt, then either schedules a retry or
// pauses the task with enough context for a recovery decision.
func (s *Supervisor) handleFailure(ctx context.Context, step, attempt int, stepErr error) error {
	dec, recErr := s.engine.Decide(s.snapshot().ID, step, attempt, stepErr)
	if recErr != nil {
		return s.storeFailure(ctx, recErr)
	}
	s.appendJournal(LogEntry{Event: EventStepFailed, Status: StatusRunning, Step: step,
		Attempt: attempt, ErrorClass: string(dec.Class), Message: stepErr.Error()})
	s.logger.Warn("step failed", "step", step, "attempt", attempt, "class", dec.Class, "err", stepErr)

	if dec.Retry {
		s.mu.Lock()
		s.task.StepAttempt = attempt + 1
		s.task.LastError = stepErr.Error()
		uerr := s.store.UpdateStatus(s.task, StatusRetryPending, PauseNone)
		s.mu.Unlock()
		if uerr != nil {
			return s.storeFailure(ctx, uerr)
		}
		s.appendJournal(LogEntry{Event: EventRetryScheduled, Status: StatusRetryPending, Step: step,
			Attempt: attempt + 1, ErrorClass: string(dec.Class),
			Message: fmt.Sprintf("retrying in %s", dec.Delay.Round(time.Millisecond))})
		s.logger.Info("retry scheduled", "step", step, "attempt", attempt+1, "delay", dec.Delay)

		if !s.backoff(ctx, dec.Delay) {
			// Interrupted or aborted mid-backoff; the loop top decides.
			return nil
		}
		if err := s.transition(StatusRunning, PauseNone, EventTaskResumed,
			fmt.Sprintf("backoff elapsed, retrying step %d", step)); err != nil {
			return s.storeFailure(ctx, err)
		}
		return nil
	}

	reason := PauseFatalError
	kind := AlertFatalError
	if dec.Class == retry.ClassTransient {
		reason = PauseRetryExhausted
		kind = AlertRetryExhausted
	}
	s.mu.Lock()
	s.task.LastError = stepErr.Error()
	s.mu.Unlock()

	// The pause entry must let an operator decide without re-deriving
	// anything: step, class, and which recovery point is known-valid.
	latestMsg := "no verified checkpoint available"
	var cpID *string
	if latest, lerr := s.cps.LatestValid(s.snapshot().ID); lerr == nil && latest != nil {
		latestMsg = fmt.Sprintf("latest verified checkpoint %s (step %d)", latest.ID, latest.StepIndex)
		cpID = &latest.ID
	}
	msg := fmt.Sprintf("step %d paused after attempt %d, %s error: %v; %s", step, attempt, dec.Class, stepErr, latestMsg)
	if err := s.transition(StatusPaused, reason, EventTaskPaused, msg); err != nil {
		return s.storeFailure(ctx, err)
	}
	stepCopy := step
	s.raiseAlert(ctx, SeverityCritical, kind, msg, cpID, &stepCopy)
	s.sendNotification("taskwarden: task paused", msg)
	return nil
}

// backoff waits out the retry delay, watching for cancellation and the abort
// marker so an operator never has to wait out a long delay. Returns false
// when the wait was cut short.
func (s *Supervisor) backoff(ctx context.Context, delay time.Duration) bool {
	deadline := time.Now().Add(delay)
	for {
		if s.store.AbortRequested() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		wait := remaining
		if wait > 500*time.Millisecond {
			wait = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// park idles for one poll interval, then reloads the task so a recovery
// action from another process becomes visible.
func (s *Supervisor) park(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.cfg.ParkPoll):
	}
	fresh, err := s.store.ReadTask()
	if err != nil {
		return s.storeFailure(ctx, fmt.Errorf("reload task while parked: %w", err))
	}
	s.mu.Lock()
	prev := s.task.Status
	s.task = fresh
	s.mu.Unlock()
	if fresh.Status == StatusRunning && prev != StatusRunning {
		s.appendJournal(LogEntry{Event: EventTaskResumed, Status: StatusRunning,
			Step: fresh.CurrentStep, Message: "supervision resumed after recovery"})
		s.logger.Info("task recovered, resuming", "step", fresh.CurrentStep)
	}
	return nil
}

func (s *Supervisor) complete() (*Task, error) {
	if err := s.transition(StatusCompleted, PauseNone, EventTaskCompleted, "all steps completed"); err != nil {
		return s.snapshot(), err
	}
	task := s.snapshot()
	s.logger.Info("task completed", "task_id", task.ID, "steps", task.TotalSteps)
	s.sendNotification("taskwarden: task completed",
		fmt.Sprintf("task %s finished all %d steps", task.ID, task.TotalSteps))
	return task, nil
}

func (s *Supervisor) abort(ctx context.Context, why string) (*Task, error) {
	s.mu.Lock()
	err := s.store.UpdateStatus(s.task, StatusAborted, PauseNone)
	task := *s.task
	s.mu.Unlock()
	if err != nil {
		return s.snapshot(), s.storeFailure(ctx, err)
	}
	s.appendJournal(LogEntry{Event: EventTaskAborted, Status: StatusAborted, Step: task.CurrentStep, Message: why})
	s.raiseAlert(ctx, SeverityWarning, AlertTaskAborted,
		fmt.Sprintf("task aborted at step %d: %s", task.CurrentStep, why), nil, &task.CurrentStep)
	s.sendNotification("taskwarden: task aborted", why)
	if err := s.store.ClearAbort(); err != nil {
		s.logger.Warn("clear abort marker", "err", err)
	}
	s.logger.Info("task aborted", "task_id", task.ID, "step", task.CurrentStep)
	return s.snapshot(), nil
}

// interrupt pauses an active task when the run context is canceled so the
// next run resumes cleanly. Planning and paused tasks are left as they are.
func (s *Supervisor) interrupt() (*Task, error) {
	if IsActive(s.status()) {
		if err := s.transition(StatusPaused, PauseInterrupted, EventTaskPaused, "supervision interrupted by signal"); err != nil {
			s.logger.Error("pause on interrupt", "err", err)
		}
	}
	return s.snapshot(), nil
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.task != nil && IsActive(s.task.Status) {
				s.task.LastHeartbeatAt = time.Now().UTC()
				if err := s.store.WriteTask(s.task); err != nil {
					s.logger.Error("heartbeat write", "err", err)
				}
			}
			s.mu.Unlock()
		}
	}
}

// transition applies a validated status change and journals it.
func (s *Supervisor) transition(to TaskStatus, reason PauseReason, event, message string) error {
	s.mu.Lock()
	err := s.store.UpdateStatus(s.task, to, reason)
	task := *s.task
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	s.appendJournal(LogEntry{Event: event, Status: to, Step: task.CurrentStep,
		Attempt: task.StepAttempt, Message: message})
	return nil
}

// storeFailure marks the state store unusable: critical alert if the
// database still accepts writes, then the error halts the run. Guessing at
// state is never an option here.
func (s *Supervisor) storeFailure(ctx context.Context, err error) error {
	s.logger.Error("state store failure, halting", "err", err)
	taskID := ""
	if task := s.snapshot(); task != nil {
		taskID = task.ID
	}
	alert := &Alert{Severity: SeverityCritical, Kind: AlertStateIO,
		Message: fmt.Sprintf("state store failure: %v", err), TaskID: taskID}
	if ierr := s.store.InsertAlert(ctx, alert); ierr != nil {
		s.logger.Error("record state store alert", "err", ierr)
	}
	s.sendNotification("taskwarden: state store failure", err.Error())
	return err
}

// raiseAlert inserts an alert unless an identical open one already exists.
func (s *Supervisor) raiseAlert(ctx context.Context, severity Severity, kind, message string, checkpointID *string, stepIndex *int) {
	taskID := ""
	if task := s.snapshot(); task != nil {
		taskID = task.ID
	}
	if existing, err := s.store.FindOpenAlert(ctx, kind, taskID, severity); err != nil {
		s.logger.Error("alert dedup lookup", "kind", kind, "err", err)
	} else if existing != nil {
		return
	}
	alert := &Alert{Severity: severity, Kind: kind, Message: message,
		TaskID: taskID, CheckpointID: checkpointID, StepIndex: stepIndex}
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		s.logger.Error("insert alert", "kind", kind, "err", err)
	}
}

func (s *Supervisor) sendNotification(title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Send(ctx, title, body); err != nil {
		s.logger.Warn("send notification", "err", err)
	}
}

func (s *Supervisor) appendJournal(entry LogEntry) {
	if err := s.store.AppendJournal(entry); err != nil {
		s.logger.Error("append journal", "event", entry.Event, "err", err)
	}
}

func (s *Supervisor) snapshot() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return nil
	}
	task := *s.task
	return &task
}

func (s *Supervisor) status() TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return ""
	}
	return s.task.Status
}

func (s *Supervisor) setTask(task *Task) {
	s.mu.Lock()
	s.task = task
	s.mu.Unlock()
}
