package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"taskwarden/internal/retry"
)

// StepError is the failure outcome of one step attempt. ExitCode is -1 when
// the process never produced one (failed to start, killed by signal).
type StepError struct {
	Step     int
	Attempt  int
	ExitCode int
	TimedOut bool
	LogPath  string
	Err      error
}

func (e *StepError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("step %d attempt %d timed out", e.Step, e.Attempt)
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("step %d attempt %d exited with code %d", e.Step, e.Attempt, e.ExitCode)
	}
	return fmt.Sprintf("step %d attempt %d: %v", e.Step, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ClassifyStep maps a step failure to a retry class. Explicit marks win over
// everything, including exit codes: a no_retry step is fatal even when the
// command exits 75. Jobs otherwise communicate intent through their exit
// code: 75 (EX_TEMPFAIL from sysexits) forces transient, the other sysexits
// codes (64-78) mean bad input or configuration and are fatal. Timeouts are
// transient. Everything else falls through to the generic heuristics.
func ClassifyStep(err error) retry.Class {
	if class, ok := retry.MarkedClass(err); ok {
		return class
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		if stepErr.TimedOut {
			return retry.ClassTransient
		}
		switch stepErr.ExitCode {
		case 75:
			return retry.ClassTransient
		case 64, 65, 66, 67, 68, 69, 70, 71, 72, 73, 74, 76, 77, 78:
			return retry.ClassFatal
		}
	}
	return retry.DefaultClassifier(err)
}

// Runner executes one plan step. The supervisor only sees the error outcome;
// output capture and timeouts are the runner's concern.
type Runner interface {
	RunStep(ctx context.Context, task *Task, plan *Plan, stepIndex, attempt int) error
}

// CommandRunner runs plan steps through the shell, streaming combined
// stdout/stderr to a per-attempt log file. The job finds its identity and the
// context file through TASKWARDEN_* environment variables.
type CommandRunner struct {
	store       Store
	logger      *slog.Logger
	stepTimeout time.Duration
	killGrace   time.Duration
}

// NewCommandRunner creates a runner. stepTimeout applies to steps that do not
// declare their own; killGrace is the SIGTERM-to-SIGKILL window.
func NewCommandRunner(store Store, logger *slog.Logger, stepTimeout, killGrace time.Duration) *CommandRunner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &CommandRunner{
		store:       store,
		logger:      logger,
		stepTimeout: stepTimeout,
		killGrace:   killGrace,
	}
}

// RunStep executes the plan step at stepIndex. A nil return means the command
// exited zero; every failure comes back as a *StepError.
func (r *CommandRunner) RunStep(ctx context.Context, task *Task, plan *Plan, stepIndex, attempt int) error {
	if stepIndex < 0 || stepIndex >= len(plan.Steps) {
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1,
			Err: retry.MarkFatal(fmt.Errorf("step index %d out of range (plan has %d steps)", stepIndex, len(plan.Steps)))}
	}
	step := plan.Steps[stepIndex]

	if err := r.store.EnsureStepLogDir(); err != nil {
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, Err: fmt.Errorf("ensure step log dir: %w", err)}
	}
	logPath := r.store.StepLogPath(stepIndex, attempt)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, Err: fmt.Errorf("open step log: %w", err)}
	}
	defer logFile.Close()
	stepLogWriter := &syncWriter{w: logFile}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := commandForStep(cmdCtx, step.Command)
	cmd.Dir = step.Dir(plan)
	cmd.Stdout = stepLogWriter
	cmd.Stderr = stepLogWriter
	cmd.Env = r.stepEnv(task, step, stepIndex, attempt, plan)

	timeout := step.Deadline(r.stepTimeout)
	var timeoutTriggered atomic.Bool
	var watchdog *time.Timer
	if timeout > 0 {
		watchdog = time.AfterFunc(timeout, func() {
			timeoutTriggered.Store(true)
			r.logger.Warn("step exceeded timeout, sending termination",
				"task_id", task.ID, "step", stepIndex, "attempt", attempt, "timeout", timeout)
			sendTermination(cmd.Process)
			time.AfterFunc(r.killGrace, func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			})
		})
	}

	if err := cmd.Start(); err != nil {
		if watchdog != nil {
			watchdog.Stop()
		}
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, LogPath: logPath,
			Err: fmt.Errorf("start step command: %w", err)}
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	if timeoutTriggered.Load() {
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, TimedOut: true,
			LogPath: logPath, Err: context.DeadlineExceeded}
	}
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, LogPath: logPath, Err: ctx.Err()}
	}
	stepErr := &StepError{Step: stepIndex, Attempt: attempt, ExitCode: -1, LogPath: logPath, Err: waitErr}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		stepErr.ExitCode = exitErr.ExitCode()
	}
	return stepErr
}

// stepEnv extends the process environment with the plan's variables and the
// job contract: task identity, step position, attempt number and the context
// file the job reads and rewrites.
func (r *CommandRunner) stepEnv(task *Task, step Step, stepIndex, attempt int, plan *Plan) []string {
	env := os.Environ()
	for k, v := range plan.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASKWARDEN_TASK_ID="+task.ID,
		fmt.Sprintf("TASKWARDEN_STEP=%d", stepIndex),
		"TASKWARDEN_STEP_NAME="+step.Name,
		fmt.Sprintf("TASKWARDEN_ATTEMPT=%d", attempt),
		"TASKWARDEN_CONTEXT="+r.store.ContextPath(),
	)
	return env
}

func commandForStep(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
