package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of the supervised task.
type TaskStatus string

const (
	StatusPlanning     TaskStatus = "planning"
	StatusRunning      TaskStatus = "running"
	StatusRetryPending TaskStatus = "retry_pending"
	StatusRecovering   TaskStatus = "recovering"
	StatusPaused       TaskStatus = "paused"
	StatusCompleted    TaskStatus = "completed"
	StatusAborted      TaskStatus = "aborted"
)

// PauseReason records why a task entered StatusPaused. Automatic recovery is
// only permitted for PauseRetryExhausted; the other reasons require an
// explicit operator decision.
type PauseReason string

const (
	PauseNone             PauseReason = ""
	PauseRetryExhausted   PauseReason = "retry_exhausted"
	PauseFatalError       PauseReason = "fatal_error"
	PauseIntegrityFailure PauseReason = "integrity_failure"
	PauseInterrupted      PauseReason = "interrupted"
)

// Task is the single supervised long-running job. Exactly one Task is active
// per state directory; the persisted record is the source of truth for its
// status.
type Task struct {
	ID              string      `json:"id"`
	PlanRef         string      `json:"plan_reference"`
	Status          TaskStatus  `json:"status"`
	PauseReason     PauseReason `json:"pause_reason,omitempty"`
	CurrentStep     int         `json:"current_step_index"`
	TotalSteps      int         `json:"total_steps"`
	StepAttempt     int         `json:"step_attempt"`
	LastError       string      `json:"last_error,omitempty"`
	LastCheckpoint  string      `json:"last_checkpoint_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Severity grades an alert for human attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds raised by the supervisor, the health monitor and the recovery
// controller. The kind is used to deduplicate open alerts.
const (
	AlertRetryExhausted    = "retry_exhausted"
	AlertFatalError        = "fatal_error"
	AlertIntegrityFailure  = "integrity_failure"
	AlertNoValidCheckpoint = "no_valid_checkpoint"
	AlertHeartbeatStall    = "heartbeat_stall"
	AlertFailureStreak     = "failure_streak"
	AlertDiskPressure      = "disk_pressure"
	AlertMemoryPressure    = "memory_pressure"
	AlertCPUPressure       = "cpu_pressure"
	AlertStateCorrupt      = "state_corrupt"
	AlertStateIO           = "state_store_io"
	AlertTaskAborted       = "task_aborted"

	AlertRecoveryInterrupted = "recovery_interrupted"
)

// Alert is a derived signal for human attention. Immutable after creation
// except for the acknowledged flag.
type Alert struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message"`
	TaskID       string    `json:"task_id"`
	CheckpointID *string   `json:"checkpoint_id,omitempty"`
	StepIndex    *int      `json:"step_index,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// HealthSnapshot is one point-in-time sample of host and execution health.
// Snapshots are kept in a bounded ring for trend display; they are never
// authoritative for task status.
type HealthSnapshot struct {
	Timestamp             time.Time `json:"timestamp"`
	CPULoad               float64   `json:"cpu_load"`
	MemoryPressure        float64   `json:"memory_pressure"`
	DiskFreeRatio         float64   `json:"disk_free_ratio"`
	SecondsSinceHeartbeat float64   `json:"seconds_since_heartbeat"`
	TransientFailureRun   int       `json:"consecutive_transient_failures"`
}

// Journal event names, one per supervisor transition or notable action.
const (
	EventTaskCreated       = "task_created"
	EventTaskStarted       = "task_started"
	EventTaskResumed       = "task_resumed"
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventCheckpointSaved   = "checkpoint_saved"
	EventStepFailed        = "step_failed"
	EventRetryScheduled    = "retry_scheduled"
	EventTaskPaused        = "task_paused"
	EventRecoveryStarted   = "recovery_started"
	EventRecoveryCompleted = "recovery_completed"
	EventRecoveryFailed    = "recovery_failed"
	EventTaskCompleted     = "task_completed"
	EventTaskAborted       = "task_aborted"
	EventCleanup           = "cleanup"
)

// LogEntry is one line of the append-only execution journal.
type LogEntry struct {
	Timestamp    time.Time  `json:"ts"`
	Event        string     `json:"event"`
	Status       TaskStatus `json:"status"`
	Step         int        `json:"step"`
	Attempt      int        `json:"attempt,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
	ErrorClass   string     `json:"error_class,omitempty"`
	Message      string     `json:"message,omitempty"`
}
