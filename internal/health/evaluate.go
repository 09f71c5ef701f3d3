package health

import (
	"fmt"
	"time"

	"taskwarden/internal/core"
)

// Thresholds are the tunable limits the evaluator compares samples against.
// Zero-valued limits disable the corresponding check.
type Thresholds struct {
	StallWarn       time.Duration
	StallCritical   time.Duration
	FailureStreak   int
	DiskLowRatio    float64
	MemHighRatio    float64
	LoadHighPerCore float64
}

// Finding is one condition the evaluator wants an operator to know about.
// The monitor turns findings into deduplicated alerts.
type Finding struct {
	Severity core.Severity
	Kind     string
	Message  string
}

// Evaluate compares a health sample against the thresholds. It is a pure
// function of its inputs so the alerting rules can be tested without a
// store or a live process. task may be nil when no run is underway.
func Evaluate(task *core.Task, snap core.HealthSnapshot, th Thresholds) []Finding {
	var findings []Finding

	// Heartbeat stall only means something while the supervisor claims to
	// be executing. A paused task is silent on purpose.
	if task != nil && core.IsActive(task.Status) {
		age := time.Duration(snap.SecondsSinceHeartbeat * float64(time.Second))
		switch {
		case th.StallCritical > 0 && age >= th.StallCritical:
			findings = append(findings, Finding{
				Severity: core.SeverityCritical,
				Kind:     core.AlertHeartbeatStall,
				Message: fmt.Sprintf("no heartbeat for %s while %s (critical threshold %s), supervisor may be dead",
					age.Round(time.Second), task.Status, th.StallCritical),
			})
		case th.StallWarn > 0 && age >= th.StallWarn:
			findings = append(findings, Finding{
				Severity: core.SeverityWarning,
				Kind:     core.AlertHeartbeatStall,
				Message: fmt.Sprintf("no heartbeat for %s while %s (warn threshold %s)",
					age.Round(time.Second), task.Status, th.StallWarn),
			})
		}
	}

	if task != nil && th.FailureStreak > 0 && snap.TransientFailureRun >= th.FailureStreak {
		findings = append(findings, Finding{
			Severity: core.SeverityWarning,
			Kind:     core.AlertFailureStreak,
			Message: fmt.Sprintf("step %d has failed %d times in a row, the error may not be transient after all",
				task.CurrentStep, snap.TransientFailureRun),
		})
	}

	if th.DiskLowRatio > 0 && snap.DiskFreeRatio < th.DiskLowRatio {
		findings = append(findings, Finding{
			Severity: core.SeverityWarning,
			Kind:     core.AlertDiskPressure,
			Message: fmt.Sprintf("state dir filesystem only %.1f%% free (floor %.1f%%), checkpoints are at risk",
				snap.DiskFreeRatio*100, th.DiskLowRatio*100),
		})
	}
	if th.MemHighRatio > 0 && snap.MemoryPressure > th.MemHighRatio {
		findings = append(findings, Finding{
			Severity: core.SeverityWarning,
			Kind:     core.AlertMemoryPressure,
			Message:  fmt.Sprintf("memory %.1f%% used (limit %.1f%%)", snap.MemoryPressure*100, th.MemHighRatio*100),
		})
	}
	if th.LoadHighPerCore > 0 && snap.CPULoad > th.LoadHighPerCore {
		findings = append(findings, Finding{
			Severity: core.SeverityWarning,
			Kind:     core.AlertCPUPressure,
			Message:  fmt.Sprintf("load %.2f per core (limit %.2f)", snap.CPULoad, th.LoadHighPerCore),
		})
	}
	return findings
}

// UnderPressure reports whether a sample crosses any resource threshold.
// The retry engine uses this to shrink its budget while the machine is
// struggling.
func UnderPressure(snap core.HealthSnapshot, th Thresholds) bool {
	if th.DiskLowRatio > 0 && snap.DiskFreeRatio < th.DiskLowRatio {
		return true
	}
	if th.MemHighRatio > 0 && snap.MemoryPressure > th.MemHighRatio {
		return true
	}
	if th.LoadHighPerCore > 0 && snap.CPULoad > th.LoadHighPerCore {
		return true
	}
	return false
}
