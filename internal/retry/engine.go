package retry

import (
	"fmt"
	"strings"
	"time"
)

// Record is one attempt outcome. It is durably appended to the retry log
// before any backoff delay starts, so a crash mid-backoff cannot lose the
// attempt count.
type Record struct {
	TaskID       string    `json:"task_id"`
	StepIndex    int       `json:"step_index"`
	Attempt      int       `json:"attempt_number"`
	Class        Class     `json:"error_class"`
	ErrorSummary string    `json:"error_summary"`
	DelayMS      int64     `json:"delay_before_ms"`
	Retry        bool      `json:"retry"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recorder persists retry records.
type Recorder interface {
	AppendRetryRecord(Record) error
}

// Decision is the engine's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Class Class
	Delay time.Duration
}

// Engine turns failed attempts into retry decisions. Pressure, when set,
// reports whether the host is under resource pressure; the engine then
// shrinks the attempt budget by PressureShrink so a struggling host fails
// faster instead of grinding through the full budget.
type Engine struct {
	Policy   Policy
	Classify Classifier
	Recorder Recorder
	Pressure func() bool
}

func NewEngine(policy Policy, rec Recorder) *Engine {
	return &Engine{Policy: policy, Classify: DefaultClassifier, Recorder: rec}
}

// EffectiveMaxAttempts returns the attempt budget after any pressure shrink.
// The budget never drops below one so pressure alone cannot forbid retrying.
func (e *Engine) EffectiveMaxAttempts() int {
	budget := e.Policy.MaxAttempts
	if e.Pressure != nil && e.Pressure() {
		shrunk := int(float64(budget) * e.Policy.PressureShrink)
		if shrunk < 1 {
			shrunk = 1
		}
		return shrunk
	}
	return budget
}

// Decide classifies the failure of the given zero-based attempt (the original
// run is attempt 0), records the verdict, and returns it. The caller applies
// Decision.Delay itself so it can watch for an abort during the wait.
func (e *Engine) Decide(taskID string, stepIndex, attempt int, stepErr error) (Decision, error) {
	classify := e.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	dec := Decision{Class: classify(stepErr)}
	if dec.Class == ClassTransient && attempt < e.EffectiveMaxAttempts() {
		dec.Retry = true
		dec.Delay = e.Policy.Jittered(e.Policy.Delay(attempt))
	}

	if e.Recorder != nil {
		rec := Record{
			TaskID:       taskID,
			StepIndex:    stepIndex,
			Attempt:      attempt,
			Class:        dec.Class,
			ErrorSummary: summarize(stepErr),
			DelayMS:      dec.Delay.Milliseconds(),
			Retry:        dec.Retry,
			Timestamp:    time.Now().UTC(),
		}
		if err := e.Recorder.AppendRetryRecord(rec); err != nil {
			return dec, fmt.Errorf("record retry decision: %w", err)
		}
	}
	return dec, nil
}

// summarize flattens an error to one log-friendly line.
func summarize(err error) string {
	if err == nil {
		return ""
	}
	s := strings.Join(strings.Fields(err.Error()), " ")
	const limit = 300
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
