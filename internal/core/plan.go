package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Plan is the confirmed execution plan handed to the supervisor. The plan
// file is authored before execution starts and is treated as read-only; the
// task record keeps its path so a resumed run reloads the same steps.
type Plan struct {
	Name    string            `json:"name,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Steps   []Step            `json:"steps"`
}

// Step is one unit of work in a plan. Commands run through the shell so the
// plan can use pipes and redirection. NoRetry pauses the task on the first
// failure regardless of how the error would otherwise classify; use it for
// steps with side effects that must not run twice.
type Step struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
	WorkDir string `json:"workdir,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	NoRetry bool   `json:"no_retry,omitempty"`
}

// Deadline returns the step timeout, or fallback when the step does not set
// one. LoadPlan has already validated the string, so a parse failure here
// only happens for hand-built steps and falls back too.
func (s Step) Deadline(fallback time.Duration) time.Duration {
	if s.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Dir returns the directory the step command should run in, preferring the
// step override over the plan-wide setting. Empty means the process cwd.
func (s Step) Dir(plan *Plan) string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	if plan != nil {
		return plan.WorkDir
	}
	return ""
}

// LoadPlan reads and validates a plan file. The returned plan always has at
// least one step and every step has a non-empty command and a name.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan %s has no steps", path)
	}
	if plan.Name == "" {
		base := filepath.Base(path)
		plan.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if strings.TrimSpace(step.Command) == "" {
			return nil, fmt.Errorf("plan %s: step %d has an empty command", path, i)
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("step-%d", i+1)
		}
		if step.Timeout != "" {
			d, err := time.ParseDuration(step.Timeout)
			if err != nil {
				return nil, fmt.Errorf("plan %s: step %d timeout: %w", path, i, err)
			}
			if d <= 0 {
				return nil, fmt.Errorf("plan %s: step %d timeout must be positive", path, i)
			}
		}
	}
	return &plan, nil
}
