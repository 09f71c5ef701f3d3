package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlan(t *testing.T) {
	path := writePlan(t, "nightly-export.json", `{
		"workdir": "/srv/export",
		"env": {"EXPORT_MODE": "full"},
		"steps": [
			{"name": "fetch", "command": "fetch.sh", "timeout": "90s"},
			{"command": "transform.sh | tee out.log", "workdir": "/srv/export/tmp"},
			{"command": "upload.sh", "no_retry": true}
		]
	}`)

	plan, err := LoadPlan(path)
	require.NoError(t, err)

	assert.Equal(t, "nightly-export", plan.Name, "name defaults to the file basename")
	assert.Equal(t, "/srv/export", plan.WorkDir)
	assert.Equal(t, "full", plan.Env["EXPORT_MODE"])
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, "fetch", plan.Steps[0].Name)
	assert.Equal(t, "step-2", plan.Steps[1].Name)
	assert.Equal(t, "step-3", plan.Steps[2].Name)
	assert.False(t, plan.Steps[0].NoRetry)
	assert.True(t, plan.Steps[2].NoRetry)
}

func TestLoadPlanKeepsExplicitName(t *testing.T) {
	path := writePlan(t, "plan.json", `{"name": "migrate", "steps": [{"command": "true"}]}`)
	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, "migrate", plan.Name)
}

func TestLoadPlanErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad json", `{"steps": [`, "parse plan"},
		{"no steps", `{"name": "empty"}`, "has no steps"},
		{"empty steps", `{"steps": []}`, "has no steps"},
		{"blank command", `{"steps": [{"command": "   "}]}`, "step 0 has an empty command"},
		{"bad timeout", `{"steps": [{"command": "true", "timeout": "ninety"}]}`, "step 0 timeout"},
		{"zero timeout", `{"steps": [{"command": "true", "timeout": "0s"}]}`, "timeout must be positive"},
		{"negative timeout", `{"steps": [{"command": "true", "timeout": "-5s"}]}`, "timeout must be positive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writePlan(t, "plan.json", tc.content)
			_, err := LoadPlan(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read plan")
}

func TestStepDeadline(t *testing.T) {
	fallback := 30 * time.Minute

	assert.Equal(t, 90*time.Second, Step{Timeout: "90s"}.Deadline(fallback))
	assert.Equal(t, fallback, Step{}.Deadline(fallback))
	assert.Equal(t, fallback, Step{Timeout: "garbage"}.Deadline(fallback))
	assert.Equal(t, fallback, Step{Timeout: "-1s"}.Deadline(fallback))
}

func TestStepDir(t *testing.T) {
	plan := &Plan{WorkDir: "/srv/plan"}

	assert.Equal(t, "/srv/step", Step{WorkDir: "/srv/step"}.Dir(plan))
	assert.Equal(t, "/srv/plan", Step{}.Dir(plan))
	assert.Equal(t, "", Step{}.Dir(nil))
}
