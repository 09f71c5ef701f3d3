package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "checkpoints"))
}

// tamper rewrites one value inside the stored payload without breaking the
// JSON, so only the hash check can catch it.
func tamper(t *testing.T, m *Manager, id string, from, to string) {
	t.Helper()
	data, err := os.ReadFile(m.path(id))
	require.NoError(t, err)
	mutated := bytes.Replace(data, []byte(from), []byte(to), 1)
	require.NotEqual(t, data, mutated, "tamper target %q not found", from)
	require.NoError(t, os.WriteFile(m.path(id), mutated, 0o644))
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)

	cp, err := m.Create("task-a", 2, []byte(`{"cursor": 140}`))
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "task-a", cp.TaskID)
	assert.Equal(t, 2, cp.StepIndex)
	assert.JSONEq(t, `{"cursor": 140}`, string(cp.Context))

	got, err := m.Get(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, 2, got.StepIndex)
	assert.JSONEq(t, `{"cursor": 140}`, string(got.Context))

	assert.NoError(t, m.Verify(cp.ID), "a fresh checkpoint verifies")
}

func TestCreateEmptyContextDefaults(t *testing.T) {
	m := newTestManager(t)
	cp, err := m.Create("task-a", 0, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(cp.Context))
}

func TestCreateRejectsInvalidJSON(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("task-a", 0, []byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestGetNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("cp-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	m := newTestManager(t)
	cp, err := m.Create("task-a", 1, []byte(`{"cursor": 140}`))
	require.NoError(t, err)

	tamper(t, m, cp.ID, "140", "999")

	err = m.Verify(cp.ID)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyDetectsMissingArtifact(t *testing.T) {
	m := newTestManager(t)
	artifact := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(artifact, []byte("data"), 0o644))

	cp, err := m.Create("task-a", 0, []byte(`{"artifacts": ["`+artifact+`"]}`))
	require.NoError(t, err)
	require.Equal(t, []string{artifact}, cp.Artifacts)
	require.NoError(t, m.Verify(cp.ID))

	require.NoError(t, os.Remove(artifact))
	err = m.Verify(cp.ID)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "missing artifact")
}

func TestVerifyMalformedFile(t *testing.T) {
	m := newTestManager(t)
	cp, err := m.Create("task-a", 0, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.path(cp.ID), []byte("garbage"), 0o644))
	assert.ErrorIs(t, m.Verify(cp.ID), ErrIntegrity)
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	m := newTestManager(t)

	cps, err := m.List("task-a")
	require.NoError(t, err)
	assert.Nil(t, cps, "missing directory lists empty")

	a0, err := m.Create("task-a", 0, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = m.Create("task-b", 0, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	a1, err := m.Create("task-a", 1, nil)
	require.NoError(t, err)

	cps, err = m.List("task-a")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, a1.ID, cps[0].ID, "newest first")
	assert.Equal(t, a0.ID, cps[1].ID)

	all, err := m.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLatestValidDegradesPastDamage(t *testing.T) {
	m := newTestManager(t)

	older, err := m.Create("task-a", 0, []byte(`{"cursor": 1}`))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := m.Create("task-a", 1, []byte(`{"cursor": 2}`))
	require.NoError(t, err)

	latest, err := m.LatestValid("task-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer.ID, latest.ID)

	tamper(t, m, newer.ID, `"cursor":2`, `"cursor":3`)

	latest, err = m.LatestValid("task-a")
	require.NoError(t, err)
	require.NotNil(t, latest, "recovery degrades to the older valid point")
	assert.Equal(t, older.ID, latest.ID)

	tamper(t, m, older.ID, `"cursor":1`, `"cursor":4`)
	latest, err = m.LatestValid("task-a")
	require.NoError(t, err)
	assert.Nil(t, latest, "no valid checkpoint left")
}

func TestVerifyAllReportsEveryFile(t *testing.T) {
	m := newTestManager(t)

	good, err := m.Create("task-a", 0, nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	bad, err := m.Create("task-a", 1, []byte(`{"cursor": 7}`))
	require.NoError(t, err)
	tamper(t, m, bad.ID, "7", "8")
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "cp-junk.json"), []byte("junk"), 0o644))

	reports, err := m.VerifyAll("task-a")
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byID := map[string]Report{}
	for _, r := range reports {
		byID[r.ID] = r
	}
	assert.True(t, byID[good.ID].Valid)
	assert.False(t, byID[bad.ID].Valid)
	assert.Contains(t, byID[bad.ID].Reason, "hash mismatch")
	assert.False(t, byID["cp-junk"].Valid)
}

func TestPrune(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := m.Create("task-a", i, nil)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		time.Sleep(5 * time.Millisecond)
	}

	removed, err := m.Prune("task-a", 0)
	require.NoError(t, err)
	assert.Zero(t, removed, "keep <= 0 keeps everything")

	removed, err = m.Prune("task-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	cps, err := m.List("task-a")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, ids[4], cps[0].ID)
	assert.Equal(t, ids[3], cps[1].ID)
}

func TestRestore(t *testing.T) {
	m := newTestManager(t)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	cp, err := m.Create("task-a", 3, []byte(`{"cursor": 55}`))
	require.NoError(t, err)

	restored, err := m.Restore(cp.ID, contextPath)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.StepIndex)

	data, err := os.ReadFile(contextPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor": 55}`, string(data))
}

func TestRestoreRefusesInvalidCheckpoint(t *testing.T) {
	m := newTestManager(t)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	cp, err := m.Create("task-a", 0, []byte(`{"cursor": 9}`))
	require.NoError(t, err)
	tamper(t, m, cp.ID, "9", "8")

	_, err = m.Restore(cp.ID, contextPath)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.NoFileExists(t, contextPath, "a failed restore must not touch the context file")
}
