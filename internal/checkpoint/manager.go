package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Manager owns a directory of checkpoint files, one file per checkpoint.
// Checkpoints are never mutated after creation; superseded ones remain on
// disk until Prune removes them.
type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the checkpoint directory path.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// Create serializes the context blob into a new checkpoint, computes its
// integrity hash and writes it atomically. The returned checkpoint is already
// durable when Create returns, which is what lets the supervisor advance to
// the next step.
func (m *Manager) Create(taskID string, stepIndex int, contextBlob []byte) (*Checkpoint, error) {
	if len(contextBlob) == 0 {
		contextBlob = []byte("{}")
	}
	if !json.Valid(contextBlob) {
		return nil, fmt.Errorf("checkpoint context for step %d is not valid JSON", stepIndex)
	}

	cp := &Checkpoint{
		ID:        newID(),
		TaskID:    taskID,
		StepIndex: stepIndex,
		CreatedAt: time.Now().UTC(),
		Context:   append([]byte(nil), contextBlob...),
		Artifacts: liftArtifacts(contextBlob),
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint payload: %w", err)
	}
	env := envelope{Payload: payload, SHA256: hashPayload(payload)}
	// The envelope must stay compact: indentation would reformat the
	// embedded payload bytes and break the hash on reload.
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint envelope: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	if err := writeFileAtomic(m.path(cp.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}
	return cp, nil
}

// load reads one checkpoint file and decodes both layers. It does not verify
// the hash; callers that care use Verify.
func (m *Manager) load(id string) (*envelope, *Checkpoint, error) {
	data, err := os.ReadFile(m.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: malformed envelope", ErrIntegrity, id)
	}
	var cp Checkpoint
	if err := json.Unmarshal(env.Payload, &cp); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: malformed payload", ErrIntegrity, id)
	}
	return &env, &cp, nil
}

// Get returns a checkpoint by ID without verifying it.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	_, cp, err := m.load(id)
	return cp, err
}

// Verify recomputes the integrity hash over the stored payload bytes and
// confirms every referenced artifact still exists. A nil return means the
// checkpoint is safe to restore.
func (m *Manager) Verify(id string) error {
	env, cp, err := m.load(id)
	if err != nil {
		return err
	}
	if hashPayload(env.Payload) != env.SHA256 {
		return fmt.Errorf("%w: %s: hash mismatch", ErrIntegrity, id)
	}
	for _, artifact := range cp.Artifacts {
		if _, err := os.Stat(artifact); err != nil {
			return fmt.Errorf("%w: %s: missing artifact %s", ErrIntegrity, id, artifact)
		}
	}
	return nil
}

// List returns all readable checkpoints for the task, newest first. Pass an
// empty taskID to list every checkpoint in the directory. Unreadable files
// are skipped; VerifyAll reports them.
func (m *Manager) List(taskID string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		_, cp, err := m.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if taskID != "" && cp.TaskID != taskID {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// LatestValid scans the task's checkpoints newest-first and returns the first
// one that verifies. Invalid checkpoints along the way are skipped, which is
// what lets recovery degrade to an earlier valid point. Returns (nil, nil)
// when no checkpoint verifies.
func (m *Manager) LatestValid(taskID string) (*Checkpoint, error) {
	cps, err := m.List(taskID)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if m.Verify(cp.ID) == nil {
			return cp, nil
		}
	}
	return nil, nil
}

// VerifyAll verifies every checkpoint file for the task and reports each
// outcome, including files too damaged to parse. It never mutates anything.
func (m *Manager) VerifyAll(taskID string) ([]Report, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var reports []Report
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		_, cp, err := m.load(id)
		if err != nil {
			reports = append(reports, Report{ID: id, Valid: false, Reason: err.Error()})
			continue
		}
		if taskID != "" && cp.TaskID != taskID {
			continue
		}
		rep := Report{
			ID:        cp.ID,
			TaskID:    cp.TaskID,
			StepIndex: cp.StepIndex,
			CreatedAt: cp.CreatedAt,
			Valid:     true,
		}
		if err := m.Verify(id); err != nil {
			rep.Valid = false
			rep.Reason = err.Error()
		}
		reports = append(reports, rep)
	}
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.After(reports[j].CreatedAt)
		}
		return reports[i].ID > reports[j].ID
	})
	return reports, nil
}

// Prune removes all but the newest keep checkpoints for the task and returns
// how many were deleted. keep <= 0 keeps everything.
func (m *Manager) Prune(taskID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	cps, err := m.List(taskID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, cp := range cps[min(keep, len(cps)):] {
		if err := os.Remove(m.path(cp.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("prune checkpoint %s: %w", cp.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Restore verifies the checkpoint and writes its context blob to contextPath,
// where the job's next step will read it. An invalid checkpoint is never
// restored.
func (m *Manager) Restore(id, contextPath string) (*Checkpoint, error) {
	if err := m.Verify(id); err != nil {
		return nil, err
	}
	_, cp, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(contextPath, cp.Context, 0o644); err != nil {
		return nil, fmt.Errorf("restore context from %s: %w", id, err)
	}
	return cp, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
