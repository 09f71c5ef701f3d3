package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"taskwarden/internal/core"
)

// StatePath is the task status record, the single source of truth for the
// supervised task.
func (s *Store) StatePath() string { return filepath.Join(s.StateDir, "state.json") }

// JournalPath is the append-only execution journal.
func (s *Store) JournalPath() string { return filepath.Join(s.StateDir, "journal.log") }

// RetryLogPath is the append-only retry decision log.
func (s *Store) RetryLogPath() string { return filepath.Join(s.StateDir, "retry.log") }

// ContextPath is where the job reads its step context and writes the context
// for the next checkpoint.
func (s *Store) ContextPath() string { return filepath.Join(s.StateDir, "context.json") }

// CheckpointsDir holds one file per recovery point.
func (s *Store) CheckpointsDir() string { return filepath.Join(s.StateDir, "checkpoints") }

// StepLogsDir holds combined stdout/stderr per step attempt.
func (s *Store) StepLogsDir() string { return filepath.Join(s.StateDir, "steps") }

// ArchiveDir receives the files of terminal tasks on cleanup.
func (s *Store) ArchiveDir() string { return filepath.Join(s.StateDir, "archive") }

func (s *Store) abortPath() string { return filepath.Join(s.StateDir, "abort.flag") }

// ReadTask returns the persisted task record. A missing file is
// core.ErrStateNotFound; an undecodable file is core.ErrStateCorrupt.
func (s *Store) ReadTask() (*core.Task, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrStateNotFound
		}
		return nil, fmt.Errorf("read task state: %w", err)
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStateCorrupt, err)
	}
	if task.ID == "" || task.Status == "" {
		return nil, fmt.Errorf("%w: missing id or status", core.ErrStateCorrupt)
	}
	return &task, nil
}

// WriteTask persists the task record atomically (temp file, fsync, rename)
// so a crash never leaves a half-written status on disk.
func (s *Store) WriteTask(task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	if err := writeFileAtomic(s.StatePath(), data, 0o644); err != nil {
		return fmt.Errorf("write task state: %w", err)
	}
	return nil
}

// UpdateStatus validates the transition through the lifecycle rules, applies
// it and persists the record. reason is recorded for StatusPaused and cleared
// otherwise; terminal statuses stamp CompletedAt.
func (s *Store) UpdateStatus(task *core.Task, to core.TaskStatus, reason core.PauseReason) error {
	if err := core.ValidateTransition(task.Status, to); err != nil {
		return err
	}
	task.Status = to
	if to == core.StatusPaused {
		task.PauseReason = reason
	} else {
		task.PauseReason = core.PauseNone
	}
	if core.IsTerminal(to) && task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	return s.WriteTask(task)
}

// ArchiveTask moves the terminal task's files into a timestamped directory
// under archive/ and clears the live state dir for the next task. Returns the
// archive directory path.
func (s *Store) ArchiveTask(task *core.Task) (string, error) {
	if !core.IsTerminal(task.Status) {
		return "", fmt.Errorf("refusing to archive task %s in status %s", task.ID, task.Status)
	}
	dest := filepath.Join(s.ArchiveDir(), fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), task.ID))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("ensure archive dir: %w", err)
	}
	moves := []string{
		s.StatePath(),
		s.JournalPath(),
		s.RetryLogPath(),
		s.ContextPath(),
		s.CheckpointsDir(),
		s.StepLogsDir(),
	}
	for _, src := range moves {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			return "", fmt.Errorf("archive %s: %w", filepath.Base(src), err)
		}
	}
	_ = os.Remove(s.abortPath())
	return dest, nil
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
