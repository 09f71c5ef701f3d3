package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// StepLogPath returns the combined stdout/stderr log file for one step
// attempt.
func (s *Store) StepLogPath(stepIndex, attempt int) string {
	return filepath.Join(s.StepLogsDir(), fmt.Sprintf("step-%03d-attempt-%02d.log", stepIndex, attempt))
}

// EnsureStepLogDir makes sure the step log directory exists.
func (s *Store) EnsureStepLogDir() error {
	return os.MkdirAll(s.StepLogsDir(), 0o755)
}

// ListStepLogs returns step log file names sorted newest first.
func (s *Store) ListStepLogs() ([]string, error) {
	entries, err := os.ReadDir(s.StepLogsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read step logs dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}
	// Names embed zero-padded step and attempt, so lexical order is
	// execution order.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// ReadStepLog returns one step log by bare file name. Names containing path
// separators are rejected.
func (s *Store) ReadStepLog(name string) ([]byte, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid step log name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.StepLogsDir(), name))
	if err != nil {
		return nil, fmt.Errorf("read step log %s: %w", name, err)
	}
	return data, nil
}

// PruneStepLogs removes the oldest step logs beyond the retention limit and
// returns how many were deleted.
func (s *Store) PruneStepLogs() (int, error) {
	if s.StepLogRetention <= 0 {
		return 0, nil
	}
	names, err := s.ListStepLogs()
	if err != nil {
		return 0, err
	}
	if len(names) <= s.StepLogRetention {
		return 0, nil
	}
	removed := 0
	for _, name := range names[s.StepLogRetention:] {
		if err := os.Remove(filepath.Join(s.StepLogsDir(), name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("prune step log %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
