package store

import (
	"fmt"
	"os"
	"time"
)

// RequestAbort drops the abort marker. The supervisor polls for it at step
// boundaries, during backoff waits and while parked, so an abort never has to
// wait out a long delay.
func (s *Store) RequestAbort(reason string) error {
	content := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), reason)
	if err := writeFileAtomic(s.abortPath(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write abort marker: %w", err)
	}
	return nil
}

// AbortRequested reports whether the abort marker is present.
func (s *Store) AbortRequested() bool {
	_, err := os.Stat(s.abortPath())
	return err == nil
}

// ClearAbort removes the abort marker. Called once the abort has been
// honored and recorded.
func (s *Store) ClearAbort() error {
	err := os.Remove(s.abortPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear abort marker: %w", err)
	}
	return nil
}
