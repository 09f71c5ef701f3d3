package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"taskwarden/internal/retry"
)

// AppendRetryRecord durably appends one retry record. The retry engine calls
// this before any backoff delay starts, so a crash mid-backoff cannot lose
// the attempt count. Satisfies retry.Recorder.
func (s *Store) AppendRetryRecord(rec retry.Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}
	f, err := os.OpenFile(s.RetryLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open retry log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append retry record: %w", err)
	}
	return f.Sync()
}

// ReadRetryRecords returns every parseable retry record in write order.
func (s *Store) ReadRetryRecords() ([]retry.Record, error) {
	f, err := os.Open(s.RetryLogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open retry log: %w", err)
	}
	defer f.Close()

	var records []retry.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec retry.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("scan retry log: %w", err)
	}
	return records, nil
}

// ConsecutiveTransient counts the unbroken run of transient records at the
// tail of the retry log for the given task and step. The health monitor uses
// it for early failure-streak warnings.
func (s *Store) ConsecutiveTransient(taskID string, stepIndex int) (int, error) {
	records, err := s.ReadRetryRecords()
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.TaskID != taskID || rec.StepIndex != stepIndex || rec.Class != retry.ClassTransient {
			break
		}
		count++
	}
	return count, nil
}

// RetryStats summarizes the retry log for operator display.
type RetryStats struct {
	Total          int         `json:"total_records"`
	Transient      int         `json:"transient"`
	Fatal          int         `json:"fatal"`
	Retried        int         `json:"retried"`
	Escalated      int         `json:"escalated"`
	TotalBackoffMS int64       `json:"total_backoff_ms"`
	ByStep         map[int]int `json:"by_step,omitempty"`
	LastRecordAt   *time.Time  `json:"last_record_at,omitempty"`
}

// RetryStatsFor aggregates the retry log for one task. An empty taskID
// aggregates everything.
func (s *Store) RetryStatsFor(taskID string) (*RetryStats, error) {
	records, err := s.ReadRetryRecords()
	if err != nil {
		return nil, err
	}
	stats := &RetryStats{ByStep: make(map[int]int)}
	for _, rec := range records {
		if taskID != "" && rec.TaskID != taskID {
			continue
		}
		stats.Total++
		if rec.Class == retry.ClassTransient {
			stats.Transient++
		} else {
			stats.Fatal++
		}
		if rec.Retry {
			stats.Retried++
		} else {
			stats.Escalated++
		}
		stats.TotalBackoffMS += rec.DelayMS
		stats.ByStep[rec.StepIndex]++
		ts := rec.Timestamp
		if stats.LastRecordAt == nil || ts.After(*stats.LastRecordAt) {
			stats.LastRecordAt = &ts
		}
	}
	if stats.Total == 0 {
		stats.ByStep = nil
	}
	return stats, nil
}
