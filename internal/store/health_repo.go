package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskwarden/internal/core"
)

// InsertHealthSample appends a snapshot to the sample ring and trims the ring
// to its configured bound in the same call, so the table can never grow
// without limit.
func (s *Store) InsertHealthSample(ctx context.Context, snap *core.HealthSnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO health_samples (ts, cpu_load, memory_pressure, disk_free_ratio, seconds_since_heartbeat, transient_failures)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.Timestamp.Format(time.RFC3339Nano), snap.CPULoad, snap.MemoryPressure,
		snap.DiskFreeRatio, snap.SecondsSinceHeartbeat, snap.TransientFailureRun)
	if err != nil {
		return fmt.Errorf("insert health sample: %w", err)
	}
	if s.HealthRing > 0 {
		if _, err := s.DB.ExecContext(ctx, `
			DELETE FROM health_samples
			WHERE id NOT IN (SELECT id FROM health_samples ORDER BY id DESC LIMIT ?)
		`, s.HealthRing); err != nil {
			return fmt.Errorf("trim health ring: %w", err)
		}
	}
	return nil
}

// ListHealthSamples returns up to limit snapshots, newest first. limit <= 0
// returns the whole ring.
func (s *Store) ListHealthSamples(ctx context.Context, limit int) ([]*core.HealthSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT ts, cpu_load, memory_pressure, disk_free_ratio, seconds_since_heartbeat, transient_failures
		FROM health_samples
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query health samples: %w", err)
	}
	defer rows.Close()
	var samples []*core.HealthSnapshot
	for rows.Next() {
		snap, err := scanHealthSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// LatestHealthSample returns the most recent snapshot, or nil when the ring
// is empty.
func (s *Store) LatestHealthSample(ctx context.Context) (*core.HealthSnapshot, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT ts, cpu_load, memory_pressure, disk_free_ratio, seconds_since_heartbeat, transient_failures
		FROM health_samples
		ORDER BY id DESC
		LIMIT 1
	`)
	snap, err := scanHealthSample(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

func scanHealthSample(scanner interface {
	Scan(dest ...any) error
}) (*core.HealthSnapshot, error) {
	var (
		ts             string
		cpuLoad        float64
		memPressure    float64
		diskFree       float64
		sinceHeartbeat float64
		transientRun   int
	)
	if err := scanner.Scan(&ts, &cpuLoad, &memPressure, &diskFree, &sinceHeartbeat, &transientRun); err != nil {
		return nil, fmt.Errorf("scan health sample: %w", err)
	}
	snap := &core.HealthSnapshot{
		CPULoad:               cpuLoad,
		MemoryPressure:        memPressure,
		DiskFreeRatio:         diskFree,
		SecondsSinceHeartbeat: sinceHeartbeat,
		TransientFailureRun:   transientRun,
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		snap.Timestamp = t
	}
	return snap, nil
}
