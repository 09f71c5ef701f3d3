package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskwarden/internal/core"
)

var ErrAlertNotFound = errors.New("alert not found")

// InsertAlert persists a new alert. ID and CreatedAt are filled in when
// empty.
func (s *Store) InsertAlert(ctx context.Context, alert *core.Alert) error {
	if alert.ID == "" {
		alert.ID = core.NewID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO alerts (id, severity, kind, message, task_id, checkpoint_id, step_index, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.Severity, alert.Kind, alert.Message, alert.TaskID,
		nullableString(alert.CheckpointID), nullableInt(alert.StepIndex),
		boolToInt(alert.Acknowledged), alert.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// AcknowledgeAlert flips the acknowledged flag, the only mutation an alert
// permits.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, severity, kind, message, task_id, checkpoint_id, step_index, acknowledged, created_at
		FROM alerts WHERE id = ?
	`, id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns alerts newest first. When includeAcked is false only
// open alerts are returned. limit <= 0 means no limit.
func (s *Store) ListAlerts(ctx context.Context, includeAcked bool, limit int) ([]*core.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows *sql.Rows
	var err error
	if includeAcked {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, severity, kind, message, task_id, checkpoint_id, step_index, acknowledged, created_at
			FROM alerts
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, severity, kind, message, task_id, checkpoint_id, step_index, acknowledged, created_at
			FROM alerts
			WHERE acknowledged = 0
			ORDER BY created_at DESC
			LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// FindOpenAlert returns the newest unacknowledged alert matching kind, task
// and severity, or nil when none exists. Used to deduplicate repeated
// raises of the same condition.
func (s *Store) FindOpenAlert(ctx context.Context, kind, taskID string, severity core.Severity) (*core.Alert, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, severity, kind, message, task_id, checkpoint_id, step_index, acknowledged, created_at
		FROM alerts
		WHERE kind = ? AND task_id = ? AND severity = ? AND acknowledged = 0
		ORDER BY created_at DESC
		LIMIT 1
	`, kind, taskID, severity)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return alert, nil
}

// OpenAlertCount returns how many alerts remain unacknowledged.
func (s *Store) OpenAlertCount(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM alerts WHERE acknowledged = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return count, nil
}

// PruneAcknowledgedAlerts deletes acknowledged alerts older than the cutoff.
func (s *Store) PruneAcknowledgedAlerts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return res.RowsAffected()
}

func scanAlert(scanner interface {
	Scan(dest ...any) error
}) (*core.Alert, error) {
	var (
		id           string
		severity     string
		kind         string
		message      string
		taskID       string
		checkpointID sql.NullString
		stepIndex    sql.NullInt64
		acknowledged int
		createdAt    string
	)
	if err := scanner.Scan(&id, &severity, &kind, &message, &taskID, &checkpointID, &stepIndex, &acknowledged, &createdAt); err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	alert := &core.Alert{
		ID:           id,
		Severity:     core.Severity(severity),
		Kind:         kind,
		Message:      message,
		TaskID:       taskID,
		Acknowledged: acknowledged != 0,
	}
	if checkpointID.Valid {
		alert.CheckpointID = &checkpointID.String
	}
	if stepIndex.Valid {
		val := int(stepIndex.Int64)
		alert.StepIndex = &val
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		alert.CreatedAt = t
	}
	return alert, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
