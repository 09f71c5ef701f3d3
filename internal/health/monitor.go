// Package health watches a supervised run from the outside: it samples
// machine load, memory and disk on a cron schedule, folds in heartbeat age
// and the recent failure streak from the state dir, and raises alerts when
// thresholds are crossed. It never mutates the task record.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"taskwarden/internal/core"
	"taskwarden/internal/notify"
	"taskwarden/internal/store"
)

// Config carries the monitor schedules and limits.
type Config struct {
	SampleEvery    string
	SweepEvery     string
	Thresholds     Thresholds
	AlertRetention time.Duration
}

// Monitor samples health on a schedule, persists samples to the ring in
// sqlite and raises deduplicated alerts for anything the evaluator flags.
type Monitor struct {
	store    *store.Store
	probe    SystemProbe
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config
	cron     *cron.Cron
}

// NewMonitor constructs a monitor. A nil probe gets the platform default,
// a nil notifier is a no-op.
func NewMonitor(st *store.Store, probe SystemProbe, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Monitor {
	if probe == nil {
		probe = NewSystemProbe()
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Monitor{store: st, probe: probe, notifier: notifier, logger: logger, cfg: cfg}
}

// Start registers the sampling and sweep schedules and launches the cron
// runner.
func (m *Monitor) Start() error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(m.cfg.SampleEvery, m.sampleJob); err != nil {
		return fmt.Errorf("schedule health sampling: %w", err)
	}
	if _, err := c.AddFunc(m.cfg.SweepEvery, m.sweepJob); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("health monitor started", "sample", m.cfg.SampleEvery, "sweep", m.cfg.SweepEvery)
	return nil
}

// Stop halts the schedules and waits for in-flight jobs, bounded by ctx.
func (m *Monitor) Stop(ctx context.Context) {
	if m.cron == nil {
		return
	}
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (m *Monitor) sampleJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("health sample", "err", err)
	}
}

func (m *Monitor) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.Sweep(ctx); err != nil {
		m.logger.Error("retention sweep", "err", err)
	}
}

// Collect builds one health snapshot from the system probe and the task
// record, persists it and returns it alongside the task it describes. The
// task is nil when no run exists or the state file is corrupt; corruption
// raises its own critical alert here.
func (m *Monitor) Collect(ctx context.Context) (*core.HealthSnapshot, *core.Task, error) {
	reading := m.probe.Read(m.store.StateDir)
	snap := &core.HealthSnapshot{
		Timestamp:      time.Now().UTC(),
		CPULoad:        reading.CPULoadPerCore,
		MemoryPressure: reading.MemoryPressure,
		DiskFreeRatio:  reading.DiskFreeRatio,
	}

	task, err := m.store.ReadTask()
	switch {
	case err == nil:
		if core.IsActive(task.Status) {
			snap.SecondsSinceHeartbeat = time.Since(task.LastHeartbeatAt).Seconds()
		}
		streak, serr := m.store.ConsecutiveTransient(task.ID, task.CurrentStep)
		if serr != nil {
			m.logger.Warn("read retry log", "err", serr)
		} else {
			snap.TransientFailureRun = streak
		}
	case errors.Is(err, core.ErrStateNotFound):
		task = nil
	case errors.Is(err, core.ErrStateCorrupt):
		task = nil
		m.raise(ctx, "", []Finding{{
			Severity: core.SeverityCritical,
			Kind:     core.AlertStateCorrupt,
			Message:  fmt.Sprintf("task state unreadable: %v", err),
		}})
	default:
		return nil, nil, err
	}

	if err := m.store.InsertHealthSample(ctx, snap); err != nil {
		return nil, nil, fmt.Errorf("record health sample: %w", err)
	}
	return snap, task, nil
}

// RunOnce collects one sample, evaluates it and raises alerts for the
// findings. CLI health checks call it directly.
func (m *Monitor) RunOnce(ctx context.Context) (*core.HealthSnapshot, []Finding, error) {
	snap, task, err := m.Collect(ctx)
	if err != nil {
		return nil, nil, err
	}
	findings := Evaluate(task, *snap, m.cfg.Thresholds)
	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	m.raise(ctx, taskID, findings)
	return snap, findings, nil
}

// raise inserts findings as alerts, suppressing kinds that already have an
// open alert at the same severity. An escalation to a higher severity is a
// new alert on purpose.
func (m *Monitor) raise(ctx context.Context, taskID string, findings []Finding) {
	for _, f := range findings {
		existing, err := m.store.FindOpenAlert(ctx, f.Kind, taskID, f.Severity)
		if err != nil {
			m.logger.Error("alert dedup lookup", "kind", f.Kind, "err", err)
			continue
		}
		if existing != nil {
			continue
		}
		alert := &core.Alert{Severity: f.Severity, Kind: f.Kind, Message: f.Message, TaskID: taskID}
		if err := m.store.InsertAlert(ctx, alert); err != nil {
			m.logger.Error("insert alert", "kind", f.Kind, "err", err)
			continue
		}
		m.logger.Warn("health alert", "kind", f.Kind, "severity", f.Severity, "msg", f.Message)
		if f.Severity == core.SeverityCritical {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.notifier.Send(nctx, "taskwarden: "+f.Kind, f.Message); err != nil {
				m.logger.Warn("send notification", "err", err)
			}
			cancel()
		}
	}
}

// Sweep applies retention: acknowledged alerts past the age limit are
// deleted. The sample ring trims itself on insert.
func (m *Monitor) Sweep(ctx context.Context) error {
	if m.cfg.AlertRetention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-m.cfg.AlertRetention)
	n, err := m.store.PruneAcknowledgedAlerts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune acknowledged alerts: %w", err)
	}
	if n > 0 {
		m.logger.Info("pruned acknowledged alerts", "removed", n)
	}
	return nil
}

// Pressure reports whether the most recent persisted sample crossed a
// resource threshold. Returns false when no sample exists yet.
func (m *Monitor) Pressure() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := m.store.LatestHealthSample(ctx)
	if err != nil || snap == nil {
		return false
	}
	return UnderPressure(*snap, m.cfg.Thresholds)
}

// PressureFunc returns a self-contained pressure check for processes that
// run without the monitor, probing the system directly. The retry engine
// takes it as its budget-shrink hook.
func PressureFunc(probe SystemProbe, stateDir string, th Thresholds) func() bool {
	if probe == nil {
		probe = NewSystemProbe()
	}
	return func() bool {
		r := probe.Read(stateDir)
		return UnderPressure(core.HealthSnapshot{
			CPULoad:        r.CPULoadPerCore,
			MemoryPressure: r.MemoryPressure,
			DiskFreeRatio:  r.DiskFreeRatio,
		}, th)
	}
}

// NextSample returns the next scheduled firing, zero when not started.
func (m *Monitor) NextSample() time.Time {
	if m.cron == nil {
		return time.Time{}
	}
	entries := m.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
