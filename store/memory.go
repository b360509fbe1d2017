package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/hiveforge/substrate/core"
	"github.com/hiveforge/substrate/pattern"
)

type memoryRow struct {
	Namespace   string        `db:"namespace"`
	Key         string        `db:"key"`
	Value       string        `db:"value"`
	TTL         sql.NullInt64 `db:"ttl"`
	ExpiresAt   sql.NullTime  `db:"expires_at"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
	AccessedAt  sql.NullTime  `db:"accessed_at"`
	AccessCount int           `db:"access_count"`
}

// PutMemoryEntry upserts a namespaced key/value row, the scratch memory
// substrate components outside the Pattern Store use for short-lived
// shared state.
func (s *Store) PutMemoryEntry(ctx context.Context, e *pattern.MemoryEntry) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	now := time.Now()
	var ttl sql.NullInt64
	if e.TTL > 0 {
		ttl = sql.NullInt64{Int64: e.TTL, Valid: true}
	}
	var expiresAt sql.NullTime
	if e.TTL > 0 {
		expiresAt = sql.NullTime{Time: now.Add(time.Duration(e.TTL) * time.Second), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (namespace, key, value, ttl, expires_at, created_at, updated_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value=excluded.value, ttl=excluded.ttl, expires_at=excluded.expires_at, updated_at=excluded.updated_at
	`, e.Namespace, e.Key, e.Value, ttl, expiresAt, now, now)
	if err != nil {
		return core.NewError("store.PutMemoryEntry", "store", err)
	}
	return nil
}

// GetMemoryEntry looks up (namespace, key), bumping its access accounting.
// A row past its expires_at is treated as absent (ok=false); the expired
// row is not deleted, here or by any sweep in this package.
func (s *Store) GetMemoryEntry(ctx context.Context, namespace, key string) (*pattern.MemoryEntry, bool, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewError("store.GetMemoryEntry", "store", err)
	}
	if row.ExpiresAt.Valid && row.ExpiresAt.Time.Before(time.Now()) {
		return nil, false, nil
	}

	if err := s.checkWritable(); err == nil {
		_, _ = s.db.ExecContext(ctx, `UPDATE memory_entries SET accessed_at = ?, access_count = access_count + 1
			WHERE namespace = ? AND key = ?`, time.Now(), namespace, key)
	}

	out := &pattern.MemoryEntry{
		Namespace: row.Namespace, Key: row.Key, Value: row.Value,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		AccessCount: row.AccessCount + 1,
	}
	if row.TTL.Valid {
		out.TTL = row.TTL.Int64
	}
	if row.ExpiresAt.Valid {
		out.ExpiresAt = row.ExpiresAt.Time
	}
	if row.AccessedAt.Valid {
		out.AccessedAt = row.AccessedAt.Time
	}
	return out, true, nil
}

// DeleteMemoryEntry removes one (namespace, key) row.
func (s *Store) DeleteMemoryEntry(ctx context.Context, namespace, key string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return core.NewError("store.DeleteMemoryEntry", "store", err)
	}
	return nil
}

type trajectoryRow struct {
	TaskID         string          `db:"task_id"`
	AgentID        string          `db:"agent_id"`
	Query          sql.NullString  `db:"query"`
	TrajectoryJSON sql.NullString  `db:"trajectory_json"`
	StartedAt      time.Time       `db:"started_at"`
	EndedAt        sql.NullTime    `db:"ended_at"`
	JudgeLabel     sql.NullString  `db:"judge_label"`
	JudgeConf      sql.NullFloat64 `db:"judge_conf"`
	MATTSRunID     sql.NullString  `db:"matts_run_id"`
}

// PutTaskTrajectory records (or updates) one task's full execution
// trajectory for offline judging.
func (s *Store) PutTaskTrajectory(ctx context.Context, t *pattern.TaskTrajectory) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	var endedAt sql.NullTime
	if !t.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: t.EndedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_trajectories (task_id, agent_id, query, trajectory_json, started_at, ended_at,
			judge_label, judge_conf, matts_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			trajectory_json=excluded.trajectory_json, ended_at=excluded.ended_at,
			judge_label=excluded.judge_label, judge_conf=excluded.judge_conf
	`, t.TaskID, t.AgentID, t.Query, t.TrajectoryJSON, t.StartedAt, endedAt, t.JudgeLabel, t.JudgeConf, t.MATTSRunID)
	if err != nil {
		return core.NewError("store.PutTaskTrajectory", "store", err)
	}
	return nil
}

// GetTaskTrajectory looks up one task's trajectory by id.
func (s *Store) GetTaskTrajectory(ctx context.Context, taskID string) (*pattern.TaskTrajectory, error) {
	var row trajectoryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM task_trajectories WHERE task_id = ?`, taskID)
	if err == sql.ErrNoRows {
		return nil, core.NewError("store.GetTaskTrajectory", "not_found", core.ErrPatternNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.GetTaskTrajectory", "store", err)
	}
	out := &pattern.TaskTrajectory{TaskID: row.TaskID, AgentID: row.AgentID, StartedAt: row.StartedAt}
	out.Query = row.Query.String
	out.TrajectoryJSON = row.TrajectoryJSON.String
	out.JudgeLabel = row.JudgeLabel.String
	out.JudgeConf = row.JudgeConf.Float64
	out.MATTSRunID = row.MATTSRunID.String
	if row.EndedAt.Valid {
		out.EndedAt = row.EndedAt.Time
	}
	return out, nil
}

// AppendMetricSample appends one row to the durable metrics log, distinct
// from telemetry's in-memory Prometheus counters — this is the queryable
// history a dashboard replays after a restart.
func (s *Store) AppendMetricSample(ctx context.Context, m *pattern.MetricSample) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	tags := ""
	for k, v := range m.Tags {
		if tags != "" {
			tags += ","
		}
		tags += k + "=" + v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_log (metric_name, value, timestamp, component, tags) VALUES (?, ?, ?, ?, ?)
	`, m.MetricName, m.Value, m.Timestamp, m.Component, tags)
	if err != nil {
		return core.NewError("store.AppendMetricSample", "store", err)
	}
	return nil
}
