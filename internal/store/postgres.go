package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-coordinator/internal/models"
)

// Postgres implements Store over pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) CreateAssignment(ctx context.Context, a models.JobAssignment) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO assignments (id, job_id, bot_key, device_id, worker_id, params, status, progress_pct, retry_count, fingerprint, next_run_at, last_error, assigned_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.ID, a.JobID, a.BotKey, a.DeviceID, a.WorkerID, params, a.Status, a.ProgressPct, a.RetryCount, a.Fingerprint, a.NextRunAt, a.LastError, a.AssignedAt, a.StartedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

const assignmentColumns = `id, job_id, bot_key, device_id, worker_id, params, status, progress_pct, retry_count, fingerprint, next_run_at, last_error, assigned_at, started_at, completed_at`

func scanAssignment(row pgx.Row) (models.JobAssignment, error) {
	var a models.JobAssignment
	var params []byte
	var lastErr pgtype.Text
	var started, completed pgtype.Timestamptz

	err := row.Scan(&a.ID, &a.JobID, &a.BotKey, &a.DeviceID, &a.WorkerID, &params, &a.Status, &a.ProgressPct, &a.RetryCount, &a.Fingerprint, &a.NextRunAt, &lastErr, &a.AssignedAt, &started, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobAssignment{}, ErrNotFound
	}
	if err != nil {
		return models.JobAssignment{}, fmt.Errorf("scan assignment: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return models.JobAssignment{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if lastErr.Valid {
		a.LastError = &lastErr.String
	}
	if started.Valid {
		t := started.Time
		a.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func (s *Postgres) GetAssignment(ctx context.Context, id string) (models.JobAssignment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id)
	return scanAssignment(row)
}

func (s *Postgres) GetAssignmentByJob(ctx context.Context, jobID string) (models.JobAssignment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE job_id = $1 ORDER BY assigned_at DESC LIMIT 1
	`, jobID)
	return scanAssignment(row)
}

func (s *Postgres) UpdateAssignment(ctx context.Context, a models.JobAssignment) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE assignments
		SET device_id = $2, worker_id = $3, params = $4, status = $5, progress_pct = $6,
		    retry_count = $7, next_run_at = $8, last_error = $9, started_at = $10, completed_at = $11
		WHERE id = $1
	`, a.ID, a.DeviceID, a.WorkerID, params, a.Status, a.ProgressPct, a.RetryCount, a.NextRunAt, a.LastError, a.StartedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetProgress(ctx context.Context, id string, pct float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE assignments SET progress_pct = $2 WHERE id = $1`, id, pct)
	return err
}

func (s *Postgres) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.JobAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+` FROM assignments
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at ASC LIMIT $3
	`, models.AssignmentPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var out []models.JobAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) CountAssignmentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM assignments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}

func (s *Postgres) RecordCompletion(ctx context.Context, rec models.CompletionRecord) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO completions (assignment_id, job_id, device_id, success, rank, result, error, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.AssignmentID, rec.JobID, rec.DeviceID, rec.Success, rec.Rank, result, rec.Error, rec.DurationMs, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

func (s *Postgres) CompletionsForJob(ctx context.Context, jobID string) ([]models.CompletionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT assignment_id, job_id, device_id, success, rank, result, error, duration_ms, completed_at
		FROM completions WHERE job_id = $1 ORDER BY rank ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []models.CompletionRecord
	for rows.Next() {
		var rec models.CompletionRecord
		var result []byte
		var recErr pgtype.Text
		if err := rows.Scan(&rec.AssignmentID, &rec.JobID, &rec.DeviceID, &rec.Success, &rec.Rank, &result, &recErr, &rec.DurationMs, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &rec.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		if recErr.Valid {
			rec.Error = &recErr.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) WorkflowStats(ctx context.Context, since time.Time) (int, int, int64, error) {
	var completed, failed int64
	var avg pgtype.Float8
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE success),
		       COUNT(*) FILTER (WHERE NOT success),
		       AVG(duration_ms)
		FROM completions WHERE completed_at >= $1
	`, since).Scan(&completed, &failed, &avg)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("workflow stats: %w", err)
	}
	var avgMs int64
	if avg.Valid {
		avgMs = int64(avg.Float64)
	}
	return int(completed), int(failed), avgMs, nil
}

func (s *Postgres) UpsertDevice(ctx context.Context, d models.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, serial, state, worker_id, current_job_id, last_heartbeat, consecutive_failures, quarantined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			serial = EXCLUDED.serial,
			state = EXCLUDED.state,
			worker_id = EXCLUDED.worker_id,
			current_job_id = EXCLUDED.current_job_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			consecutive_failures = EXCLUDED.consecutive_failures,
			quarantined_at = EXCLUDED.quarantined_at,
			updated_at = NOW()
	`, d.ID, d.Serial, d.State, d.WorkerID, d.CurrentJobID, d.LastHeartbeat, d.ConsecutiveFailures, d.QuarantinedAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *Postgres) AppendAudit(ctx context.Context, assignmentID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (assignment_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, assignmentID, event, detail)
	return err
}
