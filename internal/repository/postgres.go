package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            UUID PRIMARY KEY,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL,
	file_name     TEXT NOT NULL,
	file_size     BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	progress      INTEGER DEFAULT 0,
	result        JSONB,
	error         TEXT,
	metadata      JSONB
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore backs the queue with postgres for deployments running more
// than one worker process. Claims take a row lock with SKIP LOCKED so
// concurrent pollers never double-claim.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ JobStore = (*PostgresStore)(nil)

// OpenPostgres creates a pgx pool, migrates the schema, and pings the
// database before returning.
func OpenPostgres(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "dsn", cfg.DSN)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, common.NewAppError("STORAGE_OPEN", "parse postgres dsn", err)
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "timecard-processor"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, common.NewAppError("STORAGE_OPEN", "connect to postgres", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, common.NewAppError("STORAGE_OPEN", "ping postgres", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, common.NewAppError("STORAGE_MIGRATE", "create jobs schema", err)
	}
	logger.Info("postgres store ready")
	return &PostgresStore{pool: pool, log: logger}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies connectivity; used by the dbhealth probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.Type == "" || nj.FileName == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "type and file_name are required")
	}
	if !nj.Priority.Valid() {
		nj.Priority = constants.PriorityNormal
	}
	var meta []byte
	if nj.Metadata != nil {
		b, err := json.Marshal(nj.Metadata)
		if err != nil {
			return nil, common.WrapError(err, "marshal metadata")
		}
		meta = b
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New(),
		Type:      nj.Type,
		Status:    constants.JobStatusPending,
		Priority:  nj.Priority,
		FileName:  nj.FileName,
		FileSize:  nj.FileSize,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  nj.Metadata,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, priority, file_name, file_size, created_at, updated_at, progress, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`,
		job.ID, job.Type, string(job.Status), int(job.Priority),
		job.FileName, job.FileSize, now, now, meta,
	)
	if err != nil {
		return nil, common.NewAppError("STORAGE_INSERT", "insert job", err)
	}
	s.log.Info("job created", "job_id", job.ID, "type", job.Type, "priority", int(job.Priority))
	return job, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.WrapError(common.ErrNotFound, fmt.Sprintf("job %s", id))
	}
	return job, err
}

func (s *PostgresStore) List(ctx context.Context, limit int, statuses []constants.JobStatus) ([]*Job, error) {
	if limit < 0 {
		return nil, common.WrapError(common.ErrInvalidInput, "limit must be a positive integer")
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	query := "SELECT " + jobColumns + " FROM jobs"
	args := []any{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, string(st))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, common.NewAppError("STORAGE_LIST", "list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimNext(ctx context.Context) (*Job, error) {
	// SKIP LOCKED keeps concurrent claimers from blocking on, or
	// double-claiming, the same row.
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(constants.JobStatusProcessing),
		string(constants.JobStatusPending),
	)
	job, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewAppError("STORAGE_CLAIM", "claim next job", err)
	}
	s.log.Debug("job claimed", "job_id", job.ID, "priority", int(job.Priority))
	return job, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, upd JobUpdate) (*Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, common.NewAppError("STORAGE_TX", "begin update", err)
	}
	defer tx.Rollback(ctx)

	var curStatus string
	var startedAt, completedAt *time.Time
	err = tx.QueryRow(ctx,
		"SELECT status, started_at, completed_at FROM jobs WHERE id = $1 FOR UPDATE", id,
	).Scan(&curStatus, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.WrapError(common.ErrNotFound, fmt.Sprintf("job %s", id))
	}
	if err != nil {
		return nil, common.NewAppError("STORAGE_UPDATE", "load job for update", err)
	}

	// Terminal rows are immutable: no status flip, and no trailing
	// progress/result writes from a worker that lost the stop race.
	cur := constants.JobStatus(curStatus)
	if cur.IsTerminal() && (upd.Status == nil || *upd.Status != cur) {
		return nil, common.WrapError(common.ErrTerminalState,
			fmt.Sprintf("job %s is %s", id, cur))
	}

	sets := []string{"updated_at = now()"}
	args := []any{}
	if upd.Status != nil {
		args = append(args, string(*upd.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		if *upd.Status == constants.JobStatusProcessing && startedAt == nil {
			sets = append(sets, "started_at = now()")
		}
		if upd.Status.IsTerminal() && completedAt == nil {
			sets = append(sets, "completed_at = now()")
		}
	}
	if upd.Progress != nil {
		args = append(args, *upd.Progress)
		sets = append(sets, fmt.Sprintf("progress = $%d", len(args)))
	}
	if upd.Result != nil {
		args = append(args, []byte(upd.Result))
		sets = append(sets, fmt.Sprintf("result = $%d", len(args)))
	}
	if upd.Error != nil {
		args = append(args, *upd.Error)
		sets = append(sets, fmt.Sprintf("error = $%d", len(args)))
	}
	args = append(args, id)

	row := tx.QueryRow(ctx, fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d RETURNING %s",
		strings.Join(sets, ", "), len(args), jobColumns), args...)
	job, err := scanPGJob(row)
	if err != nil {
		return nil, common.NewAppError("STORAGE_UPDATE", "update job", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, common.NewAppError("STORAGE_TX", "commit update", err)
	}
	return job, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = now(), completed_at = now()
		WHERE id = $2 AND status = $3`,
		string(constants.JobStatusCancelled), id, string(constants.JobStatusPending),
	)
	if err != nil {
		return false, common.NewAppError("STORAGE_CANCEL", "cancel job", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return false, common.NewAppError("STORAGE_DELETE", "delete job", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "count by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch constants.JobStatus(status) {
		case constants.JobStatusPending:
			stats.Pending = count
		case constants.JobStatusProcessing:
			stats.Processing = count
		case constants.JobStatusCompleted:
			stats.Completed = count
		case constants.JobStatusFailed:
			stats.Failed = count
		case constants.JobStatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1
		AND result IS NOT NULL
		AND (result->'validation'->>'requires_human_review')::boolean IS TRUE
		AND COALESCE((result->'validation'->>'review_completed')::boolean, FALSE) IS FALSE`,
		string(constants.JobStatusCompleted),
	).Scan(&stats.ReviewQueue)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "count review queue", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - started_at)), 0)
		FROM jobs
		WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
		AND completed_at > started_at`,
	).Scan(&stats.AvgProcessingSeconds)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "average processing time", err)
	}

	if denom := stats.Completed + stats.Failed; denom > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(denom)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE created_at >= date_trunc('day', now() AT TIME ZONE 'utc')`,
	).Scan(&stats.JobsToday)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "count jobs today", err)
	}
	return stats, nil
}

func (s *PostgresStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, common.WrapError(common.ErrInvalidInput, "days must be non-negative")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4`,
		string(constants.JobStatusCompleted),
		string(constants.JobStatusFailed),
		string(constants.JobStatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, common.NewAppError("STORAGE_PRUNE", "prune old jobs", err)
	}
	n := tag.RowsAffected()
	s.log.Info("pruned old jobs", "count", n, "days", days)
	return n, nil
}

func (s *PostgresStore) CompleteReview(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := s.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, changed, err := markReviewCompleted(job.Result)
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}
	// Carry the unchanged status so the terminal guard admits the rewrite.
	status := job.Status
	return s.Update(ctx, id, JobUpdate{Status: &status, Result: updated})
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewAppError("STORAGE_SETTINGS", "get setting", err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, []byte(value))
	if err != nil {
		return common.NewAppError("STORAGE_SETTINGS", "set setting", err)
	}
	return nil
}

func (s *PostgresStore) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, common.NewAppError("STORAGE_SETTINGS", "list settings", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func scanPGJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		status                 string
		priority               int
		startedAt, completedAt *time.Time
		result, metadataRaw    []byte
		errMsg                 *string
	)
	err := row.Scan(&job.ID, &job.Type, &status, &priority, &job.FileName, &job.FileSize,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt, &job.Progress,
		&result, &errMsg, &metadataRaw)
	if err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	job.Priority = constants.JobPriority(priority)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	job.Error = errMsg
	if len(result) > 0 {
		job.Result = result
	}
	if len(metadataRaw) > 0 {
		var meta JobMetadata
		if err := json.Unmarshal(metadataRaw, &meta); err == nil {
			job.Metadata = &meta
		}
	}
	return &job, nil
}
