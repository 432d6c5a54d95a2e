package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
)

// sqliteTimeLayout is fixed-width UTC so lexicographic ordering of the TEXT
// column matches chronological ordering (claim tie-break depends on this).
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INTEGER NOT NULL,
	file_name     TEXT NOT NULL,
	file_size     INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	progress      INTEGER DEFAULT 0,
	result        TEXT,
	error         TEXT,
	metadata      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const jobColumns = "id, type, status, priority, file_name, file_size, created_at, updated_at, started_at, completed_at, progress, result, error, metadata"

// SQLiteStore is the default JobStore backend. A single write connection
// keeps every mutation atomic without row locks; modernc.org/sqlite is pure
// Go, so the same backend also drives the tests.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

var _ JobStore = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) the sqlite store at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, common.NewAppError("STORAGE_OPEN", "open sqlite store", err)
	}
	// One writer connection; sqlite serializes writes anyway and a single
	// connection makes claim/update single-statement atomic.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, common.NewAppError("STORAGE_MIGRATE", "create jobs schema", err)
	}
	logger.Info("sqlite store ready", "path", path)
	return &SQLiteStore{db: db, log: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, nj NewJob) (*Job, error) {
	if nj.Type == "" || nj.FileName == "" {
		return nil, common.WrapError(common.ErrInvalidInput, "type and file_name are required")
	}
	if !nj.Priority.Valid() {
		nj.Priority = constants.PriorityNormal
	}
	var meta any
	if nj.Metadata != nil {
		b, err := json.Marshal(nj.Metadata)
		if err != nil {
			return nil, common.WrapError(err, "marshal metadata")
		}
		meta = string(b)
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, priority, file_name, file_size, created_at, updated_at, progress, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID.String(), job.Type, string(job.Status), int(job.Priority),
		job.FileName, job.FileSize, now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout), meta,
	)
	if err != nil {
		return nil, common.NewAppError("STORAGE_INSERT", "insert job", err)
	}
	s.log.Info("job created", "job_id", job.ID, "type", job.Type, "priority", int(job.Priority))
	return job, nil
}

func (s *SQLiteStore) Fetch(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id.String())
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, common.WrapError(common.ErrNotFound, fmt.Sprintf("job %s", id))
	}
	return job, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int, statuses []constants.JobStatus) ([]*Job, error) {
	if limit < 0 {
		return nil, common.WrapError(common.ErrInvalidInput, "limit must be a positive integer")
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	query := "SELECT " + jobColumns + " FROM jobs"
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, common.NewAppError("STORAGE_LIST", "list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	// Single statement: selection and the Pending->Processing flip commit
	// together, so two pollers can never claim the same row.
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(constants.JobStatusProcessing), now, now,
		string(constants.JobStatusPending),
	)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewAppError("STORAGE_CLAIM", "claim next job", err)
	}
	s.log.Debug("job claimed", "job_id", job.ID, "priority", int(job.Priority))
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id uuid.UUID, upd JobUpdate) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, common.NewAppError("STORAGE_TX", "begin update", err)
	}
	defer tx.Rollback()

	var curStatus string
	var startedAt, completedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at, completed_at FROM jobs WHERE id = ?", id.String(),
	).Scan(&curStatus, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
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

	now := time.Now().UTC().Format(sqliteTimeLayout)
	sets := []string{"updated_at = ?"}
	args := []any{now}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
		if *upd.Status == constants.JobStatusProcessing && !startedAt.Valid {
			sets = append(sets, "started_at = ?")
			args = append(args, now)
		}
		if upd.Status.IsTerminal() && !completedAt.Valid {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
	}
	if upd.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(upd.Result))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	args = append(args, id.String())

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, common.NewAppError("STORAGE_UPDATE", "update job", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id.String())
	job, err := scanSQLiteJob(row)
	if err != nil {
		return nil, common.NewAppError("STORAGE_UPDATE", "reload job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, common.NewAppError("STORAGE_TX", "commit update", err)
	}
	return job, nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(constants.JobStatusCancelled), now, now,
		id.String(), string(constants.JobStatusPending),
	)
	if err != nil {
		return false, common.NewAppError("STORAGE_CANCEL", "cancel job", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id.String())
	if err != nil {
		return false, common.NewAppError("STORAGE_DELETE", "delete job", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
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

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = ?
		AND result IS NOT NULL
		AND json_extract(result, '$.validation.requires_human_review') = 1
		AND (json_extract(result, '$.validation.review_completed') IS NULL
		     OR json_extract(result, '$.validation.review_completed') = 0)`,
		string(constants.JobStatusCompleted),
	).Scan(&stats.ReviewQueue)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "count review queue", err)
	}

	// Average processing time over jobs with both timestamps and a strictly
	// positive duration. Computed client-side; timestamps are TEXT.
	durRows, err := s.db.QueryContext(ctx, `
		SELECT started_at, completed_at FROM jobs
		WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "load durations", err)
	}
	defer durRows.Close()
	var totalSecs float64
	var durCount int
	for durRows.Next() {
		var started, completed string
		if err := durRows.Scan(&started, &completed); err != nil {
			return nil, err
		}
		st, err1 := time.Parse(sqliteTimeLayout, started)
		co, err2 := time.Parse(sqliteTimeLayout, completed)
		if err1 != nil || err2 != nil {
			continue
		}
		if d := co.Sub(st); d > 0 {
			totalSecs += d.Seconds()
			durCount++
		}
	}
	if err := durRows.Err(); err != nil {
		return nil, err
	}
	if durCount > 0 {
		stats.AvgProcessingSeconds = totalSecs / float64(durCount)
	}

	if denom := stats.Completed + stats.Failed; denom > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(denom)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Format(sqliteTimeLayout)
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE created_at >= ?", dayStart,
	).Scan(&stats.JobsToday)
	if err != nil {
		return nil, common.NewAppError("STORAGE_STATS", "count jobs today", err)
	}
	return stats, nil
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, common.WrapError(common.ErrInvalidInput, "days must be non-negative")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(sqliteTimeLayout)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(constants.JobStatusCompleted),
		string(constants.JobStatusFailed),
		string(constants.JobStatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, common.NewAppError("STORAGE_PRUNE", "prune old jobs", err)
	}
	n, _ := res.RowsAffected()
	s.log.Info("pruned old jobs", "count", n, "days", days)
	return n, nil
}

func (s *SQLiteStore) CompleteReview(ctx context.Context, id uuid.UUID) (*Job, error) {
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

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewAppError("STORAGE_SETTINGS", "get setting", err)
	}
	return json.RawMessage(value), nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
		key, string(value), now)
	if err != nil {
		return common.NewAppError("STORAGE_SETTINGS", "set setting", err)
	}
	return nil
}

func (s *SQLiteStore) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, common.NewAppError("STORAGE_SETTINGS", "list settings", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var (
		idStr, typ, status          string
		priority                    int
		fileName                    string
		fileSize                    int64
		createdAt, updatedAt        string
		startedAt, completedAt      sql.NullString
		progress                    int
		result, errMsg, metadataRaw sql.NullString
	)
	err := row.Scan(&idStr, &typ, &status, &priority, &fileName, &fileSize,
		&createdAt, &updatedAt, &startedAt, &completedAt, &progress,
		&result, &errMsg, &metadataRaw)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, common.NewAppError("STORAGE_SCAN", "parse job id", err)
	}
	job := &Job{
		ID:       id,
		Type:     typ,
		Status:   constants.JobStatus(status),
		Priority: constants.JobPriority(priority),
		FileName: fileName,
		FileSize: fileSize,
		Progress: progress,
	}
	if job.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, common.NewAppError("STORAGE_SCAN", "parse created_at", err)
	}
	if job.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, common.NewAppError("STORAGE_SCAN", "parse updated_at", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(sqliteTimeLayout, startedAt.String)
		if err != nil {
			return nil, common.NewAppError("STORAGE_SCAN", "parse started_at", err)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(sqliteTimeLayout, completedAt.String)
		if err != nil {
			return nil, common.NewAppError("STORAGE_SCAN", "parse completed_at", err)
		}
		job.CompletedAt = &t
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		e := errMsg.String
		job.Error = &e
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		var meta JobMetadata
		if err := json.Unmarshal([]byte(metadataRaw.String), &meta); err == nil {
			job.Metadata = &meta
		}
	}
	return job, nil
}
