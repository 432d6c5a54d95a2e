package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/constants"
)

// Job is a row in the jobs table, the single source of truth for job state.
type Job struct {
	ID          uuid.UUID             `json:"id"`
	Type        string                `json:"type"`
	Status      constants.JobStatus   `json:"status"`
	Priority    constants.JobPriority `json:"priority"`
	FileName    string                `json:"file_name"`
	FileSize    int64                 `json:"file_size"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Progress    int                   `json:"progress"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       *string               `json:"error,omitempty"`
	Metadata    *JobMetadata          `json:"metadata,omitempty"`
}

// JobMetadata is the closed set of routing fields the pipeline understands.
// Unknown JSON fields are ignored on decode so older rows stay readable.
type JobMetadata struct {
	FilePath         string     `json:"file_path,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	IsSample         bool       `json:"is_sample,omitempty"`
	Storage          string     `json:"storage,omitempty"` // "local" (default) or "s3"
	Bucket           string     `json:"bucket,omitempty"`
	Key              string     `json:"key,omitempty"`
	ModelInfo        *ModelInfo `json:"model_info,omitempty"`
}

// ModelInfo records which model/region a job was routed to at creation time.
type ModelInfo struct {
	ModelID string `json:"model_id,omitempty"`
	Region  string `json:"aws_region,omitempty"`
}

// NewJob carries the caller-supplied fields for Insert.
type NewJob struct {
	Type     string
	FileName string
	FileSize int64
	Priority constants.JobPriority
	Metadata *JobMetadata
}

// JobUpdate is a partial update; nil fields are left untouched.
// updated_at is always stamped. started_at is stamped only on the first
// transition into Processing, completed_at only on the first transition
// into a terminal status.
type JobUpdate struct {
	Status   *constants.JobStatus
	Progress *int
	Result   json.RawMessage
	Error    *string
}

// QueueStats is the aggregate view over the jobs table.
type QueueStats struct {
	Pending              int     `json:"pending"`
	Processing           int     `json:"processing"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Cancelled            int     `json:"cancelled"`
	ReviewQueue          int     `json:"review_queue"`
	Total                int     `json:"total"`
	AvgProcessingSeconds float64 `json:"avg_processing_time_seconds"`
	SuccessRate          float64 `json:"success_rate"`
	JobsToday            int     `json:"jobs_today"`
}

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

// JobStore is the durable queue store. All concurrent access to job rows
// goes through these operations; no caller read-modify-writes a row outside
// of them.
type JobStore interface {
	// Insert creates a Pending row with server-assigned id and timestamps.
	Insert(ctx context.Context, nj NewJob) (*Job, error)

	// Fetch is a point lookup; returns common.ErrNotFound when absent.
	Fetch(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns newest-first, optionally restricted to the given
	// statuses. limit must be positive or common.ErrInvalidInput is
	// returned; zero means DefaultListLimit.
	List(ctx context.Context, limit int, statuses []constants.JobStatus) ([]*Job, error)

	// ClaimNext atomically selects the highest-priority, oldest Pending row,
	// flips it to Processing, and stamps started_at/updated_at. Returns
	// (nil, nil) when no row is eligible. Concurrent callers never receive
	// the same row.
	ClaimNext(ctx context.Context) (*Job, error)

	// Update applies a partial update. Moving a job from one terminal status
	// to a different one returns common.ErrTerminalState.
	Update(ctx context.Context, id uuid.UUID, upd JobUpdate) (*Job, error)

	// Cancel transitions Pending->Cancelled only; reports whether the
	// compare-and-swap took effect.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)

	// Delete removes the row; callers enforce terminal-only deletion.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)

	// Stats aggregates queue counters.
	Stats(ctx context.Context) (*QueueStats, error)

	// PruneOlderThan deletes terminal rows whose completed_at is older than
	// the cutoff; returns the number removed.
	PruneOlderThan(ctx context.Context, days int) (int64, error)

	// CompleteReview marks result.validation.review_completed on a job whose
	// verdict currently requires human review. Idempotent; status untouched.
	CompleteReview(ctx context.Context, id uuid.UUID) (*Job, error)

	SettingsStore

	Close() error
}

// SettingsStore is the key-value configuration contract. Values are stored
// as JSON documents.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error
	AllSettings(ctx context.Context) (map[string]json.RawMessage, error)
}
