package constants

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // queued, not yet claimed
	JobStatusProcessing JobStatus = "processing" // claimed by a worker
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal failure
	JobStatusCancelled  JobStatus = "cancelled"  // terminal, cancelled before work started
)

// AllJobStatuses lists every status, in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// IsTerminal reports whether s is a terminal status. Terminal rows are
// immutable except for the review-completion rewrite of the result payload.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobPriority orders dequeueing: higher values are claimed first.
type JobPriority int

const (
	PriorityLow    JobPriority = 1
	PriorityNormal JobPriority = 2
	PriorityHigh   JobPriority = 3
	PriorityUrgent JobPriority = 4
)

// Valid reports whether p is within the defined range.
func (p JobPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// JobTypeTimecard is the only job type currently processed. The column is an
// open string so future job types do not require a schema change.
const JobTypeTimecard = "timecard_processing"
