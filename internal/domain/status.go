package domain

// Status enumerates the canonical lifecycle states of an imagination,
// normalized across all engines.
type Status string

const (
	StatusNone       Status = "none"
	StatusDraft      Status = "draft"
	StatusInit       Status = "init"
	StatusQueued     Status = "queued"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus enumerates the coarse external projection of Status for callers
// that do not need engine-level granularity.
type TaskStatus string

const (
	TaskStatusInit       TaskStatus = "init"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

// TaskStatus projects the fine-grained status onto the 4-valued reporting
// status. Cancellation counts as completed for reporting purposes.
func (s Status) TaskStatus() TaskStatus {
	switch s {
	case StatusQueued, StatusWaiting, StatusProcessing:
		return TaskStatusProcessing
	case StatusCompleted, StatusCancelled:
		return TaskStatusCompleted
	case StatusError:
		return TaskStatusError
	default:
		return TaskStatusInit
	}
}

// ClampPercentage bounds progress to [-1, 100]; -1 means unknown.
func ClampPercentage(p int) int {
	if p < -1 {
		return -1
	}
	if p > 100 {
		return 100
	}
	return p
}
