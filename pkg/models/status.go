package models

import "strings"

// JobStatus represents the status of a job as reported by the remote service
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

var knownStatuses = map[JobStatus]bool{
	JobStatusPending:    true,
	JobStatusQueued:     true,
	JobStatusProcessing: true,
	JobStatusInProgress: true,
	JobStatusCompleted:  true,
	JobStatusFailed:     true,
}

// ParseStatus maps a server status string onto a JobStatus.
// Known values are matched case-insensitively; anything else is kept
// verbatim so unfamiliar states still show up to the user.
func ParseStatus(s string) JobStatus {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	lower := JobStatus(strings.ToLower(trimmed))
	if knownStatuses[lower] {
		return lower
	}
	return JobStatus(trimmed)
}

// IsKnown reports whether s is one of the documented statuses
func (s JobStatus) IsKnown() bool {
	return knownStatuses[s]
}

// IsTerminal returns true for completed and failed
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsActive returns true while the remote job may still change.
// Unknown statuses count as active.
func (s JobStatus) IsActive() bool {
	return !s.IsTerminal()
}
