package event

import (
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

type EventType string

const (
	// Job lifecycle
	EventJobCreated       EventType = "job.created"
	EventJobStatusChanged EventType = "job.status_changed"
	EventJobCompleted     EventType = "job.completed"
	EventJobFailed        EventType = "job.failed"
	EventJobPollFailed    EventType = "job.poll_failed"

	// Downloads
	EventDownloadStarted  EventType = "download.started"
	EventDownloadProgress EventType = "download.progress"
	EventDownloadFinished EventType = "download.finished"
	EventDownloadFailed   EventType = "download.failed"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type JobEvent struct {
	JobID        string
	Kind         models.JobKind
	From         models.JobStatus
	To           models.JobStatus
	VideoURL     string
	ErrorMessage string
}

type DownloadEvent struct {
	JobID   string
	Path    string
	Written int64
	Total   int64
	Percent int
	Error   string
}
