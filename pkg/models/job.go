package models

import (
	"encoding/json"
	"strings"
	"time"
)

// JobKind identifies how a job was seeded
type JobKind string

const (
	KindTextToVideo  JobKind = "text-to-video"
	KindImageToVideo JobKind = "image-to-video"
)

// Label returns a short, filename-safe label for the kind
func (k JobKind) Label() string {
	switch k {
	case KindTextToVideo:
		return "text"
	case KindImageToVideo:
		return "image"
	default:
		return "video"
	}
}

// Valid reports whether k is a known kind
func (k JobKind) Valid() bool {
	return k == KindTextToVideo || k == KindImageToVideo
}

// Prefixes of identifiers minted locally rather than by the remote service.
const (
	FailedIDPrefix = "failed_"
	LocalIDPrefix  = "local_"
)

// Parameters holds the generation settings a job was submitted with
type Parameters struct {
	Model       string `json:"model"`
	Orientation string `json:"orientation"`
	Size        string `json:"size"`
	Duration    int    `json:"duration"`
	ImageURL    string `json:"image_url,omitempty"`    // uploaded or passed-through seed image
	SourceImage string `json:"source_image,omitempty"` // what the user supplied (local path or URL)
}

// Job is one video generation request and its observed remote state
type Job struct {
	ID               string            `json:"id"`
	Kind             JobKind           `json:"kind"`
	Prompt           string            `json:"prompt"`
	Parameters       Parameters        `json:"parameters"`
	Status           JobStatus         `json:"status"`
	VideoURL         string            `json:"video_url,omitempty"`
	ThumbnailURL     string            `json:"thumbnail_url,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	AutoDownloaded   bool              `json:"auto_downloaded"`
	Downloaded       bool              `json:"downloaded,omitempty"`
	VideoPath        string            `json:"video_path,omitempty"`
	DownloadError    string            `json:"download_error,omitempty"`
	BatchID          string            `json:"batch_id,omitempty"`
	RawResult        json.RawMessage   `json:"raw_result,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// IsLocalID reports whether id was minted locally and is unknown to the remote service
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, FailedIDPrefix) || strings.HasPrefix(id, LocalIDPrefix)
}

// CompletedWithoutURL reports the abnormal terminal case where the service
// says the job is done but never handed out a video URL.
func (j *Job) CompletedWithoutURL() bool {
	return j.Status == JobStatusCompleted && j.VideoURL == ""
}

// Downloadable reports whether the job has a video that can be fetched
func (j *Job) Downloadable() bool {
	return j.Status == JobStatusCompleted && j.VideoURL != ""
}

// RecordTransition appends a transition if the status actually changes
func (j *Job) RecordTransition(to JobStatus, at time.Time) {
	if j.Status == to {
		return
	}
	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: at,
	})
	j.Status = to
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.RawResult != nil {
		c.RawResult = append(json.RawMessage(nil), j.RawResult...)
	}
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	return &c
}

// ShortID returns the first n characters of the id
func (j *Job) ShortID(n int) string {
	if len(j.ID) <= n {
		return j.ID
	}
	return j.ID[:n]
}
