// Package api exposes the job lifecycle over a small local HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/download"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/lifecycle"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/poller"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/ratelimit"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
)

// JobService is the part of the lifecycle controller the API drives
type JobService interface {
	Jobs() []*models.Job
	Job(id string) (*models.Job, error)
	SubmitTextJob(ctx context.Context, sub lifecycle.Submission) (*models.Job, error)
	SubmitImageJob(ctx context.Context, sub lifecycle.Submission) (*models.Job, error)
	SubmitBatch(ctx context.Context, subs []lifecycle.Submission) ([]*models.Job, error)
	RefreshAll(ctx context.Context) (poller.CycleReport, error)
	DeleteJob(id string) error
	ClearAll() error
	DownloadJob(ctx context.Context, id, dest string, progress download.ProgressFunc) (*download.Result, error)
	HealthCheck() error
}

// Handler serves the job API
type Handler struct {
	svc     JobService
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	logger  *logging.Logger
}

// NewHandler creates a handler. Mutating routes are limited to 5 req/s per
// client with a burst of 10.
func NewHandler(svc JobService, m *metrics.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		svc:     svc,
		metrics: m,
		limiter: ratelimit.NewLimiter(5, 10),
		logger:  logger.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	limited := h.limiter.Middleware(ratelimit.IPKeyFunc)

	// fixed paths before {id}
	r.Handle("/jobs/refresh", limited(http.HandlerFunc(h.RefreshJobs))).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.Handle("/jobs", limited(http.HandlerFunc(h.CreateJobs))).Methods("POST")
	r.Handle("/jobs", limited(http.HandlerFunc(h.ClearJobs))).Methods("DELETE")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.Handle("/jobs/{id}", limited(http.HandlerFunc(h.DeleteJob))).Methods("DELETE")
	r.Handle("/jobs/{id}/download", limited(http.HandlerFunc(h.DownloadJob))).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
}

// Router returns a mux router with every route registered
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// Seconds is a clip duration sent as 15, "15" or "15s". Anything
// non-numeric falls back to the default duration.
type Seconds int

func (s *Seconds) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	*s = Seconds(remote.ParseDuration(strings.Trim(raw, `"`)))
	return nil
}

// CreateJobRequest is the body of POST /jobs. Either the single fields or
// Batch is used.
type CreateJobRequest struct {
	Kind        models.JobKind     `json:"kind"`
	Prompt      string             `json:"prompt"`
	Model       string             `json:"model,omitempty"`
	Orientation string             `json:"orientation,omitempty"`
	Size        string             `json:"size,omitempty"`
	Duration    Seconds            `json:"duration,omitempty"`
	Image       string             `json:"image,omitempty"`
	Batch       []CreateJobRequest `json:"batch,omitempty"`
}

func (r CreateJobRequest) submission() lifecycle.Submission {
	kind := r.Kind
	if kind == "" {
		kind = models.KindTextToVideo
	}
	return lifecycle.Submission{
		Kind:        kind,
		Prompt:      r.Prompt,
		Model:       r.Model,
		Orientation: r.Orientation,
		Size:        r.Size,
		Duration:    int(r.Duration),
		Image:       r.Image,
	}
}

// ListJobs lists every tracked job
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.svc.Jobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns one job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Job(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CreateJobs submits one job or a batch. Submission failures still produce
// records, so the response is 201 with the failed record.
func (h *Handler) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if len(req.Batch) > 0 {
		subs := make([]lifecycle.Submission, len(req.Batch))
		for i, b := range req.Batch {
			subs[i] = b.submission()
		}
		jobs, err := h.svc.SubmitBatch(r.Context(), subs)
		if err != nil && len(jobs) == 0 {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"jobs":  jobs,
			"count": len(jobs),
		})
		return
	}

	sub := req.submission()
	if !sub.Kind.Valid() {
		http.Error(w, "Invalid kind: must be text-to-video or image-to-video", http.StatusBadRequest)
		return
	}

	var (
		job *models.Job
		err error
	)
	if sub.Kind == models.KindImageToVideo {
		job, err = h.svc.SubmitImageJob(r.Context(), sub)
	} else {
		job, err = h.svc.SubmitTextJob(r.Context(), sub)
	}
	if job == nil {
		h.writeError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("Submission recorded as failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err,
		})
	}
	writeJSON(w, http.StatusCreated, job)
}

// RefreshJobs runs one polling cycle immediately
func (h *Handler) RefreshJobs(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RefreshAll(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checked":     report.Checked,
		"skipped":     report.Skipped,
		"changed":     report.Changed,
		"completed":   report.Completed,
		"failed":      report.Failed,
		"errors":      report.Errors,
		"duration_ms": report.Duration.Milliseconds(),
	})
}

// DeleteJob forgets one job
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteJob(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearJobs forgets every job
func (h *Handler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearAll(); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadJob downloads a completed job into the output directory and
// waits for it to finish
func (h *Handler) DownloadJob(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.DownloadJob(r.Context(), mux.Vars(r)["id"], "", nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":     res.Path,
		"bytes":    res.Bytes,
		"attempts": res.Attempts,
	})
}

// Health reports whether the job store is persisting
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.svc.HealthCheck(); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotCompleted),
		errors.Is(err, lifecycle.ErrJobFailed),
		errors.Is(err, lifecycle.ErrNoVideoURL):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrMissingPrompt),
		errors.Is(err, lifecycle.ErrMissingImage),
		errors.Is(err, lifecycle.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	default:
		var remoteErr *errdefs.RemoteError
		if errors.As(err, &remoteErr) || errdefs.IsTransport(err) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{
			"reason": errdefs.Reason(err),
			"error":  err,
		})
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": errdefs.Reason(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
