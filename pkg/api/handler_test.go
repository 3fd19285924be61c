package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/api"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/download"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/lifecycle"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/poller"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
)

type fakeService struct {
	store     store.Store
	submitted []lifecycle.Submission
	healthErr error
	refreshes int
}

func newFakeService() *fakeService {
	return &fakeService{store: store.NewMemoryStore()}
}

func (f *fakeService) Jobs() []*models.Job               { return f.store.List() }
func (f *fakeService) Job(id string) (*models.Job, error) { return f.store.Get(id) }
func (f *fakeService) DeleteJob(id string) error          { return f.store.Delete(id) }
func (f *fakeService) ClearAll() error                    { return f.store.Clear() }
func (f *fakeService) HealthCheck() error                 { return f.healthErr }

func (f *fakeService) submit(sub lifecycle.Submission) (*models.Job, error) {
	f.submitted = append(f.submitted, sub)
	if sub.Prompt == "" {
		job := &models.Job{ID: fmt.Sprintf("failed_x_%d", len(f.submitted)), Kind: sub.Kind, Status: models.JobStatusFailed, ErrorMessage: "prompt is required"}
		f.store.Add(job)
		return job, lifecycle.ErrMissingPrompt
	}
	job := &models.Job{ID: fmt.Sprintf("task_%d", len(f.submitted)), Kind: sub.Kind, Prompt: sub.Prompt, Status: models.JobStatusQueued}
	f.store.Add(job)
	return job, nil
}

func (f *fakeService) SubmitTextJob(ctx context.Context, sub lifecycle.Submission) (*models.Job, error) {
	return f.submit(sub)
}

func (f *fakeService) SubmitImageJob(ctx context.Context, sub lifecycle.Submission) (*models.Job, error) {
	return f.submit(sub)
}

func (f *fakeService) SubmitBatch(ctx context.Context, subs []lifecycle.Submission) ([]*models.Job, error) {
	var jobs []*models.Job
	for _, s := range subs {
		j, _ := f.submit(s)
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (f *fakeService) RefreshAll(ctx context.Context) (poller.CycleReport, error) {
	f.refreshes++
	return poller.CycleReport{Checked: f.store.Len()}, nil
}

func (f *fakeService) DownloadJob(ctx context.Context, id, dest string, progress download.ProgressFunc) (*download.Result, error) {
	job, err := f.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !job.Downloadable() {
		return nil, lifecycle.ErrNotCompleted
	}
	return &download.Result{Path: "/out/" + id + ".mp4", Bytes: 42, Attempts: 1}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateAndListJobs(t *testing.T) {
	svc := newFakeService()
	router := api.NewHandler(svc, nil, nil).Router()

	w := do(t, router, "POST", "/jobs", `{"prompt":"a fox","model":"sora-2"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if job.ID != "task_1" || job.Kind != models.KindTextToVideo {
		t.Errorf("Unexpected job %+v", job)
	}

	w = do(t, router, "POST", "/jobs", `{"kind":"image-to-video","prompt":"move","image":"https://x/a.png"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if svc.submitted[1].Image != "https://x/a.png" {
		t.Errorf("Expected image passed through, got %q", svc.submitted[1].Image)
	}

	w = do(t, router, "GET", "/jobs", "")
	var list struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 2 || list.Jobs[0].ID != "task_1" {
		t.Errorf("Unexpected list %+v", list)
	}
}

func TestCreateJobValidation(t *testing.T) {
	router := api.NewHandler(newFakeService(), nil, nil).Router()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad kind", `{"kind":"audio","prompt":"x"}`, http.StatusBadRequest},
		{"failed record still created", `{"prompt":""}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, "POST", "/jobs", tt.body); w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateJobDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration string
		want     int
	}{
		{"number", `15`, 15},
		{"numeric string", `"15"`, 15},
		{"seconds suffix", `"25s"`, 25},
		{"non-numeric", `"abc"`, 10},
		{"null", `null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			router := api.NewHandler(svc, nil, nil).Router()

			w := do(t, router, "POST", "/jobs", `{"prompt":"a fox","duration":`+tt.duration+`}`)
			if w.Code != http.StatusCreated {
				t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
			}
			if got := svc.submitted[0].Duration; got != tt.want {
				t.Errorf("Duration = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCreateBatch(t *testing.T) {
	svc := newFakeService()
	router := api.NewHandler(svc, nil, nil).Router()

	w := do(t, router, "POST", "/jobs", `{"batch":[{"prompt":"a"},{"prompt":""},{"prompt":"c"}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	if svc.store.Len() != 3 {
		t.Errorf("Expected 3 records, got %d", svc.store.Len())
	}
}

func TestJobRoutes(t *testing.T) {
	svc := newFakeService()
	svc.store.Add(&models.Job{ID: "done", Kind: models.KindTextToVideo, Status: models.JobStatusCompleted, VideoURL: "https://v/x.mp4"})
	svc.store.Add(&models.Job{ID: "busy", Kind: models.KindTextToVideo, Status: models.JobStatusProcessing})
	router := api.NewHandler(svc, nil, nil).Router()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"get existing", "GET", "/jobs/done", http.StatusOK},
		{"get missing", "GET", "/jobs/nope", http.StatusNotFound},
		{"refresh is not an id", "POST", "/jobs/refresh", http.StatusOK},
		{"download completed", "POST", "/jobs/done/download", http.StatusOK},
		{"download unfinished", "POST", "/jobs/busy/download", http.StatusConflict},
		{"download missing", "POST", "/jobs/nope/download", http.StatusNotFound},
		{"delete", "DELETE", "/jobs/busy", http.StatusNoContent},
		{"delete again", "DELETE", "/jobs/busy", http.StatusNotFound},
		{"clear", "DELETE", "/jobs", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, tt.method, tt.path, ""); w.Code != tt.want {
				t.Errorf("%s %s: expected %d, got %d: %s", tt.method, tt.path, tt.want, w.Code, w.Body.String())
			}
		})
	}
	if svc.refreshes != 1 {
		t.Errorf("Expected 1 refresh, got %d", svc.refreshes)
	}
	if svc.store.Len() != 0 {
		t.Errorf("Expected store cleared")
	}
}

func TestHealth(t *testing.T) {
	svc := newFakeService()
	router := api.NewHandler(svc, nil, nil).Router()

	if w := do(t, router, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	svc.healthErr = errors.New("disk full")
	w := do(t, router, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "disk full") {
		t.Errorf("Expected error in body, got %s", w.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.ObserveSubmission("text-to-video", nil)
	router := api.NewHandler(newFakeService(), m, nil).Router()

	w := do(t, router, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "vidgen_jobs_submitted_total") {
		t.Errorf("Expected submission counter in output")
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	router := api.NewHandler(newFakeService(), nil, nil).Router()

	limited := 0
	for i := 0; i < 30; i++ {
		if w := do(t, router, "POST", "/jobs/refresh", ""); w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Errorf("Expected some requests to be rate limited")
	}

	for i := 0; i < 30; i++ {
		if w := do(t, router, "GET", "/jobs", ""); w.Code != http.StatusOK {
			t.Fatalf("Read routes should not be limited, got %d", w.Code)
		}
	}
}
