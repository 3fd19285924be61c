package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/event"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
)

// fakeQuerier answers from a per-id script; the last entry repeats
type fakeQuerier struct {
	mu      sync.Mutex
	scripts map[string][]*remote.StatusResult
	errs    map[string]error
	calls   map[string]int
	hook    func(id string)
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		scripts: make(map[string][]*remote.StatusResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeQuerier) QueryStatus(ctx context.Context, id string) (*remote.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.hook != nil {
		f.hook(id)
	}
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	script := f.scripts[id]
	if len(script) == 0 {
		return &remote.StatusResult{ID: id}, nil
	}
	n := f.calls[id] - 1
	if n >= len(script) {
		n = len(script) - 1
	}
	r := *script[n]
	r.ID = id
	return &r, nil
}

func (f *fakeQuerier) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recorder struct {
	mu     sync.Mutex
	events map[event.EventType][]event.JobEvent
}

func record(bus event.Bus) *recorder {
	r := &recorder{events: make(map[event.EventType][]event.JobEvent)}
	event.SubscribeAll(bus, func(ctx context.Context, e event.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events[e.Type] = append(r.events[e.Type], e.Payload.(event.JobEvent))
		return nil
	}, event.EventJobCompleted, event.EventJobFailed, event.EventJobStatusChanged, event.EventJobPollFailed)
	return r
}

func (r *recorder) count(t event.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[t])
}

func fastConfig() Config {
	return Config{Interval: time.Hour, RequestSpacing: 0}
}

func addJob(t *testing.T, s store.Store, id string, status models.JobStatus) {
	t.Helper()
	if err := s.Add(&models.Job{ID: id, Kind: models.KindTextToVideo, Status: status, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestCompletionFiresOnce(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusPending)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{
		{Status: models.JobStatusProcessing},
		{Status: models.JobStatusCompleted, VideoURL: "https://cdn/v.mp4"},
	}

	bus := event.NewBus(nil)
	rec := record(bus)
	p := New(s, q, bus, fastConfig())

	for i := 0; i < 5; i++ {
		if _, err := p.RefreshAll(context.Background()); err != nil {
			t.Fatalf("RefreshAll: %v", err)
		}
	}

	if got := rec.count(event.EventJobCompleted); got != 1 {
		t.Errorf("completed events = %d, want 1", got)
	}
	if got := rec.count(event.EventJobStatusChanged); got != 2 {
		t.Errorf("status change events = %d, want 2", got)
	}
	job, _ := s.Get("job-1")
	if job.Status != models.JobStatusCompleted || job.VideoURL != "https://cdn/v.mp4" {
		t.Errorf("unexpected job state %+v", job)
	}
	if len(job.StateTransitions) != 2 {
		t.Errorf("transitions = %d, want 2", len(job.StateTransitions))
	}
}

func TestAutoDownloadedSuppressesEvent(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusProcessing)
	s.Update("job-1", func(j *models.Job) { j.AutoDownloaded = true })

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{{Status: models.JobStatusCompleted, VideoURL: "https://cdn/v.mp4"}}

	bus := event.NewBus(nil)
	rec := record(bus)
	New(s, q, bus, fastConfig()).RefreshAll(context.Background())

	if got := rec.count(event.EventJobCompleted); got != 0 {
		t.Errorf("completed events = %d, want 0", got)
	}
}

func TestCompletedWithoutURLThenURL(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusProcessing)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{
		{Status: models.JobStatusCompleted},
		{Status: models.JobStatusCompleted},
		{Status: models.JobStatusCompleted, VideoURL: "https://cdn/late.mp4"},
	}

	bus := event.NewBus(nil)
	rec := record(bus)
	p := New(s, q, bus, Config{Interval: time.Hour, SkipSettled: true})

	p.RefreshAll(context.Background())
	job, _ := s.Get("job-1")
	if !job.CompletedWithoutURL() {
		t.Fatalf("expected completed-without-url, got %+v", job)
	}
	if rec.count(event.EventJobCompleted) != 0 {
		t.Error("completion without url must not trigger a download")
	}

	p.RefreshAll(context.Background())
	p.RefreshAll(context.Background())
	p.RefreshAll(context.Background())

	if got := rec.count(event.EventJobCompleted); got != 1 {
		t.Errorf("completed events = %d, want 1", got)
	}
	// settled job is skipped once it has a url
	if got := q.callCount("job-1"); got != 3 {
		t.Errorf("queries = %d, want 3", got)
	}
}

func TestVideoURLOnlyStoredWhenCompleted(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusPending)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{{Status: models.JobStatusProcessing, VideoURL: "https://cdn/preview.mp4", ThumbnailURL: "https://cdn/t.jpg"}}

	New(s, q, nil, fastConfig()).RefreshAll(context.Background())
	job, _ := s.Get("job-1")
	if job.VideoURL != "" {
		t.Errorf("video url stored for processing job: %q", job.VideoURL)
	}
	if job.ThumbnailURL != "https://cdn/t.jpg" {
		t.Errorf("thumbnail = %q", job.ThumbnailURL)
	}
}

func TestFinishedJobDoesNotRegress(t *testing.T) {
	tests := []struct {
		name    string
		script  []*remote.StatusResult
		want    models.JobStatus
		wantURL string
	}{
		{
			name: "completed then processing",
			script: []*remote.StatusResult{
				{Status: models.JobStatusCompleted, VideoURL: "https://cdn/v.mp4"},
				{Status: models.JobStatusProcessing},
			},
			want:    models.JobStatusCompleted,
			wantURL: "https://cdn/v.mp4",
		},
		{
			name: "failed then queued",
			script: []*remote.StatusResult{
				{Status: models.JobStatusFailed, ErrorMessage: "policy"},
				{Status: models.JobStatusQueued},
			},
			want: models.JobStatusFailed,
		},
		{
			name: "completed then failed",
			script: []*remote.StatusResult{
				{Status: models.JobStatusCompleted, VideoURL: "https://cdn/v.mp4"},
				{Status: models.JobStatusFailed, ErrorMessage: "expired"},
			},
			want: models.JobStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			addJob(t, s, "job-1", models.JobStatusProcessing)

			q := newFakeQuerier()
			q.scripts["job-1"] = tt.script
			bus := event.NewBus(nil)
			rec := record(bus)
			p := New(s, q, bus, fastConfig())

			p.RefreshAll(context.Background())
			p.RefreshAll(context.Background())

			job, _ := s.Get("job-1")
			if job.Status != tt.want || job.VideoURL != tt.wantURL {
				t.Errorf("status = %s video_url = %q, want %s %q", job.Status, job.VideoURL, tt.want, tt.wantURL)
			}
			if (job.VideoURL != "") != (job.Status == models.JobStatusCompleted) {
				t.Errorf("video url %q stored with status %s", job.VideoURL, job.Status)
			}
			if got := rec.count(event.EventJobCompleted); got > 1 {
				t.Errorf("completed events = %d", got)
			}
		})
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusPending)
	addJob(t, s, "job-2", models.JobStatusPending)
	addJob(t, s, "job-3", models.JobStatusPending)

	q := newFakeQuerier()
	q.errs["job-2"] = &errdefs.CandidatesExhaustedError{Candidates: []string{"/v1/video/query"}, Errs: []error{errors.New("404")}}
	q.scripts["job-1"] = []*remote.StatusResult{{Status: models.JobStatusFailed, ErrorMessage: "policy"}}
	q.scripts["job-3"] = []*remote.StatusResult{{Status: models.JobStatusQueued}}

	bus := event.NewBus(nil)
	rec := record(bus)
	report, err := New(s, q, bus, fastConfig()).RefreshAll(context.Background())
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if report.Checked != 3 || report.Errors != 1 || report.Failed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if rec.count(event.EventJobPollFailed) != 1 {
		t.Error("expected a poll-failed event")
	}

	j1, _ := s.Get("job-1")
	if j1.Status != models.JobStatusFailed || j1.ErrorMessage != "policy" {
		t.Errorf("job-1 = %+v", j1)
	}
	j2, _ := s.Get("job-2")
	if j2.Status != models.JobStatusPending {
		t.Errorf("job-2 status changed despite failed query: %s", j2.Status)
	}
	j3, _ := s.Get("job-3")
	if j3.Status != models.JobStatusQueued {
		t.Errorf("job-3 = %s", j3.Status)
	}
}

func TestFailedJobsKeepBeingPolled(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusFailed)
	addJob(t, s, models.FailedIDPrefix+"20240101_000000_2", models.JobStatusFailed)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{{Status: models.JobStatusFailed}}
	p := New(s, q, nil, Config{Interval: time.Hour, SkipSettled: true})

	report, _ := p.RefreshAll(context.Background())
	if q.callCount("job-1") != 1 {
		t.Error("failed job should still be polled")
	}
	if report.Skipped != 1 {
		t.Errorf("locally minted id should be skipped, report %+v", report)
	}
}

func TestMissingStatusKeepsPrevious(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusQueued)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{{Raw: []byte(`{"progress":10}`)}}
	New(s, q, nil, fastConfig()).RefreshAll(context.Background())

	job, _ := s.Get("job-1")
	if job.Status != models.JobStatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if string(job.RawResult) != `{"progress":10}` {
		t.Errorf("raw result = %s", job.RawResult)
	}
}

func TestStopBetweenIterations(t *testing.T) {
	s := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		addJob(t, s, id, models.JobStatusPending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := newFakeQuerier()
	q.hook = func(id string) {
		if id == "b" {
			cancel()
		}
	}

	report, err := New(s, q, nil, fastConfig()).RefreshAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("checked = %d, want 2", report.Checked)
	}
	if q.callCount("c") != 0 || q.callCount("d") != 0 {
		t.Error("jobs after the stop signal were queried")
	}
}

func TestRequestSpacing(t *testing.T) {
	s := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		addJob(t, s, id, models.JobStatusPending)
	}

	p := New(s, newFakeQuerier(), nil, Config{Interval: time.Hour, RequestSpacing: 40 * time.Millisecond})
	start := time.Now()
	p.RefreshAll(context.Background())
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("3 requests took %v, expected spacing of ~40ms", elapsed)
	}
}

func TestRunTrigger(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusPending)
	q := newFakeQuerier()
	p := New(s, q, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Trigger()
	deadline := time.Now().Add(2 * time.Second)
	for q.callCount("job-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if q.callCount("job-1") == 0 {
		t.Error("trigger did not run a cycle")
	}
}

func TestRefreshJob(t *testing.T) {
	s := store.NewMemoryStore()
	addJob(t, s, "job-1", models.JobStatusPending)
	addJob(t, s, models.LocalIDPrefix+"20240101_000000_1", models.JobStatusPending)

	q := newFakeQuerier()
	q.scripts["job-1"] = []*remote.StatusResult{{Status: models.JobStatusInProgress}}
	p := New(s, q, nil, fastConfig())

	job, err := p.RefreshJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RefreshJob: %v", err)
	}
	if job.Status != models.JobStatusInProgress {
		t.Errorf("status = %s", job.Status)
	}

	if _, err := p.RefreshJob(context.Background(), models.LocalIDPrefix+"20240101_000000_1"); !errors.Is(err, ErrLocalOnly) {
		t.Errorf("expected ErrLocalOnly, got %v", err)
	}
	if _, err := p.RefreshJob(context.Background(), "missing"); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
