package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

func newJob(i int) *models.Job {
	return &models.Job{
		ID:        fmt.Sprintf("job-%02d", i),
		Kind:      models.KindTextToVideo,
		Prompt:    fmt.Sprintf("prompt %d", i),
		Status:    models.JobStatusPending,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
	}
}

func openStore(t *testing.T, typ, path string) Store {
	t.Helper()
	s, err := NewStore(Config{Type: typ, Path: path})
	if err != nil {
		t.Fatalf("NewStore(%s): %v", typ, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoundTripKeepsNewest(t *testing.T) {
	for _, typ := range []string{"json", "sqlite"} {
		t.Run(typ, func(t *testing.T) {
			for _, n := range []int{5, 30, 35} {
				path := filepath.Join(t.TempDir(), "tasks."+typ)
				s := openStore(t, typ, path)
				for i := 0; i < n; i++ {
					if err := s.Add(newJob(i)); err != nil {
						t.Fatalf("Add: %v", err)
					}
				}
				if s.Len() != n {
					t.Errorf("in-memory len = %d, want %d", s.Len(), n)
				}
				s.Close()

				reopened := openStore(t, typ, path)
				jobs := reopened.List()
				want := n
				if want > DefaultPersistLimit {
					want = DefaultPersistLimit
				}
				if len(jobs) != want {
					t.Fatalf("n=%d: reloaded %d jobs, want %d", n, len(jobs), want)
				}
				first := n - want
				for i, job := range jobs {
					if job.ID != fmt.Sprintf("job-%02d", first+i) {
						t.Errorf("n=%d: position %d has %s", n, i, job.ID)
					}
				}
			}
		})
	}
}

func TestRoundTripPreservesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	s := openStore(t, "json", path)

	job := newJob(1)
	job.Parameters = models.Parameters{Model: "sora-2-pro", Orientation: "landscape", Size: "large", Duration: 15}
	job.RawResult = []byte(`{"id":"job-01"}`)
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(job.ID, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.VideoURL = "https://cdn/v.mp4"
		j.AutoDownloaded = true
	}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	got, err := openStore(t, "json", path).Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobStatusCompleted || got.VideoURL != "https://cdn/v.mp4" || !got.AutoDownloaded {
		t.Errorf("state not persisted: %+v", got)
	}
	if got.Parameters.Duration != 15 || got.Parameters.Model != "sora-2-pro" {
		t.Errorf("parameters not persisted: %+v", got.Parameters)
	}
}

func TestCorruptOrMissingFileLoadsEmpty(t *testing.T) {
	dir := t.TempDir()

	missing := openStore(t, "json", filepath.Join(dir, "missing.json"))
	if missing.Len() != 0 {
		t.Error("missing file should load empty")
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	os.WriteFile(corrupt, []byte(`[{"id": "a", `), 0o644)
	s := openStore(t, "json", corrupt)
	if s.Len() != 0 {
		t.Error("corrupt file should load empty")
	}
	if err := s.Add(newJob(1)); err != nil {
		t.Fatalf("Add after corrupt load: %v", err)
	}
}

func TestDuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Add(newJob(1)); err != nil {
		t.Fatal(err)
	}
	err := s.Add(newJob(1))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d after duplicate insert", s.Len())
	}
	if err := s.Add(&models.Job{}); err == nil {
		t.Error("job without id should be rejected")
	}
}

func TestUpdateDeleteClear(t *testing.T) {
	s := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		s.Add(newJob(i))
	}

	updated, err := s.Update("job-02", func(j *models.Job) {
		j.ID = "renamed"
		j.Status = models.JobStatusProcessing
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != "job-02" || updated.Status != models.JobStatusProcessing {
		t.Errorf("unexpected update result %+v", updated)
	}

	if _, err := s.Update("nope", func(*models.Job) {}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if s.Position("job-03") != 3 {
		t.Errorf("Position(job-03) = %d", s.Position("job-03"))
	}

	if err := s.Delete("job-02"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("job-02"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second delete: %v", err)
	}
	if s.Position("job-03") != 2 {
		t.Errorf("Position after delete = %d", s.Position("job-03"))
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("len after clear = %d", s.Len())
	}
}

func TestListReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	s.Add(newJob(1))

	jobs := s.List()
	jobs[0].Status = models.JobStatusFailed

	got, _ := s.Get("job-01")
	if got.Status != models.JobStatusPending {
		t.Error("mutating a listed job changed the store")
	}
}

func TestPersistFailureKeepsMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	// a non-empty directory where the file should go makes every rename fail
	if err := os.MkdirAll(filepath.Join(path, "blocker"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := openStore(t, "json", path)
	if err := s.Add(newJob(1)); err != nil {
		t.Fatalf("Add should succeed in memory: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
	if s.HealthCheck() == nil {
		t.Error("HealthCheck should report the persistence failure")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := openStore(t, "json", filepath.Join(t.TempDir(), "tasks.json"))
	s.Add(newJob(1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("job-01", func(j *models.Job) {
				j.Parameters.Duration++
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get("job-01")
	if got.Parameters.Duration != 50 {
		t.Errorf("lost updates: duration = %d, want 50", got.Parameters.Duration)
	}
}

func TestUnsupportedBackend(t *testing.T) {
	if _, err := NewStore(Config{Type: "postgres"}); !errors.Is(err, ErrUnsupportedBackend) {
		t.Errorf("expected ErrUnsupportedBackend, got %v", err)
	}
}
