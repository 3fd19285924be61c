package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrDuplicateJob       = errors.New("job already exists")
	ErrUnsupportedBackend = errors.New("unsupported store type")
)

// DefaultPersistLimit is how many of the newest jobs survive a restart
const DefaultPersistLimit = 30

// Store is the authoritative list of known jobs
type Store interface {
	// Add appends a job; ids must be unique
	Add(job *models.Job) error
	// Update applies mutate to the stored job atomically and returns a copy of the result
	Update(id string, mutate func(*models.Job)) (*models.Job, error)
	Get(id string) (*models.Job, error)
	// List returns copies of all jobs in insertion order
	List() []*models.Job
	// Position returns the 1-based insertion position of id, or 0
	Position(id string) int
	Delete(id string) error
	Clear() error
	Len() int

	// HealthCheck reports the last persistence failure, if any
	HealthCheck() error
	Close() error
}

// persister is the durable side of a TaskStore
type persister interface {
	name() string
	load() ([]*models.Job, error)
	save(jobs []*models.Job) error
	close() error
}

// Config holds store configuration
type Config struct {
	Type    string // "json", "sqlite" or "memory"
	Path    string
	Limit   int // jobs kept in the persisted form; 0 means DefaultPersistLimit
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	var p persister
	switch config.Type {
	case "json", "":
		if config.Path == "" {
			return nil, fmt.Errorf("json store needs a path")
		}
		p = newJSONFile(config.Path)
	case "sqlite":
		if config.Path == "" {
			return nil, fmt.Errorf("sqlite store needs a path")
		}
		sp, err := newSQLite(config.Path, logger)
		if err != nil {
			return nil, err
		}
		p = sp
	case "memory":
		p = memoryPersister{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, config.Type)
	}
	return newTaskStore(p, config.Limit, logger, config.Metrics), nil
}

// NewMemoryStore creates a store that never touches disk
func NewMemoryStore() Store {
	return newTaskStore(memoryPersister{}, 0, logging.Nop(), nil)
}

// TaskStore keeps every job in memory and mirrors the newest ones to a persister
type TaskStore struct {
	mu      sync.RWMutex
	jobs    []*models.Job
	byID    map[string]*models.Job
	backend persister
	limit   int
	lastErr error
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func newTaskStore(p persister, limit int, logger *logging.Logger, m *metrics.Metrics) *TaskStore {
	if limit <= 0 {
		limit = DefaultPersistLimit
	}
	s := &TaskStore{
		byID:    make(map[string]*models.Job),
		backend: p,
		limit:   limit,
		logger:  logger.WithComponent("store"),
		metrics: m,
	}

	jobs, err := p.load()
	if err != nil {
		s.logger.Warn("Persisted jobs unreadable, starting empty", map[string]interface{}{
			"backend": p.name(),
			"error":   err,
		})
		jobs = nil
	}
	for _, job := range jobs {
		if job == nil || job.ID == "" {
			continue
		}
		if _, dup := s.byID[job.ID]; dup {
			continue
		}
		s.jobs = append(s.jobs, job)
		s.byID[job.ID] = job
	}
	if len(s.jobs) > 0 {
		s.logger.Info("Loaded persisted jobs", map[string]interface{}{
			"backend": p.name(),
			"count":   len(s.jobs),
		})
	}
	return s
}

// persistLocked writes the newest jobs; callers hold s.mu for writing.
// A failure is recorded and logged but never undoes the in-memory change.
func (s *TaskStore) persistLocked() {
	start := 0
	if len(s.jobs) > s.limit {
		start = len(s.jobs) - s.limit
	}
	if err := s.backend.save(s.jobs[start:]); err != nil {
		s.lastErr = fmt.Errorf("failed to persist jobs: %w", err)
		s.metrics.ObservePersistFailure(s.backend.name())
		s.logger.Error("Failed to persist jobs, keeping in-memory state", map[string]interface{}{
			"backend": s.backend.name(),
			"error":   err,
		})
		return
	}
	s.lastErr = nil
}

// Add appends a job
func (s *TaskStore) Add(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job must have an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	c := job.Clone()
	s.jobs = append(s.jobs, c)
	s.byID[c.ID] = c
	s.persistLocked()
	return nil
}

// Update applies mutate under the store lock. The id cannot be changed.
func (s *TaskStore) Update(id string, mutate func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	mutate(job)
	job.ID = id
	s.persistLocked()
	return job.Clone(), nil
}

// Get retrieves a job by ID
func (s *TaskStore) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.byID[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns all jobs in insertion order
func (s *TaskStore) List() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Job, len(s.jobs))
	for i, job := range s.jobs {
		out[i] = job.Clone()
	}
	return out
}

// Position returns the 1-based position of id
func (s *TaskStore) Position(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, job := range s.jobs {
		if job.ID == id {
			return i + 1
		}
	}
	return 0
}

// Delete removes a job
func (s *TaskStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.byID, id)
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	s.persistLocked()
	return nil
}

// Clear removes every job
func (s *TaskStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = nil
	s.byID = make(map[string]*models.Job)
	s.persistLocked()
	return nil
}

// Len returns the number of jobs held in memory
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// StatusCounts returns how many jobs are in each status
func (s *TaskStore) StatusCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, job := range s.jobs {
		counts[string(job.Status)]++
	}
	return counts
}

// HealthCheck returns the last persistence error
func (s *TaskStore) HealthCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close releases the backend
func (s *TaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.close()
}

type memoryPersister struct{}

func (memoryPersister) name() string                 { return "memory" }
func (memoryPersister) load() ([]*models.Job, error) { return nil, nil }
func (memoryPersister) save([]*models.Job) error     { return nil }
func (memoryPersister) close() error                 { return nil }
