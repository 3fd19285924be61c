package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/event"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/ratelimit"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
)

// ErrLocalOnly is returned when refreshing a job the remote service never issued
var ErrLocalOnly = errors.New("job exists only locally")

// StatusQuerier fetches remote job state
type StatusQuerier interface {
	QueryStatus(ctx context.Context, id string) (*remote.StatusResult, error)
}

// Config controls polling cadence
type Config struct {
	Interval       time.Duration // time between automatic cycles
	RequestSpacing time.Duration // minimum gap between two status requests
	SkipSettled    bool          // skip completed jobs that already have a video URL
}

// DefaultConfig returns a 10s cycle with requests 500ms apart
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		RequestSpacing: 500 * time.Millisecond,
	}
}

// CycleReport summarizes one pass over the job list
type CycleReport struct {
	Checked   int           `json:"checked"`
	Skipped   int           `json:"skipped"`
	Changed   int           `json:"changed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
}

// Poller periodically reconciles stored jobs with the remote service
type Poller struct {
	store   store.Store
	client  StatusQuerier
	bus     event.Bus
	cfg     Config
	pacer   *ratelimit.Pacer
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	cycleMu sync.Mutex // one cycle at a time, timer or manual
	trigger chan struct{}
}

// Option customizes a Poller
type Option func(*Poller)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) { p.logger = l.WithComponent("poller") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller
func New(s store.Store, client StatusQuerier, bus event.Bus, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	p := &Poller{
		store:   s,
		client:  client,
		bus:     bus,
		cfg:     cfg,
		pacer:   ratelimit.NewPacer(cfg.RequestSpacing),
		logger:  logging.Nop(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls on every tick and on every Trigger until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Polling started", map[string]interface{}{
		"interval": p.cfg.Interval.String(),
		"spacing":  p.pacer.Interval().String(),
	})

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Polling stopped")
			return nil
		case <-ticker.C:
		case <-p.trigger:
		}

		if _, err := p.RefreshAll(ctx); err != nil && ctx.Err() != nil {
			p.logger.Info("Polling stopped mid-cycle")
			return nil
		}
	}
}

// Trigger requests an immediate cycle from Run without blocking
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) skip(job *models.Job) bool {
	if models.IsLocalID(job.ID) {
		return true
	}
	return p.cfg.SkipSettled && job.Downloadable()
}

// RefreshAll runs one cycle over every known job in store order. Per-job
// failures are logged and counted; only cancellation ends the cycle early.
func (p *Poller) RefreshAll(ctx context.Context) (CycleReport, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.now()
	var report CycleReport
	finish := func() {
		report.Duration = p.now().Sub(start)
		p.metrics.ObserveCycle(report.Duration)
		if counter, ok := p.store.(interface{ StatusCounts() map[string]int }); ok {
			p.metrics.SetJobCounts(counter.StatusCounts())
		}
	}

	for _, job := range p.store.List() {
		if err := ctx.Err(); err != nil {
			finish()
			return report, err
		}
		if p.skip(job) {
			report.Skipped++
			continue
		}
		if err := p.pacer.Wait(ctx); err != nil {
			finish()
			return report, err
		}

		report.Checked++
		out, err := p.refresh(ctx, job)
		if err != nil {
			report.Errors++
			continue
		}
		if out.changed {
			report.Changed++
		}
		if out.completed {
			report.Completed++
		}
		if out.failed {
			report.Failed++
		}
	}

	finish()
	p.logger.Debug("Poll cycle finished", map[string]interface{}{
		"checked":   report.Checked,
		"skipped":   report.Skipped,
		"changed":   report.Changed,
		"completed": report.Completed,
		"errors":    report.Errors,
		"duration":  report.Duration.String(),
	})
	return report, nil
}

// RefreshJob refreshes a single job and returns its updated state
func (p *Poller) RefreshJob(ctx context.Context, id string) (*models.Job, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	job, err := p.store.Get(id)
	if err != nil {
		return nil, err
	}
	if models.IsLocalID(job.ID) {
		return job, ErrLocalOnly
	}
	if _, err := p.refresh(ctx, job); err != nil {
		return job, err
	}
	return p.store.Get(id)
}

type outcome struct {
	changed   bool
	completed bool
	failed    bool
}

func (p *Poller) refresh(ctx context.Context, job *models.Job) (outcome, error) {
	res, err := p.client.QueryStatus(ctx, job.ID)
	p.metrics.ObservePoll(err)
	if err != nil {
		p.logger.Warn("Status query failed", map[string]interface{}{
			"job_id": job.ID,
			"reason": errdefs.Reason(err),
			"error":  err,
		})
		p.publish(ctx, event.EventJobPollFailed, event.JobEvent{
			JobID:        job.ID,
			Kind:         job.Kind,
			From:         job.Status,
			To:           job.Status,
			ErrorMessage: err.Error(),
		})
		return outcome{}, err
	}

	var prevStatus models.JobStatus
	var prevURL string
	var regressed models.JobStatus
	updated, err := p.store.Update(job.ID, func(j *models.Job) {
		prevStatus, prevURL = j.Status, j.VideoURL

		next := res.Status
		if next == "" {
			next = j.Status
		}
		// terminal jobs never move back to an active state
		if j.Status.IsTerminal() && !next.IsTerminal() {
			regressed = next
			next = j.Status
		}
		j.RawResult = res.Raw
		if res.ErrorMessage != "" {
			j.ErrorMessage = res.ErrorMessage
		}
		if res.ThumbnailURL != "" {
			j.ThumbnailURL = res.ThumbnailURL
		}
		switch {
		case next != models.JobStatusCompleted:
			j.VideoURL = ""
		case res.VideoURL != "":
			j.VideoURL = res.VideoURL
		}
		j.RecordTransition(next, p.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// deleted while the request was in flight
			return outcome{}, nil
		}
		return outcome{}, err
	}

	if regressed != "" {
		p.logger.Warn("Ignoring non-terminal status for finished job", map[string]interface{}{
			"job_id":   updated.ID,
			"status":   string(updated.Status),
			"reported": string(regressed),
		})
	}

	var out outcome
	ev := event.JobEvent{
		JobID:        updated.ID,
		Kind:         updated.Kind,
		From:         prevStatus,
		To:           updated.Status,
		VideoURL:     updated.VideoURL,
		ErrorMessage: updated.ErrorMessage,
	}

	if updated.Status != prevStatus {
		out.changed = true
		p.metrics.ObserveTransition(string(updated.Status))
		p.logger.Info("Job status changed", map[string]interface{}{
			"job_id": updated.ID,
			"from":   string(prevStatus),
			"to":     string(updated.Status),
		})
		p.publish(ctx, event.EventJobStatusChanged, ev)
	}

	if updated.Status == models.JobStatusFailed && prevStatus != models.JobStatusFailed {
		out.failed = true
		p.publish(ctx, event.EventJobFailed, ev)
	}

	if updated.CompletedWithoutURL() && prevStatus != models.JobStatusCompleted {
		p.logger.Warn("Job completed without a video URL", map[string]interface{}{
			"job_id": updated.ID,
		})
	}

	// fires once: on entry to completed-with-url, or when a
	// completed-without-url job finally gets its url
	enteredDownloadable := prevStatus != models.JobStatusCompleted || prevURL == ""
	if updated.Downloadable() && enteredDownloadable && !updated.AutoDownloaded {
		out.completed = true
		p.publish(ctx, event.EventJobCompleted, ev)
	}
	return out, nil
}

func (p *Poller) publish(ctx context.Context, t event.EventType, payload event.JobEvent) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, event.Event{Type: t, Payload: payload})
}
