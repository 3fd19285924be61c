package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/download"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/event"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/models"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/poller"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/ratelimit"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
)

var (
	ErrMissingPrompt = errors.New("prompt is required")
	ErrMissingImage  = errors.New("image-to-video needs an image path or url")
	ErrUnknownKind   = errors.New("unknown job kind")
	ErrNotCompleted  = errors.New("job is not completed yet")
	ErrJobFailed     = errors.New("job failed remotely")
	ErrNoVideoURL    = errors.New("job completed without a video url")
)

// timestampLayout is used in minted ids and file names
const timestampLayout = "20060102_150405"

// JobCreator submits jobs and seed images to the remote service
type JobCreator interface {
	CreateJob(ctx context.Context, req remote.CreateRequest) (*remote.CreateResult, error)
	UploadAsset(ctx context.Context, path string) (string, error)
}

// Refresher reconciles stored jobs with the remote service
type Refresher interface {
	RefreshAll(ctx context.Context) (poller.CycleReport, error)
	RefreshJob(ctx context.Context, id string) (*models.Job, error)
}

// Fetcher downloads a finished video
type Fetcher interface {
	Download(ctx context.Context, videoURL, dest string, progress download.ProgressFunc) (*download.Result, error)
}

// Config controls submission pacing and downloads
type Config struct {
	OutputDir     string
	SubmitSpacing time.Duration // gap between successive create calls
	AutoDownload  bool
}

// DefaultConfig spaces creations 1s apart and downloads automatically
func DefaultConfig() Config {
	return Config{
		OutputDir:     ".",
		SubmitSpacing: time.Second,
		AutoDownload:  true,
	}
}

// Submission is one job request as entered by the user
type Submission struct {
	Kind        models.JobKind
	Prompt      string
	Model       string
	Orientation string
	Size        string
	Duration    int
	Image       string // local path or http(s) URL, image-to-video only
}

// Controller owns the job lifecycle from submission to downloaded file
type Controller struct {
	store     store.Store
	creator   JobCreator
	refresher Refresher
	fetcher   Fetcher
	bus       event.Bus
	cfg       Config
	pacer     *ratelimit.Pacer
	logger    *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()

	closeMu sync.Mutex // guards closed and wg.Add
	closed  bool
}

// Option customizes a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l.WithComponent("lifecycle") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New wires a controller. With AutoDownload set it listens for completed
// jobs on bus and downloads each one once.
func New(s store.Store, creator JobCreator, refresher Refresher, fetcher Fetcher, bus event.Bus, cfg Config, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     s,
		creator:   creator,
		refresher: refresher,
		fetcher:   fetcher,
		bus:       bus,
		cfg:       cfg,
		pacer:     ratelimit.NewPacer(cfg.SubmitSpacing),
		logger:    logging.Nop(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.AutoDownload && bus != nil {
		c.unsubscribe = bus.Subscribe(event.EventJobCompleted, c.onJobCompleted)
	}
	return c
}

// SubmitTextJob submits a prompt-only job. The returned job is always
// recorded; a non-nil error explains why it is marked failed.
func (c *Controller) SubmitTextJob(ctx context.Context, sub Submission) (*models.Job, error) {
	sub.Kind = models.KindTextToVideo
	return c.submit(ctx, sub, 1, "")
}

// SubmitImageJob submits a job seeded by an image. Local files are uploaded
// first; http(s) URLs are passed through.
func (c *Controller) SubmitImageJob(ctx context.Context, sub Submission) (*models.Job, error) {
	sub.Kind = models.KindImageToVideo
	return c.submit(ctx, sub, 1, "")
}

// SubmitBatch submits every entry in order, one record per entry. It stops
// early only when ctx is cancelled, returning the records made so far.
func (c *Controller) SubmitBatch(ctx context.Context, subs []Submission) ([]*models.Job, error) {
	batchID := uuid.NewString()
	jobs := make([]*models.Job, 0, len(subs))

	c.logger.Info("Submitting batch", map[string]interface{}{
		"batch_id": batchID,
		"count":    len(subs),
	})
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		job, _ := c.submit(ctx, sub, i+1, batchID)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func validate(sub Submission) error {
	if strings.TrimSpace(sub.Prompt) == "" {
		return ErrMissingPrompt
	}
	switch sub.Kind {
	case models.KindTextToVideo:
	case models.KindImageToVideo:
		if strings.TrimSpace(sub.Image) == "" {
			return ErrMissingImage
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, sub.Kind)
	}
	return nil
}

func (c *Controller) submit(ctx context.Context, sub Submission, index int, batchID string) (*models.Job, error) {
	model := sub.Model
	if model == "" {
		model = remote.ModelBase
	}
	job := &models.Job{
		Kind:   sub.Kind,
		Prompt: strings.TrimSpace(sub.Prompt),
		Parameters: models.Parameters{
			Model:       model,
			Orientation: sub.Orientation,
			Size:        sub.Size,
			Duration:    remote.NormalizeDuration(model, sub.Duration),
			SourceImage: strings.TrimSpace(sub.Image),
		},
		Status:    models.JobStatusPending,
		CreatedAt: c.now(),
		BatchID:   batchID,
	}

	res, err := c.create(ctx, sub, job)
	c.metrics.ObserveSubmission(string(sub.Kind), err)

	if err != nil {
		job.ID = c.mintID(models.FailedIDPrefix, index)
		job.Status = models.JobStatusFailed
		job.ErrorMessage = err.Error()
		c.logger.Error("Job submission failed", map[string]interface{}{
			"index":  index,
			"kind":   string(sub.Kind),
			"reason": errdefs.Reason(err),
			"error":  err,
		})
	} else {
		job.ID = res.ID
		if job.ID == "" {
			job.ID = c.mintID(models.LocalIDPrefix, index)
			c.logger.Warn("Service returned no job id, using a local one", map[string]interface{}{
				"job_id": job.ID,
			})
		}
		if res.Status != "" {
			job.Status = res.Status
		}
		job.RawResult = res.Raw
	}

	if recErr := c.record(job, index); recErr != nil {
		return job, fmt.Errorf("failed to record job: %w", recErr)
	}
	if err == nil {
		c.logger.Info("Job submitted", map[string]interface{}{
			"job_id": job.ID,
			"kind":   string(job.Kind),
			"model":  job.Parameters.Model,
		})
	}
	c.publish(event.EventJobCreated, event.JobEvent{
		JobID:        job.ID,
		Kind:         job.Kind,
		To:           job.Status,
		ErrorMessage: job.ErrorMessage,
	})
	return job.Clone(), err
}

// create validates, resolves the seed image and calls the service
func (c *Controller) create(ctx context.Context, sub Submission, job *models.Job) (*remote.CreateResult, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	var images []string
	if sub.Kind == models.KindImageToVideo {
		link, err := c.resolveImage(ctx, job.Parameters.SourceImage)
		if err != nil {
			return nil, fmt.Errorf("failed to upload image: %w", err)
		}
		job.Parameters.ImageURL = link
		images = []string{link}
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	return c.creator.CreateJob(ctx, remote.CreateRequest{
		Prompt:      job.Prompt,
		Model:       job.Parameters.Model,
		Orientation: job.Parameters.Orientation,
		Size:        job.Parameters.Size,
		Duration:    job.Parameters.Duration,
		Images:      images,
	})
}

func (c *Controller) resolveImage(ctx context.Context, src string) (string, error) {
	if remote.IsRemoteURL(src) {
		return src, nil
	}
	return c.creator.UploadAsset(ctx, src)
}

func (c *Controller) mintID(prefix string, index int) string {
	return fmt.Sprintf("%s%s_%d", prefix, c.now().Format(timestampLayout), index)
}

// record adds job to the store, renaming minted ids that collide
func (c *Controller) record(job *models.Job, index int) error {
	err := c.store.Add(job)
	if !errors.Is(err, store.ErrDuplicateJob) {
		return err
	}

	if !models.IsLocalID(job.ID) {
		c.logger.Warn("Service returned an id that is already tracked", map[string]interface{}{
			"job_id": job.ID,
		})
		job.ErrorMessage = fmt.Sprintf("service returned duplicate job id %s", job.ID)
		job.Status = models.JobStatusFailed
		job.ID = c.mintID(models.FailedIDPrefix, index)
	}

	base := job.ID
	for attempt := 0; attempt < 5; attempt++ {
		err = c.store.Add(job)
		if !errors.Is(err, store.ErrDuplicateJob) {
			return err
		}
		job.ID = base + "_" + uuid.NewString()[:8]
	}
	return err
}

// Jobs lists every tracked job in submission order
func (c *Controller) Jobs() []*models.Job {
	return c.store.List()
}

// Job returns one job
func (c *Controller) Job(id string) (*models.Job, error) {
	return c.store.Get(id)
}

// RefreshAll runs one polling cycle now
func (c *Controller) RefreshAll(ctx context.Context) (poller.CycleReport, error) {
	return c.refresher.RefreshAll(ctx)
}

// RefreshJob refreshes a single job now
func (c *Controller) RefreshJob(ctx context.Context, id string) (*models.Job, error) {
	return c.refresher.RefreshJob(ctx, id)
}

// DeleteJob forgets a job; files already downloaded are left alone
func (c *Controller) DeleteJob(id string) error {
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.logger.Info("Job deleted", map[string]interface{}{"job_id": id})
	return nil
}

// ClearAll forgets every job
func (c *Controller) ClearAll() error {
	n := c.store.Len()
	if err := c.store.Clear(); err != nil {
		return err
	}
	c.logger.Info("All jobs cleared", map[string]interface{}{"count": n})
	return nil
}

// FileName builds {index}_{kind}_{id8}_{timestamp}.mp4 for job
func (c *Controller) FileName(job *models.Job) string {
	index := c.store.Position(job.ID)
	if index == 0 {
		index = c.store.Len() + 1
	}
	return fmt.Sprintf("%d_%s_%s_%s.mp4",
		index,
		job.Kind.Label(),
		safeName(job.ShortID(8)),
		c.now().Format(timestampLayout),
	)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, s)
}

// DownloadJob downloads a completed job's video and waits for it. An empty
// dest, or a dest that is an existing directory, gets a generated file name.
func (c *Controller) DownloadJob(ctx context.Context, id, dest string, progress download.ProgressFunc) (*download.Result, error) {
	job, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == models.JobStatusFailed:
		if job.ErrorMessage != "" {
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.ErrorMessage)
		}
		return nil, ErrJobFailed
	case job.CompletedWithoutURL():
		return nil, ErrNoVideoURL
	case !job.Downloadable():
		return nil, fmt.Errorf("%w (status %s)", ErrNotCompleted, job.Status)
	}

	switch {
	case dest == "":
		dest = filepath.Join(c.cfg.OutputDir, c.FileName(job))
	default:
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			dest = filepath.Join(dest, c.FileName(job))
		}
	}
	return c.runDownload(ctx, job, dest, progress)
}

// onJobCompleted claims a job for auto-download and starts it in the background
func (c *Controller) onJobCompleted(_ context.Context, e event.Event) error {
	ev, ok := e.Payload.(event.JobEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}

	claimed := false
	job, err := c.store.Update(ev.JobID, func(j *models.Job) {
		if !j.AutoDownloaded && j.Downloadable() {
			j.AutoDownloaded = true
			claimed = true
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil
		}
		return err
	}
	if !claimed {
		return nil
	}

	dest := filepath.Join(c.cfg.OutputDir, c.FileName(job))
	c.logger.Info("Auto-downloading completed job", map[string]interface{}{
		"job_id": job.ID,
		"dest":   dest,
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.runDownload(c.ctx, job, dest, nil)
	}()
	return nil
}

func (c *Controller) runDownload(ctx context.Context, job *models.Job, dest string, progress download.ProgressFunc) (*download.Result, error) {
	c.publish(event.EventDownloadStarted, event.DownloadEvent{JobID: job.ID, Path: dest})

	res, err := c.fetcher.Download(ctx, job.VideoURL, dest, func(p download.Progress) {
		c.publish(event.EventDownloadProgress, event.DownloadEvent{
			JobID:   job.ID,
			Path:    dest,
			Written: p.Written,
			Total:   p.Total,
			Percent: p.Percent,
		})
		if progress != nil {
			progress(p)
		}
	})
	if err != nil {
		if _, uerr := c.store.Update(job.ID, func(j *models.Job) {
			j.DownloadError = fmt.Sprintf("%s: %v", errdefs.Reason(err), err)
		}); uerr != nil {
			c.logDownloadUpdate(job.ID, uerr)
		}
		c.publish(event.EventDownloadFailed, event.DownloadEvent{JobID: job.ID, Path: dest, Error: err.Error()})
		return nil, err
	}

	if _, uerr := c.store.Update(job.ID, func(j *models.Job) {
		j.VideoPath = res.Path
		j.Downloaded = true
		j.DownloadError = ""
	}); uerr != nil {
		c.logDownloadUpdate(job.ID, uerr)
	}
	c.publish(event.EventDownloadFinished, event.DownloadEvent{JobID: job.ID, Path: res.Path, Written: res.Bytes, Total: res.Bytes, Percent: 100})
	return res, nil
}

func (c *Controller) logDownloadUpdate(id string, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		c.logger.Info("Job deleted before download result was recorded", map[string]interface{}{"job_id": id})
		return
	}
	c.logger.Error("Failed to record download result", map[string]interface{}{
		"job_id": id,
		"error":  err,
	})
}

func (c *Controller) publish(t event.EventType, payload any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(c.ctx, event.Event{Type: t, Payload: payload})
}

// HealthCheck reports the last persistence failure, if any
func (c *Controller) HealthCheck() error {
	return c.store.HealthCheck()
}

// Wait blocks until background downloads have finished
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close stops listening for completions, cancels background downloads and
// waits for them to return
func (c *Controller) Close() error {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	return nil
}
