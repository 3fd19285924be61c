package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/retry"
)

const (
	ConnectTimeout = 10 * time.Second
	ReadTimeout    = 60 * time.Second

	// MinCompleteRatio is the share of the declared length a file must reach
	MinCompleteRatio = 0.99

	UserAgent = "Mozilla/5.0"

	progressStep        = 5       // percent
	unknownProgressStep = 5 << 20 // bytes, when no length is declared
)

// Progress is reported while a download streams. Percent is -1 when the
// server did not declare a length.
type Progress struct {
	Written int64
	Total   int64
	Percent int
}

// ProgressFunc receives progress updates; it must not block for long
type ProgressFunc func(Progress)

// Result describes a finished download
type Result struct {
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Attempts int    `json:"attempts"`
}

// Downloader streams remote videos to disk with retries
type Downloader struct {
	client      *http.Client
	retry       retry.Config
	readTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.Metrics
	freeSpace   func(dir string) (uint64, error)
}

// Option customizes a Downloader
type Option func(*Downloader)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Downloader) { d.client = hc }
}

// WithRetry replaces the retry policy
func WithRetry(cfg retry.Config) Option {
	return func(d *Downloader) { d.retry = cfg }
}

// WithReadTimeout sets how long a stream may stall before it is abandoned
func WithReadTimeout(t time.Duration) Option {
	return func(d *Downloader) { d.readTimeout = t }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(d *Downloader) { d.logger = l.WithComponent("download") }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

// New creates a downloader with a 10s connect timeout, a 60s read timeout
// and three attempts spaced 2s apart
func New(opts ...Option) *Downloader {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   ConnectTimeout,
		ResponseHeaderTimeout: ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
	}
	d := &Downloader{
		client:      &http.Client{Transport: transport},
		retry:       retry.DefaultConfig(),
		readTimeout: ReadTimeout,
		logger:      logging.Nop(),
		freeSpace:   diskFree,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Download fetches videoURL into dest, creating dest's directory if needed.
// Transport failures and truncated streams are retried; HTTP error statuses
// and local filesystem problems are not.
func (d *Downloader) Download(ctx context.Context, videoURL, dest string, progress ProgressFunc) (*Result, error) {
	if videoURL == "" {
		return nil, fmt.Errorf("no video url to download")
	}
	if err := ensureWritableDir(filepath.Dir(dest)); err != nil {
		d.metrics.ObserveDownload(0, err)
		return nil, err
	}

	cfg := d.retry
	cfg.OnRetry = func(attempt int, err error) {
		d.logger.Warn("Download attempt failed, retrying", map[string]interface{}{
			"url":     videoURL,
			"attempt": attempt,
			"reason":  errdefs.Reason(err),
			"error":   err,
		})
	}
	if cfg.Retryable == nil {
		cfg.Retryable = retry.IsRetryable
	}

	var attempts int
	var written int64
	err := retry.Do(ctx, cfg, func(attempt int) error {
		attempts = attempt
		n, err := d.fetch(ctx, videoURL, dest, progress)
		written = n
		return err
	})
	d.metrics.ObserveDownload(written, err)
	if err != nil {
		d.logger.Error("Download failed", map[string]interface{}{
			"url":      videoURL,
			"dest":     dest,
			"attempts": attempts,
			"reason":   errdefs.Reason(err),
			"error":    err,
		})
		return nil, err
	}

	d.logger.Info("Download finished", map[string]interface{}{
		"dest":     dest,
		"bytes":    written,
		"attempts": attempts,
	})
	return &Result{Path: dest, Bytes: written, Attempts: attempts}, nil
}

func (d *Downloader) fetch(parent context.Context, videoURL, dest string, progress ProgressFunc) (int64, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	target := req.URL.Redacted()

	resp, err := d.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return 0, parent.Err()
		}
		return 0, &errdefs.TransportError{Op: "GET", URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &errdefs.RemoteError{StatusCode: resp.StatusCode, Body: string(body), URL: target}
	}

	total := resp.ContentLength
	d.checkDiskSpace(filepath.Dir(dest), total)

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fileError(part, err)
	}

	body := newIdleReader(resp.Body, d.readTimeout, cancel)
	defer body.stop()
	pw := &progressWriter{total: total, report: progress, lastPct: 0}

	n, copyErr := io.Copy(io.MultiWriter(f, pw), body)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(part)
		switch {
		case parent.Err() != nil:
			return n, parent.Err()
		case body.timedOut():
			return n, &errdefs.TransportError{Op: "GET", URL: target,
				Err: fmt.Errorf("no data received for %s: %w", d.readTimeout, context.DeadlineExceeded)}
		case total > 0 && errors.Is(copyErr, io.ErrUnexpectedEOF):
			return n, &errdefs.IncompleteDownloadError{Path: dest, Expected: total, Actual: n}
		default:
			return n, &errdefs.TransportError{Op: "GET", URL: target, Err: copyErr}
		}
	}
	if closeErr != nil {
		os.Remove(part)
		return n, fileError(part, closeErr)
	}

	if err := verifySize(part, dest, total); err != nil {
		os.Remove(part)
		return n, err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return n, fileError(dest, err)
	}
	pw.finish()
	return n, nil
}

func (d *Downloader) checkDiskSpace(dir string, need int64) {
	if need <= 0 || d.freeSpace == nil {
		return
	}
	free, err := d.freeSpace(dir)
	if err != nil {
		d.logger.Debug("Could not check free disk space", map[string]interface{}{"dir": dir, "error": err})
		return
	}
	if free < uint64(need) {
		d.logger.Warn("Not enough free disk space for download", map[string]interface{}{
			"dir":  dir,
			"free": free,
			"need": need,
		})
	}
}

// verifySize checks the file on disk against the declared content length
func verifySize(path, dest string, expected int64) error {
	if expected <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fileError(path, err)
	}
	if float64(info.Size()) < float64(expected)*MinCompleteRatio {
		return &errdefs.IncompleteDownloadError{Path: dest, Expected: expected, Actual: info.Size()}
	}
	return nil
}

// ensureWritableDir creates dir and checks a file can be written in it
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fileError(dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".vidgen-write-*")
	if err != nil {
		return fileError(dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)
	return nil
}

func fileError(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s", errdefs.ErrPermissionDenied, path)
	}
	return fmt.Errorf("filesystem error on %s: %w", path, err)
}

// idleReader cancels the request when no bytes arrive for timeout
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop()          { ir.timer.Stop() }
func (ir *idleReader) timedOut() bool { return ir.fired.Load() }

// progressWriter throttles callbacks to one per progressStep percent
type progressWriter struct {
	total   int64
	written int64
	lastPct int
	lastAt  int64
	report  ProgressFunc
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.written += int64(len(p))
	if pw.report == nil {
		return len(p), nil
	}
	if pw.total <= 0 {
		if pw.written-pw.lastAt >= unknownProgressStep {
			pw.lastAt = pw.written
			pw.report(Progress{Written: pw.written, Total: -1, Percent: -1})
		}
		return len(p), nil
	}
	pct := int(pw.written * 100 / pw.total)
	if pct > 100 {
		pct = 100
	}
	if pct >= pw.lastPct+progressStep && pct < 100 {
		pw.lastPct = pct
		pw.report(Progress{Written: pw.written, Total: pw.total, Percent: pct})
	}
	return len(p), nil
}

// finish reports the final state once the file is in place
func (pw *progressWriter) finish() {
	if pw.report == nil {
		return
	}
	if pw.total <= 0 {
		pw.report(Progress{Written: pw.written, Total: -1, Percent: -1})
		return
	}
	pw.report(Progress{Written: pw.written, Total: pw.total, Percent: 100})
}
