package cmd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/download"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/event"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/lifecycle"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/logging"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/metrics"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/poller"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/remote"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/store"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/tracing"
)

var errNoAPIKey = errors.New("no API key configured: run `vidgen config set api_key <key>` or set SORA_API_KEY")

// app holds every component for one command invocation
type app struct {
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Provider
	store      store.Store
	client     *remote.Client
	bus        event.Bus
	poller     *poller.Poller
	downloader *download.Downloader
	ctrl       *lifecycle.Controller
}

type appOptions struct {
	requireKey   bool
	autoDownload bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if opts.requireKey && !cfg.HasAPIKey() {
		return nil, errNoAPIKey
	}

	logger, err := logging.New(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		JSONFormat: strings.EqualFold(cfg.Log.Format, "json"),
		File:       cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, metrics: metrics.New()}

	a.tracer, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "vidgen",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", map[string]interface{}{"error": err})
		a.tracer, _ = tracing.InitTracer(ctx, tracing.Config{}, logger)
	}

	a.store, err = store.NewStore(store.Config{
		Type:    cfg.Store.Type,
		Path:    cfg.StorePath(),
		Limit:   cfg.Store.Limit,
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err != nil {
		logger.Close()
		return nil, err
	}

	a.client = remote.NewClient(cfg.BaseURL, cfg.APIKey,
		remote.WithUploadURL(cfg.UploadURL),
		remote.WithLogger(logger),
		remote.WithTracer(a.tracer.Tracer()),
	)
	logger.Debug("Remote client ready", map[string]interface{}{"host": a.client.Host()})
	a.bus = event.NewBus(logger)
	a.poller = poller.New(a.store, a.client, a.bus, poller.Config{
		Interval:       cfg.Poll.Interval,
		RequestSpacing: cfg.Poll.RequestSpacing,
		SkipSettled:    cfg.Poll.SkipSettled,
	}, poller.WithLogger(logger), poller.WithMetrics(a.metrics))
	a.downloader = download.New(download.WithLogger(logger), download.WithMetrics(a.metrics))

	a.ctrl = lifecycle.New(a.store, a.client, a.poller, a.downloader, a.bus, lifecycle.Config{
		OutputDir:     cfg.OutputDir,
		SubmitSpacing: cfg.Submit.Spacing,
		AutoDownload:  opts.autoDownload,
	}, lifecycle.WithLogger(logger), lifecycle.WithMetrics(a.metrics))

	return a, nil
}

// Close waits for background downloads, then releases everything
func (a *app) Close() error {
	a.ctrl.Wait()
	errs := []error{a.ctrl.Close(), a.store.Close()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.tracer.Shutdown(ctx))
	a.logger.Close()
	return errors.Join(errs...)
}
