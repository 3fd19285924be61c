package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/api"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/auth"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/event"
	"github.com/Xseven888/Sora2-Video-Generator/pkg/shutdown"
	vtls "github.com/Xseven888/Sora2-Video-Generator/pkg/tls"
)

var (
	listenAddr      string
	watchInterval   time.Duration
	shutdownTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep polling tracked jobs and download finished videos",
	Long: `Watch runs in the foreground, refreshing every tracked job each poll
interval and downloading videos as jobs complete. With --listen it also
serves the job API and Prometheus metrics.

Example:
  vidgen watch
  vidgen watch --interval 30s --listen 127.0.0.1:8090`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&listenAddr, "listen", "", "address for the job API and /metrics (disabled when empty)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "override poll.interval")
	watchCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for downloads on exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchInterval > 0 {
		cfg.Poll.Interval = watchInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, appOptions{requireKey: true, autoDownload: cfg.AutoDownload})
	if err != nil {
		return err
	}

	var srv *http.Server
	if listenAddr != "" {
		if srv, err = newAPIServer(a); err != nil {
			a.Close()
			return err
		}
	}

	logger := a.logger.WithComponent("watch")
	logger.Info("Watching jobs", map[string]interface{}{
		"jobs":          len(a.ctrl.Jobs()),
		"interval":      cfg.Poll.Interval.String(),
		"auto_download": cfg.AutoDownload,
		"output_dir":    cfg.OutputDir,
	})

	unsubscribe := event.SubscribeAll(a.bus, func(_ context.Context, e event.Event) error {
		switch p := e.Payload.(type) {
		case event.JobEvent:
			logger.Info("Job event", map[string]interface{}{
				"event":  string(e.Type),
				"job_id": p.JobID,
				"status": string(p.To),
			})
		case event.DownloadEvent:
			logger.Info("Download event", map[string]interface{}{
				"event":  string(e.Type),
				"job_id": p.JobID,
				"path":   p.Path,
				"error":  p.Error,
			})
		}
		return nil
	}, event.EventJobCompleted, event.EventJobFailed, event.EventDownloadFinished, event.EventDownloadFailed)

	mgr := shutdown.New(shutdownTimeout, a.logger)
	mgr.Register("app", func(context.Context) error { return a.Close() })
	mgr.Register("downloads", shutdown.Drain(a.ctrl.Wait))

	pollDone := make(chan error, 1)
	go func() { pollDone <- a.poller.Run(ctx) }()
	mgr.Register("poller", func(hookCtx context.Context) error {
		cancel()
		select {
		case err := <-pollDone:
			return err
		case <-hookCtx.Done():
			return hookCtx.Err()
		}
	})

	if srv != nil {
		go func() {
			logger.Info("Serving job API", map[string]interface{}{
				"addr":  listenAddr,
				"tls":   srv.TLSConfig != nil,
				"token": cfg.API.TokenHash != "",
			})
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Job API stopped", map[string]interface{}{"error": err})
				mgr.Shutdown()
			}
		}()
		mgr.Register("api", shutdown.StopHTTPServer(srv))
	}
	mgr.Register("events", func(context.Context) error { unsubscribe(); return nil })

	if err := mgr.Wait(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newAPIServer(a *app) (*http.Server, error) {
	var handler http.Handler = api.NewHandler(a.ctrl, a.metrics, a.logger).Router()
	if cfg.API.TokenHash != "" {
		verifier, err := auth.NewVerifier(cfg.API.TokenHash)
		if err != nil {
			return nil, err
		}
		handler = verifier.Middleware("/health")(handler)
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !cfg.API.TLS {
		return srv, nil
	}

	certFile, keyFile := cfg.API.CertFile, cfg.API.KeyFile
	if certFile == "" || keyFile == "" {
		var err error
		host, _, _ := net.SplitHostPort(listenAddr)
		certFile, keyFile, err = vtls.EnsureSelfSigned(cfg.Dir(), host)
		if err != nil {
			return nil, err
		}
	}
	tlsConfig, err := vtls.LoadServerConfig(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = tlsConfig
	return srv, nil
}
