package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/discussync/internal/channel"
	"github.com/agentworkforce/discussync/internal/comments"
	"github.com/agentworkforce/discussync/internal/config"
	"github.com/agentworkforce/discussync/internal/dispatch"
	"github.com/agentworkforce/discussync/internal/metrics"
	"github.com/agentworkforce/discussync/internal/session"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var metricsAddr, probeURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hold the push channel open and replay queued operations as connectivity allows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("probe-url") {
				cfg.ProbeURL = probeURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, root.Project, log.Default())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&probeURL, "probe-url", "", "URL probed to detect connectivity")
	return cmd
}

// runDaemon runs until ctx is done. A non-empty projectID is made current
// before the channel connects.
func runDaemon(ctx context.Context, cfg config.Config, projectID string, logger *log.Logger) error {
	m := metrics.New()
	connectivity := session.NewConnectivity(true, logger)
	events := dispatch.New[channel.Event](logger)

	var a *app
	manager, err := channel.NewManager(channel.Options{
		Endpoint:   cfg.ChannelURL,
		Dialer:     channel.WebsocketDialer{Token: cfg.Token},
		Resolve:    func() string { return a.projects.Current() },
		Dispatcher: events,
		OnOpen: func(ctx context.Context, projectID string) error {
			n, err := a.engine.Drain(ctx, projectID)
			if n > 0 {
				logger.Printf("replayed %d operation(s) for project %s", n, projectID)
			}
			return err
		},
		Backoff:      backoff.NewConstantBackOff(cfg.ReconnectDelay),
		ResolveRetry: cfg.ResolveRetry,
		BufferSize:   cfg.BufferSize,
		Online:       connectivity.Online(),
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	a, err = openApp(cfg, logger, appOptions{Connectivity: connectivity, Channel: manager, Metrics: m})
	if err != nil {
		return err
	}
	defer a.Close()
	if projectID != "" {
		if err := a.projects.Set(projectID); err != nil {
			return err
		}
	}

	stopWatching := a.controller.WatchChannel(events)
	defer stopWatching()
	for _, name := range []string{comments.EventConfirmed, comments.EventRemote, comments.EventRejected} {
		a.controller.Events().Subscribe(name, func(e comments.Event) {
			if e.Err != nil {
				logger.Printf("%s %s of comment %d in project %s: %v", e.Name, e.Action, e.Comment.ID, e.ProjectID, e.Err)
				return
			}
			logger.Printf("%s %s of comment %d in project %s", e.Name, e.Action, e.Comment.ID, e.ProjectID)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	connectivity.Subscribe(func(online bool) {
		manager.SetOnline(online)
		if !online {
			return
		}
		g.Go(func() error {
			if _, err := a.drainAll(gctx); err != nil {
				logger.Printf("replay after reconnect failed: %v", err)
			}
			return nil
		})
	})
	a.projects.Subscribe(func(projectID string) {
		if projectID == "" {
			return
		}
		logger.Printf("switching discussion channel to project %s", projectID)
		if err := manager.Connect(projectID); err != nil {
			logger.Printf("connect to project %s failed: %v", projectID, err)
		}
	})

	g.Go(func() error { return a.projects.Watch(gctx) })
	if cfg.ProbeURL != "" {
		g.Go(func() error {
			return connectivity.Probe(gctx, &http.Client{Timeout: cfg.HTTPTimeout}, cfg.ProbeURL, cfg.ProbeInterval)
		})
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := manager.Connect(""); err != nil {
		return err
	}
	g.Go(func() error {
		n, err := a.drainAll(gctx)
		if err != nil {
			logger.Printf("startup replay failed: %v", err)
		} else if n > 0 {
			logger.Printf("startup replay sent %d operation(s)", n)
		}
		return nil
	})

	logger.Printf("discussync running against %s", cfg.BaseURL)
	err = g.Wait()
	logger.Printf("discussync stopping: %v", ctx.Err())
	return err
}
