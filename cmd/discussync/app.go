package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/agentworkforce/discussync/internal/comments"
	"github.com/agentworkforce/discussync/internal/config"
	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/metrics"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/reconcile"
	"github.com/agentworkforce/discussync/internal/remote"
	"github.com/agentworkforce/discussync/internal/session"
)

var (
	errNoProject = errors.New("no project selected (--project or discussync use <id>)")
	// errDaemonRunning is returned when a running daemon holds a single-process
	// store (file or bolt). Commands fail fast instead of waiting for it; a
	// shared store (sqlite, postgres, redis) lets them run alongside.
	errDaemonRunning = errors.New("operation log is held by a running daemon")
)

// app holds the components every command works with. The push channel and
// connectivity probe are only added by the run command.
type app struct {
	cfg        config.Config
	logger     *log.Logger
	metrics    *metrics.Metrics
	log        *oplog.Log
	remote     *remote.HTTPClient
	controller *comments.Controller
	engine     *reconcile.Engine
	projects   *session.ProjectTracker
}

type appOptions struct {
	Connectivity comments.Connectivity
	Channel      comments.Broadcaster
	Metrics      *metrics.Metrics
}

func openApp(cfg config.Config, logger *log.Logger, opts appOptions) (*app, error) {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	store, err := oplog.OpenStore(cfg.StoreDSN)
	if errors.Is(err, oplog.ErrLocked) {
		return nil, fmt.Errorf("%w (stop it or use a shared --store): %w", errDaemonRunning, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open operation log %s: %w", cfg.StoreDSN, err)
	}
	opLog, err := oplog.New(store, oplog.Options{
		Capacity: cfg.LogCapacity,
		Logger:   logger,
		OnDepth: func(projectID string, category oplog.Category, depth int) {
			m.QueueDepth(projectID, string(category), depth)
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := remote.NewHTTPClient(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.HTTPTimeout}).
		WithRetry(cfg.MaxRetries, 0, 0)
	controller, err := comments.NewController(comments.Options{
		Remote:       client,
		Log:          opLog,
		Channel:      opts.Channel,
		Identity:     session.StaticIdentity{Member: discussion.Member{ID: cfg.MemberID, Username: cfg.Username}},
		Connectivity: opts.Connectivity,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		_ = opLog.Close()
		return nil, err
	}
	engine, err := reconcile.NewEngine(opLog, client, reconcile.Options{
		Broadcaster: opts.Channel,
		Logger:      logger,
		Metrics:     m,
		OnReplayed:  controller.Replayed,
		OnRejected:  controller.Rejected,
	})
	if err != nil {
		_ = opLog.Close()
		return nil, err
	}
	projects, err := session.NewProjectTracker(cfg.ProjectFile, logger)
	if err != nil {
		_ = opLog.Close()
		return nil, err
	}
	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		log:        opLog,
		remote:     client,
		controller: controller,
		engine:     engine,
		projects:   projects,
	}, nil
}

// project picks the explicit project, falling back to the tracked one.
func (a *app) project(explicit string) (string, error) {
	if projectID := strings.TrimSpace(explicit); projectID != "" {
		return projectID, nil
	}
	if projectID := a.projects.Current(); projectID != "" {
		return projectID, nil
	}
	return "", errNoProject
}

// drainAll replays every project that still has queued operations.
func (a *app) drainAll(ctx context.Context) (int, error) {
	projectIDs, err := a.log.Projects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, projectID := range projectIDs {
		n, err := a.engine.Drain(ctx, projectID)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", projectID, err))
		}
	}
	return total, errors.Join(errs...)
}

func (a *app) Close() error {
	return a.log.Close()
}
