// Package session provides the host-side signals the sync engine reacts to:
// which project is current, whether the device is online and who the local
// participant is.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/dispatch"
	"github.com/agentworkforce/discussync/internal/fsutil"
)

type Logger interface {
	Printf(format string, args ...any)
}

const projectChanged = "project.changed"

type projectState struct {
	ProjectID string `json:"projectId"`
}

// ProjectTracker holds the current project and persists it to a small JSON
// file so other processes (the CLI, the daemon) agree on it.
type ProjectTracker struct {
	path   string
	logger Logger
	subs   *dispatch.Dispatcher[string]

	mu      sync.Mutex
	current string
}

func NewProjectTracker(path string, logger Logger) (*ProjectTracker, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: project file is required", discussion.ErrInvalidInput)
	}
	t := &ProjectTracker{
		path:   path,
		logger: logger,
		subs:   dispatch.New[string](logger),
	}
	current, err := t.read()
	if err != nil {
		return nil, err
	}
	t.current = current
	return t, nil
}

func (t *ProjectTracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Set makes projectID current, persists it and notifies subscribers when it
// changed.
func (t *ProjectTracker) Set(projectID string) error {
	projectID = strings.TrimSpace(projectID)
	data, err := json.Marshal(projectState{ProjectID: projectID})
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(t.path, data, 0o644); err != nil {
		return err
	}
	t.update(projectID)
	return nil
}

func (t *ProjectTracker) Subscribe(fn func(projectID string)) dispatch.Subscription {
	return t.subs.Subscribe(projectChanged, fn)
}

func (t *ProjectTracker) Unsubscribe(sub dispatch.Subscription) {
	t.subs.Unsubscribe(sub)
}

// Watch follows changes other processes make to the project file until ctx is
// done.
func (t *ProjectTracker) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// The file is replaced by rename, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(t.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			current, err := t.read()
			if err != nil {
				t.logf("reading project file %s failed: %v", t.path, err)
				continue
			}
			t.update(current)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logf("project file watch error: %v", err)
		}
	}
}

func (t *ProjectTracker) update(projectID string) {
	t.mu.Lock()
	changed := t.current != projectID
	t.current = projectID
	t.mu.Unlock()
	if changed {
		t.logf("current project is now %q", projectID)
		t.subs.Dispatch(projectChanged, projectID)
	}
}

func (t *ProjectTracker) read() (string, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}
	var state projectState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", err
	}
	return strings.TrimSpace(state.ProjectID), nil
}

func (t *ProjectTracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
