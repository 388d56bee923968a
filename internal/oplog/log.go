// Package oplog is the durable, project-scoped queue of comment mutations that
// could not be confirmed against the remote service yet.
//
// Each project has three categories drained in a fixed order: pending creates,
// then updates, then deletes. Within a category operations are strictly FIFO.
// Removal is two-phase: PeekHead hands out the head and leaves it persisted,
// CommitHead removes it once the remote call succeeded, RequeueHead releases it
// after a failure. A crash between the remote call and the commit replays the
// operation instead of losing it. Confirmed creates leave a binding from their
// correlation token to the real id so late edits and deletes can be resolved.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/discussync/internal/discussion"
)

var (
	ErrQueueFull    = errors.New("operation log full")
	ErrHeadInFlight = errors.New("head operation already in flight")
	ErrHeadMismatch = errors.New("head operation changed")
)

type Category string

const (
	CategoryCreate Category = "pending"
	CategoryUpdate Category = "updates"
	CategoryDelete Category = "deletes"
)

// DrainOrder is the causal order categories are replayed in.
var DrainOrder = []Category{CategoryCreate, CategoryUpdate, CategoryDelete}

func (c Category) Valid() bool {
	switch c {
	case CategoryCreate, CategoryUpdate, CategoryDelete:
		return true
	}
	return false
}

func CategoryFor(action discussion.Action) (Category, error) {
	switch action {
	case discussion.ActionCreate:
		return CategoryCreate, nil
	case discussion.ActionUpdate:
		return CategoryUpdate, nil
	case discussion.ActionDelete:
		return CategoryDelete, nil
	default:
		return "", fmt.Errorf("%w: action %q", ErrInvalidInput, action)
	}
}

func Key(projectID string, category Category) string {
	return projectID + "_" + string(category)
}

func parseKey(key string) (string, Category, bool) {
	for _, category := range DrainOrder {
		suffix := "_" + string(category)
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return strings.TrimSuffix(key, suffix), category, true
		}
	}
	return "", "", false
}

// Operation is one queued mutation. Text is set for creates and updates,
// CommentID for updates and deletes. TempID carries the correlation token of a
// tentative comment so the replayed create can be matched to it.
type Operation struct {
	ID        string            `json:"opId"`
	ProjectID string            `json:"projectId"`
	Action    discussion.Action `json:"action"`
	CommentID int64             `json:"id,omitempty"`
	Text      string            `json:"text,omitempty"`
	TempID    int64             `json:"tempId,omitempty"`
	QueuedAt  time.Time         `json:"queuedAt"`
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Capacity bounds each (project, category) sequence. Appends beyond it fail
	// with ErrQueueFull; nothing is evicted.
	Capacity int
	Logger   Logger
	Now      func() time.Time
	// OnDepth is called after every change with the new depth of the category.
	OnDepth func(projectID string, category Category, depth int)
}

type Log struct {
	store    Store
	capacity int
	logger   Logger
	now      func() time.Time
	onDepth  func(projectID string, category Category, depth int)

	mu     sync.Mutex
	leased map[string]string
}

func New(store Store, opts Options) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		store:    store,
		capacity: capacity,
		logger:   opts.Logger,
		now:      now,
		onDepth:  opts.OnDepth,
		leased:   map[string]string{},
	}, nil
}

func (l *Log) Capacity() int {
	return l.capacity
}

// Append adds op to the tail of its category and persists before returning.
func (l *Log) Append(ctx context.Context, op Operation) (Operation, error) {
	projectID, err := project(op.ProjectID)
	if err != nil {
		return Operation{}, err
	}
	op.ProjectID = projectID
	category, err := CategoryFor(op.Action)
	if err != nil {
		return Operation{}, err
	}
	if err := validateOperation(op); err != nil {
		return Operation{}, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(op.ProjectID, category)
	items, err := l.loadLocked(ctx, key)
	if err != nil {
		return Operation{}, err
	}
	if len(items) >= l.capacity {
		return Operation{}, fmt.Errorf("%w: %s holds %d operations", ErrQueueFull, key, len(items))
	}
	items = append(items, op)
	if err := l.saveLocked(ctx, key, items); err != nil {
		return Operation{}, err
	}
	l.reportDepth(op.ProjectID, category, len(items))
	return op, nil
}

// PeekHead returns the oldest operation of the category and marks it in flight.
// The operation stays persisted until CommitHead. ok is false when the category
// is empty.
func (l *Log) PeekHead(ctx context.Context, projectID string, category Category) (Operation, bool, error) {
	projectID, err := scope(projectID, category)
	if err != nil {
		return Operation{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(projectID, category)
	if leasedID, ok := l.leased[key]; ok {
		return Operation{}, false, fmt.Errorf("%w: %s (%s)", ErrHeadInFlight, key, leasedID)
	}
	items, err := l.loadLocked(ctx, key)
	if err != nil {
		return Operation{}, false, err
	}
	if len(items) == 0 {
		return Operation{}, false, nil
	}
	head := items[0]
	l.leased[key] = head.ID
	return head, true, nil
}

// CommitHead removes the in-flight head once its replay has been confirmed.
// The in-flight mark is released on every return; if the removal could not be
// persisted the operation stays at the head and replays on the next drain.
func (l *Log) CommitHead(ctx context.Context, projectID string, category Category, opID string) error {
	projectID, err := scope(projectID, category)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(projectID, category)
	defer delete(l.leased, key)
	items, err := l.loadLocked(ctx, key)
	if err != nil {
		return err
	}
	if len(items) == 0 || items[0].ID != opID {
		return fmt.Errorf("%w: %s expected %s", ErrHeadMismatch, key, opID)
	}
	items = items[1:]
	if err := l.saveLocked(ctx, key, items); err != nil {
		return err
	}
	l.reportDepth(projectID, category, len(items))
	return nil
}

// RequeueHead puts op back at the front of its category after a failed replay.
// If op is still the persisted head only the in-flight mark is released.
func (l *Log) RequeueHead(ctx context.Context, projectID string, category Category, op Operation) error {
	projectID, err := scope(projectID, category)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Key(projectID, category)
	delete(l.leased, key)
	items, err := l.loadLocked(ctx, key)
	if err != nil {
		return err
	}
	if len(items) > 0 && items[0].ID == op.ID {
		return nil
	}
	items = append([]Operation{op}, items...)
	if err := l.saveLocked(ctx, key, items); err != nil {
		return err
	}
	l.reportDepth(projectID, category, len(items))
	return nil
}

func (l *Log) IsEmpty(ctx context.Context, projectID string, category Category) (bool, error) {
	n, err := l.Len(ctx, projectID, category)
	return n == 0, err
}

func (l *Log) Len(ctx context.Context, projectID string, category Category) (int, error) {
	items, err := l.Snapshot(ctx, projectID, category)
	return len(items), err
}

func (l *Log) Snapshot(ctx context.Context, projectID string, category Category) ([]Operation, error) {
	projectID, err := scope(projectID, category)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(ctx, Key(projectID, category))
}

// Pending lists the queued creates followed by the queued updates of a project.
func (l *Log) Pending(ctx context.Context, projectID string) ([]Operation, error) {
	var out []Operation
	for _, category := range []Category{CategoryCreate, CategoryUpdate} {
		items, err := l.Snapshot(ctx, projectID, category)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// Discard drops the queued create of the tentative comment commentID along
// with the edits and deletes queued against its tentative id. Nothing is
// removed when the create is in flight or has already been replayed; the
// result reports whether the create was dropped.
func (l *Log) Discard(ctx context.Context, projectID string, commentID int64) (bool, error) {
	projectID, err := project(projectID)
	if err != nil {
		return false, err
	}
	if commentID == 0 {
		return false, fmt.Errorf("%w: comment id is required", ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	createKey := Key(projectID, CategoryCreate)
	creates, err := l.loadLocked(ctx, createKey)
	if err != nil {
		return false, err
	}
	index := -1
	for i, op := range creates {
		if op.ID != l.leased[createKey] && op.targets(commentID) {
			index = i
			break
		}
	}
	if index < 0 {
		return false, nil
	}
	tentativeID := -creates[index].TempID
	creates = append(creates[:index:index], creates[index+1:]...)
	if err := l.saveLocked(ctx, createKey, creates); err != nil {
		return false, err
	}
	l.reportDepth(projectID, CategoryCreate, len(creates))

	for _, category := range []Category{CategoryUpdate, CategoryDelete} {
		key := Key(projectID, category)
		items, err := l.loadLocked(ctx, key)
		if err != nil {
			return true, err
		}
		kept := items[:0:0]
		for _, op := range items {
			if op.ID != l.leased[key] && op.CommentID == tentativeID {
				continue
			}
			kept = append(kept, op)
		}
		if len(kept) == len(items) {
			continue
		}
		if err := l.saveLocked(ctx, key, kept); err != nil {
			return true, err
		}
		l.reportDepth(projectID, category, len(kept))
	}
	return true, nil
}

// CreateQueued reports whether the create of the tentative comment commentID
// is still in the log, in flight or not.
func (l *Log) CreateQueued(ctx context.Context, projectID string, commentID int64) (bool, error) {
	items, err := l.Snapshot(ctx, projectID, CategoryCreate)
	if err != nil {
		return false, err
	}
	for _, op := range items {
		if op.targets(commentID) {
			return true, nil
		}
	}
	return false, nil
}

// Rebind records that the tentative comment fromID was confirmed as toID and
// points queued updates and deletes at toID.
func (l *Log) Rebind(ctx context.Context, projectID string, fromID, toID int64) (int, error) {
	projectID, err := project(projectID)
	if err != nil {
		return 0, err
	}
	if fromID >= 0 || toID <= 0 {
		return 0, fmt.Errorf("%w: rebind %d to %d", ErrInvalidInput, fromID, toID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bindLocked(ctx, projectID, -fromID, toID); err != nil {
		return 0, err
	}
	rebound := 0
	for _, category := range []Category{CategoryUpdate, CategoryDelete} {
		key := Key(projectID, category)
		items, err := l.loadLocked(ctx, key)
		if err != nil {
			return rebound, err
		}
		changed := false
		for i := range items {
			if items[i].CommentID == fromID {
				items[i].CommentID = toID
				changed = true
				rebound++
			}
		}
		if !changed {
			continue
		}
		if err := l.saveLocked(ctx, key, items); err != nil {
			return rebound, err
		}
	}
	return rebound, nil
}

// Resolve maps a comment id to the id the remote service knows it by. Positive
// ids resolve to themselves; a tentative id resolves once its create has been
// confirmed, through Rebind or Bind.
func (l *Log) Resolve(ctx context.Context, projectID string, commentID int64) (int64, bool, error) {
	if commentID > 0 {
		return commentID, true, nil
	}
	projectID, err := project(projectID)
	if err != nil {
		return 0, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bindings, err := l.loadBindingsLocked(ctx, projectID)
	if err != nil {
		return 0, false, err
	}
	id, ok := bindings[-commentID]
	return id, ok, nil
}

// Bind records that the comment created with correlation token was confirmed
// as commentID without going through the log.
func (l *Log) Bind(ctx context.Context, projectID string, token, commentID int64) error {
	projectID, err := project(projectID)
	if err != nil {
		return err
	}
	if token <= 0 || commentID <= 0 {
		return fmt.Errorf("%w: bind %d to %d", ErrInvalidInput, token, commentID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bindLocked(ctx, projectID, token, commentID)
}

// Clear drops every category of a project and its recorded bindings.
func (l *Log) Clear(ctx context.Context, projectID string) error {
	projectID, err := project(projectID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Delete(ctx, bindingsKey(projectID)); err != nil {
		return err
	}
	for _, category := range DrainOrder {
		key := Key(projectID, category)
		if err := l.store.Delete(ctx, key); err != nil {
			return err
		}
		delete(l.leased, key)
		l.reportDepth(projectID, category, 0)
	}
	l.logf("cleared operation log for project %s", projectID)
	return nil
}

// Projects lists the projects that have at least one queued operation.
func (l *Log) Projects(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	keys, err := l.store.Keys(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, key := range keys {
		projectID, _, ok := parseKey(key)
		if !ok {
			continue
		}
		seen[projectID] = struct{}{}
	}
	projects := make([]string, 0, len(seen))
	for projectID := range seen {
		projects = append(projects, projectID)
	}
	sort.Strings(projects)
	return projects, nil
}

func (l *Log) Close() error {
	return l.store.Close()
}

func (l *Log) loadLocked(ctx context.Context, key string) ([]Operation, error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []Operation
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return items, nil
}

func (l *Log) saveLocked(ctx context.Context, key string, items []Operation) error {
	if len(items) == 0 {
		if err := l.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := l.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func bindingsKey(projectID string) string {
	return projectID + "_bindings"
}

func (l *Log) loadBindingsLocked(ctx context.Context, projectID string) (map[int64]int64, error) {
	key := bindingsKey(projectID)
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	bindings := map[int64]int64{}
	if len(data) == 0 {
		return bindings, nil
	}
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return bindings, nil
}

// bindLocked stores token -> commentID, keeping the newest capacity entries.
func (l *Log) bindLocked(ctx context.Context, projectID string, token, commentID int64) error {
	bindings, err := l.loadBindingsLocked(ctx, projectID)
	if err != nil {
		return err
	}
	bindings[token] = commentID
	if len(bindings) > l.capacity {
		tokens := make([]int64, 0, len(bindings))
		for t := range bindings {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		for _, t := range tokens[:len(tokens)-l.capacity] {
			delete(bindings, t)
		}
	}
	data, err := json.Marshal(bindings)
	if err != nil {
		return err
	}
	key := bindingsKey(projectID)
	if err := l.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (l *Log) reportDepth(projectID string, category Category, depth int) {
	if l.onDepth != nil {
		l.onDepth(projectID, category, depth)
	}
}

func (l *Log) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

func (op Operation) targets(commentID int64) bool {
	if op.Action == discussion.ActionCreate {
		return op.TempID != 0 && (op.TempID == commentID || -op.TempID == commentID)
	}
	return op.CommentID == commentID
}

func validateOperation(op Operation) error {
	switch op.Action {
	case discussion.ActionCreate:
		if strings.TrimSpace(op.Text) == "" {
			return fmt.Errorf("%w: create requires text", ErrInvalidInput)
		}
	case discussion.ActionUpdate:
		if op.CommentID == 0 || strings.TrimSpace(op.Text) == "" {
			return fmt.Errorf("%w: update requires id and text", ErrInvalidInput)
		}
	case discussion.ActionDelete:
		if op.CommentID == 0 {
			return fmt.Errorf("%w: delete requires id", ErrInvalidInput)
		}
	}
	return nil
}

// scope trims projectID and checks it together with category.
func scope(projectID string, category Category) (string, error) {
	projectID, err := project(projectID)
	if err != nil {
		return "", err
	}
	if !category.Valid() {
		return "", fmt.Errorf("%w: category %q", ErrInvalidInput, category)
	}
	return projectID, nil
}

func project(projectID string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return "", fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	return projectID, nil
}
