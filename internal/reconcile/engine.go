// Package reconcile replays the operation log against the remote service.
//
// A project is drained category by category in the order creates, updates,
// deletes. Within a category the head is replayed until the category is
// empty. The first failure puts the head back and stops the whole project, so
// an update or delete is never sent before every earlier create went through.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/remote"
)

var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrPendingCreate   = errors.New("operation targets a comment whose create is still queued")
	ErrOrphaned        = errors.New("operation targets a comment that was never confirmed")
)

// HaltError reports the operation a drain stopped at. The operation is back
// at the head of its category.
type HaltError struct {
	ProjectID string
	Op        oplog.Operation
	Err       error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("drain halted for project %s at %s %s: %v", e.ProjectID, e.Op.Action, e.Op.ID, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

type Remote interface {
	CreateComment(ctx context.Context, projectID, text string) (discussion.Comment, error)
	UpdateComment(ctx context.Context, projectID string, id int64, text string) (discussion.Comment, error)
	DeleteComment(ctx context.Context, projectID string, id int64) error
}

// Broadcaster publishes replayed operations to the other participants.
type Broadcaster interface {
	Send(msg discussion.Message) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Metrics interface {
	Replay(category string, ok bool)
}

// Replayed describes one operation the remote service accepted during a drain.
// Comment is zero for deletes.
type Replayed struct {
	ProjectID string
	Op        oplog.Operation
	Comment   discussion.Comment
}

// Rejected describes an operation removed from the log without being sent
// because it can never apply.
type Rejected struct {
	ProjectID string
	Op        oplog.Operation
	Err       error
}

type Options struct {
	Broadcaster Broadcaster
	Logger      Logger
	Metrics     Metrics
	OnReplayed  func(Replayed)
	OnRejected  func(Rejected)
}

type Engine struct {
	log         *oplog.Log
	remote      Remote
	broadcaster Broadcaster
	logger      Logger
	metrics     Metrics
	onReplayed  func(Replayed)
	onRejected  func(Rejected)

	projects singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewEngine(log *oplog.Log, client Remote, opts Options) (*Engine, error) {
	if log == nil || client == nil {
		return nil, fmt.Errorf("%w: log and remote are required", discussion.ErrInvalidInput)
	}
	return &Engine{
		log:         log,
		remote:      client,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		onReplayed:  opts.OnReplayed,
		onRejected:  opts.OnRejected,
		inflight:    map[string]struct{}{},
	}, nil
}

// SetBroadcaster attaches the channel replayed operations are published on.
// The channel usually triggers drains itself, so it is wired after both exist.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

// Drain replays every queued operation of projectID. Concurrent calls for the
// same project share one drain and its result. It returns how many operations
// the remote service accepted.
func (e *Engine) Drain(ctx context.Context, projectID string) (int, error) {
	v, err, _ := e.projects.Do(projectID, func() (any, error) {
		return e.drain(ctx, projectID)
	})
	n, _ := v.(int)
	return n, err
}

func (e *Engine) drain(ctx context.Context, projectID string) (int, error) {
	total := 0
	for _, category := range oplog.DrainOrder {
		n, err := e.DrainCategory(ctx, projectID, category)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		e.logf("drained %d operations for project %s", total, projectID)
	}
	return total, nil
}

// DrainCategory replays one category until it is empty or an operation fails.
// A second call for the same project and category while one runs returns
// ErrDrainInProgress without touching the log.
func (e *Engine) DrainCategory(ctx context.Context, projectID string, category oplog.Category) (int, error) {
	release, ok := e.acquire(projectID, category)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDrainInProgress, oplog.Key(projectID, category))
	}
	defer release()

	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		op, ok, err := e.log.PeekHead(ctx, projectID, category)
		if err != nil {
			return replayed, err
		}
		if !ok {
			return replayed, nil
		}
		op, err = e.resolveTarget(ctx, op)
		if errors.Is(err, ErrOrphaned) {
			if err := e.reject(ctx, category, op, err); err != nil {
				return replayed, err
			}
			continue
		}
		if err != nil {
			return replayed, e.halt(ctx, op, category, err)
		}

		comment, err := e.replay(ctx, op)
		if err != nil {
			return replayed, e.halt(ctx, op, category, err)
		}
		// Bind before the create leaves the log so a tentative id always
		// resolves through one or the other.
		if op.Action == discussion.ActionCreate && op.TempID != 0 && comment.ID > 0 {
			if _, err := e.log.Rebind(ctx, projectID, -op.TempID, comment.ID); err != nil {
				e.logf("rebind of %d for project %s failed after replay: %v", -op.TempID, projectID, err)
				return replayed, errors.Join(err, e.release(ctx, category, op))
			}
		}
		if err := e.log.CommitHead(ctx, projectID, category, op.ID); err != nil {
			// The remote call went through; the operation replays again next time.
			e.logf("commit of %s for project %s failed after replay: %v", op.ID, projectID, err)
			return replayed, err
		}
		replayed++
		e.recordReplay(category, true)

		e.broadcast(op, comment)
		if e.onReplayed != nil {
			e.onReplayed(Replayed{ProjectID: projectID, Op: op, Comment: comment})
		}
	}
}

// resolveTarget points an update or delete queued against a tentative id at
// the id its create was confirmed as. While the create is still queued the
// drain has to stop; without a create or a binding the operation can never
// apply.
func (e *Engine) resolveTarget(ctx context.Context, op oplog.Operation) (oplog.Operation, error) {
	if op.Action == discussion.ActionCreate || op.CommentID >= 0 {
		return op, nil
	}
	id, ok, err := e.log.Resolve(ctx, op.ProjectID, op.CommentID)
	if err != nil {
		return op, err
	}
	if ok {
		op.CommentID = id
		return op, nil
	}
	queued, err := e.log.CreateQueued(ctx, op.ProjectID, op.CommentID)
	if err != nil {
		return op, err
	}
	if queued {
		return op, ErrPendingCreate
	}
	return op, fmt.Errorf("%w: %s of %d", ErrOrphaned, op.Action, op.CommentID)
}

func (e *Engine) reject(ctx context.Context, category oplog.Category, op oplog.Operation, cause error) error {
	if err := e.log.CommitHead(ctx, op.ProjectID, category, op.ID); err != nil {
		return err
	}
	e.recordReplay(category, false)
	e.logf("rejected %s for project %s: %v", op.ID, op.ProjectID, cause)
	if e.onRejected != nil {
		e.onRejected(Rejected{ProjectID: op.ProjectID, Op: op, Err: cause})
	}
	return nil
}

// release gives the head back without removing it.
func (e *Engine) release(ctx context.Context, category oplog.Category, op oplog.Operation) error {
	return e.log.RequeueHead(context.WithoutCancel(ctx), op.ProjectID, category, op)
}

func (e *Engine) replay(ctx context.Context, op oplog.Operation) (discussion.Comment, error) {
	switch op.Action {
	case discussion.ActionCreate:
		comment, err := e.remote.CreateComment(ctx, op.ProjectID, op.Text)
		comment.TempID = op.TempID
		return comment, err
	case discussion.ActionUpdate:
		return e.remote.UpdateComment(ctx, op.ProjectID, op.CommentID, op.Text)
	case discussion.ActionDelete:
		err := e.remote.DeleteComment(ctx, op.ProjectID, op.CommentID)
		if errors.Is(err, remote.ErrNotFound) {
			// already gone, which is what the delete asked for
			return discussion.Comment{}, nil
		}
		return discussion.Comment{}, err
	default:
		return discussion.Comment{}, fmt.Errorf("%w: action %q", discussion.ErrInvalidInput, op.Action)
	}
}

func (e *Engine) halt(ctx context.Context, op oplog.Operation, category oplog.Category, cause error) error {
	e.recordReplay(category, false)
	// The head must be released even when the caller's context is done.
	if err := e.release(ctx, category, op); err != nil {
		cause = errors.Join(cause, err)
	}
	haltErr := &HaltError{ProjectID: op.ProjectID, Op: op, Err: cause}
	e.logf("%v", haltErr)
	return haltErr
}

func (e *Engine) broadcast(op oplog.Operation, comment discussion.Comment) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b == nil {
		return
	}
	var msg discussion.Message
	switch op.Action {
	case discussion.ActionCreate:
		msg = discussion.NewCreateMessage(comment)
	case discussion.ActionUpdate:
		msg = discussion.NewUpdateMessage(comment)
	case discussion.ActionDelete:
		msg = discussion.NewDeleteMessage(op.CommentID, 0)
	}
	if err := b.Send(msg); err != nil {
		e.logf("broadcast of replayed %s for project %s failed: %v", op.Action, op.ProjectID, err)
	}
}

func (e *Engine) acquire(projectID string, category oplog.Category) (func(), bool) {
	key := oplog.Key(projectID, category)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return nil, false
	}
	e.inflight[key] = struct{}{}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.inflight, key)
	}, true
}

func (e *Engine) recordReplay(category oplog.Category, ok bool) {
	if e.metrics != nil {
		e.metrics.Replay(string(category), ok)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
