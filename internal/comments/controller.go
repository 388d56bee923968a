// Package comments is the entry point application code mutates a discussion
// through. Every mutation is tried against the remote service first; transient
// failures land in the operation log and are replayed later by the
// reconciliation engine.
package comments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/discussync/internal/channel"
	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/dispatch"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/reconcile"
	"github.com/agentworkforce/discussync/internal/remote"
)

var (
	ErrQueued       = errors.New("queued for sync")
	ErrOffline      = errors.New("offline")
	ErrNotConfirmed = errors.New("comment not confirmed yet")
	// ErrUnknownComment is returned for a tentative id that is neither queued
	// nor known to have been confirmed.
	ErrUnknownComment = errors.New("unknown tentative comment")
)

// QueuedError is returned by Update and Delete when the remote call could not
// be made or failed transiently and the operation was put in the log instead.
type QueuedError struct {
	Op  oplog.Operation
	Err error
}

func (e *QueuedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s of comment %d %s", e.Op.Action, e.Op.CommentID, ErrQueued)
	}
	return fmt.Sprintf("%s of comment %d %s: %v", e.Op.Action, e.Op.CommentID, ErrQueued, e.Err)
}

func (e *QueuedError) Is(target error) bool {
	return target == ErrQueued
}

func (e *QueuedError) Unwrap() error {
	return e.Err
}

// Outcome is what a mutation produced. Queued is set when the comment only
// exists locally for now; Cause then says why the remote call was skipped or
// failed.
type Outcome struct {
	Comment discussion.Comment
	Queued  bool
	Cause   error
}

type Remote interface {
	CreateComment(ctx context.Context, projectID, text string) (discussion.Comment, error)
	UpdateComment(ctx context.Context, projectID string, id int64, text string) (discussion.Comment, error)
	DeleteComment(ctx context.Context, projectID string, id int64) error
}

type Identity interface {
	CurrentMember(ctx context.Context) (discussion.Member, bool)
}

type Connectivity interface {
	Online() bool
}

type Broadcaster interface {
	Send(msg discussion.Message) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Metrics interface {
	CommentOutcome(action, outcome string)
}

const (
	EventTentative = "comment.tentative"
	EventConfirmed = "comment.confirmed"
	EventQueued    = "comment.queued"
	EventRejected  = "comment.rejected"
	EventDeleted   = "comment.deleted"
	// EventRemote carries changes made by other participants.
	EventRemote = "comment.remote"
)

type Event struct {
	Name      string
	ProjectID string
	Action    discussion.Action
	Comment   discussion.Comment
	Err       error
}

type Options struct {
	Remote       Remote
	Log          *oplog.Log
	Channel      Broadcaster
	Identity     Identity
	Connectivity Connectivity
	Logger       Logger
	Metrics      Metrics
	Now          func() time.Time
}

const maxTrackedTokens = 1024

type Controller struct {
	remote       Remote
	log          *oplog.Log
	channel      Broadcaster
	identity     Identity
	connectivity Connectivity
	logger       Logger
	metrics      Metrics
	now          func() time.Time
	events       *dispatch.Dispatcher[Event]

	mu        sync.Mutex
	lastToken int64
	// tokens maps correlation tokens of comments created here to their
	// confirmed id, or zero while the comment is still tentative.
	tokens map[int64]int64
}

func NewController(opts Options) (*Controller, error) {
	if opts.Remote == nil || opts.Log == nil {
		return nil, fmt.Errorf("%w: remote and log are required", discussion.ErrInvalidInput)
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("%w: identity is required", discussion.ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		remote:       opts.Remote,
		log:          opts.Log,
		channel:      opts.Channel,
		identity:     opts.Identity,
		connectivity: opts.Connectivity,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          now,
		events:       dispatch.New[Event](opts.Logger),
		tokens:       map[int64]int64{},
	}, nil
}

// Events is the lifecycle stream of comments touched through this controller.
func (c *Controller) Events() *dispatch.Dispatcher[Event] {
	return c.events
}

// Create adds a comment. When the remote service is unreachable the comment is
// queued and returned tentative with a nil error; Outcome.Queued tells the
// caller it will sync later. Non-transient rejections are returned as errors
// and nothing is queued.
func (c *Controller) Create(ctx context.Context, projectID, text string) (Outcome, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || strings.TrimSpace(text) == "" {
		return Outcome{}, fmt.Errorf("%w: project and text are required", discussion.ErrInvalidInput)
	}
	member, ok := c.identity.CurrentMember(ctx)
	if !ok {
		return Outcome{}, discussion.ErrNotAuthenticated
	}

	token := c.nextToken()
	now := c.now().UTC()
	tentative := discussion.Comment{
		ID:        -token,
		Text:      text,
		Member:    member.ID,
		Username:  member.Username,
		CreatedAt: now,
		UpdatedAt: now,
		TempID:    token,
		State:     discussion.StateTentative,
	}
	c.emit(EventTentative, projectID, discussion.ActionCreate, tentative, nil)

	cause := c.offlineCause()
	if cause == nil {
		confirmed, err := c.remote.CreateComment(ctx, projectID, text)
		if err == nil {
			confirmed.TempID = token
			confirmed.State = discussion.StateConfirmed
			c.trackToken(token, confirmed.ID)
			if err := c.log.Bind(ctx, projectID, token, confirmed.ID); err != nil {
				c.logf("bind of comment %d for project %s failed: %v", confirmed.ID, projectID, err)
			}
			c.broadcast(discussion.NewCreateMessage(confirmed))
			c.emit(EventConfirmed, projectID, discussion.ActionCreate, confirmed, nil)
			c.record(discussion.ActionCreate, "confirmed")
			return Outcome{Comment: confirmed}, nil
		}
		if !remote.IsTransient(err) {
			return Outcome{}, c.reject(projectID, discussion.ActionCreate, tentative, err)
		}
		cause = err
	}

	if _, err := c.log.Append(ctx, oplog.Operation{
		ProjectID: projectID,
		Action:    discussion.ActionCreate,
		Text:      text,
		TempID:    token,
	}); err != nil {
		return Outcome{}, c.reject(projectID, discussion.ActionCreate, tentative, fmt.Errorf("queue create: %w", err))
	}
	tentative.State = discussion.StateCached
	c.trackToken(token, 0)
	c.emit(EventQueued, projectID, discussion.ActionCreate, tentative, cause)
	c.record(discussion.ActionCreate, "queued")
	c.logf("create for project %s queued: %v", projectID, cause)
	return Outcome{Comment: tentative, Queued: true, Cause: cause}, nil
}

// Update edits a comment. A transient failure queues the edit and returns a
// *QueuedError alongside the locally edited comment. A tentative id is
// replaced by the confirmed id once its create has gone through.
func (c *Controller) Update(ctx context.Context, projectID string, id int64, text string) (Outcome, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || id == 0 || strings.TrimSpace(text) == "" {
		return Outcome{}, fmt.Errorf("%w: project, id and text are required", discussion.ErrInvalidInput)
	}
	if _, ok := c.identity.CurrentMember(ctx); !ok {
		return Outcome{}, discussion.ErrNotAuthenticated
	}
	local := discussion.Comment{ID: id, Text: text, UpdatedAt: c.now().UTC(), State: discussion.StateTentative}

	id, cause := c.target(ctx, projectID, id)
	if cause != nil && !errors.Is(cause, ErrNotConfirmed) {
		return Outcome{}, c.reject(projectID, discussion.ActionUpdate, local, cause)
	}
	local.ID = id
	if cause == nil {
		cause = c.offlineCause()
	}
	if cause == nil {
		confirmed, err := c.remote.UpdateComment(ctx, projectID, id, text)
		if err == nil {
			confirmed.State = discussion.StateConfirmed
			c.broadcast(discussion.NewUpdateMessage(confirmed))
			c.emit(EventConfirmed, projectID, discussion.ActionUpdate, confirmed, nil)
			c.record(discussion.ActionUpdate, "confirmed")
			return Outcome{Comment: confirmed}, nil
		}
		if !remote.IsTransient(err) {
			return Outcome{}, c.reject(projectID, discussion.ActionUpdate, local, err)
		}
		cause = err
	}

	op, err := c.log.Append(ctx, oplog.Operation{
		ProjectID: projectID,
		Action:    discussion.ActionUpdate,
		CommentID: id,
		Text:      text,
	})
	if err != nil {
		return Outcome{}, c.reject(projectID, discussion.ActionUpdate, local, fmt.Errorf("queue update: %w", err))
	}
	local.State = discussion.StateCached
	c.emit(EventQueued, projectID, discussion.ActionUpdate, local, cause)
	c.record(discussion.ActionUpdate, "queued")
	return Outcome{Comment: local, Queued: true, Cause: cause}, &QueuedError{Op: op, Err: cause}
}

// Delete removes a comment. Deleting a comment whose create is still queued
// drops the create and its edits instead of calling the remote service.
func (c *Controller) Delete(ctx context.Context, projectID string, id int64) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || id == 0 {
		return fmt.Errorf("%w: project and id are required", discussion.ErrInvalidInput)
	}
	if _, ok := c.identity.CurrentMember(ctx); !ok {
		return discussion.ErrNotAuthenticated
	}
	gone := discussion.Comment{ID: id}

	if id < 0 {
		dropped, err := c.log.Discard(ctx, projectID, id)
		if err != nil {
			return err
		}
		if dropped {
			c.forgetToken(-id)
			c.emit(EventDeleted, projectID, discussion.ActionDelete, gone, nil)
			c.record(discussion.ActionDelete, "discarded")
			return nil
		}
	}
	id, cause := c.target(ctx, projectID, id)
	if cause != nil && !errors.Is(cause, ErrNotConfirmed) {
		return c.reject(projectID, discussion.ActionDelete, gone, cause)
	}
	gone.ID = id
	if cause == nil {
		cause = c.offlineCause()
	}
	if cause == nil {
		err := c.remote.DeleteComment(ctx, projectID, id)
		if err == nil {
			c.broadcast(discussion.NewDeleteMessage(id, 0))
			c.emit(EventDeleted, projectID, discussion.ActionDelete, gone, nil)
			c.record(discussion.ActionDelete, "confirmed")
			return nil
		}
		if !remote.IsTransient(err) {
			return c.reject(projectID, discussion.ActionDelete, gone, err)
		}
		cause = err
	}

	op, err := c.log.Append(ctx, oplog.Operation{
		ProjectID: projectID,
		Action:    discussion.ActionDelete,
		CommentID: id,
	})
	if err != nil {
		return c.reject(projectID, discussion.ActionDelete, gone, fmt.Errorf("queue delete: %w", err))
	}
	gone.State = discussion.StateCached
	c.emit(EventDeleted, projectID, discussion.ActionDelete, gone, cause)
	c.record(discussion.ActionDelete, "queued")
	return &QueuedError{Op: op, Err: cause}
}

// Pending lists the comments of a project that exist only in the operation
// log: queued creates followed by queued edits.
func (c *Controller) Pending(ctx context.Context, projectID string) ([]discussion.Comment, error) {
	ops, err := c.log.Pending(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]discussion.Comment, 0, len(ops))
	for _, op := range ops {
		comment := discussion.Comment{
			ID:        op.CommentID,
			Text:      op.Text,
			UpdatedAt: op.QueuedAt,
			TempID:    op.TempID,
			State:     discussion.StateCached,
		}
		if op.Action == discussion.ActionCreate {
			comment.ID = -op.TempID
			comment.CreatedAt = op.QueuedAt
		}
		out = append(out, comment)
	}
	return out, nil
}

// CloseSession drops everything queued for the project.
func (c *Controller) CloseSession(ctx context.Context, projectID string) error {
	if err := c.log.Clear(ctx, projectID); err != nil {
		return err
	}
	c.logf("session closed for project %s", projectID)
	return nil
}

// Replayed is the reconciliation hook that turns cached comments into
// confirmed ones once their operation reached the remote service.
func (c *Controller) Replayed(r reconcile.Replayed) {
	switch r.Op.Action {
	case discussion.ActionCreate:
		if r.Op.TempID != 0 {
			c.trackToken(r.Op.TempID, r.Comment.ID)
		}
		comment := r.Comment
		comment.State = discussion.StateConfirmed
		c.emit(EventConfirmed, r.ProjectID, discussion.ActionCreate, comment, nil)
	case discussion.ActionUpdate:
		comment := r.Comment
		comment.State = discussion.StateConfirmed
		c.emit(EventConfirmed, r.ProjectID, discussion.ActionUpdate, comment, nil)
	case discussion.ActionDelete:
		c.emit(EventDeleted, r.ProjectID, discussion.ActionDelete, discussion.Comment{ID: r.Op.CommentID}, nil)
	}
}

// Rejected is the reconciliation hook for operations dropped from the log
// because they could never apply.
func (c *Controller) Rejected(r reconcile.Rejected) {
	comment := discussion.Comment{ID: r.Op.CommentID, Text: r.Op.Text, TempID: r.Op.TempID}
	c.reject(r.ProjectID, r.Op.Action, comment, r.Err)
}

// WatchChannel follows inbound channel frames. Echoes of comments created
// here are recognised by their correlation token: the direct remote response
// already confirmed them, so an echo only confirms a comment that is still
// tentative. Everything else is re-emitted as EventRemote. The returned func
// stops watching.
func (c *Controller) WatchChannel(events *dispatch.Dispatcher[channel.Event]) func() {
	subs := []dispatch.Subscription{
		events.Subscribe(string(discussion.ActionCreate), c.onChannelEvent),
		events.Subscribe(string(discussion.ActionUpdate), c.onChannelEvent),
		events.Subscribe(string(discussion.ActionDelete), c.onChannelEvent),
	}
	return func() {
		for _, sub := range subs {
			events.Unsubscribe(sub)
		}
	}
}

func (c *Controller) onChannelEvent(e channel.Event) {
	switch msg := e.Message.(type) {
	case discussion.CreateMessage:
		if token := msg.CorrelationToken(); token != 0 {
			confirmedID, known := c.claimToken(token)
			if known {
				if confirmedID == 0 {
					comment := msg.Comment
					comment.State = discussion.StateConfirmed
					c.emit(EventConfirmed, e.Project, discussion.ActionCreate, comment, nil)
				}
				return
			}
		}
		c.emit(EventRemote, e.Project, discussion.ActionCreate, msg.Comment, nil)
	case discussion.UpdateMessage:
		c.emit(EventRemote, e.Project, discussion.ActionUpdate, msg.Comment, nil)
	case discussion.DeleteMessage:
		c.emit(EventRemote, e.Project, discussion.ActionDelete, discussion.Comment{ID: msg.ID}, nil)
	}
}

// claimToken resolves an echo of a locally created comment. It returns the id
// the comment was confirmed under before the echo (zero if it was still
// tentative) and whether the token was ours at all. A claimed token is
// forgotten; later echoes count as remote changes.
func (c *Controller) claimToken(token int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	confirmedID, ok := c.tokens[token]
	if !ok {
		return 0, false
	}
	delete(c.tokens, token)
	return confirmedID, true
}

// target maps id to the id the remote service knows the comment by. A
// tentative id whose create is still queued comes back unchanged with
// ErrNotConfirmed; one that is neither queued nor confirmed yields
// ErrUnknownComment.
func (c *Controller) target(ctx context.Context, projectID string, id int64) (int64, error) {
	if id > 0 {
		return id, nil
	}
	if confirmedID, ok := c.confirmedToken(-id); ok {
		return confirmedID, nil
	}
	resolved, ok, err := c.log.Resolve(ctx, projectID, id)
	if err != nil {
		return id, err
	}
	if ok {
		return resolved, nil
	}
	queued, err := c.log.CreateQueued(ctx, projectID, id)
	if err != nil {
		return id, err
	}
	if queued {
		return id, ErrNotConfirmed
	}
	// the binding is written before the create leaves the log
	resolved, ok, err = c.log.Resolve(ctx, projectID, id)
	if err != nil {
		return id, err
	}
	if ok {
		return resolved, nil
	}
	return id, fmt.Errorf("%w: %d", ErrUnknownComment, id)
}

func (c *Controller) confirmedToken(token int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	confirmedID, ok := c.tokens[token]
	return confirmedID, ok && confirmedID > 0
}

func (c *Controller) nextToken() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := c.now().UnixMilli()
	if token <= c.lastToken {
		token = c.lastToken + 1
	}
	c.lastToken = token
	return token
}

func (c *Controller) trackToken(token, confirmedID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = confirmedID
	if len(c.tokens) <= maxTrackedTokens {
		return
	}
	oldest := make([]int64, 0, len(c.tokens))
	for t := range c.tokens {
		oldest = append(oldest, t)
	}
	sort.Slice(oldest, func(i, j int) bool { return oldest[i] < oldest[j] })
	for _, t := range oldest[:len(oldest)-maxTrackedTokens] {
		delete(c.tokens, t)
	}
}

func (c *Controller) forgetToken(token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
}

func (c *Controller) offlineCause() error {
	if c.connectivity != nil && !c.connectivity.Online() {
		return ErrOffline
	}
	return nil
}

func (c *Controller) reject(projectID string, action discussion.Action, comment discussion.Comment, err error) error {
	c.emit(EventRejected, projectID, action, comment, err)
	c.record(action, "rejected")
	return err
}

func (c *Controller) broadcast(msg discussion.Message) {
	if c.channel == nil {
		return
	}
	if err := c.channel.Send(msg); err != nil {
		c.logf("broadcast of %s failed: %v", msg.Action(), err)
	}
}

func (c *Controller) emit(name, projectID string, action discussion.Action, comment discussion.Comment, err error) {
	c.events.Dispatch(name, Event{
		Name:      name,
		ProjectID: projectID,
		Action:    action,
		Comment:   comment,
		Err:       err,
	})
}

func (c *Controller) record(action discussion.Action, outcome string) {
	if c.metrics != nil {
		c.metrics.CommentOutcome(string(action), outcome)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
