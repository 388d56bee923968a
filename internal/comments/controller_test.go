package comments

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/discussync/internal/channel"
	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/dispatch"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/reconcile"
	"github.com/agentworkforce/discussync/internal/remote"
)

type fakeRemote struct {
	mu      sync.Mutex
	err     error
	nextID  int64
	creates []string
	updates []int64
	deletes []int64
}

func (r *fakeRemote) CreateComment(_ context.Context, _ string, text string) (discussion.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates = append(r.creates, text)
	if r.err != nil {
		return discussion.Comment{}, r.err
	}
	r.nextID++
	return discussion.Comment{ID: r.nextID, Text: text, Member: 4, Username: "ana"}, nil
}

func (r *fakeRemote) UpdateComment(_ context.Context, _ string, id int64, text string) (discussion.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, id)
	if r.err != nil {
		return discussion.Comment{}, r.err
	}
	return discussion.Comment{ID: id, Text: text}, nil
}

func (r *fakeRemote) DeleteComment(_ context.Context, _ string, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, id)
	return r.err
}

func (r *fakeRemote) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fakeIdentity struct {
	member *discussion.Member
}

func (i fakeIdentity) CurrentMember(context.Context) (discussion.Member, bool) {
	if i.member == nil {
		return discussion.Member{}, false
	}
	return *i.member, true
}

type fakeConnectivity struct {
	mu     sync.Mutex
	online bool
}

func (c *fakeConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConnectivity) set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []discussion.Message
}

func (b *fakeBroadcaster) Send(msg discussion.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

type harness struct {
	ctrl         *Controller
	remote       *fakeRemote
	log          *oplog.Log
	connectivity *fakeConnectivity
	channel      *fakeBroadcaster
	events       map[string][]Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, err := oplog.New(oplog.NewMemoryStore(), oplog.Options{})
	require.NoError(t, err)
	h := &harness{
		remote:       &fakeRemote{nextID: 40},
		log:          log,
		connectivity: &fakeConnectivity{online: true},
		channel:      &fakeBroadcaster{},
		events:       map[string][]Event{},
	}
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.ctrl, err = NewController(Options{
		Remote:       h.remote,
		Log:          log,
		Channel:      h.channel,
		Identity:     fakeIdentity{member: &discussion.Member{ID: 4, Username: "ana"}},
		Connectivity: h.connectivity,
		Now:          func() time.Time { return clock },
	})
	require.NoError(t, err)
	for _, name := range []string{EventTentative, EventConfirmed, EventQueued, EventRejected, EventDeleted, EventRemote} {
		name := name
		h.ctrl.Events().Subscribe(name, func(e Event) { h.events[name] = append(h.events[name], e) })
	}
	return h
}

func TestCreateConfirmsAndBroadcastsWithToken(t *testing.T) {
	h := newHarness(t)

	out, err := h.ctrl.Create(context.Background(), "7", "hello")
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, int64(41), out.Comment.ID)
	assert.Equal(t, discussion.StateConfirmed, out.Comment.State)

	require.Len(t, h.events[EventTentative], 1)
	tentative := h.events[EventTentative][0].Comment
	assert.Less(t, tentative.ID, int64(0))
	assert.Equal(t, -tentative.ID, tentative.TempID)
	assert.Equal(t, "ana", tentative.Username)

	require.Len(t, h.channel.sent, 1)
	assert.Equal(t, tentative.TempID, h.channel.sent[0].CorrelationToken())
	assert.Len(t, h.events[EventConfirmed], 1)
}

func TestCreateOfflineQueuesAndDrainReplaysOnce(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	ctx := context.Background()

	out, err := h.ctrl.Create(ctx, "7", "hello")
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.ErrorIs(t, out.Cause, ErrOffline)
	assert.Less(t, out.Comment.ID, int64(0))
	assert.Equal(t, discussion.StateCached, out.Comment.State)
	assert.Empty(t, h.remote.creates, "offline create must not reach the remote")

	h.connectivity.set(true)
	engine, err := reconcile.NewEngine(h.log, h.remote, reconcile.Options{OnReplayed: h.ctrl.Replayed})
	require.NoError(t, err)
	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)

	assert.Equal(t, []string{"hello"}, h.remote.creates)
	empty, err := h.log.IsEmpty(ctx, "7", oplog.CategoryCreate)
	require.NoError(t, err)
	assert.True(t, empty, "7_pending must be empty after the drain")
	require.Len(t, h.events[EventConfirmed], 1)
	assert.Equal(t, out.Comment.TempID, h.events[EventConfirmed][0].Comment.TempID)
}

func TestCreateTransientFailureQueuesSoftly(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&remote.HTTPError{StatusCode: http.StatusBadGateway})

	out, err := h.ctrl.Create(context.Background(), "7", "hello")
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.True(t, remote.IsTransient(out.Cause))
	n, _ := h.log.Len(context.Background(), "7", oplog.CategoryCreate)
	assert.Equal(t, 1, n)
	assert.Len(t, h.events[EventQueued], 1)
}

func TestCreateValidationErrorIsNotQueued(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&remote.HTTPError{StatusCode: http.StatusBadRequest, Message: "text: too long"})

	_, err := h.ctrl.Create(context.Background(), "7", "hello")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQueued))
	n, _ := h.log.Len(context.Background(), "7", oplog.CategoryCreate)
	assert.Zero(t, n)
	assert.Len(t, h.events[EventRejected], 1)
}

func TestCreateRequiresAuthenticatedMember(t *testing.T) {
	log, err := oplog.New(oplog.NewMemoryStore(), oplog.Options{})
	require.NoError(t, err)
	ctrl, err := NewController(Options{Remote: &fakeRemote{}, Log: log, Identity: fakeIdentity{}})
	require.NoError(t, err)

	_, err = ctrl.Create(context.Background(), "7", "hello")
	assert.ErrorIs(t, err, discussion.ErrNotAuthenticated)
}

func TestUpdateServerErrorQueuesPayloadAndReturnsError(t *testing.T) {
	h := newHarness(t)
	serverErr := &remote.HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	h.remote.setErr(serverErr)
	ctx := context.Background()

	out, err := h.ctrl.Update(ctx, "7", 12, "edited")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueued)
	var httpErr *remote.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.True(t, out.Queued)

	queued, err := h.log.Snapshot(ctx, "7", oplog.CategoryUpdate)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, int64(12), queued[0].CommentID)
	assert.Equal(t, "edited", queued[0].Text)
	assert.Equal(t, "7_updates", oplog.Key("7", oplog.CategoryUpdate))
}

func TestUpdateNotFoundIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&remote.HTTPError{StatusCode: http.StatusNotFound})

	_, err := h.ctrl.Update(context.Background(), "7", 12, "edited")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.False(t, errors.Is(err, ErrQueued))
}

func TestDeleteQueuesOnTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.remote.setErr(&remote.HTTPError{StatusCode: http.StatusServiceUnavailable})
	ctx := context.Background()

	err := h.ctrl.Delete(ctx, "7", 12)
	var queuedErr *QueuedError
	require.ErrorAs(t, err, &queuedErr)
	assert.Equal(t, int64(12), queuedErr.Op.CommentID)
	n, _ := h.log.Len(ctx, "7", oplog.CategoryDelete)
	assert.Equal(t, 1, n)
	assert.Len(t, h.events[EventDeleted], 1, "a queued delete removes the comment locally")
}

func TestDeleteOfTentativeCommentDiscardsQueuedCreate(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	ctx := context.Background()

	out, err := h.ctrl.Create(ctx, "7", "draft")
	require.NoError(t, err)
	_, err = h.ctrl.Update(ctx, "7", out.Comment.ID, "draft 2")
	require.ErrorIs(t, err, ErrQueued)

	pending, err := h.ctrl.Pending(ctx, "7")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, out.Comment.ID, pending[0].ID)
	assert.Equal(t, "draft 2", pending[1].Text)

	require.NoError(t, h.ctrl.Delete(ctx, "7", out.Comment.ID))
	pending, err = h.ctrl.Pending(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.remote.deletes)
}

func TestTokensAreUniqueWithinOneMillisecond(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	ctx := context.Background()

	first, err := h.ctrl.Create(ctx, "7", "a")
	require.NoError(t, err)
	second, err := h.ctrl.Create(ctx, "7", "b")
	require.NoError(t, err)
	assert.NotEqual(t, first.Comment.ID, second.Comment.ID)
	assert.Equal(t, first.Comment.TempID+1, second.Comment.TempID)
}

func TestWatchChannelDeduplicatesOwnEcho(t *testing.T) {
	h := newHarness(t)
	inbound := dispatch.New[channel.Event](nil)
	stop := h.ctrl.WatchChannel(inbound)
	ctx := context.Background()

	out, err := h.ctrl.Create(ctx, "7", "hello")
	require.NoError(t, err)

	inbound.Dispatch("create", channel.Event{Project: "7", Message: discussion.NewCreateMessage(out.Comment)})
	assert.Empty(t, h.events[EventRemote], "own echo must not look like a remote change")
	assert.Len(t, h.events[EventConfirmed], 1, "echo of an already confirmed comment is a duplicate")

	other := discussion.Comment{ID: 90, Text: "from someone else", TempID: 5}
	inbound.Dispatch("create", channel.Event{Project: "7", Message: discussion.NewCreateMessage(other)})
	inbound.Dispatch("delete", channel.Event{Project: "7", Message: discussion.NewDeleteMessage(90, 0)})
	require.Len(t, h.events[EventRemote], 2)
	assert.Equal(t, int64(90), h.events[EventRemote][0].Comment.ID)
	assert.Equal(t, discussion.ActionDelete, h.events[EventRemote][1].Action)

	stop()
	inbound.Dispatch("update", channel.Event{Project: "7", Message: discussion.NewUpdateMessage(other)})
	assert.Len(t, h.events[EventRemote], 2)
}

func TestEchoConfirmsStillTentativeComment(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	inbound := dispatch.New[channel.Event](nil)
	h.ctrl.WatchChannel(inbound)

	out, err := h.ctrl.Create(context.Background(), "7", "hello")
	require.NoError(t, err)

	echo := discussion.Comment{ID: 77, Text: "hello", TempID: out.Comment.TempID}
	inbound.Dispatch("create", channel.Event{Project: "7", Message: discussion.NewCreateMessage(echo)})
	require.Len(t, h.events[EventConfirmed], 1)
	assert.Equal(t, int64(77), h.events[EventConfirmed][0].Comment.ID)
}

func TestCloseSessionClearsProjectLog(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	ctx := context.Background()
	_, err := h.ctrl.Create(ctx, "7", "hello")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.CloseSession(ctx, "7"))
	projects, err := h.log.Projects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestEditAndDeleteAfterDirectCreateUseConfirmedID(t *testing.T) {
	h := newHarness(t)
	inbound := dispatch.New[channel.Event](nil)
	h.ctrl.WatchChannel(inbound)
	ctx := context.Background()

	out, err := h.ctrl.Create(ctx, "7", "hello")
	require.NoError(t, err)
	tentativeID := -out.Comment.TempID
	// the echo releases the in-memory token, the log binding still resolves it
	inbound.Dispatch("create", channel.Event{Project: "7", Message: discussion.NewCreateMessage(out.Comment)})

	edited, err := h.ctrl.Update(ctx, "7", tentativeID, "hello again")
	require.NoError(t, err)
	assert.Equal(t, int64(41), edited.Comment.ID)
	require.NoError(t, h.ctrl.Delete(ctx, "7", tentativeID))

	assert.Equal(t, []int64{41}, h.remote.updates)
	assert.Equal(t, []int64{41}, h.remote.deletes)
	projects, err := h.log.Projects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects, "nothing is left queued")
}

func TestEditAndDeleteAfterReplayedCreateReachRemote(t *testing.T) {
	h := newHarness(t)
	h.connectivity.set(false)
	ctx := context.Background()

	out, err := h.ctrl.Create(ctx, "7", "draft")
	require.NoError(t, err)
	tentativeID := out.Comment.ID

	h.connectivity.set(true)
	engine, err := reconcile.NewEngine(h.log, h.remote, reconcile.Options{
		OnReplayed: h.ctrl.Replayed,
		OnRejected: h.ctrl.Rejected,
	})
	require.NoError(t, err)
	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)

	// offline again: the edit is queued against the confirmed id
	h.connectivity.set(false)
	_, err = h.ctrl.Update(ctx, "7", tentativeID, "draft, edited")
	var queuedErr *QueuedError
	require.ErrorAs(t, err, &queuedErr)
	assert.Equal(t, int64(41), queuedErr.Op.CommentID)

	h.connectivity.set(true)
	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Delete(ctx, "7", tentativeID))

	assert.Equal(t, []int64{41}, h.remote.updates)
	assert.Equal(t, []int64{41}, h.remote.deletes)
	assert.Empty(t, h.events[EventRejected])
}

func TestUnknownTentativeIDIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Update(ctx, "7", -999, "edit")
	assert.ErrorIs(t, err, ErrUnknownComment)
	err = h.ctrl.Delete(ctx, "7", -999)
	assert.ErrorIs(t, err, ErrUnknownComment)

	assert.Empty(t, h.remote.updates)
	assert.Empty(t, h.remote.deletes)
	projects, err := h.log.Projects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
	assert.Len(t, h.events[EventRejected], 2)
}

func TestOrphanedReplayIsReportedAsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.log.Append(ctx, oplog.Operation{ProjectID: "7", Action: discussion.ActionUpdate, CommentID: -5, Text: "lost"})
	require.NoError(t, err)

	engine, err := reconcile.NewEngine(h.log, h.remote, reconcile.Options{OnRejected: h.ctrl.Rejected})
	require.NoError(t, err)
	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)

	require.Len(t, h.events[EventRejected], 1)
	rejected := h.events[EventRejected][0]
	assert.ErrorIs(t, rejected.Err, reconcile.ErrOrphaned)
	assert.Equal(t, int64(-5), rejected.Comment.ID)
	assert.Empty(t, h.remote.updates)
}
