package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/oplog"
	"github.com/agentworkforce/discussync/internal/remote"
)

type call struct {
	action discussion.Action
	id     int64
	text   string
}

type fakeRemote struct {
	mu     sync.Mutex
	calls  []call
	nextID int64
	// fail maps a text or id to the error the next call for it returns.
	fail  map[string]error
	block chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: 100, fail: map[string]error{}}
}

func (r *fakeRemote) record(c call, key string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if err, ok := r.fail[key]; ok {
		delete(r.fail, key)
		return err
	}
	return nil
}

func (r *fakeRemote) CreateComment(_ context.Context, _ string, text string) (discussion.Comment, error) {
	if err := r.record(call{action: discussion.ActionCreate, text: text}, text); err != nil {
		return discussion.Comment{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return discussion.Comment{ID: r.nextID, Text: text}, nil
}

func (r *fakeRemote) UpdateComment(_ context.Context, _ string, id int64, text string) (discussion.Comment, error) {
	if err := r.record(call{action: discussion.ActionUpdate, id: id, text: text}, fmt.Sprint(id)); err != nil {
		return discussion.Comment{}, err
	}
	return discussion.Comment{ID: id, Text: text}, nil
}

func (r *fakeRemote) DeleteComment(_ context.Context, _ string, id int64) error {
	return r.record(call{action: discussion.ActionDelete, id: id}, fmt.Sprint(id))
}

func (r *fakeRemote) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
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

var serverError = &remote.HTTPError{StatusCode: http.StatusInternalServerError, Message: "boom"}

func newTestEngine(t *testing.T, client Remote, opts Options) (*Engine, *oplog.Log) {
	t.Helper()
	log, err := oplog.New(oplog.NewMemoryStore(), oplog.Options{})
	require.NoError(t, err)
	engine, err := NewEngine(log, client, opts)
	require.NoError(t, err)
	return engine, log
}

func queue(t *testing.T, log *oplog.Log, ops ...oplog.Operation) {
	t.Helper()
	for _, op := range ops {
		if op.ProjectID == "" {
			op.ProjectID = "7"
		}
		_, err := log.Append(context.Background(), op)
		require.NoError(t, err)
	}
}

func create(text string) oplog.Operation {
	return oplog.Operation{Action: discussion.ActionCreate, Text: text}
}

func update(id int64, text string) oplog.Operation {
	return oplog.Operation{Action: discussion.ActionUpdate, CommentID: id, Text: text}
}

func del(id int64) oplog.Operation {
	return oplog.Operation{Action: discussion.ActionDelete, CommentID: id}
}

func TestDrainReplaysCreatesInOrderAndEmptiesLog(t *testing.T) {
	client := newFakeRemote()
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, create("one"), create("two"), create("three"))

	n, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	calls := client.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{calls[0].text, calls[1].text, calls[2].text})
	empty, err := log.IsEmpty(context.Background(), "7", oplog.CategoryCreate)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDrainOfEmptyLogMakesNoCalls(t *testing.T) {
	client := newFakeRemote()
	engine, log := newTestEngine(t, client, Options{})

	n, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.snapshot())
	projects, err := log.Projects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestDrainSendsCreatesBeforeUpdatesBeforeDeletes(t *testing.T) {
	client := newFakeRemote()
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, del(3), update(2, "edit"), create("a"), del(4), create("b"), update(5, "edit 2"))

	_, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)

	var actions []discussion.Action
	for _, c := range client.snapshot() {
		actions = append(actions, c.action)
	}
	assert.Equal(t, []discussion.Action{
		discussion.ActionCreate, discussion.ActionCreate,
		discussion.ActionUpdate, discussion.ActionUpdate,
		discussion.ActionDelete, discussion.ActionDelete,
	}, actions)
}

func TestFailureHaltsCategoryAndProject(t *testing.T) {
	client := newFakeRemote()
	client.fail["two"] = serverError
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, create("one"), create("two"), create("three"), update(9, "later"))
	ctx := context.Background()

	n, err := engine.Drain(ctx, "7")
	require.Error(t, err)
	assert.Equal(t, 1, n)
	var haltErr *HaltError
	require.ErrorAs(t, err, &haltErr)
	assert.Equal(t, "two", haltErr.Op.Text)
	assert.ErrorIs(t, err, serverError)

	calls := client.snapshot()
	require.Len(t, calls, 2, "three and the update must not be attempted")
	assert.Equal(t, "one", calls[0].text)
	assert.Equal(t, "two", calls[1].text)

	pending, err := log.Snapshot(ctx, "7", oplog.CategoryCreate)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "two", pending[0].Text)

	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)
	calls = client.snapshot()
	require.Len(t, calls, 5)
	assert.Equal(t, "two", calls[2].text, "retry starts at the failed head")
	assert.Equal(t, "three", calls[3].text)
	assert.Equal(t, discussion.ActionUpdate, calls[4].action)
}

func TestConcurrentDrainsReplayOnce(t *testing.T) {
	client := newFakeRemote()
	client.block = make(chan struct{})
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, create("one"), create("two"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Drain(ctx, "7")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(client.block)
	wg.Wait()

	assert.Len(t, client.snapshot(), 2)
}

func TestConcurrentCategoryDrainIsRejected(t *testing.T) {
	client := newFakeRemote()
	client.block = make(chan struct{})
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, create("one"))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := engine.DrainCategory(ctx, "7", oplog.CategoryCreate)
		done <- err
	}()
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		_, busy := engine.inflight[oplog.Key("7", oplog.CategoryCreate)]
		return busy
	}, time.Second, time.Millisecond)

	_, err := engine.DrainCategory(ctx, "7", oplog.CategoryCreate)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	close(client.block)
	require.NoError(t, <-done)
	assert.Len(t, client.snapshot(), 1)
}

func TestReplayedCreateRebindsQueuedUpdates(t *testing.T) {
	client := newFakeRemote()
	broadcaster := &fakeBroadcaster{}
	var replayed []Replayed
	engine, log := newTestEngine(t, client, Options{
		Broadcaster: broadcaster,
		OnReplayed:  func(r Replayed) { replayed = append(replayed, r) },
	})
	token := int64(1714557600000)
	queue(t, log,
		oplog.Operation{Action: discussion.ActionCreate, Text: "draft", TempID: token},
		update(-token, "draft, edited"),
	)

	_, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)

	calls := client.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(101), calls[1].id, "update goes to the server-assigned id")

	require.Len(t, broadcaster.sent, 2)
	assert.Equal(t, token, broadcaster.sent[0].CorrelationToken(), "replayed create keeps its correlation token")
	assert.Equal(t, discussion.ActionUpdate, broadcaster.sent[1].Action())

	require.Len(t, replayed, 2)
	assert.Equal(t, int64(101), replayed[0].Comment.ID)
	assert.Equal(t, token, replayed[0].Op.TempID)
}

func TestDeleteOfMissingCommentCountsAsReplayed(t *testing.T) {
	client := newFakeRemote()
	client.fail["12"] = &remote.HTTPError{StatusCode: http.StatusNotFound}
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, del(12))

	n, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	empty, _ := log.IsEmpty(context.Background(), "7", oplog.CategoryDelete)
	assert.True(t, empty)
}

func TestOrphanedTentativeUpdateIsRejected(t *testing.T) {
	client := newFakeRemote()
	var rejected []Rejected
	engine, log := newTestEngine(t, client, Options{
		OnRejected: func(r Rejected) { rejected = append(rejected, r) },
	})
	queue(t, log, update(-55, "never created"), update(3, "real"))

	n, err := engine.Drain(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	calls := client.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(3), calls[0].id)

	require.Len(t, rejected, 1)
	assert.Equal(t, int64(-55), rejected[0].Op.CommentID)
	assert.ErrorIs(t, rejected[0].Err, ErrOrphaned)
}

func TestLateOpsOnReplayedCreateUseConfirmedID(t *testing.T) {
	client := newFakeRemote()
	var rejected []Rejected
	engine, log := newTestEngine(t, client, Options{
		OnRejected: func(r Rejected) { rejected = append(rejected, r) },
	})
	ctx := context.Background()
	token := int64(1714557600000)
	queue(t, log, oplog.Operation{Action: discussion.ActionCreate, Text: "draft", TempID: token})
	_, err := engine.Drain(ctx, "7")
	require.NoError(t, err)

	// queued after the create was confirmed, still against the tentative id
	queue(t, log, update(-token, "draft, edited"), del(-token))
	n, err := engine.Drain(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, rejected)

	calls := client.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, call{action: discussion.ActionUpdate, id: 101, text: "draft, edited"}, calls[1])
	assert.Equal(t, call{action: discussion.ActionDelete, id: 101}, calls[2])
}

func TestUpdateWaitsForItsQueuedCreate(t *testing.T) {
	client := newFakeRemote()
	engine, log := newTestEngine(t, client, Options{})
	ctx := context.Background()
	queue(t, log, update(-9, "edit of a draft"))
	queue(t, log, oplog.Operation{Action: discussion.ActionCreate, Text: "draft", TempID: 9})

	_, err := engine.DrainCategory(ctx, "7", oplog.CategoryUpdate)
	require.ErrorIs(t, err, ErrPendingCreate)
	assert.Empty(t, client.snapshot())

	_, err = engine.Drain(ctx, "7")
	require.NoError(t, err)
	calls := client.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(101), calls[1].id)
}

// failingStore fails every write while failWrites is set.
type failingStore struct {
	*oplog.MemoryStore
	mu         sync.Mutex
	failWrites bool
}

func (s *failingStore) setFailWrites(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = v
}

func (s *failingStore) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("disk full")
	}
	return nil
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryStore.Put(ctx, key, value)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, key)
}

func TestFailedCommitDoesNotWedgeCategory(t *testing.T) {
	client := newFakeRemote()
	store := &failingStore{MemoryStore: oplog.NewMemoryStore()}
	log, err := oplog.New(store, oplog.Options{})
	require.NoError(t, err)
	engine, err := NewEngine(log, client, Options{})
	require.NoError(t, err)
	ctx := context.Background()
	queue(t, log, del(12))

	store.setFailWrites(true)
	_, err = engine.Drain(ctx, "7")
	require.Error(t, err)
	assert.NotErrorIs(t, err, oplog.ErrHeadInFlight)

	store.setFailWrites(false)
	n, err := engine.Drain(ctx, "7")
	require.NoError(t, err, "the head is handed out again once the store recovers")
	assert.Equal(t, 1, n)
	assert.Len(t, client.snapshot(), 2)
	empty, err := log.IsEmpty(ctx, "7", oplog.CategoryDelete)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestDrainsOfDifferentProjectsAreIndependent(t *testing.T) {
	client := newFakeRemote()
	client.fail["bad"] = serverError
	engine, log := newTestEngine(t, client, Options{})
	queue(t, log, oplog.Operation{ProjectID: "7", Action: discussion.ActionCreate, Text: "bad"})
	queue(t, log, oplog.Operation{ProjectID: "8", Action: discussion.ActionCreate, Text: "good"})
	ctx := context.Background()

	_, err := engine.Drain(ctx, "7")
	require.Error(t, err)
	n, err := engine.Drain(ctx, "8")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
