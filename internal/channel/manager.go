// Package channel keeps one push connection per active project. Outbound
// frames are buffered in memory while the connection is down and flushed in
// order once it opens again. Inbound frames are decoded and handed to the
// dispatcher without interpretation.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/dispatch"
)

var ErrClosed = errors.New("channel manager closed")

const (
	defaultReconnectDelay = 5 * time.Second
	defaultResolveRetry   = time.Second
	defaultBufferSize     = 256
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Event is what subscribers receive for every inbound frame. Subscribers
// register under the frame action ("create", "update", "delete").
type Event struct {
	Project string
	Message discussion.Message
}

type Logger interface {
	Printf(format string, args ...any)
}

type Metrics interface {
	Reconnect(project string)
	ChannelState(state string)
	OutboundBuffered(depth int)
	OutboundEvicted()
	FrameDropped(reason string)
}

type Options struct {
	// Endpoint is the websocket base URL, for example ws://127.0.0.1:8000.
	Endpoint string
	Dialer   Dialer
	// Resolve returns the current project when Connect is called without one.
	Resolve    func() string
	Dispatcher *dispatch.Dispatcher[Event]
	// OnOpen runs after the outbound buffer has been flushed on every open.
	OnOpen func(ctx context.Context, projectID string) error
	// Backoff yields reconnect delays. Defaults to a constant 5s.
	Backoff      backoff.BackOff
	ResolveRetry time.Duration
	BufferSize   int
	Online       bool
	Logger       Logger
	Metrics      Metrics
}

type Manager struct {
	endpoint     string
	dialer       Dialer
	resolve      func() string
	dispatcher   *dispatch.Dispatcher[Event]
	onOpen       func(ctx context.Context, projectID string) error
	backoff      backoff.BackOff
	resolveRetry time.Duration
	bufferSize   int
	logger       Logger
	metrics      Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes writes so a flush finishes before newer frames go out.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	project  string
	conn     Conn
	gen      uint64
	timer    *time.Timer
	timerSeq uint64
	online   bool
	// wanted is set once Connect was called; until then nothing dials.
	wanted   bool
	closed   bool
	buffer   [][]byte
	changed  chan struct{}
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("%w: dialer is required", discussion.ErrInvalidInput)
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("%w: endpoint is required", discussion.ErrInvalidInput)
	}
	policy := opts.Backoff
	if policy == nil {
		policy = backoff.NewConstantBackOff(defaultReconnectDelay)
	}
	resolveRetry := opts.ResolveRetry
	if resolveRetry <= 0 {
		resolveRetry = defaultResolveRetry
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		endpoint:     strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"),
		dialer:       opts.Dialer,
		resolve:      opts.Resolve,
		dispatcher:   opts.Dispatcher,
		onOpen:       opts.OnOpen,
		backoff:      policy,
		resolveRetry: resolveRetry,
		bufferSize:   bufferSize,
		logger:       opts.Logger,
		metrics:      metrics,
		ctx:          ctx,
		cancel:       cancel,
		online:       opts.Online,
		changed:      make(chan struct{}),
	}, nil
}

// ProjectURL is the project-scoped push endpoint under base.
func ProjectURL(base, projectID string) string {
	return strings.TrimRight(base, "/") + "/ws/projects/" + url.PathEscape(projectID) + "/discussion"
}

// Connect opens the channel for projectID, closing any existing connection
// first. With an empty projectID the resolver is asked; when it has nothing
// yet Connect retries after a short delay instead of failing. Dialing happens
// in the background; use WaitOpen to block until the channel is open.
func (m *Manager) Connect(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wanted = true
	m.backoff.Reset()
	m.connectLocked(strings.TrimSpace(projectID))
	return nil
}

func (m *Manager) connectLocked(projectID string) {
	m.stopTimerLocked()
	m.dropConnLocked()
	if projectID == "" && m.resolve != nil {
		projectID = strings.TrimSpace(m.resolve())
	}
	if projectID == "" {
		m.logf("no current project, retrying connect in %s", m.resolveRetry)
		m.setStateLocked(StateClosed)
		m.scheduleLocked(m.resolveRetry, "")
		return
	}
	if m.project != "" && m.project != projectID && len(m.buffer) > 0 {
		m.logf("dropping %d buffered frames for project %s", len(m.buffer), m.project)
		m.buffer = nil
		m.metrics.OutboundBuffered(0)
	}
	m.project = projectID
	m.gen++
	m.setStateLocked(StateConnecting)
	go m.dial(m.gen, projectID)
}

func (m *Manager) dial(gen uint64, projectID string) {
	ctx, cancel := context.WithTimeout(m.ctx, defaultDialTimeout)
	conn, err := m.dialer.Dial(ctx, ProjectURL(m.endpoint, projectID))
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logf("channel dial for project %s failed: %v", projectID, err)
		m.setStateLocked(StateClosed)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	if !m.flush(gen, conn) {
		return
	}
	m.logf("channel open for project %s", projectID)
	go m.readLoop(gen, projectID, conn)
	if m.onOpen != nil {
		go func() {
			if err := m.onOpen(m.ctx, projectID); err != nil {
				m.logf("sync after open for project %s failed: %v", projectID, err)
			}
		}()
	}
}

// flush writes the buffered frames in order and marks the channel open while
// still holding sendMu, so a concurrent Send cannot overtake the backlog.
func (m *Manager) flush(gen uint64, conn Conn) bool {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return false
		}
		if len(m.buffer) == 0 {
			m.setStateLocked(StateOpen)
			m.backoff.Reset()
			m.mu.Unlock()
			return true
		}
		frame := m.buffer[0]
		m.mu.Unlock()

		if err := m.write(conn, frame); err != nil {
			m.disconnect(gen, err)
			return false
		}

		m.mu.Lock()
		if gen == m.gen && len(m.buffer) > 0 {
			m.buffer = m.buffer[1:]
			m.metrics.OutboundBuffered(len(m.buffer))
		}
		m.mu.Unlock()
	}
}

// Send transmits msg when the channel is open and buffers it otherwise.
func (m *Manager) Send(msg discussion.Message) error {
	frame, err := discussion.EncodeMessage(msg)
	if err != nil {
		return err
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOpen || m.conn == nil {
		m.bufferLocked(frame)
		m.mu.Unlock()
		return nil
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := m.write(conn, frame); err != nil {
		m.disconnect(gen, err)
		m.mu.Lock()
		m.bufferLocked(frame)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) write(conn Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(m.ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

func (m *Manager) bufferLocked(frame []byte) {
	if len(m.buffer) >= m.bufferSize {
		m.buffer = m.buffer[1:]
		m.metrics.OutboundEvicted()
		m.logf("outbound buffer full for project %s, dropped oldest frame", m.project)
	}
	m.buffer = append(m.buffer, frame)
	m.metrics.OutboundBuffered(len(m.buffer))
}

func (m *Manager) readLoop(gen uint64, projectID string, conn Conn) {
	for {
		data, err := conn.Read(m.ctx)
		if err != nil {
			m.disconnect(gen, err)
			return
		}
		msg, err := discussion.DecodeMessage(data)
		if err != nil {
			var frameErr *discussion.FrameError
			if errors.As(err, &frameErr) {
				m.metrics.FrameDropped("peer_error")
			} else {
				m.metrics.FrameDropped("malformed")
			}
			m.logf("skipping inbound frame for project %s: %v", projectID, err)
			continue
		}
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(string(msg.Action()), Event{Project: projectID, Message: msg})
		}
	}
}

// disconnect tears down the connection of generation gen and schedules a
// reconnect. Stale generations are ignored.
func (m *Manager) disconnect(gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	m.logf("channel for project %s closed: %v", m.project, cause)
	m.dropConnLocked()
	m.gen++
	m.setStateLocked(StateClosed)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.project == "" {
		return
	}
	if !m.online {
		m.logf("offline, waiting for connectivity before reconnecting project %s", m.project)
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.logf("reconnect attempts exhausted for project %s", m.project)
		return
	}
	m.scheduleLocked(delay, m.project)
}

func (m *Manager) scheduleLocked(delay time.Duration, projectID string) {
	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if seq != m.timerSeq || m.closed {
			return
		}
		m.timer = nil
		if projectID != "" {
			m.metrics.Reconnect(projectID)
		}
		m.connectLocked(projectID)
	})
}

func (m *Manager) stopTimerLocked() {
	m.timerSeq++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dropConnLocked() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Close()
	m.conn = nil
	m.gen++
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.metrics.ChannelState(state.String())
	close(m.changed)
	m.changed = make(chan struct{})
}

// SetOnline records the host's connectivity signal. Going offline cancels a
// pending reconnect or project lookup; coming back online resumes either at
// once.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.online
	m.online = online
	if m.closed {
		return
	}
	if !online {
		m.stopTimerLocked()
		return
	}
	if !was && m.wanted && m.state == StateClosed {
		m.backoff.Reset()
		// an empty project goes back through the resolver
		m.connectLocked(m.project)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Project() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.project
}

func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// WaitOpen blocks until the channel is open or ctx is done.
func (m *Manager) WaitOpen(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state == StateOpen {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close shuts the manager down. Buffered frames are discarded.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.stopTimerLocked()
	m.dropConnLocked()
	m.gen++
	m.setStateLocked(StateClosed)
	m.closed = true
	m.buffer = nil
	m.cancel()
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

type nopMetrics struct{}

func (nopMetrics) Reconnect(string)     {}
func (nopMetrics) ChannelState(string)  {}
func (nopMetrics) OutboundBuffered(int) {}
func (nopMetrics) OutboundEvicted()     {}
func (nopMetrics) FrameDropped(string)  {}
