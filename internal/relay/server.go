// Package relay is the server side of the push channel. Every participant of
// a project joins the group comments_{project}; each valid frame one of them
// sends is re-broadcast to the whole group, sender included. Persistence stays
// with the remote REST service.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/agentworkforce/discussync/internal/discussion"
)

const (
	redisChannelPrefix = "discussync:"
	maxFrameBytes      = 1 << 20
	sendQueueSize      = 64
	writeWait          = 10 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Option func(*Server)

func WithLogger(logger Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSecret turns on the membership gate: clients must present a token
// signed with secret that lists the project.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithRedis fans frames out through Redis pub/sub so participants connected
// to different relay instances see each other.
func WithRedis(client *redis.Client) Option {
	return func(s *Server) { s.redis = client }
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

type Server struct {
	logger   Logger
	secret   []byte
	redis    *redis.Client
	origins  []string
	id       string
	handler  http.Handler
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	pubsub *redis.PubSub
	wg     sync.WaitGroup

	mu     sync.Mutex
	groups map[string]map[*client]struct{}
	closed bool
}

func NewServer(opts ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		groups: map[string]map[*client]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	router := mux.NewRouter()
	router.HandleFunc("/ws/projects/{project_id}/discussion", s.handleDiscussion).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet, http.MethodHead)
	corsOpts := cors.Options{AllowedMethods: []string{http.MethodGet, http.MethodHead}, AllowedHeaders: []string{"Authorization"}}
	if len(s.origins) > 0 {
		corsOpts.AllowedOrigins = s.origins
	}
	s.handler = cors.New(corsOpts).Handler(router)

	if s.redis != nil {
		if err := s.subscribeRedis(); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func groupName(projectID string) string {
	return "comments_" + projectID
}

func (s *Server) handleDiscussion(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(mux.Vars(r)["project_id"])
	if projectID == "" {
		http.Error(w, "project id is required", http.StatusBadRequest)
		return
	}
	if status, err := s.authorize(r, projectID); err != nil {
		s.logf("rejecting connection to project %s: %v", projectID, err)
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("upgrade for project %s failed: %v", projectID, err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	group := groupName(projectID)
	if !s.join(group, c) {
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	s.readPump(group, c)
	s.leave(group, c)
}

func (s *Server) readPump(group string, c *client) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.logf("read from %s failed: %v", group, err)
			}
			return
		}
		msg, err := discussion.DecodeMessage(data)
		if err != nil {
			s.reply(group, c, err)
			continue
		}
		frame, err := discussion.EncodeMessage(msg)
		if err != nil {
			s.reply(group, c, err)
			continue
		}
		s.publish(group, frame)
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// reply answers a rejected frame to its sender only.
func (s *Server) reply(group string, c *client, cause error) {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group][c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// relayEnvelope is what instances exchange over Redis. Origin lets an instance
// skip frames it already delivered to its own members.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

func (s *Server) publish(group string, frame []byte) {
	s.fanout(group, frame)
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(relayEnvelope{Origin: s.id, Frame: frame})
	if err != nil {
		s.logf("encode envelope for %s failed: %v", group, err)
		return
	}
	if err := s.redis.Publish(s.ctx, redisChannelPrefix+group, payload).Err(); err != nil {
		s.logf("publish to %s failed, other instances will miss the frame: %v", group, err)
	}
}

func (s *Server) receive(channelName, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || len(env.Frame) == 0 {
		s.logf("dropping malformed envelope on %s", channelName)
		return
	}
	if env.Origin == s.id {
		return
	}
	s.fanout(strings.TrimPrefix(channelName, redisChannelPrefix), env.Frame)
}

// fanout delivers frame to every local member of group. Members that cannot
// keep up are disconnected.
func (s *Server) fanout(group string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.groups[group] {
		select {
		case c.send <- frame:
		default:
			s.logf("member of %s is too slow, disconnecting", group)
			delete(s.groups[group], c)
			c.close()
		}
	}
}

func (s *Server) join(group string, c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	members, ok := s.groups[group]
	if !ok {
		members = map[*client]struct{}{}
		s.groups[group] = members
	}
	members[c] = struct{}{}
	return true
}

func (s *Server) leave(group string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(s.groups, group)
		}
	}
	c.close()
}

// Members reports how many local participants are in the project's group.
func (s *Server) Members(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups[groupName(projectID)])
}

func (s *Server) subscribeRedis() error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	pubsub := s.redis.PSubscribe(s.ctx, redisChannelPrefix+"comments_*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	s.pubsub = pubsub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range pubsub.Channel() {
			s.receive(msg.Channel, msg.Payload)
		}
	}()
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Close disconnects every participant and stops the Redis subscription.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for group, members := range s.groups {
		for c := range members {
			c.close()
		}
		delete(s.groups, group)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.pubsub != nil {
		err = s.pubsub.Close()
	}
	s.wg.Wait()
	if errors.Is(err, redis.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
