package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/discussync/internal/discussion"
	"github.com/agentworkforce/discussync/internal/dispatch"
)

const connectivityChanged = "connectivity.changed"

// Connectivity is the online/offline signal. It can be driven by the host
// through SetOnline or by Probe.
type Connectivity struct {
	logger Logger
	subs   *dispatch.Dispatcher[bool]

	mu     sync.Mutex
	online bool
}

func NewConnectivity(online bool, logger Logger) *Connectivity {
	return &Connectivity{
		logger: logger,
		subs:   dispatch.New[bool](logger),
		online: online,
	}
}

func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()
	if !changed {
		return
	}
	if online {
		c.logf("connectivity restored")
	} else {
		c.logf("connectivity lost")
	}
	c.subs.Dispatch(connectivityChanged, online)
}

// Subscribe registers fn for online/offline transitions.
func (c *Connectivity) Subscribe(fn func(online bool)) dispatch.Subscription {
	return c.subs.Subscribe(connectivityChanged, fn)
}

func (c *Connectivity) Unsubscribe(sub dispatch.Subscription) {
	c.subs.Unsubscribe(sub)
}

// Probe checks url every interval until ctx is done. Any HTTP response counts
// as online; a transport error counts as offline.
func (c *Connectivity) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) error {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		online := probeOnce(ctx, client, url)
		if ctx.Err() != nil {
			return nil
		}
		c.SetOnline(online)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (c *Connectivity) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// StaticIdentity is a participant configured up front. A zero member ID means
// nobody is signed in.
type StaticIdentity struct {
	Member discussion.Member
}

func (i StaticIdentity) CurrentMember(context.Context) (discussion.Member, bool) {
	return i.Member, i.Member.ID != 0
}
