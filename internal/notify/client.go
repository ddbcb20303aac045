// Package notify implements the job notification client: one lazily
// established realtime channel shared by every job subscription of a process.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"ytjobs/internal/models"
)

const (
	DefaultPath              = "/yt-api/socket.io/"
	DefaultConnectTimeout    = 10 * time.Second
	DefaultMaxAttempts       = 3
	DefaultReconnectDelay    = 1 * time.Second
	DefaultReconnectDelayMax = 5 * time.Second
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// UpdateFunc receives job updates for one subscribed job.
type UpdateFunc func(update models.JobUpdate)

// Options configures a Client.
type Options struct {
	BaseURL           string
	Path              string
	ConnectTimeout    time.Duration
	MaxAttempts       int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	Jar               http.CookieJar
	Factory           ChannelFactory
	Logger            *slog.Logger
}

// Client owns the realtime channel, its connection state and the
// job id -> callback registry.
type Client struct {
	logger  *slog.Logger
	factory ChannelFactory
	cfg     ChannelConfig

	connectTimeout time.Duration
	maxAttempts    int

	mu       sync.Mutex
	state    State
	ch       Channel
	pending  *attempt
	attempts int
	subs     map[string]UpdateFunc
}

// attempt is one in-flight connect sequence shared by concurrent callers.
type attempt struct {
	done  chan struct{}
	once  sync.Once
	err   error
	timer *time.Timer
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		if a.timer != nil {
			a.timer.Stop()
		}
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New builds a disconnected client. Nothing is dialed until the first
// Connect or SubscribeToJob.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectDelayMax < opts.ReconnectDelay {
		opts.ReconnectDelayMax = DefaultReconnectDelayMax
	}

	return &Client{
		logger:  opts.Logger,
		factory: opts.Factory,
		cfg: ChannelConfig{
			BaseURL:           opts.BaseURL,
			Path:              opts.Path,
			ReconnectAttempts: opts.MaxAttempts,
			ReconnectDelay:    opts.ReconnectDelay,
			ReconnectDelayMax: opts.ReconnectDelayMax,
			HandshakeTimeout:  opts.ConnectTimeout,
			Jar:               opts.Jar,
		},
		connectTimeout: opts.ConnectTimeout,
		maxAttempts:    opts.MaxAttempts,
		subs:           make(map[string]UpdateFunc),
	}
}

// Connect returns once a usable channel exists. Concurrent callers share the
// same in-flight attempt. The returned error is a *ConnectionError, or the
// context error if ctx ends first; in that case the attempt keeps running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.pending != nil {
		p := c.pending
		c.mu.Unlock()
		return p.wait(ctx)
	}
	if c.state == StateConnected && c.ch != nil {
		c.mu.Unlock()
		return nil
	}
	if c.factory == nil {
		c.mu.Unlock()
		return &ConnectionError{Reason: "no channel factory configured"}
	}

	stale := c.ch
	ch := c.factory(c.cfg)
	p := &attempt{done: make(chan struct{})}
	c.ch = ch
	c.pending = p
	c.state = StateConnecting
	c.attempts = 0

	ch.OnOpen(func() { c.handleOpen(ch) })
	ch.OnClose(func(reason string) { c.handleClose(ch, reason) })
	ch.OnError(func(err error) { c.handleError(ch, err) })
	ch.OnMessage(func(event string, data json.RawMessage) { c.handleMessage(ch, event, data) })
	p.timer = time.AfterFunc(c.connectTimeout, func() { c.handleTimeout(ch, p) })
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	c.logger.Info("connecting realtime channel", "url", c.cfg.BaseURL+c.cfg.Path)
	ch.Open()
	return p.wait(ctx)
}

// Disconnect unsubscribes every job, closes the channel and resets the client.
// It is safe to call at any time.
func (c *Client) Disconnect() {
	for _, jobID := range c.Subscriptions() {
		c.UnsubscribeFromJob(jobID)
	}

	c.mu.Lock()
	ch := c.ch
	p := c.pending
	attempts := c.attempts
	c.ch = nil
	c.pending = nil
	c.state = StateDisconnected
	c.attempts = 0
	c.subs = make(map[string]UpdateFunc)
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if p != nil {
		p.finish(&ConnectionError{Reason: "client disconnected", Attempts: attempts})
	}
	c.logger.Info("realtime channel disconnected gracefully")
}

// SubscribeToJob connects if needed and registers cb for jobID, replacing any
// earlier callback for the same id. A false result means the realtime channel
// is unavailable and the caller should fall back to polling.
func (c *Client) SubscribeToJob(ctx context.Context, jobID string, cb UpdateFunc) bool {
	if jobID == "" || cb == nil {
		c.logger.Warn("refusing subscription without job id or callback", "job_id", jobID)
		return false
	}
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("failed to subscribe to job", "job_id", jobID, "error", err)
		return false
	}

	c.mu.Lock()
	ch := c.ch
	if c.state != StateConnected || ch == nil {
		c.mu.Unlock()
		return false
	}
	c.subs[jobID] = cb
	c.mu.Unlock()

	if err := ch.Send(models.EventSubscribe, jobID); err != nil {
		c.logger.Warn("subscribe signal not delivered", "job_id", jobID, "error", err)
	}
	c.logger.Info("subscribed to job", "job_id", jobID)
	return true
}

// UnsubscribeFromJob removes jobID from the registry. The remote side is told
// on a best-effort basis when connected.
func (c *Client) UnsubscribeFromJob(jobID string) {
	c.mu.Lock()
	ch := c.ch
	connected := c.state == StateConnected && ch != nil
	delete(c.subs, jobID)
	c.mu.Unlock()

	if !connected {
		return
	}
	if err := ch.Send(models.EventUnsubscribe, jobID); err != nil {
		c.logger.Debug("unsubscribe signal not delivered", "job_id", jobID, "error", err)
		return
	}
	c.logger.Info("unsubscribed from job", "job_id", jobID)
}

// IsConnectedToSocket reports whether the client is connected and the
// channel itself reports an open connection.
func (c *Client) IsConnectedToSocket() bool {
	c.mu.Lock()
	ch := c.ch
	connected := c.state == StateConnected
	c.mu.Unlock()
	return connected && ch != nil && ch.Connected()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Subscribed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[jobID]
	return ok
}

// Subscriptions returns the registered job ids in sorted order.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (c *Client) handleOpen(ch Channel) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info("realtime channel connected")
	if p != nil {
		p.finish(nil)
	}
}

func (c *Client) handleClose(ch Channel, reason string) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		c.logger.Debug("realtime channel closed before opening", "reason", reason)
		return
	}
	c.state = StateDisconnected
	subs := c.takeSubscribersLocked()
	c.mu.Unlock()

	c.logger.Warn("realtime channel disconnected", "reason", reason, "subscribers", len(subs))
	c.broadcastDisconnect(subs, reason)
}

func (c *Client) handleError(ch Channel, err error) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}

	if c.state == StateConnected {
		c.state = StateDisconnected
		subs := c.takeSubscribersLocked()
		c.mu.Unlock()

		c.logger.Error("realtime transport error", "error", err, "subscribers", len(subs))
		c.broadcastDisconnect(subs, err.Error())
		return
	}

	c.attempts++
	n := c.attempts
	p := c.pending
	if p == nil || n < c.maxAttempts {
		c.mu.Unlock()
		c.logger.Warn("realtime connection error", "attempt", n, "max_attempts", c.maxAttempts, "error", err)
		return
	}
	c.pending = nil
	c.ch = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Error("realtime connection failed", "attempts", n, "error", err)
	_ = ch.Close()
	p.finish(&ConnectionError{Reason: "max attempts reached", Attempts: n, Err: err})
}

func (c *Client) handleTimeout(ch Channel, p *attempt) {
	c.mu.Lock()
	if c.pending != p {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	attempts := c.attempts
	owned := c.ch == ch
	if owned {
		c.ch = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.logger.Error("realtime connection timeout", "timeout", c.connectTimeout, "attempts", attempts)
	if owned {
		_ = ch.Close()
	}
	p.finish(&ConnectionError{Reason: "timeout", Attempts: attempts})
}

func (c *Client) handleMessage(ch Channel, event string, data json.RawMessage) {
	if event != models.EventJobUpdate {
		c.logger.Debug("ignoring realtime event", "event", event)
		return
	}

	var update models.JobUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		c.logger.Warn("invalid job update payload", "error", err)
		return
	}

	c.mu.Lock()
	var cb UpdateFunc
	if c.ch == ch {
		cb = c.subs[update.ID]
	}
	c.mu.Unlock()

	if cb == nil {
		return
	}
	c.logger.Debug("job update received", "job_id", update.ID, "status", update.Status)
	c.invoke(cb, update)
}

func (c *Client) takeSubscribersLocked() map[string]UpdateFunc {
	subs := c.subs
	c.subs = make(map[string]UpdateFunc)
	return subs
}

func (c *Client) broadcastDisconnect(subs map[string]UpdateFunc, reason string) {
	for jobID, cb := range subs {
		c.invoke(cb, models.JobUpdate{
			ID:     jobID,
			Status: models.StatusDisconnected,
			Reason: reason,
		})
	}
}

func (c *Client) invoke(cb UpdateFunc, update models.JobUpdate) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job update callback panicked", "job_id", update.ID, "panic", r)
		}
	}()
	cb(update)
}
