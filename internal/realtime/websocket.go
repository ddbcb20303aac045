// Package realtime provides the gorilla/websocket transports behind
// notify.Channel: Socket.IO framing for the conversion service and plain JSON
// envelopes for the development backend.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ytjobs/internal/notify"
)

const (
	writeTimeout = 10 * time.Second

	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonPingTimeout      = "ping timeout"

	ProtocolSocketIO  = "socketio"
	ProtocolWebSocket = "websocket"
)

var ErrNotConnected = errors.New("realtime channel is not connected")

// WebSocketChannel runs one framing over a websocket and redials on its own,
// with a bounded number of consecutive failures and capped backoff.
type WebSocketChannel struct {
	cfg     notify.ChannelConfig
	logger  *slog.Logger
	dialer  *websocket.Dialer
	framing framing

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	closed    bool
	cancel    context.CancelFunc

	writeMu sync.Mutex

	onOpen    func()
	onClose   func(reason string)
	onError   func(err error)
	onMessage func(event string, data json.RawMessage)
}

// Factory returns a notify.ChannelFactory producing JSON envelope channels.
func Factory(logger *slog.Logger) notify.ChannelFactory {
	return func(cfg notify.ChannelConfig) notify.Channel {
		return New(cfg, logger)
	}
}

// FactoryFor returns the channel factory for a configured protocol name.
func FactoryFor(protocol string, logger *slog.Logger) (notify.ChannelFactory, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case ProtocolSocketIO, "":
		return SocketIOFactory(logger), nil
	case ProtocolWebSocket:
		return Factory(logger), nil
	default:
		return nil, fmt.Errorf("unknown realtime protocol %q", protocol)
	}
}

// New returns a channel speaking {"event","data"} JSON envelopes.
func New(cfg notify.ChannelConfig, logger *slog.Logger) *WebSocketChannel {
	return newChannel(cfg, logger, envelopeFraming{})
}

func newChannel(cfg notify.ChannelConfig, logger *slog.Logger, f framing) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		cfg:     cfg,
		logger:  logger,
		framing: f,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Jar:              cfg.Jar,
		},
	}
}

func (c *WebSocketChannel) OnOpen(fn func())                                      { c.onOpen = fn }
func (c *WebSocketChannel) OnClose(fn func(reason string))                        { c.onClose = fn }
func (c *WebSocketChannel) OnError(fn func(err error))                            { c.onError = fn }
func (c *WebSocketChannel) OnMessage(fn func(event string, data json.RawMessage)) { c.onMessage = fn }

// Open starts the dial loop. Handlers must be registered before calling it.
func (c *WebSocketChannel) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if bye := c.framing.goodbye(); bye != nil && wasConnected {
		_ = c.write(conn, bye)
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()

	if wasConnected {
		c.emitClose(ReasonClientDisconnect)
	}
	return err
}

func (c *WebSocketChannel) Send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := c.framing.encode(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

func (c *WebSocketChannel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *WebSocketChannel) run(ctx context.Context) {
	endpoint, err := c.framing.endpoint(c.cfg.BaseURL, c.cfg.Path)
	if err != nil {
		c.emitError(err)
		return
	}

	delay := c.cfg.ReconnectDelay
	failures := 0
	for {
		conn, readTimeout, err := c.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Debug("websocket dial failed", "url", endpoint, "attempt", failures, "error", err)
			c.emitError(err)
			if c.cfg.ReconnectAttempts > 0 && failures >= c.cfg.ReconnectAttempts {
				c.logger.Warn("websocket reconnection attempts exhausted", "url", endpoint, "attempts", failures)
				return
			}
			if !sleepContext(ctx, delay) {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectDelayMax)
			continue
		}

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		failures = 0
		delay = c.cfg.ReconnectDelay
		c.emitOpen()

		reason, redial := c.readLoop(conn, readTimeout)
		if !c.detach(conn) {
			return
		}
		c.emitClose(reason)
		if !redial {
			c.logger.Info("realtime session ended by server", "url", endpoint, "reason", reason)
			return
		}

		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// dial opens the websocket and runs the framing's handshake on it.
func (c *WebSocketChannel) dial(ctx context.Context, endpoint string) (*websocket.Conn, time.Duration, error) {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	readTimeout, err := c.framing.handshake(conn, c.cfg.HandshakeTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, 0, fmt.Errorf("handshake %s: %w", endpoint, err)
	}
	return conn, readTimeout, nil
}

// readLoop delivers inbound events until the connection ends. It returns the
// close reason and whether the channel should dial again.
func (c *WebSocketChannel) readLoop(conn *websocket.Conn, readTimeout time.Duration) (string, bool) {
	for {
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return ReasonPingTimeout, true
			}
			return closeReason(err), true
		}

		f := c.framing.decode(data)
		if f.reply != nil {
			if err := c.write(conn, f.reply); err != nil {
				return ReasonTransportClose, true
			}
		}
		switch f.kind {
		case frameEvent:
			if c.onMessage != nil {
				c.onMessage(f.event, f.data)
			}
		case frameClose:
			return f.reason, !f.final
		case frameError:
			c.emitError(f.err)
			return ReasonServerDisconnect, false
		case frameInvalid:
			c.logger.Warn("invalid realtime frame", "error", f.err)
		}
	}
}

// attach installs a fresh connection unless the channel was closed meanwhile.
func (c *WebSocketChannel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.connected = true
	return true
}

// detach reports whether the connection was still owned by the channel,
// i.e. it dropped on its own rather than through Close.
func (c *WebSocketChannel) detach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != conn {
		return false
	}
	c.conn = nil
	c.connected = false
	_ = conn.Close()
	return true
}

func (c *WebSocketChannel) emitOpen() {
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *WebSocketChannel) emitClose(reason string) {
	if c.onClose != nil {
		c.onClose(reason)
	}
}

func (c *WebSocketChannel) emitError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// EndpointURL joins base and path and maps http(s) schemes to ws(s).
func EndpointURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime base url %q has no host", base)
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func closeReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonServerDisconnect
	}
	return ReasonTransportClose
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
