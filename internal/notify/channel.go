package notify

import (
	"encoding/json"
	"net/http"
	"time"
)

// Channel is the capability set the client needs from a realtime transport.
// Implementations deliver OnMessage callbacks sequentially, in arrival order.
type Channel interface {
	// Open starts connecting in the background and returns immediately.
	Open()
	// Close tears the channel down. It must be safe to call more than once.
	Close() error
	// Send emits a named event carrying payload.
	Send(event string, payload any) error
	// Connected reports whether the underlying connection is currently open.
	Connected() bool

	OnOpen(func())
	OnClose(func(reason string))
	OnError(func(err error))
	OnMessage(func(event string, data json.RawMessage))
}

// ChannelConfig describes the endpoint and reconnection policy of a channel.
type ChannelConfig struct {
	BaseURL           string
	Path              string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	HandshakeTimeout  time.Duration
	Jar               http.CookieJar
}

// ChannelFactory creates a fresh, unopened channel for each connect attempt.
type ChannelFactory func(cfg ChannelConfig) Channel
