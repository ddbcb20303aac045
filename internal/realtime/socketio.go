package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ytjobs/internal/notify"
)

// Engine.IO v4 packet types. Each websocket text frame carries one packet
// whose first byte is its type.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

const defaultHandshakeTimeout = 10 * time.Second

// ConnectError is the server's refusal of the Socket.IO namespace connect.
type ConnectError struct {
	Message string `json:"message"`
}

func (e *ConnectError) Error() string {
	return "socket.io connect error: " + e.Message
}

// SocketIOFactory returns a notify.ChannelFactory producing Socket.IO channels.
func SocketIOFactory(logger *slog.Logger) notify.ChannelFactory {
	return func(cfg notify.ChannelConfig) notify.Channel {
		return NewSocketIO(cfg, logger)
	}
}

// NewSocketIO returns a channel speaking Socket.IO over the Engine.IO v4
// websocket transport, without the long-polling upgrade path. Events go out
// as 42["event",payload] on the default namespace.
func NewSocketIO(cfg notify.ChannelConfig, logger *slog.Logger) *WebSocketChannel {
	return newChannel(cfg, logger, socketIOFraming{})
}

type socketIOFraming struct{}

type engineOpen struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

func (socketIOFraming) endpoint(base, path string) (string, error) {
	raw, err := EndpointURL(base, path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake reads the Engine.IO open packet, connects the default namespace
// and waits for the server to confirm it. The returned read timeout is the
// server's ping interval plus its ping timeout.
func (socketIOFraming) handshake(conn *websocket.Conn, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("engine.io open: %w", err)
	}
	if len(data) == 0 || data[0] != eioOpen {
		return 0, fmt.Errorf("engine.io open: unexpected packet %q", data)
	}
	var open engineOpen
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return 0, fmt.Errorf("engine.io open: %w", err)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return 0, fmt.Errorf("socket.io connect: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("socket.io connect: %w", err)
		}
		switch {
		case len(data) == 0:
		case data[0] == eioPing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, pong(data)); err != nil {
				return 0, fmt.Errorf("engine.io pong: %w", err)
			}
		case data[0] == eioClose:
			return 0, errors.New("socket.io connect: engine closed")
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnect:
			return time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond, nil
		case len(data) >= 2 && data[0] == eioMessage && data[1] == sioConnectError:
			return 0, connectError(skipNamespace(data[2:]))
		}
	}
}

func (socketIOFraming) encode(event string, payload any) ([]byte, error) {
	args, err := json.Marshal([]any{event, payload})
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, args...), nil
}

func (socketIOFraming) decode(data []byte) frame {
	if len(data) == 0 {
		return frame{}
	}
	switch data[0] {
	case eioPing:
		return frame{reply: pong(data)}
	case eioClose:
		return frame{kind: frameClose, reason: ReasonTransportClose}
	case eioMessage:
		return decodePacket(data[1:])
	default:
		return frame{}
	}
}

func (socketIOFraming) goodbye() []byte {
	return []byte{eioMessage, sioDisconnect}
}

func decodePacket(p []byte) frame {
	if len(p) == 0 {
		return frame{}
	}
	body := skipNamespace(p[1:])
	switch p[0] {
	case sioDisconnect:
		return frame{kind: frameClose, reason: ReasonServerDisconnect, final: true}
	case sioConnectError:
		return frame{kind: frameError, err: connectError(body)}
	case sioEvent:
		// Drop the acknowledgement id, if any.
		body = bytes.TrimLeft(body, "0123456789")
		var args []json.RawMessage
		if err := json.Unmarshal(body, &args); err != nil {
			return frame{kind: frameInvalid, err: err}
		}
		if len(args) == 0 {
			return frame{kind: frameInvalid, err: errors.New("socket.io event without a name")}
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil {
			return frame{kind: frameInvalid, err: fmt.Errorf("socket.io event name: %w", err)}
		}
		f := frame{kind: frameEvent, event: name}
		if len(args) > 1 {
			f.data = args[1]
		}
		return f
	default:
		return frame{}
	}
}

// skipNamespace drops a leading "/nsp," from a packet body.
func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return b[i+1:]
	}
	return nil
}

func connectError(body []byte) error {
	e := &ConnectError{}
	if err := json.Unmarshal(body, e); err != nil || e.Message == "" {
		e.Message = string(body)
	}
	return e
}

func pong(ping []byte) []byte {
	return append([]byte{eioPong}, ping[1:]...)
}
