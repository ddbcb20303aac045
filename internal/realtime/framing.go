package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"ytjobs/internal/models"
)

// framing maps named events onto websocket text frames for one wire protocol.
type framing interface {
	endpoint(base, path string) (string, error)
	// handshake runs right after the websocket upgrade. It returns the read
	// timeout to apply to every later frame, zero for none.
	handshake(conn *websocket.Conn, timeout time.Duration) (time.Duration, error)
	encode(event string, payload any) ([]byte, error)
	decode(data []byte) frame
	// goodbye is written before a client-side close when not nil.
	goodbye() []byte
}

type frameKind int

const (
	frameIgnore frameKind = iota
	frameEvent
	frameClose
	frameError
	frameInvalid
)

// frame is one decoded inbound message. A non-nil reply is written back
// before the frame is handled, and final stops the channel from dialing again
// after a frameClose.
type frame struct {
	kind   frameKind
	event  string
	data   json.RawMessage
	reply  []byte
	reason string
	final  bool
	err    error
}

// envelopeFraming carries {"event","data"} JSON objects, one per frame.
type envelopeFraming struct{}

func (envelopeFraming) endpoint(base, path string) (string, error) {
	return EndpointURL(base, path)
}

func (envelopeFraming) handshake(*websocket.Conn, time.Duration) (time.Duration, error) {
	return 0, nil
}

func (envelopeFraming) encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: data})
}

func (envelopeFraming) decode(data []byte) frame {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return frame{kind: frameInvalid, err: err}
	}
	if env.Event == "" {
		return frame{}
	}
	return frame{kind: frameEvent, event: env.Event, data: env.Data}
}

func (envelopeFraming) goodbye() []byte { return nil }
