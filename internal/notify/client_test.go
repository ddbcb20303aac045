package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytjobs/internal/models"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeChannel struct {
	autoOpen bool

	mu        sync.Mutex
	open      bool
	closed    bool
	openCalls int
	sent      []sentEvent
	onOpen    func()
	onClose   func(string)
	onError   func(error)
	onMessage func(string, json.RawMessage)
}

func (f *fakeChannel) Open() {
	f.mu.Lock()
	f.openCalls++
	auto := f.autoOpen
	f.mu.Unlock()
	if auto {
		f.emitOpen()
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.open = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("not connected")
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) OnOpen(fn func())                           { f.onOpen = fn }
func (f *fakeChannel) OnClose(fn func(string))                    { f.onClose = fn }
func (f *fakeChannel) OnError(fn func(error))                     { f.onError = fn }
func (f *fakeChannel) OnMessage(fn func(string, json.RawMessage)) { f.onMessage = fn }

func (f *fakeChannel) emitOpen() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.onOpen()
}

func (f *fakeChannel) emitClose(reason string) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.onClose(reason)
}

func (f *fakeChannel) emitError(err error) { f.onError(err) }

func (f *fakeChannel) emitMessage(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.onMessage(event, data)
}

func (f *fakeChannel) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type fakeFactory struct {
	autoOpen bool

	mu       sync.Mutex
	channels []*fakeChannel
	created  atomic.Int32
}

func (ff *fakeFactory) New(cfg ChannelConfig) Channel {
	ch := &fakeChannel{autoOpen: ff.autoOpen}
	ff.mu.Lock()
	ff.channels = append(ff.channels, ch)
	ff.mu.Unlock()
	ff.created.Add(1)
	return ch
}

func (ff *fakeFactory) last() *fakeChannel {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.channels) == 0 {
		return nil
	}
	return ff.channels[len(ff.channels)-1]
}

// waitOpened blocks until the latest channel has been opened, which happens
// after the client installed its handlers.
func waitOpened(t *testing.T, ff *fakeFactory) *fakeChannel {
	t.Helper()
	require.Eventually(t, func() bool {
		ch := ff.last()
		if ch == nil {
			return false
		}
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.openCalls > 0
	}, time.Second, 5*time.Millisecond)
	return ff.last()
}

func newTestClient(ff *fakeFactory, timeout time.Duration) *Client {
	return New(Options{
		BaseURL:        "http://example.test",
		ConnectTimeout: timeout,
		Factory:        ff.New,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestClient_NewIsDisconnected(t *testing.T) {
	c := newTestClient(&fakeFactory{}, time.Second)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnectedToSocket())
	assert.Empty(t, c.Subscriptions())
}

func TestClient_ConnectResolvesOnOpen(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnectedToSocket())

	// Already connected: no new channel.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), ff.created.Load())
}

func TestClient_ConcurrentConnectDeduplicates(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 5*time.Second)

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- c.Connect(context.Background()) }()
	}

	waitOpened(t, ff)

	// Give late callers the chance to pile onto the pending attempt.
	time.Sleep(20 * time.Millisecond)
	ff.last().emitOpen()

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("connect did not resolve")
		}
	}
	assert.Equal(t, int32(1), ff.created.Load())
}

func TestClient_ConnectFailsAfterMaxErrors(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 5*time.Second)

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background()) }()
	ch := waitOpened(t, ff)

	ch.emitError(errors.New("dial refused"))
	ch.emitError(errors.New("dial refused"))
	select {
	case <-errs:
		t.Fatal("connect resolved before the third error")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, StateConnecting, c.State())

	ch.emitError(errors.New("dial refused"))
	var err error
	select {
	case err = <-errs:
	case <-time.After(time.Second):
		t.Fatal("connect did not fail")
	}

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, ch.closed)

	// The failed channel is detached; late signals change nothing.
	ch.emitOpen()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.IsConnectedToSocket())
}

func TestClient_ConnectTimeout(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 50*time.Millisecond)

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "timeout", connErr.Reason)
	assert.Equal(t, StateDisconnected, c.State())

	// A new call starts a fresh attempt.
	ff.autoOpen = true
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(2), ff.created.Load())
}

func TestClient_ConnectRespectsContext(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnecting, c.State())
	c.Disconnect()
}

func TestClient_SubscribeAndDispatch(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	var got []models.JobUpdate
	ok := c.SubscribeToJob(context.Background(), "abc123", func(u models.JobUpdate) {
		got = append(got, u)
	})
	require.True(t, ok)

	ch := ff.last()
	assert.Equal(t, []sentEvent{{event: models.EventSubscribe, payload: "abc123"}}, ch.sentEvents())

	ch.emitMessage(t, models.EventJobUpdate, map[string]any{
		"id":       "abc123",
		"status":   "processing",
		"progress": "50%",
	})

	require.Len(t, got, 1)
	assert.Equal(t, models.StatusProcessing, got[0].Status)
	assert.Equal(t, 50.0, got[0].Percent())
}

func TestClient_UnknownJobUpdateIsNoop(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)
	require.NoError(t, c.Connect(context.Background()))

	ch := ff.last()
	assert.NotPanics(t, func() {
		ch.emitMessage(t, models.EventJobUpdate, map[string]any{"id": "never", "status": "queued"})
		ch.onMessage(models.EventJobUpdate, json.RawMessage(`not json`))
		ch.emitMessage(t, "something-else", "x")
	})
	assert.Empty(t, c.Subscriptions())
	assert.False(t, c.Subscribed("never"))
}

func TestClient_SubscribeLastWriteWins(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	var first, second int
	require.True(t, c.SubscribeToJob(context.Background(), "job", func(models.JobUpdate) { first++ }))
	require.True(t, c.SubscribeToJob(context.Background(), "job", func(models.JobUpdate) { second++ }))
	assert.Equal(t, []string{"job"}, c.Subscriptions())

	ff.last().emitMessage(t, models.EventJobUpdate, map[string]any{"id": "job", "status": "queued"})
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestClient_SubscribeReturnsFalseWhenConnectFails(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 30*time.Millisecond)

	ok := c.SubscribeToJob(context.Background(), "job", func(models.JobUpdate) {})
	assert.False(t, ok)
	assert.False(t, c.Subscribed("job"))
}

func TestClient_SubscribeRejectsMissingCallback(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)
	assert.False(t, c.SubscribeToJob(context.Background(), "job", nil))
	assert.False(t, c.SubscribeToJob(context.Background(), "", func(models.JobUpdate) {}))
	assert.Equal(t, int32(0), ff.created.Load())
}

func TestClient_Unsubscribe(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	calls := 0
	require.True(t, c.SubscribeToJob(context.Background(), "job", func(models.JobUpdate) { calls++ }))
	c.UnsubscribeFromJob("job")
	assert.False(t, c.Subscribed("job"))

	ch := ff.last()
	events := ch.sentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, sentEvent{event: models.EventUnsubscribe, payload: "job"}, events[1])

	ch.emitMessage(t, models.EventJobUpdate, map[string]any{"id": "job", "status": "processing"})
	assert.Equal(t, 0, calls)

	// Unsubscribing while disconnected only touches the registry.
	c.Disconnect()
	assert.NotPanics(t, func() { c.UnsubscribeFromJob("job") })
}

func TestClient_CloseBroadcastsDisconnected(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	var got []models.JobUpdate
	require.True(t, c.SubscribeToJob(context.Background(), "x", func(u models.JobUpdate) {
		got = append(got, u)
	}))

	ff.last().emitClose("transport close")

	require.Len(t, got, 1)
	assert.Equal(t, models.StatusDisconnected, got[0].Status)
	assert.Equal(t, "transport close", got[0].Reason)
	assert.Equal(t, "x", got[0].ID)
	assert.False(t, c.IsConnectedToSocket())
	assert.False(t, c.Subscribed("x"))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ErrorWhileConnectedBroadcastsDisconnected(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	var got []models.JobUpdate
	require.True(t, c.SubscribeToJob(context.Background(), "a", func(u models.JobUpdate) { got = append(got, u) }))
	require.True(t, c.SubscribeToJob(context.Background(), "b", func(u models.JobUpdate) { got = append(got, u) }))

	ff.last().emitError(errors.New("read: connection reset"))

	assert.Len(t, got, 2)
	for _, u := range got {
		assert.Equal(t, models.StatusDisconnected, u.Status)
		assert.Equal(t, "read: connection reset", u.Reason)
	}
	assert.Empty(t, c.Subscriptions())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_DisconnectClearsEverything(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, c.SubscribeToJob(context.Background(), id, func(models.JobUpdate) {}))
	}
	ch := ff.last()

	c.Disconnect()

	assert.False(t, c.IsConnectedToSocket())
	assert.Empty(t, c.Subscriptions())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, ch.closed)

	unsubs := 0
	for _, e := range ch.sentEvents() {
		if e.event == models.EventUnsubscribe {
			unsubs++
		}
	}
	assert.Equal(t, 3, unsubs)

	// Idempotent.
	assert.NotPanics(t, c.Disconnect)
}

func TestClient_DisconnectFailsPendingAttempt(t *testing.T) {
	ff := &fakeFactory{}
	c := newTestClient(ff, 5*time.Second)

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	c.Disconnect()

	select {
	case err := <-errs:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "client disconnected", connErr.Reason)
	case <-time.After(time.Second):
		t.Fatal("pending connect was not released")
	}
}

func TestClient_CallbackPanicIsContained(t *testing.T) {
	ff := &fakeFactory{autoOpen: true}
	c := newTestClient(ff, time.Second)
	require.True(t, c.SubscribeToJob(context.Background(), "p", func(models.JobUpdate) { panic("boom") }))

	assert.NotPanics(t, func() {
		ff.last().emitMessage(t, models.EventJobUpdate, map[string]any{"id": "p", "status": "queued"})
	})
	assert.True(t, c.Subscribed("p"))
}
