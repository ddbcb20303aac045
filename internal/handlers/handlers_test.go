package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytjobs/internal/api"
	"ytjobs/internal/models"
	"ytjobs/internal/notify"
	"ytjobs/internal/poller"
	"ytjobs/internal/realtime"
	"ytjobs/internal/tracker"
)

const testVideoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestBackend(t *testing.T, opts Options) (*App, *httptest.Server, *api.Client) {
	t.Helper()
	if opts.DownloadsDir == "" {
		opts.DownloadsDir = t.TempDir()
	}
	app := NewApp(quietLogger, opts)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		app.Close()
		srv.Close()
	})
	return app, srv, api.NewClient(srv.URL, srv.Client())
}

func waitStatus(t *testing.T, client *api.Client, id string, want models.JobStatus) *models.JobUpdate {
	t.Helper()
	var last *models.JobUpdate
	require.Eventually(t, func() bool {
		u, err := client.JobStatus(context.Background(), id)
		if err != nil {
			return false
		}
		last = u
		return u.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func TestConvertStatusDownload(t *testing.T) {
	_, _, client := newTestBackend(t, Options{StepInterval: 2 * time.Millisecond})
	ctx := context.Background()

	info, err := client.Convert(ctx, testVideoURL, models.ModeMP3)
	require.NoError(t, err)
	assert.NotEmpty(t, info.JobID)
	assert.NotEmpty(t, info.FileID)
	assert.NotEqual(t, info.JobID, info.FileID)
	assert.Contains(t, info.Title, "dQw4w9WgXcQ")
	assert.Equal(t, models.ModeMP3, info.Mode)

	done := waitStatus(t, client, info.JobID, models.StatusCompleted)
	assert.Equal(t, info.JobID, done.ID)
	assert.Equal(t, 100.0, done.Percent())
	assert.Equal(t, "/yt-download/"+info.FileID, done.DownloadURL)
	assert.Equal(t, "YouTube_video_dQw4w9WgXcQ.mp3", done.FileName)

	byFile, err := client.JobStatus(ctx, info.FileID)
	require.NoError(t, err)
	assert.Equal(t, info.FileID, byFile.ID)
	assert.Equal(t, models.StatusCompleted, byFile.Status)

	var buf bytes.Buffer
	name, err := client.Download(ctx, info.FileID, &buf)
	require.NoError(t, err)
	assert.Equal(t, done.FileName, name)
	assert.Contains(t, buf.String(), "mp3 converted from "+testVideoURL)
}

func TestConvertVideoMode(t *testing.T) {
	_, _, client := newTestBackend(t, Options{StepInterval: time.Millisecond})

	info, err := client.Convert(context.Background(), "https://youtu.be/abc123", models.ModeVideo)
	require.NoError(t, err)
	assert.Equal(t, models.ModeVideo, info.Mode)

	done := waitStatus(t, client, info.JobID, models.StatusCompleted)
	assert.True(t, strings.HasSuffix(done.FileName, ".mp4"))
}

func TestStatusUnknownJob(t *testing.T) {
	_, _, client := newTestBackend(t, Options{})

	_, err := client.JobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, api.ErrJobNotFound)
}

func TestConvertRejectsInvalidURL(t *testing.T) {
	_, _, client := newTestBackend(t, Options{})

	_, err := client.Convert(context.Background(), "https://example.com/video", models.ModeMP3)
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid YouTube URL", apiErr.Detail)
}

func TestConvertRejectsUnknownMode(t *testing.T) {
	_, _, client := newTestBackend(t, Options{})

	_, err := client.Convert(context.Background(), testVideoURL, models.Mode("flac"))
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Detail, "invalid request")
}

func TestDownloadNotReady(t *testing.T) {
	_, _, client := newTestBackend(t, Options{StepInterval: time.Hour})

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)

	_, err = client.Download(context.Background(), info.FileID, io.Discard)
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestConversionFailsWhenOutputCannotBeWritten(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	_, _, client := newTestBackend(t, Options{DownloadsDir: blocker, StepInterval: time.Millisecond})

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)

	failed := waitStatus(t, client, info.JobID, models.StatusError)
	assert.NotEmpty(t, failed.Error)
	assert.Empty(t, failed.DownloadURL)
}

func TestSocketSubscribeSendsCurrentState(t *testing.T) {
	_, srv, client := newTestBackend(t, Options{StepInterval: time.Hour})

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)

	wsURL, err := realtime.EndpointURL(srv.URL, defaultSocketPath)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(info.FileID)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventSubscribe, Data: data}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, models.EventJobUpdate, env.Event)

	var update models.JobUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, info.FileID, update.ID)
	assert.Contains(t, []models.JobStatus{models.StatusQueued, models.StatusStarting}, update.Status)
}

func TestSocketSubscribeUnknownJob(t *testing.T) {
	_, srv, _ := newTestBackend(t, Options{})

	wsURL, err := realtime.EndpointURL(srv.URL, defaultSocketPath)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventSubscribe, Data: json.RawMessage(`"ghost"`)}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))

	var update models.JobUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, "ghost", update.ID)
	assert.Equal(t, models.StatusError, update.Status)
	assert.Equal(t, "job not found", update.Error)
}

var statusRank = map[models.JobStatus]int{
	models.StatusQueued:     0,
	models.StatusStarting:   1,
	models.StatusProcessing: 2,
	models.StatusCompleted:  3,
}

func TestSocketUpdatesNeverRegress(t *testing.T) {
	_, srv, client := newTestBackend(t, Options{StepInterval: 3 * time.Millisecond})
	wsURL, err := realtime.EndpointURL(srv.URL, defaultSocketPath)
	require.NoError(t, err)

	const peers = 8
	conns := make([]*websocket.Conn, peers)
	for i := range conns {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()
		conns[i] = conn
	}

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)
	data, err := json.Marshal(info.JobID)
	require.NoError(t, err)

	errs := make(chan error, peers)
	for i, conn := range conns {
		time.Sleep(time.Duration(i) * time.Millisecond)
		require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventSubscribe, Data: data}))
		go func(conn *websocket.Conn) {
			errs <- readUntilCompleted(conn)
		}(conn)
	}
	for range conns {
		assert.NoError(t, <-errs)
	}
}

// readUntilCompleted reads job updates until completed and fails when one
// goes backwards or anything arrives after completed.
func readUntilCompleted(conn *websocket.Conn) error {
	rank, progress := -1, -1.0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		var update models.JobUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			return err
		}
		r, ok := statusRank[update.Status]
		if !ok {
			return fmt.Errorf("unexpected status %s", update.Status)
		}
		if r < rank || update.Percent() < progress {
			return fmt.Errorf("update went backwards: %s %.1f%%", update.Status, update.Percent())
		}
		rank, progress = r, update.Percent()
		if update.Status == models.StatusCompleted {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var extra models.Envelope
	if err := conn.ReadJSON(&extra); err == nil {
		return fmt.Errorf("update arrived after completed: %s", extra.Data)
	}
	return nil
}

func newTestTracker(t *testing.T, srv *httptest.Server, client *api.Client) *tracker.Tracker {
	t.Helper()
	nc := notify.New(notify.Options{
		BaseURL:        srv.URL,
		Path:           defaultSocketPath,
		ConnectTimeout: 2 * time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		Factory:        realtime.Factory(quietLogger),
		Logger:         quietLogger,
	})
	polls := poller.New(client, 20*time.Millisecond, quietLogger)
	tr := tracker.New(nc, polls, quietLogger)
	t.Cleanup(func() {
		tr.Close()
		polls.Close()
		nc.Disconnect()
	})
	return tr
}

func collectUntilTerminal(t *testing.T, events <-chan tracker.Event) []tracker.Event {
	t.Helper()
	var got []tracker.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Terminal() {
				return got
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %d events", len(got))
			return got
		}
	}
}

func TestRealtimeEndToEnd(t *testing.T) {
	_, srv, client := newTestBackend(t, Options{StepInterval: 10 * time.Millisecond})
	tr := newTestTracker(t, srv, client)

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)

	events := make(chan tracker.Event, 64)
	src, err := tr.Track(context.Background(), info.JobID, func(ev tracker.Event) { events <- ev })
	require.NoError(t, err)
	assert.Equal(t, tracker.SourceRealtime, src)

	got := collectUntilTerminal(t, events)
	last := got[len(got)-1]
	assert.Equal(t, models.StatusCompleted, last.Status)
	assert.Equal(t, 100.0, last.Progress)
	assert.Equal(t, tracker.SourceRealtime, last.Source)
	assert.Equal(t, "/yt-download/"+info.FileID, last.DownloadURL)
	for _, ev := range got {
		assert.Equal(t, info.JobID, ev.JobID)
	}
}

func TestRealtimeDropFallsBackToPolling(t *testing.T) {
	app, srv, client := newTestBackend(t, Options{StepInterval: 40 * time.Millisecond})
	tr := newTestTracker(t, srv, client)

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)

	events := make(chan tracker.Event, 64)
	_, err = tr.Track(context.Background(), info.JobID, func(ev tracker.Event) { events <- ev })
	require.NoError(t, err)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no realtime event received")
	}

	app.mu.RLock()
	peers := make([]*peer, 0, len(app.peers))
	for p := range app.peers {
		peers = append(peers, p)
	}
	app.mu.RUnlock()
	for _, p := range peers {
		app.dropPeer(p)
	}

	got := collectUntilTerminal(t, events)
	var sawDisconnect bool
	for _, ev := range got {
		if ev.Status == models.StatusDisconnected {
			sawDisconnect = true
			assert.NotEmpty(t, ev.Reason)
		}
	}
	assert.True(t, sawDisconnect)

	last := got[len(got)-1]
	assert.Equal(t, models.StatusCompleted, last.Status)
	assert.Equal(t, tracker.SourcePolling, last.Source)
}

func TestCleanupRemovesExpiredJobs(t *testing.T) {
	dir := t.TempDir()
	app, _, client := newTestBackend(t, Options{DownloadsDir: dir, StepInterval: time.Millisecond})

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)
	waitStatus(t, client, info.JobID, models.StatusCompleted)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	app.cleanup(time.Hour)
	_, err = client.JobStatus(context.Background(), info.JobID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	app.cleanup(time.Millisecond)

	_, err = client.JobStatus(context.Background(), info.JobID)
	assert.ErrorIs(t, err, api.ErrJobNotFound)
	_, err = client.JobStatus(context.Background(), info.FileID)
	assert.ErrorIs(t, err, api.ErrJobNotFound)

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIndexAndHealth(t *testing.T) {
	_, srv, client := newTestBackend(t, Options{StepInterval: time.Hour})

	body := get(t, srv.URL+"/")
	assert.Contains(t, body, "No conversions yet.")

	info, err := client.Convert(context.Background(), testVideoURL, models.ModeMP3)
	require.NoError(t, err)
	body = get(t, srv.URL+"/")
	assert.Contains(t, body, info.Title)
	assert.Contains(t, body, `id="job-`+info.JobID+`"`)

	assert.Contains(t, get(t, srv.URL+"/healthz"), `"status":"ok"`)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestParseVideoURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://www.youtube.com/watch?v=abc", "abc", true},
		{"https://m.youtube.com/watch?v=abc&t=10", "abc", true},
		{"https://youtu.be/xyz", "xyz", true},
		{"https://youtube.com/shorts/s1", "s1", true},
		{"https://music.youtube.com/watch?v=m1", "m1", true},
		{"ftp://youtube.com/watch?v=abc", "", false},
		{"https://example.com/watch?v=abc", "", false},
		{"https://www.youtube.com/", "", false},
		{"not a url", "", false},
	}
	for _, tt := range tests {
		got, err := parseVideoURL(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
