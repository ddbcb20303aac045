package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytjobs/internal/models"
)

func testBackend(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/yt-convert", func(w http.ResponseWriter, r *http.Request) {
		var req models.ConvertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if req.URL == "https://youtu.be/broken" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{Detail: "invalid YouTube URL"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.VideoInfo{Title: "Song", FileID: "f1", JobID: "j1"})
	})
	r.Get("/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "id") {
		case "missing":
			http.NotFound(w, r)
		case "boom":
			http.Error(w, "internal", http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte(`{"status":"processing","progress":"42.5%"}`))
		}
	})
	r.Get("/yt-download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="Song.mp3"`)
		_, _ = w.Write([]byte("ID3-audio"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Convert(t *testing.T) {
	c := NewClient(testBackend(t).URL+"/", nil)

	info, err := c.Convert(context.Background(), "  https://youtu.be/abc  ", models.ModeMP3)
	require.NoError(t, err)
	assert.Equal(t, "Song", info.Title)
	assert.Equal(t, "j1", info.JobID)
	assert.Equal(t, models.ModeMP3, info.Mode)

	_, err = c.Convert(context.Background(), "https://youtu.be/broken", models.ModeMP3)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "invalid YouTube URL", apiErr.Detail)

	_, err = c.Convert(context.Background(), "   ", models.ModeMP3)
	assert.Error(t, err)
}

func TestClient_JobStatus(t *testing.T) {
	c := NewClient(testBackend(t).URL, nil)

	update, err := c.JobStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", update.ID)
	assert.Equal(t, models.StatusProcessing, update.Status)
	assert.Equal(t, 42.5, update.Percent())

	_, err = c.JobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = c.JobStatus(context.Background(), "boom")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "internal", apiErr.Detail)
}

func TestClient_Download(t *testing.T) {
	c := NewClient(testBackend(t).URL, nil)

	var buf bytes.Buffer
	name, err := c.Download(context.Background(), "f1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "Song.mp3", name)
	assert.Equal(t, "ID3-audio", buf.String())
}

func TestFileNameFromDisposition(t *testing.T) {
	assert.Equal(t, "a b.mp3", fileNameFromDisposition(`attachment; filename="a b.mp3"`))
	assert.Equal(t, "", fileNameFromDisposition("inline"))
}
