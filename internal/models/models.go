package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the current state of a conversion job.
type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusStarting     JobStatus = "starting"
	StatusProcessing   JobStatus = "processing"
	StatusCompleted    JobStatus = "completed"
	StatusError        JobStatus = "error"
	StatusFailed       JobStatus = "failed"
	StatusDisconnected JobStatus = "disconnected"
)

// Terminal reports whether no further updates are expected for a job in this status.
// A synthetic disconnect is not terminal here: the job may still be running remotely.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusFailed:
		return true
	default:
		return false
	}
}

// Mode selects what the backend produces from a video URL.
type Mode string

const (
	ModeMP3   Mode = "mp3"
	ModeVideo Mode = "video"
)

// ParseMode returns ModeMP3 for anything that is not "video".
func ParseMode(v string) Mode {
	if strings.EqualFold(strings.TrimSpace(v), string(ModeVideo)) {
		return ModeVideo
	}
	return ModeMP3
}

// JobUpdate is the payload of a "job-update" event and of the REST status endpoint.
// Progress is kept as received; use Percent to read it.
type JobUpdate struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	Message     string          `json:"message,omitempty"`
	DownloadURL string          `json:"download_url,omitempty"`
	FileName    string          `json:"filename,omitempty"`
	Error       string          `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Percent returns the normalized progress of the update.
func (u JobUpdate) Percent() float64 {
	return NormalizeProgress(u.Progress)
}

// NormalizeProgress converts the mixed progress representations sent by the
// backend ("42.5%", "42.5", 42.5) into a float in [0,100]. Missing or
// unparseable input yields 0.
func NormalizeProgress(v any) float64 {
	var f float64
	switch p := v.(type) {
	case nil:
		return 0
	case float64:
		f = p
	case float32:
		f = float64(p)
	case int:
		f = float64(p)
	case int64:
		f = float64(p)
	case json.Number:
		return NormalizeProgress(string(p))
	case json.RawMessage:
		if len(p) == 0 {
			return 0
		}
		var decoded any
		if err := json.Unmarshal(p, &decoded); err != nil {
			return 0
		}
		return NormalizeProgress(decoded)
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(p), "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}

	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return f
}

// FormatProgress renders a percentage the way the backend sends it.
func FormatProgress(percent float64) json.RawMessage {
	b, _ := json.Marshal(strconv.FormatFloat(percent, 'f', 1, 64) + "%")
	return b
}

// VideoInfo is returned by the convert endpoint.
type VideoInfo struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	Duration     string `json:"duration"`
	ThumbnailURL string `json:"thumbnail_url"`
	FileID       string `json:"file_id"`
	JobID        string `json:"job_id,omitempty"`
	Mode         Mode   `json:"mode,omitempty"`
}

// ConvertRequest is the body of POST /yt-convert.
type ConvertRequest struct {
	URL  string `json:"url" validate:"required,url"`
	Mode Mode   `json:"mode,omitempty" validate:"omitempty,oneof=mp3 video"`
}

// ErrorResponse is the error body the backend answers with.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Envelope frames every message on the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Realtime event names.
const (
	EventSubscribe   = "subscribe-job"
	EventUnsubscribe = "unsubscribe-job"
	EventJobUpdate   = "job-update"
)

// ConversionJob stores runtime state of a job on the development backend.
type ConversionJob struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	URL       string    `json:"url"`
	Mode      Mode      `json:"mode"`
	Title     string    `json:"title"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	FileName  string    `json:"filename,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
