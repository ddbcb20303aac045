// Package handlers implements the development backend: the conversion REST
// endpoints, the realtime job-update socket and a small status page.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ytjobs/internal/models"
	"ytjobs/templates"
)

const (
	defaultStepInterval = 500 * time.Millisecond
	defaultSocketPath   = "/yt-api/ws/"
)

// Options configures an App. Zero values fall back to defaults.
type Options struct {
	DownloadsDir string
	SocketPath   string
	StepInterval time.Duration
}

type App struct {
	logger *slog.Logger

	router *chi.Mux

	downloadsDir string
	socketPath   string
	stepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	jobs  map[string]*models.ConversionJob
	files map[string]string
	subs  map[string]map[*peer]struct{}
	peers map[*peer]struct{}

	// sendMu orders job-update sends. A state change and its broadcast happen
	// under it, as does a subscriber's current-state snapshot.
	sendMu sync.Mutex

	upgrader websocket.Upgrader
	validate *validator.Validate
}

func NewApp(logger *slog.Logger, opts Options) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DownloadsDir == "" {
		opts.DownloadsDir = "downloads"
	}
	if opts.SocketPath == "" {
		opts.SocketPath = defaultSocketPath
	}
	if opts.StepInterval <= 0 {
		opts.StepInterval = defaultStepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		logger:       logger,
		router:       chi.NewRouter(),
		downloadsDir: opts.DownloadsDir,
		socketPath:   opts.SocketPath,
		stepInterval: opts.StepInterval,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(map[string]*models.ConversionJob),
		files:        make(map[string]string),
		subs:         make(map[string]map[*peer]struct{}),
		peers:        make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate: validator.New(),
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

// Close stops running conversions and drops every socket connection.
func (a *App) Close() {
	a.cancel()

	a.mu.Lock()
	peers := make([]*peer, 0, len(a.peers))
	for p := range a.peers {
		peers = append(peers, p)
	}
	a.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/", a.index)
		r.Post("/yt-convert", a.convert)
		r.Get("/status/{id}", a.status)
		r.Get("/yt-download/{id}", a.download)
		r.Get("/healthz", a.health)
	})

	a.router.Get(a.socketPath, a.socket)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, templates.JobsPage(a.recentJobs(20)))
}

func (a *App) convert(w http.ResponseWriter, r *http.Request) {
	var req models.ConvertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	videoID, err := parseVideoURL(req.URL)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := models.ParseMode(string(req.Mode))

	now := time.Now()
	job := &models.ConversionJob{
		ID:        uuid.NewString(),
		FileID:    uuid.NewString(),
		URL:       strings.TrimSpace(req.URL),
		Mode:      mode,
		Title:     "YouTube video " + videoID,
		Status:    models.StatusQueued,
		Message:   "job queued",
		CreatedAt: now,
		UpdatedAt: now,
	}

	a.mu.Lock()
	a.jobs[job.ID] = job
	a.files[job.FileID] = job.ID
	a.mu.Unlock()

	a.logger.Info("conversion queued", "job_id", job.ID, "file_id", job.FileID, "mode", mode)
	go a.runConversion(job.ID)

	a.respondJSON(w, http.StatusOK, models.VideoInfo{
		Title:        job.Title,
		Author:       "unknown",
		Duration:     "0:00",
		ThumbnailURL: "https://i.ytimg.com/vi/" + url.PathEscape(videoID) + "/hqdefault.jpg",
		FileID:       job.FileID,
		JobID:        job.ID,
		Mode:         mode,
	})
}

func (a *App) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := a.lookup(id)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	update := jobUpdate(job)
	update.ID = id
	a.respondJSON(w, http.StatusOK, update)
}

func (a *App) download(w http.ResponseWriter, r *http.Request) {
	job, ok := a.lookup(chi.URLParam(r, "id"))
	if !ok {
		a.respondError(w, http.StatusNotFound, "file not found")
		return
	}
	if job.Status != models.StatusCompleted || job.FileName == "" {
		a.respondError(w, http.StatusConflict, "file is not ready yet")
		return
	}
	path := a.outputPath(job)
	if _, err := os.Stat(path); err != nil {
		a.respondError(w, http.StatusNotFound, "file not found")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+job.FileName+"\"")
	http.ServeFile(w, r, path)
}

func jobUpdate(job *models.ConversionJob) models.JobUpdate {
	update := models.JobUpdate{
		ID:       job.ID,
		Status:   job.Status,
		Progress: models.FormatProgress(job.Progress),
		Message:  job.Message,
		Error:    job.Error,
	}
	if job.Status == models.StatusCompleted {
		update.DownloadURL = "/yt-download/" + job.FileID
		update.FileName = job.FileName
	}
	return update
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, detail string) {
	a.respondJSON(w, code, models.ErrorResponse{Detail: detail})
}

// lookup resolves either a job id or a file id.
func (a *App) lookup(id string) (*models.ConversionJob, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	job, ok := a.jobs[id]
	if !ok {
		jobID, found := a.files[id]
		if !found {
			return nil, false
		}
		job, ok = a.jobs[jobID]
		if !ok {
			return nil, false
		}
	}
	clone := *job
	return &clone, true
}

func (a *App) updateJob(id string, fn func(*models.ConversionJob)) (*models.ConversionJob, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[id]
	if !ok {
		return nil, false
	}
	fn(job)
	job.UpdatedAt = time.Now()
	clone := *job
	return &clone, true
}

func (a *App) recentJobs(limit int) []*models.ConversionJob {
	a.mu.RLock()
	jobs := make([]*models.ConversionJob, 0, len(a.jobs))
	for _, j := range a.jobs {
		clone := *j
		jobs = append(jobs, &clone)
	}
	a.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// StartCleanupLoop removes jobs and their files once they have not changed
// for ttl. It stops when ctx is done.
func (a *App) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	s.WaitForScheduleAll()
	if _, err := s.Every(interval).Do(a.cleanup, ttl); err != nil {
		a.logger.Error("failed to schedule cleanup", "error", err)
		return
	}
	s.StartAsync()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (a *App) cleanup(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	var oldJobs []models.ConversionJob

	a.mu.Lock()
	for id, job := range a.jobs {
		if job.UpdatedAt.Before(cutoff) {
			oldJobs = append(oldJobs, *job)
			delete(a.jobs, id)
			delete(a.files, job.FileID)
		}
	}
	a.mu.Unlock()

	for _, job := range oldJobs {
		if job.FileName != "" {
			_ = os.Remove(a.outputPath(&job))
		}
	}

	if len(oldJobs) > 0 {
		a.logger.Info("cleanup completed", "removed_jobs", len(oldJobs))
	}
}

func (a *App) outputPath(job *models.ConversionJob) string {
	return filepath.Join(a.downloadsDir, job.FileID+filepath.Ext(job.FileName))
}

// parseVideoURL accepts youtube.com watch/shorts links and youtu.be links and
// returns the video id.
func parseVideoURL(raw string) (string, error) {
	errInvalid := errors.New("invalid YouTube URL")

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errInvalid
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
		} else if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			id = strings.Trim(rest, "/")
		}
	default:
		return "", errInvalid
	}
	if id == "" || strings.Contains(id, "/") {
		return "", errInvalid
	}
	return id, nil
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." {
		return "video"
	}
	return name
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
