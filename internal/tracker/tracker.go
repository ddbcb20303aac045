// Package tracker follows conversion jobs to completion, over the realtime
// channel when it is available and by status polling otherwise.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"ytjobs/internal/models"
	"ytjobs/internal/notify"
	"ytjobs/internal/poller"
	"ytjobs/internal/session"
)

// Source tells which transport delivered an event.
type Source string

const (
	SourceRealtime Source = "realtime"
	SourcePolling  Source = "polling"
)

var ErrNoCurrentJob = errors.New("no current job in session")

// Event is a job update with its progress normalized.
type Event struct {
	JobID       string
	Status      models.JobStatus
	Progress    float64
	Message     string
	DownloadURL string
	FileName    string
	Error       string
	Reason      string
	Source      Source
}

// Terminal reports whether this is the last event for the job.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

type Handler func(Event)

// Subscriber is satisfied by *notify.Client.
type Subscriber interface {
	SubscribeToJob(ctx context.Context, jobID string, cb notify.UpdateFunc) bool
	UnsubscribeFromJob(jobID string)
}

// StatusPoller is satisfied by *poller.Poller.
type StatusPoller interface {
	Start(jobID string, handle poller.HandlerFunc) error
	Stop(jobID string)
}

type Tracker struct {
	realtime Subscriber
	polls    StatusPoller
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*trackedJob

	// releasing holds one channel per job id whose transports are being torn
	// down. It is closed once the teardown is done.
	releasing map[string]chan struct{}
}

type trackedJob struct {
	id      string
	handler Handler
	source  Source
}

func New(realtime Subscriber, polls StatusPoller, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		realtime:  realtime,
		polls:     polls,
		logger:    logger,
		jobs:      make(map[string]*trackedJob),
		releasing: make(map[string]chan struct{}),
	}
}

// Track follows jobID until a terminal status or Untrack. Tracking an id that
// is already tracked replaces the earlier handler.
func (t *Tracker) Track(ctx context.Context, jobID string, handler Handler) (Source, error) {
	if jobID == "" || handler == nil {
		return "", errors.New("tracker: job id and handler are required")
	}
	job := &trackedJob{id: jobID, handler: handler, source: SourceRealtime}
	t.register(job)

	if t.realtime != nil && t.realtime.SubscribeToJob(ctx, jobID, func(u models.JobUpdate) {
		t.handle(job, SourceRealtime, u)
	}) {
		return SourceRealtime, nil
	}

	t.logger.Info("realtime unavailable, falling back to polling", "job_id", jobID)
	if err := t.startPolling(job); err != nil {
		return "", err
	}
	return SourcePolling, nil
}

// TrackCurrent tracks the job of the session's current conversion.
func (t *Tracker) TrackCurrent(ctx context.Context, s session.Reader, handler Handler) (string, Source, error) {
	jobID := s.CurrentJobID()
	if jobID == "" {
		return "", "", ErrNoCurrentJob
	}
	src, err := t.Track(ctx, jobID, handler)
	return jobID, src, err
}

// register makes job the tracked job for its id. An earlier job with the
// same id is released first, and a teardown still running for the id is
// waited for, so no stale release can reach the new job's transports.
func (t *Tracker) register(job *trackedJob) {
	t.mu.Lock()
	for {
		if done, busy := t.releasing[job.id]; busy {
			t.mu.Unlock()
			<-done
			t.mu.Lock()
			continue
		}
		old, ok := t.jobs[job.id]
		if !ok {
			break
		}
		done := t.detachLocked(old)
		t.mu.Unlock()
		t.release(old.id, done)
		t.mu.Lock()
	}
	t.jobs[job.id] = job
	t.mu.Unlock()
}

// Untrack stops following jobID on both transports.
func (t *Tracker) Untrack(jobID string) {
	t.mu.Lock()
	job, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	done := t.detachLocked(job)
	t.mu.Unlock()
	t.release(job.id, done)
}

// Tracking reports whether jobID is tracked and over which transport.
func (t *Tracker) Tracking(jobID string) (Source, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok {
		return "", false
	}
	return job.source, true
}

func (t *Tracker) Jobs() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close untracks every job.
func (t *Tracker) Close() {
	for _, id := range t.Jobs() {
		t.Untrack(id)
	}
}

func (t *Tracker) startPolling(job *trackedJob) error {
	t.mu.Lock()
	if t.jobs[job.id] != job {
		t.mu.Unlock()
		return nil
	}
	job.source = SourcePolling
	t.mu.Unlock()

	err := t.polls.Start(job.id, func(u models.JobUpdate) {
		t.handle(job, SourcePolling, u)
	})
	if err != nil {
		t.mu.Lock()
		if t.jobs[job.id] == job {
			delete(t.jobs, job.id)
		}
		t.mu.Unlock()
		t.logger.Error("failed to start polling", "job_id", job.id, "error", err)
		return err
	}
	return nil
}

func (t *Tracker) handle(job *trackedJob, src Source, u models.JobUpdate) {
	t.mu.Lock()
	if t.jobs[job.id] != job || job.source != src {
		t.mu.Unlock()
		return
	}
	terminal := u.Status.Terminal()
	fallback := src == SourceRealtime && u.Status == models.StatusDisconnected
	var done chan struct{}
	if terminal {
		done = t.detachLocked(job)
	}
	t.mu.Unlock()

	// Released before delivery so the handler may track the id again.
	if terminal {
		t.release(job.id, done)
	}
	t.deliver(job, Event{
		JobID:       job.id,
		Status:      u.Status,
		Progress:    u.Percent(),
		Message:     u.Message,
		DownloadURL: u.DownloadURL,
		FileName:    u.FileName,
		Error:       u.Error,
		Reason:      u.Reason,
		Source:      src,
	})

	switch {
	case terminal:
		t.logger.Info("job finished", "job_id", job.id, "status", u.Status, "source", src)
	case fallback:
		t.logger.Warn("realtime channel lost, switching job to polling", "job_id", job.id, "reason", u.Reason)
		_ = t.startPolling(job)
	}
}

// detachLocked removes job from the table and marks its id as releasing.
// t.mu must be held.
func (t *Tracker) detachLocked(job *trackedJob) chan struct{} {
	delete(t.jobs, job.id)
	done := make(chan struct{})
	t.releasing[job.id] = done
	return done
}

func (t *Tracker) release(jobID string, done chan struct{}) {
	if t.realtime != nil {
		t.realtime.UnsubscribeFromJob(jobID)
	}
	t.polls.Stop(jobID)

	t.mu.Lock()
	if t.releasing[jobID] == done {
		delete(t.releasing, jobID)
	}
	t.mu.Unlock()
	close(done)
}

func (t *Tracker) deliver(job *trackedJob, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("job event handler panicked", "job_id", job.id, "panic", r)
		}
	}()
	job.handler(ev)
}
