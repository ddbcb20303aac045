// Package poller runs the fixed-interval status polling used when a job
// cannot be followed over the realtime channel.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"ytjobs/internal/api"
	"ytjobs/internal/models"
)

const (
	DefaultInterval = 2 * time.Second
	NotFoundMessage = "job not found"

	requestTimeout = 10 * time.Second
)

var ErrClosed = errors.New("poller is closed")

// StatusFetcher is satisfied by *api.Client.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*models.JobUpdate, error)
}

// HandlerFunc receives every parsed status answer for a polled job.
type HandlerFunc func(update models.JobUpdate)

// Poller keeps at most one interval job per job id on a gocron scheduler.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	logger   *slog.Logger
	sched    *gocron.Scheduler

	mu     sync.Mutex
	active map[string]*entry
	closed bool
}

type entry struct {
	jobID   string
	handle  HandlerFunc
	stopped atomic.Bool
}

func New(fetcher StatusFetcher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	s.WaitForScheduleAll()
	s.StartAsync()

	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		logger:   logger,
		sched:    s,
		active:   make(map[string]*entry),
	}
}

// Start polls jobID every interval, first after one full interval. A job
// already being polled is restarted with the new handler.
func (p *Poller) Start(jobID string, handle HandlerFunc) error {
	if jobID == "" || handle == nil {
		return errors.New("poller: job id and handler are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if old, ok := p.active[jobID]; ok {
		old.stopped.Store(true)
		delete(p.active, jobID)
		_ = p.sched.RemoveByTag(jobID)
	}

	e := &entry{jobID: jobID, handle: handle}
	if _, err := p.sched.Every(p.interval).Tag(jobID).Do(func() { p.tick(e) }); err != nil {
		return fmt.Errorf("failed to schedule status poll for %s: %w", jobID, err)
	}
	p.active[jobID] = e
	p.logger.Info("polling job status", "job_id", jobID, "interval", p.interval)
	return nil
}

// Stop cancels polling for jobID. It does not wait for a handler call in
// progress, so it may be called from inside the handler. A tick that passed
// its stop check just before Stop can still deliver one last update; callers
// that replace handlers must ignore updates for an entry they dropped.
func (p *Poller) Stop(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.active[jobID]
	if !ok {
		return
	}
	e.stopped.Store(true)
	p.removeLocked(e)
}

func (p *Poller) Active(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

// ActiveJobs returns the polled job ids in sorted order.
func (p *Poller) ActiveJobs() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops every poll and the scheduler. It must not be called from a handler.
func (p *Poller) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, e := range p.active {
		e.stopped.Store(true)
		p.removeLocked(e)
	}
	p.mu.Unlock()

	p.sched.Stop()
}

func (p *Poller) tick(e *entry) {
	if e.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("status handler panicked", "job_id", e.jobID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	update, err := p.fetcher.JobStatus(ctx, e.jobID)
	switch {
	case errors.Is(err, api.ErrJobNotFound):
		if !p.finish(e) {
			return
		}
		p.logger.Warn("polled job not found", "job_id", e.jobID)
		e.handle(models.JobUpdate{ID: e.jobID, Status: models.StatusError, Error: NotFoundMessage})
		return
	case err != nil:
		p.logger.Warn("status poll failed", "job_id", e.jobID, "error", err)
		return
	}

	if update.Status.Terminal() {
		if !p.finish(e) {
			return
		}
		p.logger.Info("polled job finished", "job_id", e.jobID, "status", update.Status)
	} else if e.stopped.Load() {
		return
	}
	e.handle(*update)
}

// finish stops e exactly once and reports whether this call did it.
func (p *Poller) finish(e *entry) bool {
	if !e.stopped.CompareAndSwap(false, true) {
		return false
	}
	p.mu.Lock()
	p.removeLocked(e)
	p.mu.Unlock()
	return true
}

func (p *Poller) removeLocked(e *entry) {
	if p.active[e.jobID] != e {
		return
	}
	delete(p.active, e.jobID)
	if err := p.sched.RemoveByTag(e.jobID); err != nil {
		p.logger.Debug("status poll already removed", "job_id", e.jobID, "error", err)
	}
}
