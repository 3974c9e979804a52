// Package scheduler refreshes degraded sessions on a cron schedule until
// their live updates come back.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule is used when none is configured.
const DefaultSchedule = "@every 30s"

// RefreshFunc refreshes one session.
type RefreshFunc func(ctx context.Context, sessionID string) error

// Scheduler manages one refresh job per degraded session.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	jobs     map[string]cron.EntryID // session id → entry
	refresh  RefreshFunc
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a scheduler running refresh on spec, a standard 5-field
// cron expression or a descriptor like "@every 1m".
func New(spec string, refresh RefreshFunc, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: invalid schedule %q", spec)
	}
	return &Scheduler{
		cron:     cron.New(),
		schedule: sched,
		spec:     spec,
		jobs:     make(map[string]cron.EntryID),
		refresh:  refresh,
		timeout:  20 * time.Second,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Start runs the cron loop. Blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.spec)

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// Watch schedules refreshes for sessionID. Watching a session twice keeps
// one job.
func (s *Scheduler) Watch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[sessionID]; ok {
		return
	}
	s.jobs[sessionID] = s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.run(sessionID) }))
	s.logger.Info("degraded refresh scheduled", "session", sessionID, "schedule", s.spec)
}

// Unwatch removes the job of sessionID.
func (s *Scheduler) Unwatch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[sessionID]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.jobs, sessionID)
	s.logger.Info("degraded refresh removed", "session", sessionID)
}

// SetDegraded watches or unwatches sessionID.
func (s *Scheduler) SetDegraded(sessionID string, degraded bool) {
	if degraded {
		s.Watch(sessionID)
	} else {
		s.Unwatch(sessionID)
	}
}

// Watching returns the watched session ids, sorted.
func (s *Scheduler) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobCount returns the number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) run(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.logger.Debug("refreshing degraded session", "session", sessionID)
	if err := s.refresh(ctx, sessionID); err != nil {
		s.logger.Warn("degraded refresh failed", "session", sessionID, "error", err)
	}
}
