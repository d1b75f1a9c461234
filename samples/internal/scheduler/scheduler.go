// Package scheduler runs the daily ingestion at a fixed UTC time of day.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldwormmap/wwm-stack/common/logging"
	"github.com/worldwormmap/wwm-stack/samples/internal/models"
)

// Actor is recorded on runs started by the scheduler.
const Actor = "scheduler"

// Runner executes one ingestion run. ingest.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, actor string) (*models.IngestResult, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to compute the next run.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler triggers the runner once a day at hour:minute UTC. Failed runs
// are logged and never retried before the next slot.
type Scheduler struct {
	runner Runner
	hour   int
	minute int
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	next    time.Time
	last    *models.IngestResult
	stop    chan struct{}
	stopped chan struct{}

	// runMu keeps the daily run and RunNow from overlapping.
	runMu sync.Mutex
}

// NewScheduler creates a daily scheduler. hour must be 0-23 and minute 0-59.
func NewScheduler(runner Runner, hour, minute int, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("invalid ingest hour %d", hour)
	}
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid ingest minute %d", minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner: runner,
		hour:   hour,
		minute: minute,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// nextRun returns the first hour:minute UTC strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start launches the scheduling goroutine. Calling Start on a running
// scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.next = nextRun(s.now(), s.hour, s.minute)

	s.logger.Info("ingestion scheduler started",
		slog.String("time_utc", fmt.Sprintf("%02d:%02d", s.hour, s.minute)),
		slog.Time("next_run", s.next),
	)
	go s.loop(ctx, s.stop, s.stopped, s.next)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}, next time.Time) {
	defer close(stopped)

	for {
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			s.runOnce(ctx)
			next = nextRun(s.now(), s.hour, s.minute)
			s.mu.Lock()
			s.next = next
			s.mu.Unlock()
		case <-stop:
			timer.Stop()
			s.logger.Info("ingestion scheduler stopped")
			return
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("ingestion scheduler context cancelled")
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for an in-flight run to
// finish. Stopping a stopped scheduler does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, stopped := s.stop, s.stopped
	s.next = time.Time{}
	s.mu.Unlock()

	close(stop)
	<-stopped
}

// RunNow runs an ingestion immediately under the scheduler actor and
// records it as the last result.
func (s *Scheduler) RunNow(ctx context.Context) (*models.IngestResult, error) {
	return s.run(ctx)
}

func (s *Scheduler) runOnce(ctx context.Context) {
	_, _ = s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (*models.IngestResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result, err := s.runner.Run(ctx, Actor)
	if err != nil {
		s.logger.Error("scheduled ingestion failed", logging.Actor(Actor), logging.Error(err))
		return nil, err
	}

	s.logger.Info("scheduled ingestion complete",
		logging.RunID(result.RunID),
		slog.Int("ingested", result.Ingested),
		slog.Int("duplicates", result.Duplicates),
		slog.Int("errors", result.Errors),
	)
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	return result, nil
}

// Running reports whether the scheduling goroutine is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun is the next scheduled run, or zero when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// LastResult is the result of the last successful run, if any.
func (s *Scheduler) LastResult() *models.IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
