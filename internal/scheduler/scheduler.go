// Package scheduler fires the daily scheduled import at a configured local
// wall-clock time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lachwilkes/raceday/internal/config"
	"github.com/lachwilkes/raceday/internal/domain"
	"github.com/lachwilkes/raceday/internal/importer"
	"github.com/lachwilkes/raceday/internal/logger"
	"github.com/lachwilkes/raceday/internal/pfapi"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// Runner executes one import run for a target date.
type Runner interface {
	Run(ctx context.Context, trigger domain.TriggerKind, targetDate string) (*domain.ImportRun, error)
}

// Clock abstracts wall-clock time so the fire loop is testable.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler triggers one import per day at Hour:Minute in Location. The
// target date is the local date plus OffsetDays, so an evening run imports
// the next day's meetings.
type Scheduler struct {
	runner Runner

	hour       int
	minute     int
	loc        *time.Location
	offsetDays int

	clock Clock
	log   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler from configuration.
// Parameters:
//   - runner: import runner invoked on each fire.
//   - schedCfg: fire time and timezone.
//   - importCfg: supplies the target date offset.
//   - log: logger instance.
// Returns:
//   - *Scheduler: configured scheduler, not yet started.
//   - error: non-nil when the timezone cannot be loaded.
func New(runner Runner, schedCfg config.SchedulerConfig, importCfg config.ImportConfig, log *logger.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(schedCfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler timezone %q: %w", schedCfg.Timezone, err)
	}
	if schedCfg.Hour < 0 || schedCfg.Hour > 23 || schedCfg.Minute < 0 || schedCfg.Minute > 59 {
		return nil, fmt.Errorf("invalid scheduler time %02d:%02d", schedCfg.Hour, schedCfg.Minute)
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Scheduler{
		runner:     runner,
		hour:       schedCfg.Hour,
		minute:     schedCfg.Minute,
		loc:        loc,
		offsetDays: importCfg.DateOffsetDays,
		clock:      realClock{},
		log:        log,
	}, nil
}

// Next returns the first fire time strictly after the given instant.
// Parameters:
//   - after: anchor instant.
// Returns:
//   - time.Time: next fire time in the scheduler's location.
func (s *Scheduler) Next(after time.Time) time.Time {
	anchor := after.In(s.loc)
	candidate := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !candidate.After(anchor) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// TargetDate returns the calendar date a fire at the given instant imports.
// Parameters:
//   - at: fire instant.
// Returns:
//   - string: ISO date in the scheduler's location, offset applied.
func (s *Scheduler) TargetDate(at time.Time) string {
	return at.In(s.loc).AddDate(0, 0, s.offsetDays).Format(pfapi.DateLayout)
}

// Start launches the fire loop in a goroutine.
// Parameters:
//   - ctx: parent context; cancellation stops the loop.
// Returns:
//   - error: ErrAlreadyRunning if already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)

	s.log.WithFields(logger.Fields{
		logger.FieldComponent: "scheduler",
	}).Infof("Scheduler started: fires daily at %02d:%02d %s", s.hour, s.minute, s.loc)
	return nil
}

// Stop cancels the fire loop and waits for it to exit.
// Parameters: none.
// Returns: none.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TriggerNow starts a manual import for the given date immediately,
// outside the daily cadence. The single-run guard still applies.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - targetDate: ISO calendar date to import.
// Returns:
//   - *domain.ImportRun: finalized run record, nil when rejected.
//   - error: classified run error on failure.
func (s *Scheduler) TriggerNow(ctx context.Context, targetDate string) (*domain.ImportRun, error) {
	return s.runner.Run(ctx, domain.TriggerManual, targetDate)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	last := s.clock.Now()
	for {
		next := s.Next(last)
		delay := next.Sub(s.clock.Now())
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		s.fire(ctx, next)
		last = next
	}
}

// fire runs one scheduled import. A run already in progress is logged and
// skipped; the next day's fire proceeds normally.
func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	targetDate := s.TargetDate(at)
	runCtx := logger.WithFields(ctx, logger.Fields{
		logger.FieldComponent:  "scheduler",
		logger.FieldImportDate: targetDate,
	})
	logger.CtxInfo(runCtx, "Scheduled import firing")

	run, err := s.runner.Run(runCtx, domain.TriggerScheduled, targetDate)
	if err != nil {
		if importer.KindOf(err) == importer.KindConcurrentRun {
			logger.CtxWarn(runCtx, "Scheduled import skipped, another run is in progress")
			return
		}
		logger.CtxError(runCtx, "Scheduled import failed: %v", err)
		return
	}
	logger.CtxInfo(runCtx, "Scheduled import completed: run=%s, %s", run.ID, run.Message)
}
