// Package importer coordinates a single import run end-to-end: it acquires
// the run slot, fetches meetings from the source, drives reconciliation,
// persists the result, and records the outcome in the run ledger.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/lachwilkes/raceday/internal/domain"
	"github.com/lachwilkes/raceday/internal/logger"
	"github.com/lachwilkes/raceday/internal/metrics"
	"github.com/lachwilkes/raceday/internal/pfapi"
	"github.com/lachwilkes/raceday/internal/reconcile"
	"github.com/lachwilkes/raceday/internal/repository"
)

// MeetingSource fetches meetings for a target date. One outbound call per
// invocation; the orchestrator owns retries.
type MeetingSource interface {
	FetchMeetings(ctx context.Context, date string) (*pfapi.FetchResult, error)
}

// MeetingStore is the persistence boundary for meeting records.
type MeetingStore interface {
	GetByKeys(ctx context.Context, keys []domain.MeetingKey) (map[domain.MeetingKey]domain.Meeting, error)
	ApplyChanges(ctx context.Context, toInsert, toUpdate []domain.Meeting) (repository.Applied, error)
}

// Ledger is the append-only run history and single-run guard.
type Ledger interface {
	BeginRun(ctx context.Context, trigger domain.TriggerKind, targetDate string) (*domain.ImportRun, error)
	CompleteRun(ctx context.Context, runID string, counts domain.RunCounts, message string) error
	FailRun(ctx context.Context, runID string, counts domain.RunCounts, errorKind, detail string) error
	Latest(ctx context.Context) (*domain.ImportRun, error)
	List(ctx context.Context, filter repository.ListFilter) ([]domain.ImportRun, error)
}

// PayloadArchiver stores the raw fetch payload for audit. Archiving is
// best-effort and never fails a run.
type PayloadArchiver interface {
	Enabled() bool
	Put(ctx context.Context, key string, body []byte) error
}

// Config holds orchestrator tunables.
type Config struct {
	Retry          RetryPolicy
	PersistTimeout time.Duration
}

// Importer is the import orchestrator. Exactly one run may be in progress
// at a time; the ledger enforces the invariant atomically.
type Importer struct {
	source  MeetingSource
	store   MeetingStore
	ledger  Ledger
	archive PayloadArchiver
	policy  RetryPolicy

	persistTimeout time.Duration
	sleep          sleepFunc
	log            *logger.Logger
}

// New creates a new Importer.
// Parameters:
//   - source: external source client.
//   - store: meeting persistence boundary.
//   - ledger: run ledger.
//   - archive: raw payload archiver; may be nil.
//   - log: logger instance.
//   - cfg: orchestrator tunables; nil uses defaults.
// Returns:
//   - *Importer: initialized orchestrator.
func New(source MeetingSource, store MeetingStore, ledger Ledger, archive PayloadArchiver, log *logger.Logger, cfg *Config) *Importer {
	policy := DefaultRetryPolicy()
	persistTimeout := 60 * time.Second
	if cfg != nil {
		if cfg.Retry.MaxAttempts > 0 {
			policy = cfg.Retry
		}
		if cfg.PersistTimeout > 0 {
			persistTimeout = cfg.PersistTimeout
		}
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Importer{
		source:         source,
		store:          store,
		ledger:         ledger,
		archive:        archive,
		policy:         policy,
		persistTimeout: persistTimeout,
		sleep:          defaultSleep,
		log:            log,
	}
}

// Run executes one import for the target date. The state machine is
// in_progress -> completed|failed; every failure is classified and written
// to the ledger before being surfaced.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - trigger: who started the run (scheduled or manual).
//   - targetDate: ISO calendar date to import.
// Returns:
//   - *domain.ImportRun: the finalized run record; nil when the run slot
//     could not be acquired.
//   - error: *RunError on failure, nil on success.
func (i *Importer) Run(ctx context.Context, trigger domain.TriggerKind, targetDate string) (*domain.ImportRun, error) {
	start := time.Now()

	run, err := i.ledger.BeginRun(ctx, trigger, targetDate)
	if err != nil {
		// No run was opened, so there is nothing to record in the ledger.
		kind := classifyBegin(err)
		i.log.WithError(err).WithFields(logger.Fields{
			logger.FieldTrigger:    string(trigger),
			logger.FieldImportDate: targetDate,
		}).Warn("Import run rejected")
		return nil, &RunError{Kind: kind, Err: err}
	}

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldRunID:      run.ID,
		logger.FieldTrigger:    string(trigger),
		logger.FieldImportDate: targetDate,
		logger.FieldComponent:  "importer",
	})
	logger.CtxInfo(ctx, "Import run started")

	counts := domain.RunCounts{}

	// Fetch with bounded exponential backoff for transient failures.
	fetch, runErr := i.fetchWithRetry(ctx, targetDate)
	if runErr != nil {
		return i.fail(ctx, run, counts, runErr, start)
	}

	counts.Fetched = len(fetch.Meetings)
	counts.Failed = fetch.Dropped
	if fetch.Dropped > 0 {
		logger.With(logger.Fields{logger.FieldCount: fetch.Dropped}).
			Warn(ctx, "Dropped records failing validation")
	}

	i.archivePayload(ctx, run, targetDate, fetch.Raw)

	// Reconcile: pure diff against the store's current view.
	keys := make([]domain.MeetingKey, 0, len(fetch.Meetings))
	for idx := range fetch.Meetings {
		keys = append(keys, fetch.Meetings[idx].Key())
	}
	existing, err := i.store.GetByKeys(ctx, keys)
	if err != nil {
		return i.fail(ctx, run, counts, &RunError{Kind: KindPersistence, Err: err}, start)
	}

	diff := reconcile.Diff(existing, fetch.Meetings)
	counts.Unchanged = len(diff.Unchanged)
	// In-batch duplicates are superseded observations, counted with the
	// dropped records so the ledger partition covers every fetched record.
	counts.Failed += diff.Duplicates

	// Persist inserts then updates inside one transaction. On failure the
	// transaction rolls back, so committed counts stay zero and the ledger
	// never claims work that did not land.
	persistCtx, cancel := context.WithTimeout(ctx, i.persistTimeout)
	applied, err := i.store.ApplyChanges(persistCtx, diff.ToInsert, diff.ToUpdate)
	cancel()
	if err != nil {
		counts.Inserted = applied.Inserted
		counts.Updated = applied.Updated
		return i.fail(ctx, run, counts, &RunError{Kind: KindPersistence, Err: err}, start)
	}
	counts.Inserted = applied.Inserted
	counts.Updated = applied.Updated

	message := fmt.Sprintf("Processed %d meetings: %d inserted, %d updated, %d unchanged",
		counts.Fetched, counts.Inserted, counts.Updated, counts.Unchanged)
	if counts.Failed > 0 {
		message += fmt.Sprintf(", %d dropped", counts.Failed)
	}

	if err := i.ledger.CompleteRun(ctx, run.ID, counts, message); err != nil {
		return i.fail(ctx, run, counts, &RunError{Kind: KindPersistence, Err: err}, start)
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusCompleted
	run.CompletedAt = &now
	run.Counts = counts
	run.Message = message

	i.observe(trigger, domain.RunStatusCompleted, counts, start)
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldCount:      counts.Fetched,
		logger.FieldStatus:     string(domain.RunStatusCompleted),
	}).Info(ctx, "%s", message)

	return run, nil
}

// fetchWithRetry applies the retry table to the source fetch. Transient
// kinds back off exponentially up to the attempt ceiling; everything else
// fails immediately.
func (i *Importer) fetchWithRetry(ctx context.Context, targetDate string) (*pfapi.FetchResult, *RunError) {
	var lastErr error
	for attempt := 1; attempt <= i.policy.MaxAttempts; attempt++ {
		fetchStart := time.Now()
		fetch, err := i.source.FetchMeetings(ctx, targetDate)
		metrics.FetchDuration.Observe(time.Since(fetchStart).Seconds())
		if err == nil {
			metrics.FetchAttempts.WithLabelValues("ok").Inc()
			return fetch, nil
		}

		kind := classifyFetch(err)
		metrics.FetchAttempts.WithLabelValues(string(kind)).Inc()
		lastErr = err

		if !i.policy.Retryable(kind) {
			return nil, &RunError{Kind: kind, Err: err}
		}
		if attempt == i.policy.MaxAttempts {
			break
		}

		delay := i.policy.Backoff(attempt)
		logger.With(logger.Fields{
			logger.FieldAttempt:    attempt,
			logger.FieldDurationMs: delay.Milliseconds(),
		}).Warn(ctx, "Fetch failed, retrying: %v", err)

		if err := i.sleep(ctx, delay); err != nil {
			return nil, &RunError{Kind: KindUpstreamUnavailable, Err: err}
		}
	}
	return nil, &RunError{Kind: classifyFetch(lastErr), Err: lastErr}
}

// archivePayload stores the raw response for audit. Failures are logged and
// never affect the run outcome.
func (i *Importer) archivePayload(ctx context.Context, run *domain.ImportRun, targetDate string, raw []byte) {
	if i.archive == nil || !i.archive.Enabled() || len(raw) == 0 {
		return
	}
	key := fmt.Sprintf("meetings/%s/%s.json", targetDate, run.ID)
	if err := i.archive.Put(ctx, key, raw); err != nil {
		logger.CtxWarn(ctx, "Failed to archive raw payload: key=%s, error=%v", key, err)
	}
}

// fail finalizes the run as failed with its classification and the counts
// for whatever was durably applied, then surfaces the structured error.
func (i *Importer) fail(ctx context.Context, run *domain.ImportRun, counts domain.RunCounts, runErr *RunError, start time.Time) (*domain.ImportRun, error) {
	if err := i.ledger.FailRun(ctx, run.ID, counts, string(runErr.Kind), runErr.Err.Error()); err != nil {
		logger.CtxError(ctx, "Failed to record run failure: %v", err)
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusFailed
	run.CompletedAt = &now
	run.Counts = counts
	run.ErrorKind = string(runErr.Kind)
	run.ErrorDetail = runErr.Err.Error()

	i.observe(run.Trigger, domain.RunStatusFailed, counts, start)
	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
		logger.FieldStatus:     string(domain.RunStatusFailed),
	}).Error(ctx, "Import run failed: kind=%s, error=%v", runErr.Kind, runErr.Err)

	return run, runErr
}

func (i *Importer) observe(trigger domain.TriggerKind, status domain.RunStatus, counts domain.RunCounts, start time.Time) {
	metrics.RunsTotal.WithLabelValues(string(trigger), string(status)).Inc()
	metrics.RunDuration.WithLabelValues(string(trigger)).Observe(time.Since(start).Seconds())
	metrics.RecordsTotal.WithLabelValues("inserted").Add(float64(counts.Inserted))
	metrics.RecordsTotal.WithLabelValues("updated").Add(float64(counts.Updated))
	metrics.RecordsTotal.WithLabelValues("unchanged").Add(float64(counts.Unchanged))
	metrics.RecordsTotal.WithLabelValues("dropped").Add(float64(counts.Failed))
}

// Latest returns the most recent run, or nil when no runs exist.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *domain.ImportRun: latest run or nil.
//   - error: non-nil if the lookup fails.
func (i *Importer) Latest(ctx context.Context) (*domain.ImportRun, error) {
	return i.ledger.Latest(ctx)
}

// ListRuns returns run history most recent first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: status/date-range filter plus pagination.
// Returns:
//   - []domain.ImportRun: matching runs.
//   - error: non-nil if the query fails.
func (i *Importer) ListRuns(ctx context.Context, filter repository.ListFilter) ([]domain.ImportRun, error) {
	return i.ledger.List(ctx, filter)
}
