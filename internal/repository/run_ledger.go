package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lachwilkes/raceday/internal/domain"
	"gorm.io/gorm"
)

const maxErrorDetailLen = 2000

var (
	// ErrRunInProgress means another import run currently holds the run slot.
	ErrRunInProgress = errors.New("an import run is already in progress")

	// ErrRunFinalized signals a programming error: CompleteRun or FailRun was
	// called on a run that already reached a terminal status. Ledger entries
	// are immutable once finalized.
	ErrRunFinalized = errors.New("import run already finalized")

	// ErrRunNotFound means no run exists with the given ID.
	ErrRunNotFound = errors.New("import run not found")
)

// RunLedger is the append-only record of import runs. It also owns the
// single-run invariant: BeginRun is atomic with respect to concurrent
// callers, so at most one run is in progress system-wide even across
// multiple orchestrator processes sharing the database.
type RunLedger struct {
	db *gorm.DB
}

// NewRunLedger creates a new RunLedger.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RunLedger: ledger instance bound to db.
func NewRunLedger(db *gorm.DB) *RunLedger {
	return &RunLedger{db: db}
}

// BeginRun opens a new run, enforcing the at-most-one-in-progress invariant.
// The partial unique index on in_progress rows is the authoritative guard:
// when two callers race, the database rejects the loser's insert and the
// violation surfaces as ErrRunInProgress. The count is only a fast path that
// skips the insert attempt when the slot is visibly taken.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - trigger: who started the run (scheduled or manual).
//   - targetDate: ISO calendar date the run imports.
// Returns:
//   - *domain.ImportRun: the opened run, status in_progress.
//   - error: ErrRunInProgress if the slot is taken, or a query failure.
func (l *RunLedger) BeginRun(ctx context.Context, trigger domain.TriggerKind, targetDate string) (*domain.ImportRun, error) {
	run := &domain.ImportRun{
		ID:         uuid.New().String(),
		Trigger:    trigger,
		TargetDate: targetDate,
		Status:     domain.RunStatusInProgress,
		StartedAt:  time.Now().UTC(),
	}

	var active int64
	if err := l.db.WithContext(ctx).Model(&domain.ImportRun{}).
		Where("status = ?", domain.RunStatusInProgress).
		Count(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to check for active runs: %w", err)
	}
	if active > 0 {
		return nil, ErrRunInProgress
	}

	if err := l.db.WithContext(ctx).Create(run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to open run: %w", err)
	}
	return run, nil
}

// CompleteRun finalizes a run as completed with its committed counts.
// May be called exactly once per run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to finalize.
//   - counts: committed record counts.
//   - message: human-readable run summary.
// Returns:
//   - error: ErrRunFinalized if already terminal, ErrRunNotFound, or a
//     query failure.
func (l *RunLedger) CompleteRun(ctx context.Context, runID string, counts domain.RunCounts, message string) error {
	now := time.Now().UTC()
	return l.finalize(ctx, runID, map[string]interface{}{
		"status":       domain.RunStatusCompleted,
		"completed_at": &now,
		"fetched":      counts.Fetched,
		"inserted":     counts.Inserted,
		"updated":      counts.Updated,
		"unchanged":    counts.Unchanged,
		"failed":       counts.Failed,
		"message":      message,
	})
}

// FailRun finalizes a run as failed with a classified error summary.
// May be called exactly once per run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to finalize.
//   - counts: counts reflecting only durably applied work.
//   - errorKind: classified failure kind.
//   - detail: raw error detail, truncated for storage.
// Returns:
//   - error: ErrRunFinalized if already terminal, ErrRunNotFound, or a
//     query failure.
func (l *RunLedger) FailRun(ctx context.Context, runID string, counts domain.RunCounts, errorKind, detail string) error {
	if len(detail) > maxErrorDetailLen {
		detail = detail[:maxErrorDetailLen]
	}
	now := time.Now().UTC()
	return l.finalize(ctx, runID, map[string]interface{}{
		"status":       domain.RunStatusFailed,
		"completed_at": &now,
		"fetched":      counts.Fetched,
		"inserted":     counts.Inserted,
		"updated":      counts.Updated,
		"unchanged":    counts.Unchanged,
		"failed":       counts.Failed,
		"error_kind":   errorKind,
		"error_detail": detail,
	})
}

// finalize applies a terminal update guarded on in_progress status. Zero
// affected rows distinguishes an already-finalized run from a missing one.
func (l *RunLedger) finalize(ctx context.Context, runID string, updates map[string]interface{}) error {
	result := l.db.WithContext(ctx).
		Model(&domain.ImportRun{}).
		Where("id = ? AND status = ?", runID, domain.RunStatusInProgress).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finalize run %s: %w", runID, result.Error)
	}
	if result.RowsAffected == 0 {
		var run domain.ImportRun
		err := l.db.WithContext(ctx).First(&run, "id = ?", runID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect run %s: %w", runID, err)
		}
		return ErrRunFinalized
	}
	return nil
}

// Get retrieves a run by ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run identifier.
// Returns:
//   - *domain.ImportRun: run record if found.
//   - error: ErrRunNotFound or a query failure.
func (l *RunLedger) Get(ctx context.Context, runID string) (*domain.ImportRun, error) {
	var run domain.ImportRun
	if err := l.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

// Latest retrieves the most recent run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *domain.ImportRun: latest run, or nil when no runs exist.
//   - error: non-nil if the query fails.
func (l *RunLedger) Latest(ctx context.Context) (*domain.ImportRun, error) {
	var run domain.ImportRun
	err := l.db.WithContext(ctx).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListFilter narrows a run listing.
type ListFilter struct {
	Status   domain.RunStatus // empty = all
	FromDate string           // inclusive target date bound, ISO
	ToDate   string           // inclusive target date bound, ISO
	Limit    int
	Offset   int
}

// List retrieves runs most recent first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - filter: optional status/date-range filter plus pagination.
// Returns:
//   - []domain.ImportRun: matching runs ordered by start time descending.
//   - error: non-nil if the query fails.
func (l *RunLedger) List(ctx context.Context, filter ListFilter) ([]domain.ImportRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := l.db.WithContext(ctx).Model(&domain.ImportRun{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.FromDate != "" {
		query = query.Where("target_date >= ?", filter.FromDate)
	}
	if filter.ToDate != "" {
		query = query.Where("target_date <= ?", filter.ToDate)
	}

	var runs []domain.ImportRun
	if err := query.
		Order("started_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
