package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lachwilkes/raceday/internal/domain"
	"gorm.io/gorm"
)

// MeetingRepository handles meeting data operations.
type MeetingRepository struct {
	db *gorm.DB
}

// NewMeetingRepository creates a new MeetingRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *MeetingRepository: repository instance bound to db.
func NewMeetingRepository(db *gorm.DB) *MeetingRepository {
	return &MeetingRepository{db: db}
}

// GetByKeys retrieves meetings matching the given natural keys.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keys: natural keys to look up.
// Returns:
//   - map[domain.MeetingKey]domain.Meeting: found records keyed by natural key.
//   - error: non-nil if the query fails.
func (r *MeetingRepository) GetByKeys(ctx context.Context, keys []domain.MeetingKey) (map[domain.MeetingKey]domain.Meeting, error) {
	result := make(map[domain.MeetingKey]domain.Meeting, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(keys))
	dates := make([]string, 0, len(keys))
	seenDates := make(map[string]bool)
	for _, key := range keys {
		ids = append(ids, key.SourceMeetingID)
		if !seenDates[key.MeetingDate] {
			seenDates[key.MeetingDate] = true
			dates = append(dates, key.MeetingDate)
		}
	}

	// One query over the superset, then filter back to exact pairs.
	var meetings []domain.Meeting
	if err := r.db.WithContext(ctx).
		Where("source_meeting_id IN ? AND meeting_date IN ?", ids, dates).
		Find(&meetings).Error; err != nil {
		return nil, fmt.Errorf("failed to load meetings by keys: %w", err)
	}

	wanted := make(map[domain.MeetingKey]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	for _, meeting := range meetings {
		if wanted[meeting.Key()] {
			result[meeting.Key()] = meeting
		}
	}
	return result, nil
}

// GetByDate retrieves all meetings on a calendar date.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - date: ISO calendar date.
// Returns:
//   - []domain.Meeting: matching records ordered by venue.
//   - error: non-nil if the query fails.
func (r *MeetingRepository) GetByDate(ctx context.Context, date string) ([]domain.Meeting, error) {
	var meetings []domain.Meeting
	if err := r.db.WithContext(ctx).
		Where("meeting_date = ?", date).
		Order("venue ASC").
		Find(&meetings).Error; err != nil {
		return nil, fmt.Errorf("failed to load meetings for date: %w", err)
	}
	return meetings, nil
}

// Applied reports what a persistence batch durably committed.
type Applied struct {
	Inserted int
	Updated  int
}

// ApplyChanges persists the reconciliation output in a single transaction.
// Inserts run before updates; on any failure the transaction rolls back and
// the returned counts are zero, so the ledger never records work that was
// not committed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - toInsert: new meetings to create.
//   - toUpdate: existing meetings with changed fields.
// Returns:
//   - Applied: committed insert/update counts.
//   - error: non-nil if the transaction fails.
func (r *MeetingRepository) ApplyChanges(ctx context.Context, toInsert, toUpdate []domain.Meeting) (Applied, error) {
	var applied Applied
	if len(toInsert) == 0 && len(toUpdate) == 0 {
		return applied, nil
	}

	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range toInsert {
			meeting := toInsert[i]
			if meeting.ID == "" {
				meeting.ID = uuid.New().String()
			}
			meeting.LastSeenAt = now
			meeting.CreatedAt = now
			meeting.UpdatedAt = now
			if err := tx.Create(&meeting).Error; err != nil {
				return fmt.Errorf("failed to insert meeting %s/%s: %w",
					meeting.SourceMeetingID, meeting.MeetingDate, err)
			}
			applied.Inserted++
		}

		for i := range toUpdate {
			meeting := toUpdate[i]
			meeting.LastSeenAt = now
			meeting.UpdatedAt = now
			if err := tx.Save(&meeting).Error; err != nil {
				return fmt.Errorf("failed to update meeting %s/%s: %w",
					meeting.SourceMeetingID, meeting.MeetingDate, err)
			}
			applied.Updated++
		}

		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	return applied, nil
}

// Count returns the total number of stored meetings.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of records.
//   - error: non-nil if the query fails.
func (r *MeetingRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Meeting{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
