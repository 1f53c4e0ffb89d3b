package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONMap is a custom type for storing free-form key-value metadata as JSON
// in the database.
type JSONMap map[string]string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the map.
//   - error: non-nil if marshaling fails.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONMap")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, m)
}

// MeetingKey is the natural key for a meeting: the source-assigned
// identifier plus the calendar date (ISO YYYY-MM-DD). A meeting identifier
// can recur across dates, so both parts are required.
type MeetingKey struct {
	SourceMeetingID string
	MeetingDate     string
}

// Meeting represents one racing meeting on one date as observed from the
// upstream source. Records are inserted or updated by imports, never
// deleted.
type Meeting struct {
	ID              string    `gorm:"type:text;primaryKey" json:"id"`
	SourceMeetingID string    `gorm:"type:text;not null;index:idx_meetings_natural,unique" json:"source_meeting_id"`
	MeetingDate     string    `gorm:"type:text;not null;index:idx_meetings_natural,unique;index:idx_meetings_date" json:"meeting_date"`
	Venue           string    `gorm:"type:text;not null" json:"venue"`
	TrackInfo       JSONMap   `gorm:"type:text" json:"track_info"`
	RawPayload      string    `gorm:"type:text" json:"-"`
	PayloadHash     string    `gorm:"type:text;index:idx_meetings_hash" json:"-"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the database table name for Meeting.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Meeting) TableName() string {
	return "meetings"
}

// Key returns the natural key for this meeting.
// Parameters: none.
// Returns:
//   - MeetingKey: (source identifier, meeting date) pair.
func (m *Meeting) Key() MeetingKey {
	return MeetingKey{SourceMeetingID: m.SourceMeetingID, MeetingDate: m.MeetingDate}
}
