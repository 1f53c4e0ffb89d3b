package domain

import "time"

// RunStatus represents the externally observable status of an import run.
// Values include RunStatusInProgress, RunStatusCompleted, and RunStatusFailed.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// TriggerKind records who started an import run.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// RunCounts holds the record-level outcome counts for one import run.
// Inserted/Updated/Unchanged reflect only work that was durably committed.
type RunCounts struct {
	Fetched   int `gorm:"column:fetched;default:0" json:"fetched"`
	Inserted  int `gorm:"column:inserted;default:0" json:"inserted"`
	Updated   int `gorm:"column:updated;default:0" json:"updated"`
	Unchanged int `gorm:"column:unchanged;default:0" json:"unchanged"`
	Failed    int `gorm:"column:failed;default:0" json:"failed"`
}

// ImportRun is one execution of the import pipeline, scheduled or manual.
// A run is append-only once completed or failed. All timestamps are UTC.
type ImportRun struct {
	ID          string      `gorm:"type:text;primaryKey" json:"id"`
	Trigger     TriggerKind `gorm:"type:text;not null" json:"trigger"`
	TargetDate  string      `gorm:"type:text;not null;index:idx_import_runs_date" json:"target_date"`
	// The partial unique index is the single-run guard: the database rejects
	// a second in_progress row no matter how many processes race BeginRun.
	Status RunStatus `gorm:"type:text;not null;index:idx_import_runs_status;index:idx_import_runs_active,unique,where:status = 'in_progress'" json:"status"`
	StartedAt   time.Time   `gorm:"not null;index:idx_import_runs_started" json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Counts      RunCounts   `gorm:"embedded" json:"counts"`
	Message     string      `gorm:"type:text" json:"message,omitempty"`
	ErrorKind   string      `gorm:"type:text" json:"error_kind,omitempty"`
	ErrorDetail string      `gorm:"type:text" json:"error_detail,omitempty"`
}

// TableName returns the database table name for ImportRun.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ImportRun) TableName() string {
	return "import_runs"
}

// Finalized reports whether the run has reached a terminal status.
// Parameters: none.
// Returns:
//   - bool: true when the run is completed or failed.
func (r *ImportRun) Finalized() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
