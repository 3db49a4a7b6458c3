package model

import "time"

// JobStatus is the lifecycle state of a localization job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one localization request tracked through its lifecycle.
// Status moves along queued -> running -> {done | failed} and
// queued -> cancelled; the row is never deleted, only transitioned.
type Job struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	DatasetID string    `gorm:"type:char(36);not null;index" json:"dataset_id"`
	RoomID    string    `gorm:"type:char(36);not null;index" json:"room_id"`
	MethodID  string    `gorm:"type:char(36);not null;index" json:"method_id"`
	Status    JobStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Error     *string   `gorm:"type:text" json:"error,omitempty"`
	Attempts  int       `gorm:"not null;default:0" json:"attempts"`

	Dataset *Dataset `gorm:"constraint:OnDelete:RESTRICT;foreignKey:DatasetID;references:ID" json:"-"`
	Room    *Room    `gorm:"constraint:OnDelete:RESTRICT;foreignKey:RoomID;references:ID" json:"-"`
	Method  *Method  `gorm:"constraint:OnDelete:RESTRICT;foreignKey:MethodID;references:ID" json:"-"`

	Result *Result `gorm:"foreignKey:JobID;references:ID" json:"result,omitempty"`

	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Result holds the predicted coordinate for a job that reached done.
// Exactly one row per done job, written in the same transaction as the
// terminal transition. Immutable thereafter.
type Result struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	JobID     string    `gorm:"type:char(36);not null;uniqueIndex" json:"job_id"`
	X         float64   `gorm:"not null" json:"x"`
	Y         float64   `gorm:"not null" json:"y"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}
