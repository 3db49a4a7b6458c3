package model

import "time"

// LocalizeRequest starts a localization job.
type LocalizeRequest struct {
	DatasetID string `json:"dataset_id" validate:"required,uuid4"`
	RoomID    string `json:"room_id" validate:"required,uuid4"`
	MethodID  string `json:"method_id" validate:"required,uuid4"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusResponse is the point-in-time view of a job, served identically
// from the cache or from the store.
type StatusResponse struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	X         *float64   `json:"x,omitempty"`
	Y         *float64   `json:"y,omitempty"`
	Error     *string    `json:"error,omitempty"`
}

// CancelResponse acknowledges a cancelled job.
type CancelResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// ListResponse is a page of jobs.
type ListResponse struct {
	Jobs   []StatusResponse `json:"jobs"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// StatsResponse aggregates recent job outcomes.
type StatsResponse struct {
	Counts          map[JobStatus]int64 `json:"counts"`
	AvgDurationSecs float64             `json:"avg_duration_secs"`
	SuccessRate     float64             `json:"success_rate"`
	Window          string              `json:"window"`
}

// QueueMessage is the inbound message-queue payload for the alternate
// intake path. JobID is caller-assigned so redelivery stays idempotent.
type QueueMessage struct {
	JobID     string `json:"job_id"`
	DatasetID string `json:"dataset_id"`
	MethodID  string `json:"method_id"`
	RoomID    string `json:"room_id"`
}

// CreateDatasetRequest registers an uploaded capture file.
type CreateDatasetRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	ObjectKey string `json:"object_key" validate:"required,max=512"`
}

// CreateRoomRequest registers a room.
type CreateRoomRequest struct {
	Name   string  `json:"name" validate:"required,max=255"`
	Length float64 `json:"length" validate:"required,gt=0"`
	Width  float64 `json:"width" validate:"required,gt=0"`
}

// CreateMethodRequest registers a trained model artifact.
type CreateMethodRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	ObjectKey string `json:"object_key" validate:"required,max=512"`
}
