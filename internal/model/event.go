package model

import "time"

// Event is a transient status-change notification published on the
// per-job channel. Delivery is best-effort; a missed event is not
// retriable, the next state change re-notifies.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	X         *float64  `json:"x,omitempty"`
	Y         *float64  `json:"y,omitempty"`
	Error     *string   `json:"error,omitempty"`
}

// NewEvent builds an event for the given transition.
func NewEvent(jobID string, status JobStatus) Event {
	return Event{JobID: jobID, Status: status, Timestamp: time.Now().UTC()}
}
