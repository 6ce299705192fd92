package models

import "time"

// StatusTransition records one persisted state write of a task for auditing.
type StatusTransition struct {
	ID       int64     `json:"id" db:"id" bson:"-"`                            // Auto-incremented row ID
	TaskID   string    `json:"task_id" db:"task_id" bson:"task_id"`            // Task being logged
	State    State     `json:"state" db:"state" bson:"state"`                  // State written
	Message  string    `json:"message,omitempty" db:"message" bson:"message"` // Details (e.g., error or success note)
	LoggedAt time.Time `json:"logged_at" db:"logged_at" bson:"logged_at"`      // Timestamp of the write
}
