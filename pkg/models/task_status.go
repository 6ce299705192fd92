package models

import (
	"fmt"
	"time"
)

type State string

const (
	StagedState  State = "STAGED"
	PendingState State = "PENDING"
	StartedState State = "STARTED"
	RetryState   State = "RETRY"
	SuccessState State = "SUCCESS"
	FailureState State = "FAILURE"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StagedState, PendingState, StartedState, RetryState, SuccessState, FailureState:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition out of s is possible.
func (s State) Terminal() bool {
	return s == SuccessState || s == FailureState
}

// Unready reports whether the task is executing or about to resume.
func (s State) Unready() bool {
	return s == StartedState || s == RetryState
}

func ParseState(s string) (State, error) {
	state := State(s)
	if !state.Valid() {
		return "", fmt.Errorf("invalid state %q", s)
	}
	return state, nil
}

// TaskStatusRecord is the persisted lifecycle record of a single task execution
type TaskStatusRecord struct {
	TaskID        string     `json:"task_id" db:"task_id" bson:"_id"`                                     // Task identifier (UUID)
	Pipeline      string     `json:"pipeline" db:"pipeline" bson:"pipeline"`                              // Registered pipeline name
	State         State      `json:"state" db:"state" bson:"state"`                                       // Current lifecycle state
	Runner        string     `json:"runner,omitempty" db:"runner" bson:"runner"`                          // Runner that executes the pipeline
	Session       string     `json:"session,omitempty" db:"session" bson:"session"`                       // Session the task was submitted from
	Attempts      int        `json:"attempts" db:"attempts" bson:"attempts"`                              // Number of started executions
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at" bson:"started_at"`              // First start, nullable
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at" bson:"finished_at"`           // Set once the task is terminal
	TaskException string     `json:"task_exception,omitempty" db:"task_exception" bson:"task_exception"` // Last error summary
	TaskEInfo     string     `json:"task_einfo,omitempty" db:"task_einfo" bson:"task_einfo"`             // Last error trace
	TaskResult    string     `json:"task_result,omitempty" db:"task_result" bson:"task_result"`          // Result of the last execution
	CreatedAt     time.Time  `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// StatusUpdate carries the fields a lifecycle hook changes. Nil fields are left untouched.
type StatusUpdate struct {
	State         *State
	Attempts      *int
	StartedAt     *time.Time
	FinishedAt    *time.Time
	TaskException *string
	TaskEInfo     *string
	TaskResult    *string
	// Message is recorded in the transition history when State is set.
	Message string
}

// Apply copies the non-nil fields of u onto rec.
func (u StatusUpdate) Apply(rec *TaskStatusRecord) {
	if u.State != nil {
		rec.State = *u.State
	}
	if u.Attempts != nil {
		rec.Attempts = *u.Attempts
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		rec.StartedAt = &t
	}
	if u.FinishedAt != nil {
		t := *u.FinishedAt
		rec.FinishedAt = &t
	}
	if u.TaskException != nil {
		rec.TaskException = *u.TaskException
	}
	if u.TaskEInfo != nil {
		rec.TaskEInfo = *u.TaskEInfo
	}
	if u.TaskResult != nil {
		rec.TaskResult = *u.TaskResult
	}
}

// TaskEvent is emitted for every persisted state change of a task.
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	State    State     `json:"state"`
	Previous State     `json:"previous,omitempty"`
	Time     time.Time `json:"time"`
	Message  string    `json:"message,omitempty"`
}
