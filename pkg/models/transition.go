package models

import (
	"errors"
	"fmt"
)

// Event is something that happened to a task and may move it to another state.
type Event string

const (
	StageEvent   Event = "stage"
	SubmitEvent  Event = "submit"
	StartEvent   Event = "start"
	RetryEvent   Event = "retry"
	SucceedEvent Event = "succeed"
	FailEvent    Event = "fail"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// transitions maps the current state and an event to the next state. The empty
// state stands for a task that has no record yet. Repeating the event that led to
// the current state maps back onto it so that redelivered hooks are harmless.
// PENDING and RETRY may jump straight to a terminal state when the STARTED write
// of that execution was lost.
var transitions = map[State]map[Event]State{
	"": {
		StageEvent:  StagedState,
		SubmitEvent: PendingState,
	},
	StagedState: {
		StageEvent:  StagedState,
		SubmitEvent: PendingState,
	},
	PendingState: {
		SubmitEvent:  PendingState,
		StartEvent:   StartedState,
		SucceedEvent: SuccessState,
		FailEvent:    FailureState,
	},
	StartedState: {
		StartEvent:   StartedState,
		RetryEvent:   RetryState,
		SucceedEvent: SuccessState,
		FailEvent:    FailureState,
	},
	RetryState: {
		RetryEvent:   RetryState,
		StartEvent:   StartedState,
		SucceedEvent: SuccessState,
		FailEvent:    FailureState,
	},
	SuccessState: {
		SucceedEvent: SuccessState,
	},
	FailureState: {
		FailEvent: FailureState,
	},
}

// Transition returns the state a task in current moves to on ev.
func Transition(current State, ev Event) (State, error) {
	next, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, current)
	}
	to, ok := next[ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %q", ErrIllegalTransition, current, ev)
	}
	return to, nil
}
