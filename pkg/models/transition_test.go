package models_test

import (
	"testing"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	t.Run("ValidPaths", func(t *testing.T) {
		valid := []struct {
			from models.State
			ev   models.Event
			to   models.State
		}{
			{"", models.StageEvent, models.StagedState},
			{"", models.SubmitEvent, models.PendingState},
			{models.StagedState, models.SubmitEvent, models.PendingState},
			{models.PendingState, models.StartEvent, models.StartedState},
			{models.StartedState, models.RetryEvent, models.RetryState},
			{models.RetryState, models.StartEvent, models.StartedState},
			{models.StartedState, models.SucceedEvent, models.SuccessState},
			{models.StartedState, models.FailEvent, models.FailureState},
			{models.PendingState, models.FailEvent, models.FailureState},
			{models.RetryState, models.FailEvent, models.FailureState},
		}
		for _, tc := range valid {
			got, err := models.Transition(tc.from, tc.ev)
			assert.NoError(t, err, "%s on %s", tc.from, tc.ev)
			assert.Equal(t, tc.to, got)
		}
	})

	t.Run("RepeatedHooksAreIdempotent", func(t *testing.T) {
		for _, tc := range []struct {
			state models.State
			ev    models.Event
		}{
			{models.StartedState, models.StartEvent},
			{models.RetryState, models.RetryEvent},
			{models.SuccessState, models.SucceedEvent},
			{models.FailureState, models.FailEvent},
		} {
			got, err := models.Transition(tc.state, tc.ev)
			assert.NoError(t, err)
			assert.Equal(t, tc.state, got)
		}
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		for _, state := range []models.State{models.SuccessState, models.FailureState} {
			for _, ev := range []models.Event{models.StartEvent, models.RetryEvent, models.SubmitEvent, models.StageEvent} {
				_, err := models.Transition(state, ev)
				assert.ErrorIs(t, err, models.ErrIllegalTransition, "%s on %s", state, ev)
			}
		}
		_, err := models.Transition(models.SuccessState, models.FailEvent)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
		_, err = models.Transition(models.FailureState, models.SucceedEvent)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		_, err := models.Transition(models.StagedState, models.StartEvent)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
		_, err = models.Transition("", models.StartEvent)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
		_, err = models.Transition("BOGUS", models.StartEvent)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
	})
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, models.SuccessState.Terminal())
	assert.True(t, models.FailureState.Terminal())
	assert.False(t, models.RetryState.Terminal())
	assert.True(t, models.RetryState.Unready())
	assert.True(t, models.StartedState.Unready())
	assert.False(t, models.PendingState.Unready())

	s, err := models.ParseState("RETRY")
	assert.NoError(t, err)
	assert.Equal(t, models.RetryState, s)
	_, err = models.ParseState("running")
	assert.Error(t, err)
}
