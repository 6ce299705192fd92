package service

import (
	"context"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
)

const DefaultMonitorInterval = 500 * time.Millisecond

// Monitor turns the transition history of a task into a stream of events.
type Monitor struct {
	store    storage.Store
	interval time.Duration
}

func NewMonitor(store storage.Store, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{store: store, interval: interval}
}

// Every returns a monitor over the same store polling at interval. A
// non-positive interval keeps the current one.
func (m *Monitor) Every(interval time.Duration) *Monitor {
	if interval <= 0 {
		return m
	}
	return &Monitor{store: m.store, interval: interval}
}

// Watch calls fn for every recorded state change of taskID, oldest first,
// until the task is terminal, fn fails or ctx is done.
func (m *Monitor) Watch(ctx context.Context, taskID string, fn func(models.TaskEvent) error) error {
	if _, err := m.store.Load(ctx, taskID); err != nil {
		return err
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	seen := 0
	var previous models.State
	for {
		history, err := m.store.History(ctx, taskID)
		if err != nil {
			return errors.Wrapf(err, "history of task %s", taskID)
		}
		for _, h := range history[min(seen, len(history)):] {
			event := models.TaskEvent{
				TaskID:   taskID,
				State:    h.State,
				Previous: previous,
				Time:     h.LoggedAt,
				Message:  h.Message,
			}
			if err := fn(event); err != nil {
				return err
			}
			previous = h.State
			if h.State.Terminal() {
				return nil
			}
		}
		seen = len(history)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
