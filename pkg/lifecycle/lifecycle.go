// Package lifecycle persists the state of a task at each point of its
// execution and cleans up its log channel once the execution returns.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/logsink"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	DefaultDrainGrace = 3 * time.Second
	drainPoll         = 50 * time.Millisecond
)

// EventPublisher receives every persisted state change.
type EventPublisher interface {
	Publish(ctx context.Context, event models.TaskEvent) error
}

// Scope is the per-execution handle returned by BeforeStart and handed back to
// AfterReturn.
type Scope struct {
	TaskID string
	// Logger tags every record with the task id so that it reaches the task's channel.
	Logger *logrus.Entry

	sink *logsink.Sink
	once sync.Once
}

type Option func(*Lifecycle)

func WithEvents(events EventPublisher) Option {
	return func(l *Lifecycle) {
		l.events = events
	}
}

// WithDrainGrace bounds how long cleanup waits for lagging tailers. Zero
// deletes the channel immediately.
func WithDrainGrace(d time.Duration) Option {
	return func(l *Lifecycle) {
		l.grace = d
	}
}

func WithBarrier(b logchannel.Barrier) Option {
	return func(l *Lifecycle) {
		l.barrier = b
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		l.now = now
	}
}

// Lifecycle implements the execution hooks of a task.
type Lifecycle struct {
	store   storage.Store
	channel logchannel.Channel
	barrier logchannel.Barrier
	logger  *logrus.Logger
	sinks   *logsink.Registry
	events  EventPublisher
	grace   time.Duration
	now     func() time.Time
}

func New(store storage.Store, channel logchannel.Channel, logger *logrus.Logger, sinks *logsink.Registry, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:   store,
		channel: channel,
		logger:  logger,
		sinks:   sinks,
		grace:   DefaultDrainGrace,
		now:     time.Now,
	}
	if b, ok := channel.(logchannel.Barrier); ok {
		l.barrier = b
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BeforeStart prepares the task's channel, starts capturing its logs and
// records the start of an execution.
func (l *Lifecycle) BeforeStart(ctx context.Context, taskID string) *Scope {
	// The channel exists before STARTED is visible, so a tailer that sees
	// STARTED without a channel knows it has expired.
	if err := l.channel.Ensure(ctx, taskID); err != nil {
		l.logger.Errorf("Failed to ensure log channel for task %s: %v", taskID, err)
	}
	scope := &Scope{
		TaskID: taskID,
		Logger: l.logger.WithField(logsink.TaskIDField, taskID),
		sink:   l.sinks.Attach(logchannel.NewPublisher(l.channel, taskID)),
	}

	_, err := l.transition(ctx, taskID, models.StartEvent, "started", func(rec models.TaskStatusRecord) models.StatusUpdate {
		attempts := rec.Attempts + 1
		update := models.StatusUpdate{Attempts: &attempts}
		if rec.StartedAt == nil {
			now := l.now()
			update.StartedAt = &now
		}
		return update
	})
	if err != nil {
		l.logger.Errorf("Failed to record start of task %s: %v", taskID, err)
	}
	return scope
}

func (l *Lifecycle) OnSuccess(ctx context.Context, taskID string, result string) {
	_, err := l.transition(ctx, taskID, models.SucceedEvent, "succeeded", func(models.TaskStatusRecord) models.StatusUpdate {
		return models.StatusUpdate{}
	})
	if err != nil {
		l.logger.Errorf("Failed to record success of task %s: %v", taskID, err)
	}
}

func (l *Lifecycle) OnRetry(ctx context.Context, taskID string, cause error) {
	_, err := l.transition(ctx, taskID, models.RetryEvent, cause.Error(), failure(cause))
	if err != nil {
		l.logger.Errorf("Failed to record retry of task %s: %v", taskID, err)
	}
}

func (l *Lifecycle) OnFailure(ctx context.Context, taskID string, cause error) {
	_, err := l.transition(ctx, taskID, models.FailEvent, cause.Error(), failure(cause))
	if err != nil {
		l.logger.Errorf("Failed to record failure of task %s: %v", taskID, err)
	}
}

// AfterReturn stores the result of the execution and then removes the task's
// sink and channel. Cleanup runs once per scope and also when the status write
// fails; scope may be nil.
func (l *Lifecycle) AfterReturn(ctx context.Context, scope *Scope, taskID string, result string) {
	ctx = context.WithoutCancel(ctx)
	if err := l.storeResult(ctx, taskID, result); err != nil {
		l.logger.Errorf("Failed to record result of task %s: %v", taskID, err)
	}

	if scope == nil {
		l.cleanup(ctx, taskID, nil)
		return
	}
	scope.once.Do(func() {
		l.cleanup(ctx, taskID, scope.sink)
	})
}

func (l *Lifecycle) storeResult(ctx context.Context, taskID, result string) error {
	rec, err := l.store.Load(ctx, taskID)
	if err != nil {
		return err
	}
	update := models.StatusUpdate{TaskResult: &result}
	if rec.State.Terminal() && rec.FinishedAt == nil {
		now := l.now()
		update.FinishedAt = &now
	}
	_, err = l.store.Update(ctx, taskID, update)
	return err
}

func (l *Lifecycle) cleanup(ctx context.Context, taskID string, sink *logsink.Sink) {
	var errs error
	if sink != nil {
		errs = multierr.Append(errs, errors.Wrap(sink.Close(), "close sink"))
	}
	errs = multierr.Append(errs, errors.Wrap(l.sinks.DetachTask(taskID), "detach sinks"))
	if err := l.waitForDrain(ctx, taskID); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "drain"))
	}
	errs = multierr.Append(errs, errors.Wrap(l.channel.Delete(ctx, taskID), "delete channel"))
	for _, err := range multierr.Errors(errs) {
		l.logger.Errorf("Cleanup of task %s: %v", taskID, err)
	}
}

// waitForDrain holds off until every registered tailer has acknowledged the
// last entry or the grace period runs out.
func (l *Lifecycle) waitForDrain(ctx context.Context, taskID string) error {
	if l.barrier == nil || l.grace <= 0 {
		return nil
	}
	deadline := time.NewTimer(l.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		lagging, err := l.barrier.Lagging(ctx, taskID)
		if err != nil {
			return err
		}
		if lagging == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			l.logger.Infof("Deleting log channel of task %s with %d lagging tailers", taskID, lagging)
			return nil
		case <-ticker.C:
		}
	}
}

// transition loads the record, applies ev through the state machine and
// persists the resulting state together with the fields build returns. An event
// that leaves the state unchanged writes nothing.
func (l *Lifecycle) transition(ctx context.Context, taskID string, ev models.Event, message string,
	build func(models.TaskStatusRecord) models.StatusUpdate) (models.TaskStatusRecord, error) {
	rec, err := l.store.Load(ctx, taskID)
	if err != nil {
		return models.TaskStatusRecord{}, err
	}

	next, err := models.Transition(rec.State, ev)
	if err != nil {
		return rec, errors.Wrapf(err, "task %s", taskID)
	}
	if next == rec.State {
		// redelivered hook, the state change is already recorded
		return rec, nil
	}
	update := build(rec)
	update.State = &next
	update.Message = message
	updated, err := l.store.Update(ctx, taskID, update)
	if err != nil {
		return rec, err
	}

	if l.events != nil {
		event := models.TaskEvent{TaskID: taskID, State: next, Previous: rec.State, Time: l.now(), Message: message}
		if err := l.events.Publish(ctx, event); err != nil {
			l.logger.Errorf("Failed to publish %s event of task %s: %v", next, taskID, err)
		}
	}
	return updated, nil
}

func failure(cause error) func(models.TaskStatusRecord) models.StatusUpdate {
	return func(models.TaskStatusRecord) models.StatusUpdate {
		exception := cause.Error()
		einfo := fmt.Sprintf("%+v", cause)
		return models.StatusUpdate{TaskException: &exception, TaskEInfo: &einfo}
	}
}
