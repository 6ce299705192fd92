package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/pkg/errors"
)

// SubmitRequest describes a pipeline run requested by a client.
type SubmitRequest struct {
	Pipeline string            `json:"pipeline"`
	Params   map[string]string `json:"params,omitempty"`
	Runner   string            `json:"runner,omitempty"`
	Session  string            `json:"session,omitempty"`
}

// TaskService creates task records and hands them to the worker pool.
type TaskService struct {
	store   storage.Store
	pool    *WorkerPool
	channel logchannel.Channel
	logger  Logger

	mu        sync.Mutex
	staged    map[string]Job
	launching map[string]struct{}
}

func NewTaskService(store storage.Store, pool *WorkerPool, channel logchannel.Channel, logger Logger) *TaskService {
	return &TaskService{
		store:   store,
		pool:    pool,
		channel: channel,
		logger:  logger,
		staged:    make(map[string]Job),
		launching: make(map[string]struct{}),
	}
}

// RegisterPipeline registers a pipeline under name
func (ts *TaskService) RegisterPipeline(name string, fn PipelineFunc, opts ...PipelineOption) error {
	if err := ts.pool.Register(name, fn, opts...); err != nil {
		return errors.Wrapf(err, "invalid pipeline '%s'", name)
	}
	ts.logger.Infof("Registered pipeline '%s'", name)
	return nil
}

// Submit records a PENDING task and queues it
func (ts *TaskService) Submit(ctx context.Context, req SubmitRequest) (models.TaskStatusRecord, error) {
	rec, err := ts.create(ctx, req, models.SubmitEvent)
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	if err := ts.pool.Enqueue(Job{TaskID: rec.TaskID, Pipeline: req.Pipeline, Params: req.Params}); err != nil {
		ts.logger.Errorf("Failed to queue task %s: %v", rec.TaskID, err)
		return rec, errors.Wrapf(err, "queue task %s", rec.TaskID)
	}
	ts.logger.Infof("Submitted task %s for pipeline '%s'", rec.TaskID, req.Pipeline)
	return rec, nil
}

// Stage records a STAGED task that runs once it is launched
func (ts *TaskService) Stage(ctx context.Context, req SubmitRequest) (models.TaskStatusRecord, error) {
	rec, err := ts.create(ctx, req, models.StageEvent)
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	ts.mu.Lock()
	ts.staged[rec.TaskID] = Job{TaskID: rec.TaskID, Pipeline: req.Pipeline, Params: req.Params}
	ts.mu.Unlock()
	ts.logger.Infof("Staged task %s for pipeline '%s'", rec.TaskID, req.Pipeline)
	return rec, nil
}

// Launch moves a staged task to PENDING and queues it. Concurrent launches of
// the same task queue it once; the others fail with ErrIllegalTransition.
func (ts *TaskService) Launch(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	ts.mu.Lock()
	if _, busy := ts.launching[taskID]; busy {
		ts.mu.Unlock()
		return models.TaskStatusRecord{}, errors.Wrapf(models.ErrIllegalTransition, "task %s is already being launched", taskID)
	}
	ts.launching[taskID] = struct{}{}
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		delete(ts.launching, taskID)
		ts.mu.Unlock()
	}()

	rec, err := ts.store.Load(ctx, taskID)
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	if rec.State != models.StagedState {
		return rec, errors.Wrapf(models.ErrIllegalTransition, "task %s is %s, not %s", taskID, rec.State, models.StagedState)
	}
	next, err := models.Transition(rec.State, models.SubmitEvent)
	if err != nil {
		return rec, errors.Wrapf(err, "launch task %s", taskID)
	}
	rec, err = ts.store.Update(ctx, taskID, models.StatusUpdate{State: &next, Message: "launched"})
	if err != nil {
		ts.logger.Errorf("Failed to launch task %s: %v", taskID, err)
		return models.TaskStatusRecord{}, errors.Wrapf(err, "launch task %s", taskID)
	}

	ts.mu.Lock()
	job, ok := ts.staged[taskID]
	delete(ts.staged, taskID)
	ts.mu.Unlock()
	if !ok {
		job = Job{TaskID: taskID, Pipeline: rec.Pipeline}
	}
	if err := ts.pool.Enqueue(job); err != nil {
		return rec, errors.Wrapf(err, "queue task %s", taskID)
	}
	return rec, nil
}

func (ts *TaskService) create(ctx context.Context, req SubmitRequest, ev models.Event) (models.TaskStatusRecord, error) {
	if !ts.pool.Registered(req.Pipeline) {
		return models.TaskStatusRecord{}, errors.Wrapf(ErrUnknownPipeline, "pipeline '%s'", req.Pipeline)
	}
	state, err := models.Transition("", ev)
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	rec, err := ts.store.Create(ctx, models.TaskStatusRecord{
		TaskID:   uuid.NewString(),
		Pipeline: req.Pipeline,
		State:    state,
		Runner:   req.Runner,
		Session:  req.Session,
	})
	if err != nil {
		ts.logger.Errorf("Failed to create task for pipeline '%s': %v", req.Pipeline, err)
		return models.TaskStatusRecord{}, errors.Wrap(err, "create task")
	}
	return rec, nil
}

// Pipelines lists the registered pipelines
func (ts *TaskService) Pipelines() []PipelineInfo {
	return ts.pool.Pipelines()
}

func (ts *TaskService) Pipeline(name string) (PipelineInfo, error) {
	return ts.pool.Pipeline(name)
}

// StatusOf returns the current state of a task, storage.ErrNotFound if unknown
func (ts *TaskService) StatusOf(ctx context.Context, taskID string) (models.State, error) {
	rec, err := ts.store.Load(ctx, taskID)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (ts *TaskService) Get(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	return ts.store.Load(ctx, taskID)
}

func (ts *TaskService) List(ctx context.Context, limit int) ([]models.TaskStatusRecord, error) {
	return ts.store.List(ctx, limit)
}

func (ts *TaskService) History(ctx context.Context, taskID string) ([]models.StatusTransition, error) {
	return ts.store.History(ctx, taskID)
}

// Delete cancels a running execution and removes the task's record and channel
func (ts *TaskService) Delete(ctx context.Context, taskID string) error {
	if _, err := ts.store.Load(ctx, taskID); err != nil {
		return err
	}
	if ts.pool.Cancel(taskID) {
		ts.logger.Infof("Cancelled running task %s", taskID)
	}
	ts.mu.Lock()
	delete(ts.staged, taskID)
	ts.mu.Unlock()

	if err := ts.store.Delete(ctx, taskID); err != nil {
		return errors.Wrapf(err, "delete task %s", taskID)
	}
	if ts.channel != nil {
		if err := ts.channel.Delete(ctx, taskID); err != nil {
			ts.logger.Errorf("Failed to delete log channel of task %s: %v", taskID, err)
		}
	}
	return nil
}
