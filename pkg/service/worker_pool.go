package service

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/flowstream/pkg/lifecycle"
	"github.com/ignatij/flowstream/pkg/logsink"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Job is a queued execution of a pipeline for one task.
type Job struct {
	TaskID   string
	Pipeline string
	Params   map[string]string
}

type pipeline struct {
	fn  PipelineFunc
	cfg PipelineConfig
}

func (p pipeline) info(name string) PipelineInfo {
	return PipelineInfo{
		Name:       name,
		Retries:    p.cfg.Retries,
		Timeout:    p.cfg.timeout().String(),
		RetryDelay: p.cfg.RetryDelay.String(),
	}
}

// WorkerPool runs queued jobs on a fixed number of workers and drives the
// lifecycle hooks of every attempt.
type WorkerPool struct {
	pipelines map[string]pipeline
	hooks     Hooks
	logger    Logger
	jobs      chan Job
	running   map[string]context.CancelFunc
	stopped   bool
	queueMu   sync.RWMutex // guards jobs and stopped
	mu        sync.RWMutex
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
}

func NewWorkerPool(mainCtx context.Context, hooks Hooks, logger Logger) *WorkerPool {
	return &WorkerPool{
		pipelines: make(map[string]pipeline),
		hooks:     hooks,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		ctx:       mainCtx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.queueMu.Lock()
	wp.jobs = make(chan Job, workers*16)
	wp.queueMu.Unlock()
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop stops accepting jobs and waits for the workers to drain the queue
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.queueMu.Lock()
		wp.stopped = true
		if wp.jobs != nil {
			close(wp.jobs)
		}
		wp.queueMu.Unlock()
		wp.wg.Wait()
	})
}

// Register adds or replaces a pipeline
func (wp *WorkerPool) Register(name string, fn PipelineFunc, opts ...PipelineOption) error {
	if name == "" {
		return errors.New("empty pipeline name")
	}
	if fn == nil {
		return errors.Errorf("pipeline function for '%s' is nil", name)
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.pipelines[name] = pipeline{fn: fn, cfg: newPipelineConfig(opts...)}
	return nil
}

// Pipelines describes every registered pipeline, sorted by name.
func (wp *WorkerPool) Pipelines() []PipelineInfo {
	wp.mu.RLock()
	out := make([]PipelineInfo, 0, len(wp.pipelines))
	for name, p := range wp.pipelines {
		out = append(out, p.info(name))
	}
	wp.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Pipeline describes one registered pipeline.
func (wp *WorkerPool) Pipeline(name string) (PipelineInfo, error) {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	p, ok := wp.pipelines[name]
	if !ok {
		return PipelineInfo{}, errors.Wrapf(ErrUnknownPipeline, "pipeline '%s'", name)
	}
	return p.info(name), nil
}

func (wp *WorkerPool) Registered(name string) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	_, ok := wp.pipelines[name]
	return ok
}

// Enqueue queues a job, blocking while the queue is full
func (wp *WorkerPool) Enqueue(job Job) error {
	wp.queueMu.RLock()
	defer wp.queueMu.RUnlock()
	if wp.stopped || wp.jobs == nil {
		return ErrPoolStopped
	}
	select {
	case wp.jobs <- job:
		return nil
	case <-wp.ctx.Done():
		return errors.Wrap(wp.ctx.Err(), "enqueue")
	}
}

// Cancel cancels the running execution of taskID. It reports whether one was running.
func (wp *WorkerPool) Cancel(taskID string) bool {
	wp.mu.RLock()
	cancel, ok := wp.running[taskID]
	wp.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		if err := wp.ctx.Err(); err != nil {
			wp.logger.Infof("Skipping task %s: worker pool context done", job.TaskID)
			hookCtx := context.WithoutCancel(wp.ctx)
			wp.hooks.OnFailure(hookCtx, job.TaskID, errors.WithStack(err))
			wp.hooks.AfterReturn(hookCtx, nil, job.TaskID, "")
			continue
		}
		wp.execute(job)
	}
}

func (wp *WorkerPool) execute(job Job) {
	// hooks keep recording after the pool context is cancelled
	hookCtx := context.WithoutCancel(wp.ctx)
	wp.mu.RLock()
	p, ok := wp.pipelines[job.Pipeline]
	wp.mu.RUnlock()
	if !ok {
		err := errors.Wrapf(ErrUnknownPipeline, "pipeline '%s'", job.Pipeline)
		wp.logger.Errorf("Error executing task %s: %v", job.TaskID, err)
		wp.hooks.OnFailure(hookCtx, job.TaskID, err)
		wp.hooks.AfterReturn(hookCtx, nil, job.TaskID, "")
		return
	}

	// Create a context that is cancelled by Cancel or by the worker pool context
	execCtx, cancel := context.WithCancel(wp.ctx)
	wp.mu.Lock()
	wp.running[job.TaskID] = cancel
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		delete(wp.running, job.TaskID)
		wp.mu.Unlock()
		cancel()
	}()

	for attempt := 1; ; attempt++ {
		wp.logger.Infof("Starting task %s attempt %d", job.TaskID, attempt)
		scope := wp.hooks.BeforeStart(hookCtx, job.TaskID)
		tc := TaskContext{
			TaskID:   job.TaskID,
			Pipeline: job.Pipeline,
			Attempt:  attempt,
			Params:   job.Params,
			Logger:   taskLogger(scope, job.TaskID).WithField(AttemptField, attempt),
		}

		result, err := wp.run(execCtx, p, tc)
		if err == nil {
			text := resultText(result)
			wp.logger.Infof("Task %s completed successfully", job.TaskID)
			wp.hooks.OnSuccess(hookCtx, job.TaskID, text)
			wp.hooks.AfterReturn(hookCtx, scope, job.TaskID, text)
			return
		}

		if attempt <= p.cfg.Retries && execCtx.Err() == nil {
			wp.logger.Infof("Retrying task %s (attempt %d/%d): %v", job.TaskID, attempt, p.cfg.Retries+1, err)
			wp.hooks.OnRetry(hookCtx, job.TaskID, err)
			wp.hooks.AfterReturn(hookCtx, scope, job.TaskID, "")
			select {
			case <-time.After(p.cfg.RetryDelay):
				continue
			case <-execCtx.Done():
				err = errors.WithStack(execCtx.Err())
				wp.logger.Infof("Task %s cancelled while waiting to retry: %v", job.TaskID, err)
				wp.hooks.OnFailure(hookCtx, job.TaskID, err)
				wp.hooks.AfterReturn(hookCtx, nil, job.TaskID, "")
				return
			}
		}

		wp.logger.Infof("Task %s failed after %d attempts: %v", job.TaskID, attempt, err)
		wp.hooks.OnFailure(hookCtx, job.TaskID, err)
		wp.hooks.AfterReturn(hookCtx, scope, job.TaskID, "")
		return
	}
}

// run executes one attempt under the pipeline timeout, turning panics into errors
func (wp *WorkerPool) run(execCtx context.Context, p pipeline, tc TaskContext) (TaskResult, error) {
	timeoutCtx, timeoutCancel := context.WithTimeout(execCtx, p.cfg.timeout())
	defer timeoutCancel()

	resultCh := make(chan struct {
		res TaskResult
		err error
	}, 1)
	go func() {
		var (
			res TaskResult
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("pipeline '%s' panicked: %v", tc.Pipeline, r)
			}
			resultCh <- struct {
				res TaskResult
				err error
			}{res, err}
		}()
		res, err = p.fn(timeoutCtx, tc)
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, withStack(r.err)
		}
		return r.res, nil
	case <-timeoutCtx.Done():
		wp.logger.Infof("Task %s timeout reached: %v", tc.TaskID, timeoutCtx.Err())
		return nil, errors.WithStack(timeoutCtx.Err())
	}
}

func taskLogger(scope *lifecycle.Scope, taskID string) *logrus.Entry {
	if scope != nil && scope.Logger != nil {
		return scope.Logger
	}
	return logrus.StandardLogger().WithField(logsink.TaskIDField, taskID)
}

// withStack keeps the stack of errors that already carry one
func withStack(err error) error {
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
		return err
	}
	return errors.WithStack(err)
}
