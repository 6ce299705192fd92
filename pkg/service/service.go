package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/flowstream/pkg/lifecycle"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var (
	ErrUnknownPipeline = errors.New("pipeline is not registered")
	ErrPoolStopped     = errors.New("worker pool is stopped")
)

// Logger defines the logging interface for the task services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskResult represents the output of a pipeline run
type TaskResult interface{}

// TaskContext describes the execution a pipeline function is called for.
type TaskContext struct {
	TaskID   string
	Pipeline string
	Attempt  int
	Params   map[string]string
	// Logger routes records into the task's log channel.
	Logger *logrus.Entry
}

// PipelineFunc is the body of a registered pipeline.
type PipelineFunc func(ctx context.Context, tc TaskContext) (TaskResult, error)

// Hooks are invoked by the worker pool around every execution of a task.
type Hooks interface {
	BeforeStart(ctx context.Context, taskID string) *lifecycle.Scope
	OnSuccess(ctx context.Context, taskID string, result string)
	OnRetry(ctx context.Context, taskID string, err error)
	OnFailure(ctx context.Context, taskID string, err error)
	AfterReturn(ctx context.Context, scope *lifecycle.Scope, taskID string, result string)
}

const (
	// default pipeline timeout is 1m
	DefaultTimeout    = 60 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

// AttemptField is the logrus field carrying the attempt number of a task record.
const AttemptField = "attempt"

// PipelineInfo is the public description of a registered pipeline.
type PipelineInfo struct {
	Name       string `json:"name"`
	Retries    int    `json:"retries"`
	Timeout    string `json:"timeout"`
	RetryDelay string `json:"retry_delay"`
}

// PipelineConfig holds the execution settings of a pipeline.
type PipelineConfig struct {
	Retries    int
	Timeout    *time.Duration
	RetryDelay time.Duration
}

type PipelineOption func(*PipelineConfig)

func WithRetries(retries int) PipelineOption {
	return func(c *PipelineConfig) {
		c.Retries = retries
	}
}

func WithTimeout(timeout time.Duration) PipelineOption {
	return func(c *PipelineConfig) {
		c.Timeout = &timeout
	}
}

func WithRetryDelay(delay time.Duration) PipelineOption {
	return func(c *PipelineConfig) {
		c.RetryDelay = delay
	}
}

func newPipelineConfig(opts ...PipelineOption) PipelineConfig {
	cfg := PipelineConfig{RetryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return cfg
}

func (c PipelineConfig) timeout() time.Duration {
	if c.Timeout == nil || *c.Timeout <= 0 {
		return DefaultTimeout
	}
	return *c.Timeout
}

// resultText renders a pipeline result for the status record.
func resultText(result TaskResult) string {
	if result == nil {
		return ""
	}
	text, err := cast.ToStringE(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return text
}
