package app

import (
	"context"
	"time"

	"github.com/ignatij/flowstream/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// RegisterBuiltins registers the pipelines every server ships with:
//
//	echo   returns params["message"]
//	count  logs params["lines"] numbered lines, params["interval"] apart
//	fail   always fails, so it is retried until the retries run out
func (a *App) RegisterBuiltins() error {
	builtins := map[string]service.PipelineFunc{
		"echo":  echoPipeline,
		"count": countPipeline,
		"fail":  failPipeline,
	}
	for name, fn := range builtins {
		if err := a.RegisterPipeline(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func echoPipeline(ctx context.Context, tc service.TaskContext) (service.TaskResult, error) {
	tc.Logger.Info(tc.Params["message"])
	return tc.Params["message"], nil
}

func countPipeline(ctx context.Context, tc service.TaskContext) (service.TaskResult, error) {
	lines, err := cast.ToIntE(paramOr(tc.Params, "lines", "10"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid 'lines'")
	}
	interval, err := cast.ToDurationE(paramOr(tc.Params, "interval", "100ms"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid 'interval'")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 1; i <= lines; i++ {
		tc.Logger.WithField("line", i).Infof("line %d of %d", i, lines)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return lines, nil
}

func failPipeline(ctx context.Context, tc service.TaskContext) (service.TaskResult, error) {
	reason := paramOr(tc.Params, "reason", "failed on purpose")
	tc.Logger.Warnf("attempt %d: %s", tc.Attempt, reason)
	return nil, errors.New(reason)
}

func paramOr(params map[string]string, key, fallback string) string {
	if v, ok := params[key]; ok && v != "" {
		return v
	}
	return fallback
}
