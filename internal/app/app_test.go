package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignatij/flowstream/internal/app"
	"github.com/ignatij/flowstream/internal/config"
	"github.com/ignatij/flowstream/internal/redisstream"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/ignatij/flowstream/pkg/tailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreMemory,
		Worker: config.WorkerConfig{
			Workers:    2,
			Timeout:    5 * time.Second,
			Retries:    1,
			RetryDelay: 10 * time.Millisecond,
		},
		LogStream: config.LogStreamConfig{
			Block:      20 * time.Millisecond,
			Batch:      10,
			DrainGrace: time.Second,
			Expiry:     time.Hour,
		},
	}
}

func waitTerminal(t *testing.T, a *app.App, taskID string) models.TaskStatusRecord {
	var rec models.TaskStatusRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = a.Tasks.Get(context.Background(), taskID)
		return err == nil && rec.State.Terminal() && rec.FinishedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestApp(t *testing.T) {
	ctx := context.Background()

	t.Run("MemoryBuiltins", func(t *testing.T) {
		a, err := app.New(ctx, testConfig())
		require.NoError(t, err)
		defer a.Close()
		require.NoError(t, a.RegisterBuiltins())
		a.Start()

		_, ok := a.Channel.(*logchannel.Memory)
		assert.True(t, ok)

		rec, err := a.Tasks.Submit(ctx, service.SubmitRequest{Pipeline: "echo", Params: map[string]string{"message": "hello"}})
		require.NoError(t, err)
		rec = waitTerminal(t, a, rec.TaskID)
		assert.Equal(t, models.SuccessState, rec.State)
		assert.Equal(t, "hello", rec.TaskResult)

		rec, err = a.Tasks.Submit(ctx, service.SubmitRequest{Pipeline: "fail"})
		require.NoError(t, err)
		rec = waitTerminal(t, a, rec.TaskID)
		assert.Equal(t, models.FailureState, rec.State)
		assert.Equal(t, 2, rec.Attempts)
		assert.Equal(t, "failed on purpose", rec.TaskException)

		rec, err = a.Tasks.Submit(ctx, service.SubmitRequest{Pipeline: "count", Params: map[string]string{"lines": "x"}})
		require.NoError(t, err)
		rec = waitTerminal(t, a, rec.TaskID)
		assert.Equal(t, models.FailureState, rec.State)
		assert.Contains(t, rec.TaskException, "invalid 'lines'")
	})

	t.Run("RedisChannel", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Redis.Address = mr.Addr()

		a, err := app.New(ctx, cfg)
		require.NoError(t, err)
		defer a.Close()
		require.NoError(t, a.RegisterBuiltins())
		a.Start()

		_, ok := a.Channel.(*redisstream.Stream)
		require.True(t, ok)

		rec, err := a.Tasks.Submit(ctx, service.SubmitRequest{
			Pipeline: "count",
			Params:   map[string]string{"lines": "3", "interval": "30ms"},
		})
		require.NoError(t, err)

		var messages []string
		tl := tailer.New(a.Channel, a.Tasks, rec.TaskID, tailer.WithBlock(10*time.Millisecond))
		require.NoError(t, tl.Each(ctx, func(e models.LogEntry) error {
			messages = append(messages, e.Message)
			return nil
		}))
		require.NotEmpty(t, messages)
		assert.Equal(t, logchannel.SentinelMessage, messages[0])

		rec = waitTerminal(t, a, rec.TaskID)
		assert.Equal(t, models.SuccessState, rec.State)
		assert.Equal(t, "3", rec.TaskResult)
		require.Eventually(t, func() bool {
			return !mr.Exists(rec.TaskID)
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("UnreachableRedis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Redis.Address = mr.Addr()
		mr.Close()

		_, err := app.New(ctx, cfg)
		require.Error(t, err)
		assert.True(t, logchannel.IsTransport(err))
	})
}
