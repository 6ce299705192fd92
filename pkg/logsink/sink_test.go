package logsink_test

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/ignatij/flowstream/pkg/logsink"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func TestSink(t *testing.T) {
	t.Run("ForwardsOnlyOwnTask", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()
		sink := registry.Attach(logchannel.NewPublisher(ch, "t1"))

		logger.WithField("task_id", "t1").WithField("rows", 42).WithField("dry_run", true).Info("loaded batch")
		logger.WithField("task_id", "t2").Info("other task")
		logger.Info("untagged")

		require.NoError(t, sink.Close())
		entries := ch.Entries("t1")
		require.Len(t, entries, 2)
		assert.Equal(t, logchannel.SentinelMessage, entries[0].Message)

		got := entries[1]
		assert.Equal(t, "loaded batch", got.Message)
		assert.Equal(t, "info", got.Fields["level"])
		assert.Equal(t, "42", got.Fields["rows"])
		assert.Equal(t, "true", got.Fields["dry_run"])
		assert.Equal(t, "t1", got.Fields["task_id"])
		_, err := got.Timestamp()
		assert.NoError(t, err)

		assert.Nil(t, ch.Entries("t2"))
	})

	t.Run("CloseDetachesAndIsIdempotent", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()
		sink := registry.Attach(logchannel.NewPublisher(ch, "t1"))
		assert.Equal(t, 1, registry.Attached("t1"))

		logger.WithField("task_id", "t1").Info("before close")
		require.NoError(t, sink.Close())
		assert.Equal(t, 0, registry.Attached("t1"))

		logger.WithField("task_id", "t1").Info("after close")
		assert.NoError(t, sink.Close())
		assert.Len(t, ch.Entries("t1"), 2)
	})

	t.Run("CloseReportsPublishErrors", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()
		sink := registry.Attach(logchannel.NewPublisher(ch, "t1"))

		ch.SetUnavailable(errors.New("connection reset"))
		logger.WithField("task_id", "t1").Warn("lost")
		ch.SetUnavailable(nil)

		err := sink.Close()
		require.Error(t, err)
		assert.True(t, logchannel.IsTransport(err))
	})

	t.Run("DetachTaskSweepsLingeringSinks", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()
		registry.Attach(logchannel.NewPublisher(ch, "t1"))
		registry.Attach(logchannel.NewPublisher(ch, "t1"))
		registry.Attach(logchannel.NewPublisher(ch, "t2"))

		assert.NoError(t, registry.DetachTask("t1"))
		assert.Equal(t, 0, registry.Attached("t1"))
		assert.Equal(t, 1, registry.Attached("t2"))
		assert.NoError(t, registry.DetachTask("missing"))
	})

	t.Run("ConcurrentTasksStayIsolated", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()

		const tasks, lines = 8, 100
		var wg sync.WaitGroup
		for i := 0; i < tasks; i++ {
			taskID := fmt.Sprintf("task-%d", i)
			sink := registry.Attach(logchannel.NewPublisher(ch, taskID))
			wg.Add(1)
			go func() {
				defer wg.Done()
				entry := logger.WithField("task_id", taskID)
				for j := 0; j < lines; j++ {
					entry.Infof("line %d", j)
				}
				assert.NoError(t, sink.Close())
			}()
		}
		wg.Wait()

		for i := 0; i < tasks; i++ {
			taskID := fmt.Sprintf("task-%d", i)
			entries := ch.Entries(taskID)
			require.Len(t, entries, lines+1)
			for j, e := range entries[1:] {
				assert.Equal(t, taskID, e.TaskID)
				assert.Equal(t, fmt.Sprintf("line %d", j), e.Message)
			}
		}
	})

	t.Run("CloseWaitsForInFlightPublish", func(t *testing.T) {
		logger := newLogger()
		registry := logsink.NewRegistry(logger)
		ch := logchannel.NewMemory()
		sink := registry.Attach(logchannel.NewPublisher(ch, "t1"))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 200; i++ {
				logger.WithField("task_id", "t1").Info("busy")
			}
		}()
		time.Sleep(time.Millisecond)
		require.NoError(t, sink.Close())
		<-done

		count := len(ch.Entries("t1"))
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, count, len(ch.Entries("t1")))
	})
}
