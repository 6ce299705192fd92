package redisstream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/ignatij/flowstream/internal/redisstream"
	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redisstream.Stream) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, redisstream.New(client)
}

func TestStream(t *testing.T) {
	ctx := context.Background()

	t.Run("EnsureCreatesSentinelOnce", func(t *testing.T) {
		mr, s := setup(t)
		require.NoError(t, s.Ensure(ctx, "task-1"))
		require.NoError(t, s.Ensure(ctx, "task-1"))

		assert.Equal(t, logchannel.SafetyExpiry, mr.TTL("task-1"))

		r, err := s.OpenReader(ctx, "task-1")
		require.NoError(t, err)
		defer r.Close()
		entries, err := r.Read(ctx, logchannel.Beginning, 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, logchannel.SentinelMessage, entries[0].Message)
		assert.Equal(t, "task-1", entries[0].Fields["task_id"])
	})

	t.Run("ExpiresWithoutCleanup", func(t *testing.T) {
		mr, s := setup(t)
		require.NoError(t, s.Ensure(ctx, "task-1"))
		mr.FastForward(logchannel.SafetyExpiry)

		exists, err := s.Exists(ctx, "task-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("PublishAndReadInOrder", func(t *testing.T) {
		_, s := setup(t)
		pub := logchannel.NewPublisher(s, "task-1")
		for i := 0; i < 20; i++ {
			_, err := pub.PublishMessage(ctx, fmt.Sprintf("line %d", i), time.Now())
			require.NoError(t, err)
		}

		r, err := s.OpenReader(ctx, "task-1")
		require.NoError(t, err)
		defer r.Close()
		cursor := logchannel.Beginning
		var got []string
		for {
			entries, err := r.Read(ctx, cursor, 6, 0)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			for _, e := range entries {
				got = append(got, e.Message)
				cursor = e.ID
			}
		}
		require.Len(t, got, 21)
		assert.Equal(t, logchannel.SentinelMessage, got[0])
		assert.Equal(t, "line 19", got[20])
	})

	t.Run("PublishRecreatesDeletedStream", func(t *testing.T) {
		mr, s := setup(t)
		pub := logchannel.NewPublisher(s, "task-1")
		_, err := pub.PublishMessage(ctx, "a", time.Now())
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, "task-1"))
		_, err = pub.PublishMessage(ctx, "b", time.Now())
		require.NoError(t, err)
		assert.Equal(t, logchannel.SafetyExpiry, mr.TTL("task-1"))

		r, err := s.OpenReader(ctx, "task-1")
		require.NoError(t, err)
		defer r.Close()
		entries, err := r.Read(ctx, logchannel.Beginning, 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, logchannel.SentinelMessage, entries[0].Message)
		assert.Equal(t, "b", entries[1].Message)
	})

	t.Run("BlockingReadTimesOutEmpty", func(t *testing.T) {
		_, s := setup(t)
		require.NoError(t, s.Ensure(ctx, "task-1"))
		r, err := s.OpenReader(ctx, "task-1")
		require.NoError(t, err)
		defer r.Close()
		first, err := r.Read(ctx, logchannel.Beginning, 10, 0)
		require.NoError(t, err)
		require.Len(t, first, 1)

		entries, err := r.Read(ctx, first[0].ID, 10, 50*time.Millisecond)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		mr, s := setup(t)
		require.NoError(t, s.Ensure(ctx, "task-1"))
		require.NoError(t, s.Acknowledge(ctx, "task-1", "tailer", logchannel.Beginning))

		assert.NoError(t, s.Delete(ctx, "task-1"))
		assert.NoError(t, s.Delete(ctx, "task-1"))
		assert.False(t, mr.Exists("task-1"))
		assert.False(t, mr.Exists("task-1:tailers"))
	})

	t.Run("Barrier", func(t *testing.T) {
		_, s := setup(t)
		pub := logchannel.NewPublisher(s, "task-1")
		first, err := pub.PublishMessage(ctx, "a", time.Now())
		require.NoError(t, err)
		last, err := pub.PublishMessage(ctx, "b", time.Now())
		require.NoError(t, err)

		require.NoError(t, s.Acknowledge(ctx, "task-1", "slow", first))
		require.NoError(t, s.Acknowledge(ctx, "task-1", "fast", last))
		lagging, err := s.Lagging(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, 1, lagging)

		require.NoError(t, s.Release(ctx, "task-1", "slow"))
		lagging, err = s.Lagging(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, 0, lagging)
	})

	t.Run("UnreachableServer", func(t *testing.T) {
		mr, s := setup(t)
		mr.Close()

		err := s.Ensure(ctx, "task-1")
		assert.True(t, logchannel.IsTransport(err))
		_, err = s.Exists(ctx, "task-1")
		assert.True(t, logchannel.IsTransport(err))
	})
}
