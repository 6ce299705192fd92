package logchannel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/flowstream/pkg/logchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("EnsureIsIdempotent", func(t *testing.T) {
		ch := logchannel.NewMemory()
		require.NoError(t, ch.Ensure(ctx, "t1"))
		require.NoError(t, ch.Ensure(ctx, "t1"))

		entries := ch.Entries("t1")
		require.Len(t, entries, 1)
		assert.Equal(t, logchannel.SentinelMessage, entries[0].Message)
		assert.Equal(t, "t1", entries[0].TaskID)
	})

	t.Run("DeleteAbsentChannel", func(t *testing.T) {
		ch := logchannel.NewMemory()
		assert.NoError(t, ch.Delete(ctx, "missing"))

		require.NoError(t, ch.Ensure(ctx, "t1"))
		assert.NoError(t, ch.Delete(ctx, "t1"))
		assert.NoError(t, ch.Delete(ctx, "t1"))
		exists, err := ch.Exists(ctx, "t1")
		assert.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ExpiresAfterSafetyDuration", func(t *testing.T) {
		clock := newFakeClock()
		ch := logchannel.NewMemory(logchannel.WithClock(clock.Now))
		require.NoError(t, ch.Ensure(ctx, "t1"))

		clock.Advance(logchannel.SafetyExpiry - time.Second)
		exists, err := ch.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, exists)

		clock.Advance(time.Second)
		exists, err = ch.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, exists)

		r, err := ch.OpenReader(ctx, "t1")
		require.NoError(t, err)
		entries, err := r.Read(ctx, logchannel.Beginning, 10, 0)
		assert.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("EnsureRearmsExpiry", func(t *testing.T) {
		clock := newFakeClock()
		ch := logchannel.NewMemory(logchannel.WithClock(clock.Now))
		require.NoError(t, ch.Ensure(ctx, "t1"))
		clock.Advance(12 * time.Hour)
		require.NoError(t, ch.Ensure(ctx, "t1"))
		clock.Advance(20 * time.Hour)

		exists, err := ch.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Len(t, ch.Entries("t1"), 1)
	})

	t.Run("PublishRecreatesExpiredChannel", func(t *testing.T) {
		clock := newFakeClock()
		ch := logchannel.NewMemory(logchannel.WithClock(clock.Now))
		pub := logchannel.NewPublisher(ch, "t1")
		_, err := pub.PublishMessage(ctx, "a", clock.Now())
		require.NoError(t, err)

		clock.Advance(25 * time.Hour)
		_, err = pub.PublishMessage(ctx, "b", clock.Now())
		require.NoError(t, err)

		entries := ch.Entries("t1")
		require.Len(t, entries, 2)
		assert.Equal(t, logchannel.SentinelMessage, entries[0].Message)
		assert.Equal(t, "b", entries[1].Message)

		clock.Advance(logchannel.SafetyExpiry)
		exists, err := ch.Exists(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ReadsInIDOrder", func(t *testing.T) {
		ch := logchannel.NewMemory()
		pub := logchannel.NewPublisher(ch, "t1")
		var ids []string
		for i := 0; i < 50; i++ {
			id, err := pub.PublishMessage(ctx, fmt.Sprintf("line %d", i), time.Now())
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for i := 1; i < len(ids); i++ {
			assert.Equal(t, -1, logchannel.CompareID(ids[i-1], ids[i]))
		}

		r, err := ch.OpenReader(ctx, "t1")
		require.NoError(t, err)
		defer r.Close()
		cursor := logchannel.Beginning
		var got []string
		for {
			entries, err := r.Read(ctx, cursor, 7, 0)
			require.NoError(t, err)
			if len(entries) == 0 {
				break
			}
			for _, e := range entries {
				got = append(got, e.Message)
				cursor = e.ID
			}
		}
		require.Len(t, got, 51)
		assert.Equal(t, logchannel.SentinelMessage, got[0])
		for i := 0; i < 50; i++ {
			assert.Equal(t, fmt.Sprintf("line %d", i), got[i+1])
		}
	})

	t.Run("BlockingReadWakesOnPublish", func(t *testing.T) {
		ch := logchannel.NewMemory()
		require.NoError(t, ch.Ensure(ctx, "t1"))
		r, err := ch.OpenReader(ctx, "t1")
		require.NoError(t, err)
		first, err := r.Read(ctx, logchannel.Beginning, 10, 0)
		require.NoError(t, err)
		require.Len(t, first, 1)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = ch.Publish(ctx, "t1", map[string]string{"message": "late"})
		}()
		entries, err := r.Read(ctx, first[0].ID, 10, 5*time.Second)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "late", entries[0].Message)
	})

	t.Run("BlockingReadIsCancellable", func(t *testing.T) {
		ch := logchannel.NewMemory()
		r, err := ch.OpenReader(ctx, "t1")
		require.NoError(t, err)
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		_, err = r.Read(cctx, logchannel.Beginning, 10, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("TransportErrorsAreSurfaced", func(t *testing.T) {
		ch := logchannel.NewMemory()
		ch.SetUnavailable(errors.New("connection refused"))
		_, err := logchannel.NewPublisher(ch, "t1").PublishMessage(ctx, "x", time.Now())
		assert.True(t, logchannel.IsTransport(err))
		assert.True(t, logchannel.IsTransport(ch.Delete(ctx, "t1")))

		ch.SetUnavailable(nil)
		_, err = logchannel.NewPublisher(ch, "t1").PublishMessage(ctx, "x", time.Now())
		assert.NoError(t, err)
	})

	t.Run("BarrierCountsLaggingTailers", func(t *testing.T) {
		ch := logchannel.NewMemory()
		pub := logchannel.NewPublisher(ch, "t1")
		first, err := pub.PublishMessage(ctx, "a", time.Now())
		require.NoError(t, err)
		last, err := pub.PublishMessage(ctx, "b", time.Now())
		require.NoError(t, err)

		require.NoError(t, ch.Acknowledge(ctx, "t1", "tailer-a", first))
		require.NoError(t, ch.Acknowledge(ctx, "t1", "tailer-b", last))
		lagging, err := ch.Lagging(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, lagging)

		require.NoError(t, ch.Acknowledge(ctx, "t1", "tailer-a", last))
		lagging, err = ch.Lagging(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 0, lagging)

		require.NoError(t, ch.Acknowledge(ctx, "t1", "tailer-c", logchannel.Beginning))
		require.NoError(t, ch.Release(ctx, "t1", "tailer-c"))
		lagging, err = ch.Lagging(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 0, lagging)
	})
}

func TestCompareID(t *testing.T) {
	assert.Equal(t, 0, logchannel.CompareID("0", "0-0"))
	assert.Equal(t, -1, logchannel.CompareID("0", "1-0"))
	assert.Equal(t, -1, logchannel.CompareID("1700000000000-9", "1700000000000-10"))
	assert.Equal(t, 1, logchannel.CompareID("1700000000001-0", "1700000000000-99"))
}
