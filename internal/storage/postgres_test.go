package storage_test

import (
	"context"
	"testing"
	"time"

	internal_storage "github.com/ignatij/flowstream/internal/storage"
	"github.com/ignatij/flowstream/internal/testutil"
	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		txStore, err := store.Begin(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore
	}

	t.Run("CreateAndLoad", func(t *testing.T) {
		store := newTxStore(t)
		created, err := store.Create(ctx, models.TaskStatusRecord{
			TaskID:   "t1",
			Pipeline: "ingest",
			State:    models.PendingState,
			Session:  "s1",
		})
		require.NoError(t, err)
		assert.Equal(t, "t1", created.TaskID)
		assert.False(t, created.CreatedAt.IsZero())

		loaded, err := store.Load(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.PendingState, loaded.State)
		assert.Equal(t, "ingest", loaded.Pipeline)
		assert.Equal(t, "s1", loaded.Session)
		assert.Nil(t, loaded.StartedAt)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.Create(ctx, models.TaskStatusRecord{TaskID: "dup", State: models.PendingState})
		require.NoError(t, err)
		_, err = store.Create(ctx, models.TaskStatusRecord{TaskID: "dup", State: models.PendingState})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("LoadUnknown", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.Update(ctx, "missing", models.StatusUpdate{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), storage.ErrNotFound)
	})

	t.Run("UpdateKeepsUnsetFields", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.Create(ctx, models.TaskStatusRecord{TaskID: "t1", State: models.PendingState})
		require.NoError(t, err)

		started := models.StartedState
		attempts := 1
		now := time.Now().UTC().Truncate(time.Millisecond)
		_, err = store.Update(ctx, "t1", models.StatusUpdate{State: &started, Attempts: &attempts, StartedAt: &now, Message: "started"})
		require.NoError(t, err)

		exception := "boom"
		rec, err := store.Update(ctx, "t1", models.StatusUpdate{TaskException: &exception})
		require.NoError(t, err)
		assert.Equal(t, models.StartedState, rec.State)
		assert.Equal(t, 1, rec.Attempts)
		require.NotNil(t, rec.StartedAt)
		assert.True(t, now.Equal(rec.StartedAt.UTC()))
		assert.Equal(t, "boom", rec.TaskException)
		assert.Nil(t, rec.FinishedAt)
	})

	t.Run("History", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.Create(ctx, models.TaskStatusRecord{TaskID: "t1", State: models.PendingState})
		require.NoError(t, err)
		for _, state := range []models.State{models.StartedState, models.RetryState, models.StartedState, models.SuccessState} {
			s := state
			_, err := store.Update(ctx, "t1", models.StatusUpdate{State: &s, Message: string(s)})
			require.NoError(t, err)
		}
		result := "done"
		_, err = store.Update(ctx, "t1", models.StatusUpdate{TaskResult: &result})
		require.NoError(t, err)

		history, err := store.History(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, history, 5)
		assert.Equal(t, models.PendingState, history[0].State)
		assert.Equal(t, "created", history[0].Message)
		assert.Equal(t, models.RetryState, history[2].State)
		assert.Equal(t, models.SuccessState, history[4].State)
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		store := newTxStore(t)
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c"} {
			_, err := store.Create(ctx, models.TaskStatusRecord{
				TaskID:    id,
				State:     models.PendingState,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}
		records, err := store.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "c", records[0].TaskID)
		assert.Equal(t, "b", records[1].TaskID)

		require.NoError(t, store.Delete(ctx, "c"))
		_, err = store.History(ctx, "c")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		records, err = store.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}
