package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage
type mockStore struct {
	mu      sync.RWMutex
	records map[string]models.TaskStatusRecord
	history map[string][]models.StatusTransition
	nextID  int64 // For transition IDs
	now     func() time.Time
}

func (m *mockStore) Create(_ context.Context, rec models.TaskStatusRecord) (models.TaskStatusRecord, error) {
	if rec.TaskID == "" {
		return models.TaskStatusRecord{}, errors.New("task id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.TaskID]; exists {
		return models.TaskStatusRecord{}, errors.Wrapf(ErrAlreadyExists, "create %s", rec.TaskID)
	}
	now := m.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.TaskID] = rec
	m.appendHistoryLocked(rec.TaskID, rec.State, "created")
	return rec, nil
}

func (m *mockStore) Update(_ context.Context, taskID string, values models.StatusUpdate) (models.TaskStatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return models.TaskStatusRecord{}, errors.Wrapf(ErrNotFound, "update %s", taskID)
	}
	values.Apply(&rec)
	rec.UpdatedAt = m.now()
	m.records[taskID] = rec
	if values.State != nil {
		m.appendHistoryLocked(taskID, *values.State, values.Message)
	}
	return rec, nil
}

func (m *mockStore) Load(_ context.Context, taskID string) (models.TaskStatusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[taskID]
	if !ok {
		return models.TaskStatusRecord{}, errors.Wrapf(ErrNotFound, "load %s", taskID)
	}
	return rec, nil
}

func (m *mockStore) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[taskID]; !ok {
		return errors.Wrapf(ErrNotFound, "delete %s", taskID)
	}
	delete(m.records, taskID)
	delete(m.history, taskID)
	return nil
}

func (m *mockStore) List(_ context.Context, limit int) ([]models.TaskStatusRecord, error) {
	m.mu.RLock()
	records := make([]models.TaskStatusRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.RUnlock()
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].TaskID > records[j].TaskID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *mockStore) History(_ context.Context, taskID string) ([]models.StatusTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.records[taskID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "history %s", taskID)
	}
	out := make([]models.StatusTransition, len(m.history[taskID]))
	copy(out, m.history[taskID])
	return out, nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) appendHistoryLocked(taskID string, state models.State, message string) {
	m.nextID++
	m.history[taskID] = append(m.history[taskID], models.StatusTransition{
		ID:       m.nextID,
		TaskID:   taskID,
		State:    state,
		Message:  message,
		LoggedAt: m.now(),
	})
}

func NewMockStore() Store {
	return &mockStore{
		records: make(map[string]models.TaskStatusRecord),
		history: make(map[string][]models.StatusTransition),
		now:     time.Now,
	}
}
