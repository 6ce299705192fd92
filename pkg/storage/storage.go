package storage

import (
	"context"
	"errors"

	"github.com/ignatij/flowstream/pkg/models"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
)

// Store defines the task status persistence operations.
type Store interface {
	Create(ctx context.Context, rec models.TaskStatusRecord) (models.TaskStatusRecord, error)
	Update(ctx context.Context, taskID string, values models.StatusUpdate) (models.TaskStatusRecord, error)
	// Load returns ErrNotFound for unknown task ids.
	Load(ctx context.Context, taskID string) (models.TaskStatusRecord, error)
	Delete(ctx context.Context, taskID string) error
	// List returns the newest records first.
	List(ctx context.Context, limit int) ([]models.TaskStatusRecord, error)
	// History returns every persisted state write of a task, oldest first.
	History(ctx context.Context, taskID string) ([]models.StatusTransition, error)
	Close() error
}
