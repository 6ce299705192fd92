package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Begin returns a store whose operations run in one transaction
func (s *PostgresStore) Begin(ctx context.Context) (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// inTx runs fn in a transaction, or in the current one when s already is one
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *PostgresStore) error) (err error) {
	if _, ok := s.db.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// Create inserts a new task record and its first history row
func (s *PostgresStore) Create(ctx context.Context, rec models.TaskStatusRecord) (models.TaskStatusRecord, error) {
	if rec.TaskID == "" {
		return models.TaskStatusRecord{}, errors.New("task id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var created models.TaskStatusRecord
	err := s.inTx(ctx, func(tx *PostgresStore) error {
		err := tx.db.QueryRowxContext(ctx, `
			INSERT INTO task_status (task_id, pipeline, state, runner, session, attempts, started_at, finished_at,
				task_exception, task_einfo, task_result, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			RETURNING *`,
			rec.TaskID, rec.Pipeline, rec.State, rec.Runner, rec.Session, rec.Attempts, rec.StartedAt, rec.FinishedAt,
			rec.TaskException, rec.TaskEInfo, rec.TaskResult, rec.CreatedAt).StructScan(&created)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return errors.Wrapf(storage.ErrAlreadyExists, "create %s", rec.TaskID)
			}
			return errors.Wrapf(err, "create %s", rec.TaskID)
		}
		return tx.appendHistory(ctx, rec.TaskID, rec.State, "created")
	})
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	return created, nil
}

// Update applies the non-nil fields of values and records state writes in the history
func (s *PostgresStore) Update(ctx context.Context, taskID string, values models.StatusUpdate) (models.TaskStatusRecord, error) {
	var updated models.TaskStatusRecord
	err := s.inTx(ctx, func(tx *PostgresStore) error {
		err := tx.db.QueryRowxContext(ctx, `
			UPDATE task_status
			SET state = COALESCE($2, state),
			attempts = COALESCE($3, attempts),
			started_at = COALESCE($4, started_at),
			finished_at = COALESCE($5, finished_at),
			task_exception = COALESCE($6, task_exception),
			task_einfo = COALESCE($7, task_einfo),
			task_result = COALESCE($8, task_result),
			updated_at = CURRENT_TIMESTAMP
			WHERE task_id = $1
			RETURNING *`,
			taskID, values.State, values.Attempts, values.StartedAt, values.FinishedAt,
			values.TaskException, values.TaskEInfo, values.TaskResult).StructScan(&updated)
		if err == sql.ErrNoRows {
			return errors.Wrapf(storage.ErrNotFound, "update %s", taskID)
		}
		if err != nil {
			return errors.Wrapf(err, "update %s", taskID)
		}
		if values.State != nil {
			return tx.appendHistory(ctx, taskID, *values.State, values.Message)
		}
		return nil
	})
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	return updated, nil
}

func (s *PostgresStore) appendHistory(ctx context.Context, taskID string, state models.State, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO task_status_history (task_id, state, message) VALUES ($1, $2, $3)",
		taskID, state, message)
	if err != nil {
		return errors.Wrapf(err, "history of %s", taskID)
	}
	return nil
}

// Load retrieves a task record by id
func (s *PostgresStore) Load(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	var rec models.TaskStatusRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM task_status WHERE task_id = $1", taskID)
	if err == sql.ErrNoRows {
		return models.TaskStatusRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskStatusRecord{}, err
	}
	return rec, nil
}

// Delete removes a task record; its history goes with it
func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_status WHERE task_id = $1", taskID)
	if err != nil {
		return errors.Wrapf(err, "delete %s", taskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]models.TaskStatusRecord, error) {
	records := []models.TaskStatusRecord{}
	query := "SELECT * FROM task_status ORDER BY created_at DESC, task_id DESC"
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &records, query+" LIMIT $1", limit)
	} else {
		err = s.db.SelectContext(ctx, &records, query)
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) History(ctx context.Context, taskID string) ([]models.StatusTransition, error) {
	if _, err := s.Load(ctx, taskID); err != nil {
		return nil, err
	}
	history := []models.StatusTransition{}
	err := s.db.SelectContext(ctx, &history,
		"SELECT id, task_id, state, message, logged_at FROM task_status_history WHERE task_id = $1 ORDER BY id", taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "history of %s", taskID)
	}
	return history, nil
}
