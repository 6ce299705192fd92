package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// InitStore connects to Postgres and, when migrationsDir is set, brings the
// schema up to date first.
func InitStore(dbConnStr, migrationsDir string) (*PostgresStore, error) {
	if migrationsDir != "" {
		if err := Migrate(dbConnStr, migrationsDir); err != nil {
			return nil, err
		}
	}
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate applies every pending migration found in dir
func Migrate(dbConnStr, dir string) error {
	m, err := migrate.New("file://"+dir, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}
