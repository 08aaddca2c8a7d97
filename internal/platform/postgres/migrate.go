package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrateUp applies every pending embedded migration. It returns true when at least one ran.
func MigrateUp(dsn string) (bool, error) {
	url, err := migrationURL(dsn)
	if err != nil {
		return false, err
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return false, fmt.Errorf("postgres: open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return false, fmt.Errorf("postgres: init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return true, nil
}

// migrationURL rewrites a postgres URL to the pgx5 scheme registered by the migrate driver.
func migrationURL(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(trimmed, prefix) {
			return "pgx5://" + strings.TrimPrefix(trimmed, prefix), nil
		}
	}
	if strings.HasPrefix(trimmed, "pgx5://") {
		return trimmed, nil
	}
	return "", errors.New("postgres: migrations require a postgres:// url dsn")
}
