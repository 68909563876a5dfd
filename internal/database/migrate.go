package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations for the database's dialect.
// It runs over a dedicated connection because the migrate drivers close their instance.
func (d *Database) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(d.Dialect))
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	db, err := sql.Open(d.Dialect.DriverName(), d.dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	var m *migrate.Migrate
	switch d.Dialect {
	case MySQL:
		drv, derr := migratemysql.WithInstance(db, &migratemysql.Config{})
		if derr != nil {
			db.Close()
			return fmt.Errorf("failed to init mysql migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "mysql", drv)
	case SQLite:
		drv, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if derr != nil {
			db.Close()
			return fmt.Errorf("failed to init sqlite migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	case Postgres:
		drv, derr := migratepgx.WithInstance(db, &migratepgx.Config{})
		if derr != nil {
			db.Close()
			return fmt.Errorf("failed to init postgres migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", drv)
	default:
		db.Close()
		return fmt.Errorf("unsupported dialect %q", d.Dialect)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer func() {
		if serr, dberr := m.Close(); serr != nil || dberr != nil {
			logger.Log.Warn("Failed to close migrator", zap.NamedError("source", serr), zap.NamedError("database", dberr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		logger.Log.Info("Schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}
