// Package store persists workflows, compiled paths, credentials and run
// steps in SQL (PostgreSQL, MySQL or SQLite) or in memory.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
	DriverMemory   = "memory"
)

//go:embed migrations
var migrationsFS embed.FS

// sqlDSN strips the scheme golang-migrate needs but database/sql drivers
// other than postgres reject.
func sqlDSN(cfg engine.DatabaseConfig) string {
	switch cfg.Driver {
	case DriverMySQL:
		return strings.TrimPrefix(cfg.DSN, "mysql://")
	case DriverSQLite:
		return strings.TrimPrefix(cfg.DSN, "sqlite3://")
	}
	return cfg.DSN
}

func migrationURL(cfg engine.DatabaseConfig) string {
	if cfg.MigrationsURL != "" {
		return cfg.MigrationsURL
	}
	dsn := sqlDSN(cfg)
	switch cfg.Driver {
	case DriverMySQL:
		return "mysql://" + dsn
	case DriverSQLite:
		return "sqlite3://" + dsn
	}
	return dsn
}

// Migrate applies the embedded migrations of the configured driver.
func Migrate(cfg engine.DatabaseConfig) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+cfg.Driver)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", cfg.Driver, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(cfg))
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Open opens and pings the pool, sized per driver unless the configuration
// says otherwise.
func Open(cfg engine.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, sqlDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpenConns := 25
	maxIdleConns := 5
	switch cfg.Driver {
	case DriverSQLite:
		// one writer at a time
		maxOpenConns = 1
		maxIdleConns = 1
	case DriverPostgres:
		maxOpenConns = 50
		maxIdleConns = 10
	case DriverMySQL:
		maxOpenConns = 40
		maxIdleConns = 10
	}
	if cfg.MaxOpenConns > 0 {
		maxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		maxIdleConns = cfg.MaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database pool ready", "driver", cfg.Driver, "max_open_conns", maxOpenConns)
	return db, nil
}

// Stats reports the pool counters exposed on the metrics endpoint.
func Stats(db *sql.DB) map[string]int64 {
	if db == nil {
		return nil
	}
	s := db.Stats()
	return map[string]int64{
		"max_open_conns": int64(s.MaxOpenConnections),
		"open_conns":     int64(s.OpenConnections),
		"in_use":         int64(s.InUse),
		"idle":           int64(s.Idle),
		"wait_count":     s.WaitCount,
		"wait_ms":        s.WaitDuration.Milliseconds(),
	}
}
