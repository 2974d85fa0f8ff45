// Package db opens the off-chain bounty cache through GORM. SQLite is used by
// default; a PostgreSQL DSN selects the postgres driver instead.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/onchain-market/market-node/marketClient/store"
)

const (
	// InMemorySQLiteDSN opens an ephemeral SQLite database.
	InMemorySQLiteDSN = ":memory:"

	// DefaultFileName is the SQLite file used when no DSN is configured.
	DefaultFileName = "market_data.db"

	dirPerm = 0o750

	sqlitePragmas = "?_journal_mode=WAL&_busy_timeout=5000&cache=shared&mode=rwc"
)

// schemaModels are migrated on open.
var schemaModels = []any{
	&store.ChainState{},
	&store.BountyRecord{},
}

// DB is an open cache database.
type DB struct {
	client  *gorm.DB
	dialect string
}

// Open opens the cache named by dsn. An empty dsn opens a SQLite file in dir.
func Open(dsn, dir string, migrateSchema bool) (*DB, error) {
	switch {
	case IsPostgresDSN(dsn):
		return open(postgres.Open(dsn), "postgres", migrateSchema, func(pool *sql.DB) {
			pool.SetMaxOpenConns(10)
			pool.SetMaxIdleConns(5)
		})
	case dsn == "":
		return OpenFileDB(dir, DefaultFileName, migrateSchema)
	default:
		return openSQLite(dsn, migrateSchema)
	}
}

// IsPostgresDSN reports whether dsn names a PostgreSQL database.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// OpenFileDB opens, creating if needed, the SQLite file dir/filename.
func OpenFileDB(dir, filename string, migrateSchema bool) (*DB, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create database directory %s", dir)
	}
	return openSQLite(filepath.Join(dir, filename), migrateSchema)
}

// OpenInMemoryDB opens a SQLite database that lives as long as the handle.
func OpenInMemoryDB(migrateSchema bool) (*DB, error) {
	return openSQLite(InMemorySQLiteDSN, migrateSchema)
}

func openSQLite(dsn string, migrateSchema bool) (*DB, error) {
	if dsn != InMemorySQLiteDSN && !strings.Contains(dsn, "?") {
		dsn += sqlitePragmas
	}
	// One connection: SQLite serialises writers anyway, and an in-memory
	// database disappears with its last connection.
	return open(sqlite.Open(dsn), "sqlite", migrateSchema, func(pool *sql.DB) {
		pool.SetMaxOpenConns(1)
		pool.SetMaxIdleConns(1)
		pool.SetConnMaxLifetime(0)
	})
}

func open(dialector gorm.Dialector, dialect string, migrateSchema bool, tune func(*sql.DB)) (*DB, error) {
	client, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", dialect)
	}

	pool, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	tune(pool)

	if migrateSchema {
		if err := client.AutoMigrate(schemaModels...); err != nil {
			_ = pool.Close()
			return nil, errors.Wrap(err, "failed to migrate cache schema")
		}
	}

	return &DB{client: client, dialect: dialect}, nil
}

// Client returns the GORM handle for queries.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Dialect returns "sqlite" or "postgres".
func (d *DB) Dialect() string {
	return d.dialect
}

// Close closes the connection pool.
func (d *DB) Close() error {
	pool, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return errors.Wrap(pool.Close(), "failed to close database")
}
