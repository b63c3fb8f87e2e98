package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the local SQLite database shared by the cache, the sync metadata
// and the token store.
type DB struct {
	*sql.DB
	path   string
	schema SchemaVersion
}

// Open creates the directory for path if needed, applies migrations and
// returns a handle limited to one connection so writers never race.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	schema, err := RunMigrations(path)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	slog.DebugContext(ctx, "Opened local database", "path", path, "schema_version", schema.Version)

	return &DB{DB: db, path: path, schema: schema}, nil
}

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// Schema returns the schema version applied when the database was opened.
func (d *DB) Schema() SchemaVersion { return d.schema }

func (d *DB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
