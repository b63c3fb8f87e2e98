package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"change/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the migration the local cache schema is at.
type SchemaVersion struct {
	Version uint
	Dirty   bool
}

// RunMigrations brings the local cache schema at dbPath up to date and
// reports the resulting version. A schema left dirty by an interrupted
// migration is refused, since partitions written against it cannot be
// trusted. Migrations run on their own connection because closing the
// migrate instance closes the driver's handle.
func RunMigrations(dbPath string) (SchemaVersion, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("open migration database: %w", err)
	}
	defer conn.Close()

	driver, err := sqlite.WithInstance(conn, &sqlite.Config{})
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return SchemaVersion{Version: uint(dirty.Version), Dirty: true},
				fmt.Errorf("%w: schema dirty at version %d", core.ErrLocalTransaction, dirty.Version)
		}
		return SchemaVersion{}, fmt.Errorf("%w: migrate up: %w", core.ErrLocalTransaction, err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	return SchemaVersion{Version: version, Dirty: dirty}, nil
}
