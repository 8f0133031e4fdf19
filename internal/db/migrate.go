package db

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// Migrate applies every pending migration found under dir in fsys.
// Already applied migrations are skipped.
func (d *Database) Migrate(fsys fs.FS, dir string) error {
	m, err := d.migrator(fsys, dir)
	if err != nil {
		return err
	}

	// m.Close() would close the shared *sql.DB, so the migrator is simply
	// dropped once done.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("getting migration version: %w", err)
	}

	if dirty {
		log.Warn().Uint("version", version).Msg("database migration state is dirty")
	} else {
		log.Info().Uint("version", version).Msg("database migrations complete")
	}
	return nil
}

// MigrationVersion returns the current schema version.
func (d *Database) MigrationVersion(fsys fs.FS, dir string) (uint, bool, error) {
	m, err := d.migrator(fsys, dir)
	if err != nil {
		return 0, false, err
	}
	return m.Version()
}

func (d *Database) migrator(fsys fs.FS, dir string) (*migrate.Migrate, error) {
	driver, err := sqlite.WithInstance(d.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating sqlite driver: %w", err)
	}

	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}
