package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlcipher"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/sigvault/internal/store/migrations"
)

// SchemaTable holds the single-row schema version.
const SchemaTable = "schema_version"

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate brings the schema up to the latest version. A fresh database is
// created at version 1; older databases are migrated forward.
func Migrate(db *sql.DB) (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlcipher.WithInstance(db, &sqlcipher.Config{MigrationsTable: SchemaTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlcipher", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion() (uint, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var v uint
	err = db.QueryRow(`SELECT version FROM ` + SchemaTable + ` LIMIT 1`).Scan(&v)
	return v, err
}
