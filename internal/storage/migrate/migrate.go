// Package migrate applies the versioned schema for the objects and alarms
// tables. Migrations take a prefix (opaque table scoping) and a base (the
// current on-disk version) so upgrades apply incrementally.
package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Migration is one schema step. Apply must be idempotent.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, db *sqlx.DB, prefix string) error
}

// All is the ordered migration list. Version 1 creates both tables with
// their unique indexes, version 2 drops the legacy locking columns from the
// entity table, version 3 adds claimed_at to alarms.
var All = []Migration{
	{1, "create_tables", createTables},
	{2, "drop_legacy_lock_columns", dropLegacyLockColumns},
	{3, "add_claimed_at", addClaimedAt},
}

// Latest is the newest schema version.
func Latest() int {
	return All[len(All)-1].Version
}

// Run applies every migration with a version greater than base and records
// the resulting version. base < 0 means "read the recorded version first".
// Returns the version the schema ends at.
func Run(ctx context.Context, db *sqlx.DB, prefix string, base int) (int, error) {
	if base < 0 {
		current, err := Current(ctx, db, prefix)
		if err != nil {
			return 0, err
		}
		base = current
	}
	applied := base
	for _, m := range All {
		if m.Version <= base {
			continue
		}
		if err := m.Apply(ctx, db, prefix); err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if err := record(ctx, db, prefix, m.Version); err != nil {
			return applied, err
		}
		applied = m.Version
	}
	return applied, nil
}

// Current reads the recorded schema version, 0 when nothing has run yet.
func Current(ctx context.Context, db *sqlx.DB, prefix string) (int, error) {
	table, err := table(prefix, "schema_info")
	if err != nil {
		return 0, err
	}
	if err := ensureSchemaInfo(ctx, db, table); err != nil {
		return 0, err
	}
	var version int
	q := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, table)
	if err := db.GetContext(ctx, &version, q); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func record(ctx context.Context, db *sqlx.DB, prefix string, version int) error {
	table, err := table(prefix, "schema_info")
	if err != nil {
		return err
	}
	if err := ensureSchemaInfo(ctx, db, table); err != nil {
		return err
	}
	q := db.Rebind(fmt.Sprintf(`INSERT INTO %s (version) VALUES (?)`, table))
	if _, err := db.ExecContext(ctx, q, version); err != nil {
		return fmt.Errorf("record schema version %d: %w", version, err)
	}
	return nil
}

func ensureSchemaInfo(ctx context.Context, db *sqlx.DB, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, table))
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func table(prefix, base string) (string, error) {
	if prefix == "" {
		return base, nil
	}
	for _, r := range prefix {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("invalid prefix %q", prefix)
		}
	}
	return prefix + "_" + base, nil
}

func createTables(ctx context.Context, db *sqlx.DB, prefix string) error {
	objects, err := table(prefix, "objects")
	if err != nil {
		return err
	}
	alarms, err := table(prefix, "alarms")
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			type TEXT NOT NULL,
			id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			locked_at BIGINT,
			locked_by TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, objects),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_type_id ON %s (type, id)`, objects, objects),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			type TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, alarms),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_type_id_name ON %s (type, id, name)`, alarms, alarms),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scheduled_at ON %s (scheduled_at)`, alarms, alarms),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	return nil
}

func dropLegacyLockColumns(ctx context.Context, db *sqlx.DB, prefix string) error {
	objects, err := table(prefix, "objects")
	if err != nil {
		return err
	}
	for _, col := range []string{"locked_at", "locked_by"} {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, objects, col))
		if err != nil && !isMissingColumn(err) {
			return fmt.Errorf("drop %s.%s: %w", objects, col, err)
		}
	}
	return nil
}

func addClaimedAt(ctx context.Context, db *sqlx.DB, prefix string) error {
	alarms, err := table(prefix, "alarms")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN claimed_at BIGINT`, alarms))
	if err != nil && !isDuplicateColumn(err) {
		return fmt.Errorf("add %s.claimed_at: %w", alarms, err)
	}
	return nil
}

// The two drivers word their schema errors differently; substring checks
// keep the migrations idempotent on both.

func isMissingColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "does not exist")
}

func isDuplicateColumn(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}
