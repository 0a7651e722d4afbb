// Package storage implements the pre-bootstrap step that creates every
// declared database before any module is constructed. It accepts no
// dependencies from the rest of the engine: modules need a database handle,
// but the handle provider needs to know what modules declare, and this
// package breaks that cycle by working from plain declaration data.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Table is one declared table: a name and its idempotent DDL.
type Table struct {
	Name string
	DDL  string
}

// BaseHandle is the immutable per-database handle published after the
// bootstrap. Handles are shared by every module whose storage declaration
// names the same database; they are read-mostly and never mutated after
// creation, so unsynchronized concurrent reads are safe.
type BaseHandle interface {
	// Name returns the logical database name.
	Name() string

	// DB returns the underlying database connection pool.
	DB() *sql.DB
}

// Provider creates physical databases. The engine calls CreateDatabase
// exactly once per declared database name at startup.
type Provider interface {
	CreateDatabase(ctx context.Context, name string) (BaseHandle, error)
	Close() error
}

// Logger is the minimal structured logger the bootstrap needs.
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Bootstrap creates every database in groups and applies each group's
// schema eagerly. It must complete before any module initializes; any
// failure here is fatal to the whole startup since no safe partial state
// exists without databases.
//
// Bootstrap is idempotent: re-running it against an already-built database
// directory applies only IF-NOT-EXISTS DDL and produces the same handle
// set with no duplicate schema objects.
func Bootstrap(ctx context.Context, provider Provider, groups map[string][]Table, logger Logger) (map[string]BaseHandle, error) {
	handles := make(map[string]BaseHandle, len(groups))

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		handle, err := provider.CreateDatabase(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("creating database %s: %w", name, err)
		}
		if err := applySchema(ctx, handle.DB(), groups[name]); err != nil {
			return nil, fmt.Errorf("applying schema for database %s: %w", name, err)
		}
		handles[name] = handle
		logger.Info("database ready", "database", name, "tables", len(groups[name]))
	}
	return handles, nil
}

func applySchema(ctx context.Context, db *sql.DB, tables []Table) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, table.DDL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("creating table %s: %w", table.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}
