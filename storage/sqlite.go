package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteProvider creates one SQLite database file per logical database name
// under a data directory. Creating the same name twice returns the same
// handle.
type SQLiteProvider struct {
	dir string

	mu      sync.Mutex
	handles map[string]*sqliteHandle
}

// NewSQLiteProvider creates a provider rooted at dir. The directory is
// created on first use.
func NewSQLiteProvider(dir string) *SQLiteProvider {
	return &SQLiteProvider{dir: dir, handles: make(map[string]*sqliteHandle)}
}

// CreateDatabase opens (creating if absent) the database file for name.
func (p *SQLiteProvider) CreateDatabase(ctx context.Context, name string) (BaseHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[name]; ok {
		return h, nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(p.dir, name+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	h := &sqliteHandle{name: name, db: db}
	p.handles[name] = h
	return h, nil
}

// Close closes every handle this provider created.
func (p *SQLiteProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, h := range p.handles {
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database %s: %w", name, err)
		}
		delete(p.handles, name)
	}
	return firstErr
}

type sqliteHandle struct {
	name string
	db   *sql.DB
}

func (h *sqliteHandle) Name() string { return h.name }
func (h *sqliteHandle) DB() *sql.DB  { return h.db }
