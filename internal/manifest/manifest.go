// Package manifest implements the engine's persistent, transactional
// metadata store: backups, files, chunks, file-to-chunk edges, and an
// audit log. It is the single source of truth the pipeline engine
// consults before ever touching a storage provider (spec §3, §4.5).
//
// Built on database/sql + modernc.org/sqlite (a pure-Go, no-cgo
// driver), with schema/query shape ported from the teacher's
// GlobalContentIndex (internal/crypto/gci.go): numbered placeholders,
// explicit transactions, upsert-style refcount maintenance, and an
// in-memory hot-chunk cache. Adapted here from Postgres `$1` syntax and
// a multi-tenant GCI to SQLite `?` placeholders and a single-tenant
// backup manifest.
package manifest

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kenneth/enigma/internal/enigmaerr"
)

const defaultCacheSize = 100000

// Manifest is the transactional metadata store. All mutations go
// through short-lived transactions (spec §5's shared-resource policy);
// callers in cluster mode reach it only through internal/consensus's
// FSM, and directly in single-node mode.
type Manifest struct {
	db    *sql.DB
	cache *manifestCache
	path  string // empty for in-memory manifests

	mu sync.Mutex // serializes writers in single-node mode
}

// Open opens (creating if absent) the SQLite manifest at path and
// applies any outstanding migrations before returning.
func Open(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention storms

	m := &Manifest{db: db, cache: newManifestCache(defaultCacheSize), path: path}
	if err := m.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("manifest: migrate %s: %w", path, err)
	}
	return m, nil
}

// Path returns the on-disk SQLite file backing this manifest, used by
// internal/consensus to snapshot it. Empty for in-memory manifests.
func (m *Manifest) Path() string { return m.path }

// Close releases the underlying database handle.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// WithWriteLock runs fn while holding the same lock writers serialize
// on, giving internal/consensus's FSM a consistent view of the on-disk
// file while it snapshots it.
func (m *Manifest) WithWriteLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// Path-free constructor for tests and snapshot restores that already
// hold an *sql.DB (e.g. an in-memory SQLite handle).
func openDB(db *sql.DB) (*Manifest, error) {
	m := &Manifest{db: db, cache: newManifestCache(defaultCacheSize)}
	if err := m.applyMigrations(); err != nil {
		return nil, fmt.Errorf("manifest: migrate: %w", err)
	}
	return m, nil
}

// wrapNotFound normalizes sql.ErrNoRows into the engine's NotFound
// sentinel, for lookups where an empty result is an expected failure
// mode rather than a storage error.
func wrapNotFound(err error, context string) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("manifest: %s: %w", context, enigmaerr.ErrNotFound)
	}
	return fmt.Errorf("manifest: %s: %w", context, err)
}
