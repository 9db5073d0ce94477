// SPDX-License-Identifier: MPL-2.0

package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/an-anime-team/wineyard/pkg/manifest"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - entries table with last_used index
const currentSchemaVersion = 1

const (
	objectsDir = "objects"
	treesDir   = "trees"
	tmpDir     = "tmp"
	indexFile  = "index.db"
	lockFile   = "lock"

	dirPerm = 0o755
)

const (
	// KindBlob is a fetched resource stored as a single file.
	KindBlob Kind = "blob"
	// KindTree is an extracted archive stored as a directory.
	KindTree Kind = "tree"
)

var (
	// ErrNotFound is returned when an address is not in the store.
	ErrNotFound = errors.New("content not in store")

	// ErrNewerSchema is returned when the index was written by a newer version.
	ErrNewerSchema = errors.New("cache index has a newer schema")

	// ErrInUse is returned by GC while another process has the cache open.
	ErrInUse = errors.New("cache is in use by another process")
)

type (
	// Kind distinguishes blobs from extracted trees stored under the same
	// content address.
	Kind string

	// Entry describes one stored item.
	Entry struct {
		Address  manifest.HashValue
		Kind     Kind
		Size     int64
		URI      string
		Created  time.Time
		LastUsed time.Time
		Path     string
		// Refs is the number of owners currently holding the entry.
		Refs int
	}

	// Store is the content-addressed cache: blobs under objects/, extracted
	// archives under trees/, staging under tmp/ and a SQLite index.
	// Reference counts are kept in memory and protect entries within one
	// process. Across processes, GC refuses to run while any other Store
	// has the same directory open.
	Store struct {
		root string
		db   *sql.DB
		lock *cacheLock
		now  func() time.Time

		mu   sync.Mutex
		refs map[refKey]map[string]struct{}
	}

	// Option configures a Store.
	Option func(*Store)

	refKey struct {
		address string
		kind    Kind
	}
)

// WithClock overrides the time source used for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a store rooted at dir.
//
// The index database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(dir string, opts ...Option) (*Store, error) {
	for _, sub := range []string{objectsDir, treesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	lock, err := openCacheLock(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, indexFile))
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		_ = lock.Close()
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		_ = lock.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		_ = lock.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		root: dir,
		db:   db,
		lock: lock,
		now:  time.Now,
		refs: make(map[refKey]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the index and releases the cache lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	return errors.Join(err, s.lock.Close())
}

// Root returns the cache directory.
func (s *Store) Root() string { return s.root }

// Path returns where content of the given kind lives for addr. The path may
// not exist.
func (s *Store) Path(addr manifest.HashValue, kind Kind) string {
	sub := objectsDir
	if kind == KindTree {
		sub = treesDir
	}
	return filepath.Join(s.root, sub, addr.Algorithm, addr.Digest)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. An index written by a newer schema is refused.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("%w: %d > %d", ErrNewerSchema, version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
