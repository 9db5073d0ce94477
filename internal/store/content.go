// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/an-anime-team/wineyard/pkg/manifest"
)

// Stage creates an empty staging file. The caller either commits it with
// CommitBlob or removes it.
func (s *Store) Stage() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	return f, nil
}

// StageDir creates an empty staging directory for an archive extraction.
func (s *Store) StageDir() (string, error) {
	dir, err := os.MkdirTemp(filepath.Join(s.root, tmpDir), "tree-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// Lookup returns the entry stored under addr. An indexed entry whose file
// disappeared is dropped from the index and reported as missing.
func (s *Store) Lookup(ctx context.Context, addr manifest.HashValue, kind Kind) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT size, uri, created_at, last_used FROM entries WHERE address = ? AND kind = ?`,
		addr.String(), string(kind))

	e := Entry{Address: addr, Kind: kind, Path: s.Path(addr, kind)}
	var created, used int64
	if err := row.Scan(&e.Size, &e.URI, &created, &used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to query index: %w", err)
	}

	if _, err := os.Lstat(e.Path); err != nil {
		if _, delErr := s.db.ExecContext(ctx,
			`DELETE FROM entries WHERE address = ? AND kind = ?`, addr.String(), string(kind)); delErr != nil {
			return Entry{}, fmt.Errorf("failed to drop stale entry: %w", delErr)
		}
		return Entry{}, ErrNotFound
	}

	e.Created = time.Unix(0, created)
	e.LastUsed = time.Unix(0, used)
	e.Refs = s.refCount(refKey{addr.String(), kind})
	return e, nil
}

// Touch records a use of the entry.
func (s *Store) Touch(ctx context.Context, addr manifest.HashValue, kind Kind) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE entries SET last_used = ? WHERE address = ? AND kind = ?`,
		s.now().UnixNano(), addr.String(), string(kind)); err != nil {
		return fmt.Errorf("failed to update index: %w", err)
	}
	return nil
}

// CommitBlob moves a staged file into the store under addr. If the address
// is already present, the staged file is discarded and the existing entry
// is returned.
func (s *Store) CommitBlob(ctx context.Context, staged string, addr manifest.HashValue, size int64, uri string) (Entry, error) {
	return s.commit(ctx, staged, addr, KindBlob, size, uri)
}

// CommitTree moves a staged extraction directory into the store under addr
// with a single rename.
func (s *Store) CommitTree(ctx context.Context, staged string, addr manifest.HashValue, uri string) (Entry, error) {
	size, err := dirSize(staged)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to measure tree: %w", err)
	}
	return s.commit(ctx, staged, addr, KindTree, size, uri)
}

func (s *Store) commit(ctx context.Context, staged string, addr manifest.HashValue, kind Kind, size int64, uri string) (Entry, error) {
	target := s.Path(addr, kind)
	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return Entry{}, fmt.Errorf("failed to create store directory: %w", err)
	}

	if _, err := os.Lstat(target); err == nil {
		// Identical content by address; keep what is there.
		_ = os.RemoveAll(staged)
	} else if err := os.Rename(staged, target); err != nil {
		// Another commit of the same address may have won the rename.
		if _, statErr := os.Lstat(target); statErr != nil {
			return Entry{}, fmt.Errorf("failed to commit %s: %w", addr, err)
		}
		_ = os.RemoveAll(staged)
	}

	now := s.now().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (address, kind, size, uri, created_at, last_used)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address, kind) DO UPDATE SET last_used = excluded.last_used`,
		addr.String(), string(kind), size, uri, now, now); err != nil {
		return Entry{}, fmt.Errorf("failed to index %s: %w", addr, err)
	}

	return s.Lookup(ctx, addr, kind)
}

// Retain registers owner as a holder of the entry.
func (s *Store) Retain(addr manifest.HashValue, kind Kind, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := refKey{addr.String(), kind}
	owners, ok := s.refs[key]
	if !ok {
		owners = make(map[string]struct{})
		s.refs[key] = owners
	}
	owners[owner] = struct{}{}
}

// Release drops every reference held by owner and returns how many were
// released.
func (s *Store) Release(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for key, owners := range s.refs {
		if _, ok := owners[owner]; !ok {
			continue
		}
		delete(owners, owner)
		released++
		if len(owners) == 0 {
			delete(s.refs, key)
		}
	}
	return released
}

// Refs returns the number of owners holding the entry.
func (s *Store) Refs(addr manifest.HashValue, kind Kind) int {
	return s.refCount(refKey{addr.String(), kind})
}

func (s *Store) refCount(key refKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs[key])
}

// List returns every indexed entry, most recently used first.
func (s *Store) List(ctx context.Context) (_ []Entry, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, kind, size, uri, created_at, last_used FROM entries ORDER BY last_used DESC, address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	var entries []Entry
	for rows.Next() {
		var (
			address, kind string
			created, used int64
			e             Entry
		)
		if err := rows.Scan(&address, &kind, &e.Size, &e.URI, &created, &used); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		addr, err := manifest.ParseHash(address)
		if err != nil {
			return nil, fmt.Errorf("corrupt index entry %q: %w", address, err)
		}
		e.Address = addr
		e.Kind = Kind(kind)
		e.Created = time.Unix(0, created)
		e.LastUsed = time.Unix(0, used)
		e.Path = s.Path(addr, e.Kind)
		e.Refs = s.refCount(refKey{address, e.Kind})
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GC removes entries unused for longer than maxAge and not held by any
// owner, plus staging leftovers of the same age. It returns the removed
// entries, or ErrInUse when another process has the cache open.
func (s *Store) GC(ctx context.Context, maxAge time.Duration) ([]Entry, error) {
	ok, err := s.lock.exclusive()
	if err != nil {
		return nil, fmt.Errorf("failed to lock cache: %w", err)
	}
	if !ok {
		return nil, ErrInUse
	}
	defer func() { _ = s.lock.shared() }()

	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-maxAge)
	var removed []Entry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.Refs > 0 || !e.LastUsed.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(e.Path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM entries WHERE address = ? AND kind = ?`, e.Address.String(), string(e.Kind)); err != nil {
			return removed, fmt.Errorf("failed to update index: %w", err)
		}
		removed = append(removed, e)
	}

	if err := s.sweepStaging(cutoff); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Store) sweepStaging(cutoff time.Time) error {
	dir := filepath.Join(s.root, tmpDir)
	items, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, item := range items {
		info, err := item.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(dir, item.Name())) // best-effort
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var size int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}
