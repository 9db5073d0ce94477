// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package store

// cacheLock is a no-op where flock is unavailable. Only the reference
// counts of the current process protect entries from collection there.
type cacheLock struct{}

func openCacheLock(string) (*cacheLock, error) { return &cacheLock{}, nil }

func (*cacheLock) exclusive() (bool, error) { return true, nil }

func (*cacheLock) shared() error { return nil }

// Close is a no-op.
func (*cacheLock) Close() error { return nil }
