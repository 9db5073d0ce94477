// SPDX-License-Identifier: MPL-2.0

//go:build unix

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/an-anime-team/wineyard/internal/testutil"
)

func TestGC_RefusesWhileAnotherStoreIsOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := testutil.NewFakeClock(time.Time{})
	collector, err := Open(dir, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Close() })

	// A second Store on the same directory stands in for a daemon holding
	// entries that the collecting process cannot see.
	holder, err := Open(dir, WithClock(clock.Now))
	require.NoError(t, err)

	addr := helloAddress(t)
	_, err = holder.CommitBlob(t.Context(), stageBlob(t, holder, "hello"), addr, 5, "")
	require.NoError(t, err)
	holder.Retain(addr, KindBlob, "session")

	_, err = collector.GC(t.Context(), 0)
	require.ErrorIs(t, err, ErrInUse)

	_, err = holder.Lookup(t.Context(), addr, KindBlob)
	require.NoError(t, err, "held entry must survive")

	require.NoError(t, holder.Close())
	clock.Advance(time.Second)

	removed, err := collector.GC(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	// The shared lock is held again after a collection.
	other, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	_, err = collector.GC(t.Context(), 0)
	assert.ErrorIs(t, err, ErrInUse)
}
