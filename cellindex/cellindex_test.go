// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package cellindex_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckbuild/distbuild/cellindex"
)

func TestRootCellIsIndexZero(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	idx, err := ix.IndexOf("/repo/foo/bar.go")
	require.NoError(t, err)
	assert.Equal(t, cellindex.Index(0), idx)
}

func TestIndexOfIsIdempotent(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	ix.AddKnownRoot("/repo/vendor/libfoo", map[string]string{"mode": "override"})

	idx1, err := ix.IndexOf("/repo/vendor/libfoo/a.go")
	require.NoError(t, err)
	idx2, err := ix.IndexOf("/repo/vendor/libfoo/b.go")
	require.NoError(t, err)
	assert.Equal(t, idx1, idx2)
	assert.NotEqual(t, cellindex.Index(0), idx1)
}

func TestFirstSeenOrder(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	ix.AddKnownRoot("/repo/third_party/a", nil)
	ix.AddKnownRoot("/repo/third_party/b", nil)

	idxB, err := ix.IndexOf("/repo/third_party/b/x")
	require.NoError(t, err)
	idxA, err := ix.IndexOf("/repo/third_party/a/x")
	require.NoError(t, err)

	// b was referenced first, so it gets the lower index even though it
	// was registered second.
	assert.Less(t, int(idxB), int(idxA))
}

func TestLongestPrefixWins(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	ix.AddKnownRoot("/repo/vendor", nil)
	ix.AddKnownRoot("/repo/vendor/libfoo", nil)

	idxOuter, err := ix.IndexOf("/repo/vendor/other.go")
	require.NoError(t, err)
	idxInner, err := ix.IndexOf("/repo/vendor/libfoo/x.go")
	require.NoError(t, err)

	assert.NotEqual(t, idxOuter, idxInner)
}

func TestNotInAnyCell(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	_, err := ix.IndexOf("/somewhere/else/file.go")
	assert.True(t, errors.Is(err, cellindex.ErrNotInAnyCell))
}

func TestEnumerateOrderedByIndex(t *testing.T) {
	ix := cellindex.New("/repo", nil)
	ix.AddKnownRoot("/repo/a", nil)
	ix.AddKnownRoot("/repo/b", nil)
	_, err := ix.IndexOf("/repo/b/x")
	require.NoError(t, err)
	_, err = ix.IndexOf("/repo/a/x")
	require.NoError(t, err)

	entries := ix.Enumerate()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, cellindex.Index(i), e.Index)
	}
	assert.Equal(t, "/repo", entries[0].Cell.Root)
}
