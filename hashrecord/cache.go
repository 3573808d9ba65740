// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hashrecord decorates a file-hash cache so that every hash
// lookup it serves is also recorded into a per-cell buffer of
// FileHashEntry values, suitable for later serialization into a
// JobState. The recording is at-most-once per (cell, path): repeated
// lookups of the same file never append duplicate entries.
package hashrecord

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/reapi/digest"
)

// Metadata carries the file attributes the coordinator records
// alongside a hash, beyond the digest itself.
type Metadata struct {
	// MTimeClass buckets the file's modification time into a coarse,
	// platform-neutral class, so two builds on different hosts agree on
	// whether a file "looks new" without comparing raw timestamps.
	MTimeClass int64
	IsDir      bool
	// IsRootSymlink reports whether path itself is a symlink at the cell
	// root boundary (e.g. a vendored cell mounted via symlink).
	IsRootSymlink bool
}

// HashCache is the underlying, undecorated hash cache that Cache wraps.
// Implementations may be backed by a real filesystem walk, by an archive
// reader for archive-member paths, or by a test fake.
type HashCache interface {
	// Hash returns the content digest and metadata for path, or for an
	// archive-member path of the form "archive.jar!member/path".
	Hash(ctx context.Context, path string) (digest.Digest, Metadata, error)
}

// FileHashEntry is one recorded file-hash observation, ready to be
// embedded in a JobState.
type FileHashEntry struct {
	// Path is cell-relative (or, for archive members, cell-relative with
	// a "!member" suffix), using forward-slash separators.
	Path string
	Hash digest.Digest
	Metadata
	// PathIsAbsolute is set when the observed path did not resolve to any
	// known cell; Path then holds the canonicalized absolute path, and
	// the entry is not associated with a cell index.
	PathIsAbsolute bool
	// Contents optionally inlines the file's bytes, set only by a debug
	// dump (see jobstate.Build).
	Contents []byte
}

// Cache decorates an underlying HashCache, recording every lookup into a
// per-cell buffer.
type Cache struct {
	underlying HashCache
	cells      *cellindex.Indexer

	// seen enforces at-most-once-per-path recording with a concurrent
	// insertion-uniqueness discipline: the first goroutine to claim a key
	// records the entry, every later goroutine observes it already there
	// and skips.
	seen sync.Map // key: string (cell index or "abs") + "\x00" + canonical path -> struct{}

	mu     sync.Mutex
	byCell map[cellindex.Index][]FileHashEntry
	abs    []FileHashEntry
}

// New decorates underlying, resolving paths to cells through cells.
func New(underlying HashCache, cells *cellindex.Indexer) *Cache {
	return &Cache{
		underlying: underlying,
		cells:      cells,
		byCell:     make(map[cellindex.Index][]FileHashEntry),
	}
}

// Hash delegates to the underlying cache and records the result. The
// return value is a faithful pass-through of the underlying cache: the
// same (digest, metadata, error) in the same order it would have
// returned without the decorator.
func (c *Cache) Hash(ctx context.Context, path string) (digest.Digest, Metadata, error) {
	d, md, err := c.underlying.Hash(ctx, path)
	if err != nil {
		return d, md, err
	}
	c.record(path, d, md)
	return d, md, nil
}

func (c *Cache) record(path string, d digest.Digest, md Metadata) {
	canon := filepath.ToSlash(path)

	idx, err := c.cells.IndexOf(canon)
	if err != nil {
		key := "abs\x00" + canon
		if _, loaded := c.seen.LoadOrStore(key, struct{}{}); loaded {
			return
		}
		c.mu.Lock()
		c.abs = append(c.abs, FileHashEntry{
			Path:           canon,
			Hash:           d,
			Metadata:       md,
			PathIsAbsolute: true,
		})
		c.mu.Unlock()
		return
	}

	cellRel := canon
	if cell, ok := c.cells.Cell(idx); ok && cell.Root != "" {
		if rel, ok := cutPrefix(canon, cell.Root+"/"); ok {
			cellRel = rel
		}
	}

	key := strconv.Itoa(int(idx)) + "\x00" + cellRel
	if _, loaded := c.seen.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	c.mu.Lock()
	c.byCell[idx] = append(c.byCell[idx], FileHashEntry{
		Path:     cellRel,
		Hash:     d,
		Metadata: md,
	})
	c.mu.Unlock()
}

// Entries returns a snapshot of every recorded entry, grouped by cell
// index, plus the entries for paths outside any known cell.
func (c *Cache) Entries() (byCell map[cellindex.Index][]FileHashEntry, outsideCells []FileHashEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byCell = make(map[cellindex.Index][]FileHashEntry, len(c.byCell))
	for idx, entries := range c.byCell {
		cp := make([]FileHashEntry, len(entries))
		copy(cp, entries)
		byCell[idx] = cp
	}
	outsideCells = make([]FileHashEntry, len(c.abs))
	copy(outsideCells, c.abs)
	return byCell, outsideCells
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return s, false
	}
	return s[len(prefix):], true
}

