// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package jobstate builds and serializes the JobState that the
// RemoteController submits to the remote service: a frozen snapshot of
// the cell table, the unversioned target-graph nodes, the top-level
// target names, and the per-cell file-hash tables.
package jobstate

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/hashrecord"
)

// VersionKind distinguishes how a build's version tag was derived.
type VersionKind int

const (
	// VersionGit means Payload is a git commit hash read from the
	// running binary's build info.
	VersionGit VersionKind = iota
	// VersionBinary means Payload is the content hash of a user-supplied
	// binary path (--buck-binary).
	VersionBinary
)

// Version tags a JobState with the buck binary's identity, so the
// remote side can reject a stale or mismatched client.
type Version struct {
	Kind    VersionKind
	Payload string
}

// CellEntry is one row of JobState's cell table.
type CellEntry struct {
	Index           cellindex.Index
	Root            string
	ConfigOverrides map[string]string
}

// CellFileHashes is the per-cell file-hash table.
type CellFileHashes struct {
	Cell    cellindex.Index
	Entries []hashrecord.FileHashEntry
}

// JobState is the frozen, serializable snapshot of one build
// invocation. Every path reference inside it is cell-relative; every
// referenced cell index is present in Cells; TopLevelTargets is a
// subset of the node names in TargetGraphNodes.
type JobState struct {
	Cells              []CellEntry
	TargetGraphNodes   map[string][]byte
	TopLevelTargets    []string
	FileHashes         []CellFileHashes
	AbsoluteFileHashes []hashrecord.FileHashEntry
	BuckVersion        Version
}

// InlineFunc reads the full contents of a cell-relative (or absolute)
// path for debug inlining, returning ok=false if the path cannot be
// read.
type InlineFunc func(path string) (contents []byte, ok bool)

// Build assembles a JobState from the outputs of the earlier pipeline
// stages. When inline is non-nil (a debug dump was requested), every
// FileHashEntry's Contents field is populated before serialization.
func Build(
	cells []cellindex.Entry,
	rawNodes map[string][]byte,
	topLevel []string,
	hashesByCell map[cellindex.Index][]hashrecord.FileHashEntry,
	absoluteHashes []hashrecord.FileHashEntry,
	version Version,
	inline InlineFunc,
) (*JobState, error) {
	cellEntries := make([]CellEntry, 0, len(cells))
	known := make(map[cellindex.Index]bool, len(cells))
	for _, c := range cells {
		cellEntries = append(cellEntries, CellEntry{
			Index:           c.Index,
			Root:            c.Cell.Root,
			ConfigOverrides: c.Cell.ConfigOverrides,
		})
		known[c.Index] = true
	}

	for name := range topLevelSet(topLevel) {
		if _, ok := rawNodes[name]; !ok {
			return nil, fmt.Errorf("jobstate: top-level target %q is not a node in the target graph", name)
		}
	}

	fileHashes := make([]CellFileHashes, 0, len(hashesByCell))
	for idx, entries := range hashesByCell {
		if !known[idx] {
			return nil, fmt.Errorf("jobstate: file hashes reference unknown cell index %d", idx)
		}
		cp := make([]hashrecord.FileHashEntry, len(entries))
		copy(cp, entries)
		if inline != nil {
			inlineEntries(cp, inline)
		}
		fileHashes = append(fileHashes, CellFileHashes{Cell: idx, Entries: cp})
	}

	abs := make([]hashrecord.FileHashEntry, len(absoluteHashes))
	copy(abs, absoluteHashes)
	if inline != nil {
		inlineEntries(abs, inline)
	}

	return &JobState{
		Cells:              cellEntries,
		TargetGraphNodes:   rawNodes,
		TopLevelTargets:    topLevel,
		FileHashes:         fileHashes,
		AbsoluteFileHashes: abs,
		BuckVersion:        version,
	}, nil
}

func inlineEntries(entries []hashrecord.FileHashEntry, inline InlineFunc) {
	for i := range entries {
		if contents, ok := inline(entries[i].Path); ok {
			entries[i].Contents = contents
		}
	}
}

func topLevelSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Encode serializes job into a stable wire form. gob is used rather
// than a hand-written binary format: the schema is a plain Go struct
// with no polymorphism, so gob's self-describing field-by-name
// encoding gives forward/backward field compatibility across
// client/server versions for free.
func Encode(job *JobState) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(job); err != nil {
		return nil, fmt.Errorf("jobstate: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode is the structural inverse of Encode.
func Decode(data []byte) (*JobState, error) {
	var job JobState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&job); err != nil {
		return nil, fmt.Errorf("jobstate: decode: %w", err)
	}
	return &job, nil
}
