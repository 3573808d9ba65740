// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package iometrics counts the file reads a hashrecord.LocalFileCache
// performs while digesting a build's input files, so the coordinator
// can report how much local I/O a build actually did alongside its
// wall-clock phase durations.
package iometrics

import "sync"

// IOMetrics accumulates read/write counts and byte totals for one
// named source (a hashrecord cache, a blob store). A nil *IOMetrics is
// valid and every method on it is a no-op, so call sites that don't
// care about metrics can pass nil instead of branching.
type IOMetrics struct {
	name string

	mu sync.Mutex

	ops     int64
	opsErrs int64
	rOps    int64
	rBytes  int64
	rErrs   int64
	wOps    int64
	wBytes  int64
	wErrs   int64
}

// New returns IOMetrics accumulating under name.
func New(name string) *IOMetrics {
	return &IOMetrics{name: name}
}

// OpsDone records a non-read/write I/O operation (stat, mkdir,
// readlink), noting err if the operation failed.
func (m *IOMetrics) OpsDone(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if err != nil {
		m.opsErrs++
	}
}

// ReadDone records a completed read of n bytes, noting err if the read
// failed. Call it from the reader's Close, after the final Read, so a
// short read mid-stream isn't double-counted.
func (m *IOMetrics) ReadDone(n int, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rOps++
	m.rBytes += int64(n)
	if err != nil {
		m.rErrs++
	}
}

// WriteDone records a completed write of n bytes, noting err if the
// write failed.
func (m *IOMetrics) WriteDone(n int, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wOps++
	m.wBytes += int64(n)
	if err != nil {
		m.wErrs++
	}
}

// Name returns the name IOMetrics was constructed with, or "<nil>" for
// a nil receiver.
func (m *IOMetrics) Name() string {
	if m == nil {
		return "<nil>"
	}
	return m.name
}

// Stats is a point-in-time snapshot of an IOMetrics' counters.
type Stats struct {
	// Ops counts I/O operations other than reads and writes.
	Ops int64
	// OpsErrs counts failures among Ops.
	OpsErrs int64

	// ROps counts read operations.
	ROps int64
	// RBytes counts bytes read.
	RBytes int64
	// RErrs counts failed reads.
	RErrs int64

	// WOps counts write operations.
	WOps int64
	// WBytes counts bytes written.
	WBytes int64
	// WErrs counts failed writes.
	WErrs int64
}

// Stats returns a snapshot of m's counters.
func (m *IOMetrics) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Ops:     m.ops,
		OpsErrs: m.opsErrs,
		ROps:    m.rOps,
		RBytes:  m.rBytes,
		RErrs:   m.rErrs,
		WOps:    m.wOps,
		WBytes:  m.wBytes,
		WErrs:   m.wErrs,
	}
}
