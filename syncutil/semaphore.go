// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package syncutil provides concurrency primitives shared across the
// build coordinator: a named, bounded semaphore used to cap the number
// of goroutines doing rule-key computation, file digesting, or remote
// log materialization at once.
package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
)

var (
	registryMu sync.Mutex
	registry   = map[string]*Semaphore{}
)

// Semaphore is a named, bounded semaphore that additionally tracks its
// own utilization, so a status page or log line can report how busy a
// shared worker pool is without the caller threading counters through
// every call site.
type Semaphore struct {
	name string
	ch   chan struct{}

	waiting atomic.Int64
	granted atomic.Int64
	peak    atomic.Int64
}

// Lookup returns the semaphore registered under name, or nil if none
// was registered.
func Lookup(name string) *Semaphore {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[name]
}

// New creates a semaphore with name and capacity n and registers it
// under name for later Lookup. Registering the same name twice panics:
// callers are expected to Lookup before New, the way
// hashrecord.NewLocalFileCache does.
func New(name string, n int) *Semaphore {
	s := &Semaphore{
		name: name,
		ch:   make(chan struct{}, n),
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("syncutil: semaphore " + name + " already registered")
	}
	registry[name] = s
	return s
}

// WaitAcquire blocks until a slot is free or ctx is done, returning a
// release function that must be called exactly once on success.
func (s *Semaphore) WaitAcquire(ctx context.Context) (context.Context, func(), error) {
	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	select {
	case s.ch <- struct{}{}:
		s.grant()
		return ctx, s.release, nil
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
}

// Do runs f while holding a slot in the semaphore.
func (s *Semaphore) Do(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, release, err := s.WaitAcquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return f(ctx)
}

func (s *Semaphore) grant() {
	s.granted.Add(1)
	for {
		cur := s.peak.Load()
		inUse := int64(len(s.ch))
		if inUse <= cur || s.peak.CompareAndSwap(cur, inUse) {
			return
		}
	}
}

func (s *Semaphore) release() {
	<-s.ch
}

// Name returns the semaphore's name.
func (s *Semaphore) Name() string { return s.name }

// Capacity returns the semaphore's capacity.
func (s *Semaphore) Capacity() int {
	if s == nil {
		return 0
	}
	return cap(s.ch)
}

// Stats is a point-in-time snapshot of a Semaphore's utilization.
type Stats struct {
	// InUse is the number of slots currently held.
	InUse int
	// Waiting is the number of goroutines currently blocked on a slot.
	Waiting int
	// Peak is the highest number of slots ever held concurrently.
	Peak int
	// Granted is the total number of slots handed out over the
	// semaphore's lifetime.
	Granted int
}

// Stats returns a snapshot of s's utilization.
func (s *Semaphore) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		InUse:   len(s.ch),
		Waiting: int(s.waiting.Load()),
		Peak:    int(s.peak.Load()),
		Granted: int(s.granted.Load()),
	}
}
