// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package syncset implements the registry of per-rule-key latches that
// lets the RemoteController and the LocalBuildExecutor rendezvous on
// whether a cacheable rule's artifact became available remotely.
package syncset

import (
	"context"
	"sync"
	"time"

	"github.com/buckbuild/distbuild/rulekey"
)

// Result is the outcome a Wait call resolves to.
type Result int

const (
	// Available means the key's artifact is now present remotely.
	Available Result = iota
	// NotBuilt means the key was never signalled, either because its
	// rule failed remotely or the synchronizer closed without a signal
	// for it.
	NotBuilt
	// Cancelled means the whole synchronizer was cancelled.
	Cancelled
	// TimedOut means the caller's timeout elapsed before any signal.
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Available:
		return "Available"
	case NotBuilt:
		return "NotBuilt"
	case Cancelled:
		return "Cancelled"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// latch holds the terminal state of one rule key. Once result is set to
// anything other than a zero value via the done channel close, it never
// changes: signals are monotonic and terminal.
type latch struct {
	mu     sync.Mutex
	done   chan struct{}
	result Result
	fired  bool
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

// fire sets the latch's terminal result on the first call; subsequent
// calls (even with a different result) are no-ops.
func (l *latch) fire(result Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return
	}
	l.fired = true
	l.result = result
	close(l.done)
}

// Synchronizer is a registry of per-rule-key latches, created once per
// build and destroyed only after both the local and remote sub-builds
// terminate.
type Synchronizer struct {
	mu        sync.Mutex
	latches   map[rulekey.RuleKey]*latch
	cancelled bool
	closed    bool
}

// New creates an empty Synchronizer.
func New() *Synchronizer {
	return &Synchronizer{latches: make(map[rulekey.RuleKey]*latch)}
}

func (s *Synchronizer) latchFor(key rulekey.RuleKey) *latch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.latches[key]; ok {
		return l
	}
	l := newLatch()
	switch {
	case s.cancelled:
		l.fire(Cancelled)
	case s.closed:
		l.fire(NotBuilt)
	}
	s.latches[key] = l
	return l
}

// Wait blocks until key is signalled, the synchronizer is cancelled, or
// timeout elapses (timeout<=0 means no timeout, only ctx governs).
// Concurrent waiters on the same key are all woken by a single signal.
func (s *Synchronizer) Wait(ctx context.Context, key rulekey.RuleKey, timeout time.Duration) Result {
	l := s.latchFor(key)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.result
	case <-ctx.Done():
		return TimedOut
	}
}

// SignalAvailable releases every current and future waiter on key with
// Available. A no-op if key is already terminal, or the synchronizer
// has been cancelled.
func (s *Synchronizer) SignalAvailable(key rulekey.RuleKey) {
	s.latchFor(key).fire(Available)
}

// SignalNotBuilt marks key as terminally not-built.
func (s *Synchronizer) SignalNotBuilt(key rulekey.RuleKey) {
	s.latchFor(key).fire(NotBuilt)
}

// Cancel terminally cancels the synchronizer: every current and future
// waiter, on every key, unblocks with Cancelled. Idempotent.
func (s *Synchronizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	for _, l := range s.latches {
		l.fire(Cancelled)
	}
}

// Close broadcasts NotBuilt to every key that is still unsignalled, then
// prevents further latches from being created fresh (a key referenced
// after Close still gets a latch, but one that is already NotBuilt).
// The RemoteController calls Close once the remote build reaches a
// terminal state, so that rules it never finished are reported
// not-built rather than leaving local waiters blocked forever.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, l := range s.latches {
		l.fire(NotBuilt)
	}
}
