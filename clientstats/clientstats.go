// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clientstats tracks the timed phases and terminal outcome of
// one build invocation, emitted best-effort even when the coordinator
// itself fails.
package clientstats

import (
	"errors"
	"sync"
	"time"
)

// Phase names one of the invocation's timed phases.
type Phase string

const (
	LocalPreparation              Phase = "LOCAL_PREPARATION"
	LocalGraphConstruction        Phase = "LOCAL_GRAPH_CONSTRUCTION"
	PerformLocalBuild             Phase = "PERFORM_LOCAL_BUILD"
	PostBuildAnalysis             Phase = "POST_BUILD_ANALYSIS"
	PostDistributedBuildLocalSteps Phase = "POST_DISTRIBUTED_BUILD_LOCAL_STEPS"
)

// ErrPhaseAlreadyStarted is returned by Start when called twice for the
// same phase without an intervening Stop.
var ErrPhaseAlreadyStarted = errors.New("clientstats: phase already started")

// ErrPhaseNotStarted is returned by Stop when called for a phase that
// was never started.
var ErrPhaseNotStarted = errors.New("clientstats: phase not started")

type timing struct {
	start    time.Time
	duration time.Duration
	running  bool
}

// Stats accumulates the timed phases and terminal fields of one build
// invocation. It is safe for concurrent use: the two sub-builds each
// time their own phases concurrently.
type Stats struct {
	mu sync.Mutex

	phases map[Phase]*timing
	order  []Phase

	stampedeID string

	remoteExitCode      int
	localExitCode       int
	fallback            bool
	performedLocalBuild bool
	buckClientErr       bool
	errMessage          string
}

// New creates an empty Stats.
func New() *Stats {
	return &Stats{phases: make(map[Phase]*timing)}
}

// Start begins timing phase. Starting an already-running phase is an
// error: phase timer start/stop pairs must be strictly nested.
func (s *Stats) Start(phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.phases[phase]
	if !ok {
		t = &timing{}
		s.phases[phase] = t
		s.order = append(s.order, phase)
	}
	if t.running {
		return ErrPhaseAlreadyStarted
	}
	t.running = true
	t.start = time.Now()
	return nil
}

// Stop ends timing phase, accumulating its elapsed duration.
func (s *Stats) Stop(phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.phases[phase]
	if !ok || !t.running {
		return ErrPhaseNotStarted
	}
	t.duration += time.Since(t.start)
	t.running = false
	return nil
}

// Timed runs f while phase is started, stopping it (even on panic via
// the caller's own recover, since Timed itself does not recover) when f
// returns.
func (s *Stats) Timed(phase Phase, f func() error) error {
	if err := s.Start(phase); err != nil {
		return err
	}
	defer s.Stop(phase)
	return f()
}

// SetRemoteExitCode records the remote sub-build's exit code.
func (s *Stats) SetRemoteExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteExitCode = code
}

// SetLocalExitCode records the local sub-build's exit code.
func (s *Stats) SetLocalExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localExitCode = code
}

// SetFallback records whether slow-local-build fallback engaged.
func (s *Stats) SetFallback(fallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fallback
}

// SetStampedeID records the remote build submission's id, once the
// remote service has assigned one. A distributed build's
// ClientStatsEvent always carries the stampede_id it ran under.
func (s *Stats) SetStampedeID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampedeID = id
}

// SetPerformedLocalBuild records whether this invocation actually ran
// (or joined) a local build, as opposed to a distributed build whose
// outputs were only ever materialized remotely. A successful
// distributed build that also downloads its artifacts locally sets
// this true.
func (s *Stats) SetPerformedLocalBuild(performed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performedLocalBuild = performed
}

// SetError records a terminal coordinator failure: buckClientError is
// set and the message captured. Re-raising the original error after
// emitting stats remains the caller's responsibility.
func (s *Stats) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckClientErr = true
	if err != nil {
		s.errMessage = err.Error()
	}
}

// Snapshot is the immutable view of Stats suitable for emission as a
// ClientStatsEvent.
type Snapshot struct {
	PhaseDurations      map[Phase]time.Duration
	StampedeID          string
	RemoteExitCode      int
	LocalExitCode       int
	Fallback            bool
	PerformedLocalBuild bool
	BuckClientError     bool
	ErrorMessage        string
}

// Snapshot returns the current state of s. Every phase that was
// started and not yet stopped is included with its duration as of now,
// so a best-effort emission on an unexpected failure path still
// reflects in-flight phases.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	durations := make(map[Phase]time.Duration, len(s.order))
	for _, phase := range s.order {
		t := s.phases[phase]
		d := t.duration
		if t.running {
			d += time.Since(t.start)
		}
		durations[phase] = d
	}
	return Snapshot{
		PhaseDurations:      durations,
		StampedeID:          s.stampedeID,
		RemoteExitCode:      s.remoteExitCode,
		LocalExitCode:       s.localExitCode,
		Fallback:            s.fallback,
		PerformedLocalBuild: s.performedLocalBuild,
		BuckClientError:     s.buckClientErr,
		ErrorMessage:        s.errMessage,
	}
}
