// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package clientstats_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckbuild/distbuild/clientstats"
)

func TestStartStopAccumulatesDuration(t *testing.T) {
	s := clientstats.New()
	require.NoError(t, s.Start(clientstats.LocalPreparation))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Stop(clientstats.LocalPreparation))

	snap := s.Snapshot()
	assert.Contains(t, snap.PhaseDurations, clientstats.LocalPreparation)
	assert.Greater(t, snap.PhaseDurations[clientstats.LocalPreparation], time.Duration(0))
}

func TestStartTwiceWithoutStopIsError(t *testing.T) {
	s := clientstats.New()
	require.NoError(t, s.Start(clientstats.PerformLocalBuild))
	assert.ErrorIs(t, s.Start(clientstats.PerformLocalBuild), clientstats.ErrPhaseAlreadyStarted)
}

func TestStopWithoutStartIsError(t *testing.T) {
	s := clientstats.New()
	assert.ErrorIs(t, s.Stop(clientstats.PostBuildAnalysis), clientstats.ErrPhaseNotStarted)
}

func TestTimedStopsOnError(t *testing.T) {
	s := clientstats.New()
	sentinel := errors.New("boom")
	err := s.Timed(clientstats.LocalGraphConstruction, func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	// phase was stopped, so a fresh Start must succeed.
	assert.NoError(t, s.Start(clientstats.LocalGraphConstruction))
}

func TestSnapshotReflectsTerminalFields(t *testing.T) {
	s := clientstats.New()
	s.SetRemoteExitCode(1)
	s.SetLocalExitCode(0)
	s.SetFallback(true)
	s.SetError(errors.New("coordinator blew up"))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.RemoteExitCode)
	assert.Equal(t, 0, snap.LocalExitCode)
	assert.True(t, snap.Fallback)
	assert.True(t, snap.BuckClientError)
	assert.Equal(t, "coordinator blew up", snap.ErrorMessage)
}

func TestSnapshotIncludesInFlightPhase(t *testing.T) {
	s := clientstats.New()
	require.NoError(t, s.Start(clientstats.PostDistributedBuildLocalSteps))
	time.Sleep(5 * time.Millisecond)

	snap := s.Snapshot()
	assert.Greater(t, snap.PhaseDurations[clientstats.PostDistributedBuildLocalSteps], time.Duration(0))
}
