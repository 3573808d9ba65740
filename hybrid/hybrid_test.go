// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hybrid_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckbuild/distbuild/clientstats"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/hybrid"
	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/remotebuild"
	"github.com/buckbuild/distbuild/rulekey"
	"github.com/buckbuild/distbuild/syncset"
)

type fakeHandle struct {
	exitCode     int
	err          error
	terminated   chan error
}

func newFakeHandle(exitCode int, err error) *fakeHandle {
	return &fakeHandle{exitCode: exitCode, err: err, terminated: make(chan error, 1)}
}

func (h *fakeHandle) TerminateWithFailure(cause error) {
	select {
	case h.terminated <- cause:
	default:
	}
}

func (h *fakeHandle) Join(ctx context.Context) (int, error) {
	select {
	case cause := <-h.terminated:
		return int(1), cause
	default:
	}
	return h.exitCode, h.err
}

type fakeExecutor struct {
	handle *fakeHandle
	err    error
}

func (e *fakeExecutor) Build(ctx context.Context, g graph.ActionGraph, sync *syncset.Synchronizer) (graph.Handle, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.handle, nil
}

type fakeActionGraph struct{}

func (fakeActionGraph) Rules() []graph.BuildRule { return nil }

type fakeRemoteService struct {
	exitCode int
}

func (f *fakeRemoteService) StartBuild(ctx context.Context, job *jobstate.JobState) (remotebuild.StampedeID, error) {
	return "s1", nil
}

func (f *fakeRemoteService) FetchStatus(ctx context.Context, id remotebuild.StampedeID) (remotebuild.Status, error) {
	return remotebuild.Status{State: remotebuild.RemoteFinishedOK, ExitCode: f.exitCode}, nil
}

func (f *fakeRemoteService) FetchLogs(ctx context.Context, id remotebuild.StampedeID, runIDs []string) error {
	return nil
}

func (f *fakeRemoteService) FetchRuleKeyLogs(ctx context.Context, id remotebuild.StampedeID, keys []rulekey.RuleKey) ([]remotebuild.RuleKeyLogEntry, error) {
	return nil, nil
}

func preparer(job *jobstate.JobState) hybrid.PrepareFunc {
	return func(ctx context.Context) (*jobstate.JobState, graph.ActionGraph, error) {
		return job, fakeActionGraph{}, nil
	}
}

func TestRunLocalOnlySuccess(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Distributed: false})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunLocalOnlyFailure(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(2, errors.New("local boom"))}
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Distributed: false})
	require.Error(t, err)
	assert.Equal(t, 2, code)
}

func TestRunDistributedSuccess(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 0}
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunDistributedFailNoFallbackPropagatesRemoteExitCode(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 1}
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true, Fallback: false})
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestRunDistributedFailWithFallbackUsesLocalExitCode(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 1}
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true, Fallback: true})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRunStateDumpSkipsRemoteAndReturnsSuccess(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	dir := t.TempDir()
	path := filepath.Join(dir, "state.gob")
	stats := clientstats.New()

	code, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{TopLevelTargets: []string{"//x:y"}}), exec, nil, stats,
		hybrid.Options{StateDumpPath: path})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := jobstate.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"//x:y"}, decoded.TopLevelTargets)
}

func TestRunDistributedEntersPostDistributedBuildLocalStepsPhase(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 0}
	stats := clientstats.New()

	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true})
	require.NoError(t, err)

	snap := stats.Snapshot()
	_, ok := snap.PhaseDurations[clientstats.PostDistributedBuildLocalSteps]
	assert.True(t, ok)
}

func TestRunLocalOnlyNeverEntersPostDistributedBuildLocalStepsPhase(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	stats := clientstats.New()

	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Distributed: false})
	require.NoError(t, err)

	snap := stats.Snapshot()
	_, ok := snap.PhaseDurations[clientstats.PostDistributedBuildLocalSteps]
	assert.False(t, ok)
}

func TestRunDistributedReportsOutcomeViaHook(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 0}
	stats := clientstats.New()

	var got remotebuild.Outcome
	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true, OnRemoteOutcome: func(o remotebuild.Outcome) { got = o }})
	require.NoError(t, err)
	assert.Equal(t, remotebuild.StampedeID("s1"), got.StampedeID)
}

func TestRunLocalOnlySetsPerformedLocalBuild(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	stats := clientstats.New()

	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Distributed: false})
	require.NoError(t, err)
	assert.True(t, stats.Snapshot().PerformedLocalBuild)
}

func TestRunDistributedSuccessSetsPerformedLocalBuild(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	svc := &fakeRemoteService{exitCode: 0}
	stats := clientstats.New()

	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, svc, stats,
		hybrid.Options{Distributed: true})
	require.NoError(t, err)
	assert.True(t, stats.Snapshot().PerformedLocalBuild)
}

func TestRunLocalFailureDoesNotSetPerformedLocalBuild(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(2, errors.New("local boom"))}
	stats := clientstats.New()

	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Distributed: false})
	require.Error(t, err)
	assert.False(t, stats.Snapshot().PerformedLocalBuild)
}

func TestRunAnalyzeHookRunsWithinPostBuildAnalysisPhase(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	stats := clientstats.New()

	var sawRunning bool
	_, err := hybrid.Run(context.Background(), preparer(&jobstate.JobState{}), exec, nil, stats,
		hybrid.Options{Analyze: func(ctx context.Context, s *clientstats.Stats) {
			sawRunning = s.Stop(clientstats.PostBuildAnalysis) == nil
			require.NoError(t, s.Start(clientstats.PostBuildAnalysis))
		}})
	require.NoError(t, err)
	assert.True(t, sawRunning)
}

func TestRunPrepareFailureMapsToParseError(t *testing.T) {
	exec := &fakeExecutor{handle: newFakeHandle(0, nil)}
	stats := clientstats.New()
	prepare := func(ctx context.Context) (*jobstate.JobState, graph.ActionGraph, error) {
		return nil, nil, errors.New("bad build file")
	}

	code, err := hybrid.Run(context.Background(), prepare, exec, nil, stats, hybrid.Options{})
	require.Error(t, err)
	assert.Equal(t, 4, code)
}
