// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hybrid implements the top-level state machine controlling one
// build invocation: Preparing, RunningBoth (local and remote
// sub-builds racing/cooperating through a shared Synchronizer),
// RemoteOk/RemoteFail, Finalizing, Done.
package hybrid

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/buckbuild/distbuild/clientstats"
	"github.com/buckbuild/distbuild/errkind"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/o11y/clog"
	"github.com/buckbuild/distbuild/remotebuild"
	"github.com/buckbuild/distbuild/syncset"
)

// PrepareFunc performs the Preparing state: build the unversioned
// target graph, optionally version it, build the action graph, and
// compute the JobState. Any error here maps to errkind.ParseError.
type PrepareFunc func(ctx context.Context) (*jobstate.JobState, graph.ActionGraph, error)

// Options configures one Run call.
type Options struct {
	// Distributed selects whether the remote sub-build runs at all. When
	// false, only the local build runs.
	Distributed bool
	// Fallback enables slow-local-build fallback: when the remote build
	// fails, rules that never got a remote signal are still built
	// locally rather than aborting the local build early.
	Fallback bool
	// StateDumpPath, when non-empty, makes Run dump the prepared
	// JobState to this path and return exit 0 without contacting the
	// remote service or running any build.
	StateDumpPath string
	Remote        remotebuild.Options
	// OnRemoteOutcome, if set, is called with the remote sub-build's
	// Outcome as soon as it is available, so a caller can publish
	// diagnostics (e.g. fetch rule key logs for cache-miss keys) keyed
	// off StampedeID and CacheMissKeys without Run itself growing a
	// second return value.
	OnRemoteOutcome func(remotebuild.Outcome)
	// Analyze, if set, runs inside the PostBuildAnalysis phase timer, so
	// whatever post-build analysis a caller needs (writing the build
	// summary, emitting a build report) is actually accounted for in
	// that phase's duration rather than happening untimed after Run
	// returns.
	Analyze func(ctx context.Context, stats *clientstats.Stats)
}

// dumpFunc writes data to path; overridable in tests.
var dumpFunc = os.WriteFile

// exitCode implements the exit-code policy table: remote==0 and
// local==0 yields 0; remote==0 and local!=0 yields local; remote!=0
// with fallback disabled yields remote; remote!=0 with fallback enabled
// yields local.
func exitCode(remote, local int, distributed, fallback bool) int {
	if !distributed {
		return local
	}
	if remote == 0 {
		return local
	}
	if fallback {
		return local
	}
	return remote
}

// Run drives the whole invocation and returns the final exit code.
func Run(ctx context.Context, prepare PrepareFunc, executor graph.LocalBuildExecutor, svc remotebuild.Service, stats *clientstats.Stats, opts Options) (int, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Preparing.
	stats.Start(clientstats.LocalGraphConstruction)
	job, ag, err := prepare(ctx)
	stats.Stop(clientstats.LocalGraphConstruction)
	if err != nil {
		stats.SetError(err)
		return int(errkind.ExitParse), errkind.ParseError{Err: err}
	}

	if opts.StateDumpPath != "" {
		data, err := jobstate.Encode(job)
		if err != nil {
			return int(errkind.ExitParse), errkind.ParseError{Err: err}
		}
		if err := dumpFunc(opts.StateDumpPath, data, 0o644); err != nil {
			return int(errkind.ExitParse), errkind.ParseError{Err: err}
		}
		return int(errkind.ExitSuccess), nil
	}

	sync := syncset.New()
	defer sync.Cancel()

	var handle graph.Handle
	var handleMu chanLatch
	handleMu.init()

	remoteOutcome := remotebuild.Outcome{ExitCode: 0}
	localExit := 0

	eg, egCtx := errgroup.WithContext(ctx)

	// LocalBuildTask.
	eg.Go(func() error {
		stats.Start(clientstats.PerformLocalBuild)
		defer stats.Stop(clientstats.PerformLocalBuild)

		h, err := executor.Build(egCtx, ag, sync)
		if err != nil {
			handleMu.close()
			return errkind.LocalFailedError{ExitCodeValue: int(errkind.ExitLocalStepFailed), Err: err}
		}
		handle = h
		handleMu.close()

		code, err := h.Join(ctx) // ctx, not egCtx: a remote failure must not itself cancel the local join.
		localExit = code
		if err != nil {
			return errkind.LocalFailedError{ExitCodeValue: code, Err: err}
		}
		stats.SetPerformedLocalBuild(true)
		return nil
	})

	// RemoteBuildTask.
	if opts.Distributed {
		eg.Go(func() error {
			outcome, err := remotebuild.Execute(ctx, svc, job, sync, opts.Remote)
			remoteOutcome = outcome
			stats.SetRemoteExitCode(outcome.ExitCode)
			if opts.OnRemoteOutcome != nil {
				opts.OnRemoteOutcome(outcome)
			}
			if outcome.ExitCode != 0 && !opts.Fallback {
				<-handleMu.done()
				if handle != nil {
					handle.TerminateWithFailure(fmt.Errorf("remote build failed with exit %d", outcome.ExitCode))
				}
			}
			stats.SetFallback(opts.Fallback)
			if err != nil {
				clog.Warningf(ctx, "hybrid: remote build task error: %v", err)
			}
			return nil // the remote task's own errors never abort the group; see policy below.
		})
	} else {
		sync.Cancel()
	}

	waitErr := eg.Wait()

	if opts.Distributed {
		stats.Start(clientstats.PostDistributedBuildLocalSteps)
		defer stats.Stop(clientstats.PostDistributedBuildLocalSteps)
	}

	// Cancellation: external cancel or local failure must still best-effort
	// cancel the remote loop and the synchronizer, and terminate the local
	// build if it is still the one running.
	if ctx.Err() != nil {
		sync.Cancel()
		<-handleMu.done()
		if handle != nil {
			handle.TerminateWithFailure(context.Cause(ctx))
		}
	}

	stats.SetLocalExitCode(localExit)

	var localErr error
	if lf, ok := asLocalFailed(waitErr); ok {
		localErr = lf
	}

	final := exitCode(remoteOutcome.ExitCode, localExit, opts.Distributed, opts.Fallback)

	// Finalizing.
	stats.Start(clientstats.PostBuildAnalysis)
	if opts.Analyze != nil {
		opts.Analyze(ctx, stats)
	}
	stats.Stop(clientstats.PostBuildAnalysis)

	if final != 0 {
		if localErr != nil {
			return final, localErr
		}
		if remoteOutcome.ExitCode != 0 {
			return final, errkind.RemoteFailedError{ExitCodeValue: remoteOutcome.ExitCode, Err: fmt.Errorf("remote build failed")}
		}
	}
	return final, nil
}

func asLocalFailed(err error) (errkind.LocalFailedError, bool) {
	lf, ok := err.(errkind.LocalFailedError)
	return lf, ok
}

// chanLatch is a close-once latch signalling that the local Build
// handle has either been constructed or definitively will not be
// (construction failed). It lets the remote task's early-termination
// path, and the cancellation path, wait for the handle without racing
// the goroutine that assigns it.
type chanLatch struct {
	ch chan struct{}
}

func (l *chanLatch) init() { l.ch = make(chan struct{}) }

func (l *chanLatch) close() {
	select {
	case <-l.ch:
	default:
		close(l.ch)
	}
}

func (l *chanLatch) done() <-chan struct{} { return l.ch }
