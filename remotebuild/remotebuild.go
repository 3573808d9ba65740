// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package remotebuild submits a JobState to the remote service and
// drives its state machine: polling for per-rule completion, forwarding
// signals into the shared Synchronizer, materializing logs, and mapping
// the remote's terminal state to an exit code.
package remotebuild

import (
	"context"
	"time"

	"github.com/buckbuild/distbuild/clientstats"
	"github.com/buckbuild/distbuild/errkind"
	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/o11y/clog"
	"github.com/buckbuild/distbuild/reapi/retry"
	"github.com/buckbuild/distbuild/rulekey"
	"github.com/buckbuild/distbuild/syncset"
)

// RuleState is the remote status of one rule key.
type RuleState int

const (
	RuleRunning RuleState = iota
	RuleFinishedSuccess
	RuleFinishedFailed
)

// RemoteState is the overall state of a remote build.
type RemoteState int

const (
	RemoteRunning RemoteState = iota
	RemoteFinishedOK
	RemoteFinishedFailed
)

// StampedeID identifies one remote build submission.
type StampedeID string

// Status is one poll of the remote build's progress.
type Status struct {
	State         RemoteState
	RuleStates    map[rulekey.RuleKey]RuleState
	NewLogRunIDs  []string
	ExitCode      int
}

// RuleKeyLogEntry is one entry fetched via FetchRuleKeyLogs.
type RuleKeyLogEntry struct {
	Key     rulekey.RuleKey
	Message string
}

// Service is the remote build coordinator's RPC surface, per the
// wire-level operations the spec names: start_build, fetch_status,
// fetch_logs, fetch_rule_key_logs.
type Service interface {
	StartBuild(ctx context.Context, job *jobstate.JobState) (StampedeID, error)
	FetchStatus(ctx context.Context, id StampedeID) (Status, error)
	FetchLogs(ctx context.Context, id StampedeID, runIDs []string) error
	FetchRuleKeyLogs(ctx context.Context, id StampedeID, keys []rulekey.RuleKey) ([]RuleKeyLogEntry, error)
}

// Options configures one Execute call.
type Options struct {
	// PollInterval is how often the status loop polls FetchStatus.
	PollInterval time.Duration
	// Timeout bounds the whole remote build; zero means no timeout.
	Timeout time.Duration
	Stats   *clientstats.Stats
}

// Outcome is the RemoteBuildOutcome produced by a terminal Execute call.
type Outcome struct {
	StampedeID   StampedeID
	ExitCode     int
	CacheMissKeys []rulekey.RuleKey
	LogRunIDs    []string
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return time.Second
}

// Execute submits job to svc and drives the poll loop until the remote
// build reaches a terminal state or opts.Timeout expires, forwarding
// every per-rule transition into sync. On return, sync.Close has always
// been called: every rule key that never received a terminal signal is
// broadcast NotBuilt.
func Execute(ctx context.Context, svc Service, job *jobstate.JobState, sync *syncset.Synchronizer, opts Options) (Outcome, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	defer sync.Close()

	clog.Infof(ctx, "remotebuild: DistBuildStarted")

	var id StampedeID
	err := retry.Do(ctx, func() error {
		var err error
		id, err = svc.StartBuild(ctx, job)
		return err
	})
	if err != nil {
		return Outcome{}, errkind.RemoteFailedError{ExitCodeValue: int(errkind.ExitRemoteStepFailed), Err: err}
	}
	if opts.Stats != nil {
		opts.Stats.SetStampedeID(string(id))
		clog.Infof(ctx, "remotebuild: stampede_id=%s", id)
	}

	signalled := make(map[rulekey.RuleKey]bool)
	var cacheMiss []rulekey.RuleKey
	var logRunIDs []string
	exitCode := 0

	for {
		var status Status
		err := retry.Do(ctx, func() error {
			var err error
			status, err = svc.FetchStatus(ctx, id)
			return err
		})
		if err != nil {
			clog.Errorf(ctx, "remotebuild: fetch_status failed permanently: %v", err)
			return Outcome{StampedeID: id}, errkind.RemoteFailedError{ExitCodeValue: int(errkind.ExitRemoteStepFailed), Err: err}
		}

		for key, rs := range status.RuleStates {
			if signalled[key] {
				continue
			}
			switch rs {
			case RuleFinishedSuccess:
				sync.SignalAvailable(key)
				signalled[key] = true
			case RuleFinishedFailed:
				sync.SignalNotBuilt(key)
				signalled[key] = true
				cacheMiss = append(cacheMiss, key)
			}
		}

		if len(status.NewLogRunIDs) > 0 {
			if err := svc.FetchLogs(ctx, id, status.NewLogRunIDs); err != nil {
				clog.Warningf(ctx, "remotebuild: log materialization failed, continuing: %v", err)
			} else {
				logRunIDs = append(logRunIDs, status.NewLogRunIDs...)
			}
		}

		if status.State != RemoteRunning {
			exitCode = status.ExitCode
			break
		}

		select {
		case <-ctx.Done():
			clog.Warningf(ctx, "remotebuild: context done while polling: %v", ctx.Err())
			return Outcome{StampedeID: id, ExitCode: int(errkind.ExitRemoteStepFailed), CacheMissKeys: cacheMiss, LogRunIDs: logRunIDs},
				errkind.RemoteFailedError{ExitCodeValue: int(errkind.ExitRemoteStepFailed), Err: ctx.Err()}
		case <-time.After(opts.pollInterval()):
		}
	}

	clog.Infof(ctx, "remotebuild: DistBuildFinished exit=%d", exitCode)
	return Outcome{
		StampedeID:    id,
		ExitCode:      exitCode,
		CacheMissKeys: cacheMiss,
		LogRunIDs:     logRunIDs,
	}, nil
}
