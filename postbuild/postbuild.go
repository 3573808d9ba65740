// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package postbuild implements the two small pieces of persisted state
// an invocation leaves behind: the buck-out/last/<target> symlinks and
// the post-build-analysis summary file written during Finalizing.
package postbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buckbuild/distbuild/clientstats"
)

// LinkLast symlinks buck-out/last/<basename(output)> to output, for
// every produced output, replacing any existing symlink at that path.
// It is a best-effort convenience: a failure to link one output does
// not abort the others.
func LinkLast(buckOut string, outputs []string) []error {
	lastDir := filepath.Join(buckOut, "last")
	if err := os.MkdirAll(lastDir, 0o755); err != nil {
		return []error{fmt.Errorf("postbuild: creating %s: %w", lastDir, err)}
	}
	var errs []error
	for _, out := range outputs {
		link := filepath.Join(lastDir, filepath.Base(out))
		_ = os.Remove(link)
		if err := os.Symlink(out, link); err != nil {
			errs = append(errs, fmt.Errorf("postbuild: linking %s: %w", link, err))
		}
	}
	return errs
}

// Summary writes a human-readable post-build-analysis summary of snap
// to path, under the invocation's log directory.
func Summary(path string, snap clientstats.Snapshot, finishedAt time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("postbuild: creating %s: %w", path, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "build finished at %s\n", finishedAt.Format(time.RFC3339))
	fmt.Fprintf(f, "remote exit code: %d\n", snap.RemoteExitCode)
	fmt.Fprintf(f, "local exit code: %d\n", snap.LocalExitCode)
	fmt.Fprintf(f, "fallback engaged: %v\n", snap.Fallback)
	if snap.BuckClientError {
		fmt.Fprintf(f, "coordinator error: %s\n", snap.ErrorMessage)
	}
	for _, phase := range []clientstats.Phase{
		clientstats.LocalPreparation,
		clientstats.LocalGraphConstruction,
		clientstats.PerformLocalBuild,
		clientstats.PostBuildAnalysis,
		clientstats.PostDistributedBuildLocalSteps,
	} {
		if d, ok := snap.PhaseDurations[phase]; ok {
			fmt.Fprintf(f, "%-36s %s\n", phase, d)
		}
	}
	return nil
}
