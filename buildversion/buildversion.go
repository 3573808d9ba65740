// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildversion derives the JobState version tag that lets the
// remote side detect a stale or mismatched client: either the running
// binary's embedded git commit, or the content hash of a
// --buck-binary path.
package buildversion

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/reapi/digest"
)

// ErrNoGitCommit is returned by FromGitCommit when the running binary
// was not built with VCS information embedded (e.g. `go build` outside
// a git checkout, or with -buildvcs=false).
var ErrNoGitCommit = fmt.Errorf("buildversion: no git commit embedded in binary build info")

// FromGitCommit reads the git commit recorded in the running binary's
// build info, the default version tag when --buck-binary is unset.
func FromGitCommit() (jobstate.Version, error) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return jobstate.Version{}, ErrNoGitCommit
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			return jobstate.Version{Kind: jobstate.VersionGit, Payload: setting.Value}, nil
		}
	}
	return jobstate.Version{}, ErrNoGitCommit
}

// FromBinary computes the content-hash version tag of the binary at
// path, for --buck-binary. path must exist and be a regular file.
func FromBinary(ctx context.Context, path string) (jobstate.Version, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return jobstate.Version{}, fmt.Errorf("buildversion: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return jobstate.Version{}, fmt.Errorf("buildversion: %s is not a regular file", path)
	}
	d, err := digest.FromLocalFile(ctx, digest.LocalFileSource{Fname: path})
	if err != nil {
		return jobstate.Version{}, fmt.Errorf("buildversion: hashing %s: %w", path, err)
	}
	dig := d.Digest()
	return jobstate.Version{Kind: jobstate.VersionBinary, Payload: fmt.Sprintf("%s-%d", dig.Hash, dig.Size)}, nil
}

// Resolve picks FromBinary when buckBinaryPath is non-empty, else
// FromGitCommit.
func Resolve(ctx context.Context, buckBinaryPath string) (jobstate.Version, error) {
	if buckBinaryPath != "" {
		return FromBinary(ctx, buckBinaryPath)
	}
	return FromGitCommit()
}
