// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package graph declares the narrow contracts the build coordinator
// consumes from its external collaborators: the Parser (TargetGraph),
// the ActionGraphCache (ActionGraph), and the LocalBuildExecutor. None
// of these are implemented here — the coordinator only orchestrates
// them. Production binaries wire in real implementations; tests use the
// fakes in graph/graphtest.
package graph

import (
	"context"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/syncset"
)

// RuleID identifies a BuildRule within an ActionGraph, e.g. a
// fully-qualified target name such as "//foo/bar:baz".
type RuleID string

// BuildRule is one node of the ActionGraph.
type BuildRule struct {
	ID         RuleID
	Cell       cellindex.Index
	Outputs    []string
	Cacheable  bool
}

// TargetGraph is the parser's output: a DAG of target nodes, not yet
// lowered into build rules. The coordinator treats its nodes as opaque
// bytes for serialization (spec: "raw — pre-versioning").
type TargetGraph interface {
	// Nodes returns the raw, pre-versioning serialized form of every
	// node in the graph, keyed by fully-qualified target name.
	Nodes() map[string][]byte
}

// ActionGraph is the lowered DAG of BuildRules that the coordinator
// fingerprints and that the LocalBuildExecutor executes.
type ActionGraph interface {
	// Rules returns every rule in the graph.
	Rules() []BuildRule
}

// Handle represents a running local build, returned by
// LocalBuildExecutor.Build. The orchestrator uses it to force early
// termination and to learn the final outcome.
type Handle interface {
	// TerminateWithFailure asks the local build to stop as soon as its
	// in-flight rules finish, attributing the stop to cause. Idempotent.
	TerminateWithFailure(cause error)
	// Join blocks until the local build finishes (naturally, or because
	// of TerminateWithFailure) and returns its exit code.
	Join(ctx context.Context) (exitCode int, err error)
}

// LocalBuildExecutor is the out-of-scope low-level execution engine that
// actually runs build rules. The coordinator hands it a Synchronizer so
// that, for every cacheable rule, the executor can block until the
// remote side signals the rule's artifact is available (or not built).
type LocalBuildExecutor interface {
	Build(ctx context.Context, graph ActionGraph, sync *syncset.Synchronizer) (Handle, error)
}
