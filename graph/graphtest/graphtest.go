// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package graphtest provides minimal in-memory fakes of the graph
// package's external-collaborator contracts, sufficient to drive the
// coordinator's end-to-end tests without a real parser or executor.
package graphtest

import (
	"context"
	"errors"
	"sync"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/syncset"
)

// TargetGraph is a fixed, in-memory graph.TargetGraph.
type TargetGraph struct {
	nodes map[string][]byte
}

// NewTargetGraph creates a TargetGraph from the given raw nodes.
func NewTargetGraph(nodes map[string][]byte) *TargetGraph {
	return &TargetGraph{nodes: nodes}
}

func (g *TargetGraph) Nodes() map[string][]byte { return g.nodes }

// ActionGraph is a fixed, in-memory graph.ActionGraph.
type ActionGraph struct {
	rules []graph.BuildRule
}

// NewActionGraph creates an ActionGraph from rules.
func NewActionGraph(rules []graph.BuildRule) *ActionGraph {
	return &ActionGraph{rules: rules}
}

func (g *ActionGraph) Rules() []graph.BuildRule { return g.rules }

// Handle is an in-memory graph.Handle whose outcome is scripted by the
// test: it succeeds after every rule it was given is either resolved
// (remote-available) or marked for local execution, unless
// TerminateWithFailure is called first.
type Handle struct {
	mu           sync.Mutex
	cause        error
	exitCode     int
	builtLocally []graph.RuleID
	done         chan struct{}
	closeOnce    sync.Once
}

func (h *Handle) TerminateWithFailure(cause error) {
	h.mu.Lock()
	if h.cause == nil {
		h.cause = cause
		h.exitCode = 1
	}
	h.mu.Unlock()
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Handle) Join(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 1, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cause != nil {
		return h.exitCode, h.cause
	}
	return h.exitCode, nil
}

// BuiltLocally returns the rule IDs that Executor actually built
// locally (i.e. whose synchronizer wait returned NotBuilt or was never
// cacheable).
func (h *Handle) BuiltLocally() []graph.RuleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]graph.RuleID, len(h.builtLocally))
	copy(out, h.builtLocally)
	return out
}

// Executor is a graph.LocalBuildExecutor fake that builds every rule
// in the graph unconditionally (it does not itself wait on the
// synchronizer — tests that need rule-level remote/local interaction
// drive the synchronizer directly and assert on it, since the real
// wait-before-build logic is a LocalBuildExecutor concern out of
// scope here). Every rule's outcome is controlled by Fail, keyed by
// rule ID.
type Executor struct {
	Fail map[graph.RuleID]error
}

// NewExecutor creates an Executor whose rules fail according to fail.
func NewExecutor(fail map[graph.RuleID]error) *Executor {
	return &Executor{Fail: fail}
}

func (e *Executor) Build(ctx context.Context, g graph.ActionGraph, sync *syncset.Synchronizer) (graph.Handle, error) {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer h.closeOnce.Do(func() { close(h.done) })
		for _, rule := range g.Rules() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			h.mu.Lock()
			alreadyTerminated := h.cause != nil
			h.mu.Unlock()
			if alreadyTerminated {
				return
			}
			if err, ok := e.Fail[rule.ID]; ok && err != nil {
				h.mu.Lock()
				h.cause = err
				h.exitCode = 1
				h.mu.Unlock()
				return
			}
			h.mu.Lock()
			h.builtLocally = append(h.builtLocally, rule.ID)
			h.mu.Unlock()
		}
	}()
	return h, nil
}

// ErrUnknownCell is returned by fixtures that reference an
// unregistered cell.
var ErrUnknownCell = errors.New("graphtest: unknown cell")

// Indexer is a small helper constructing a cellindex.Indexer with a
// root cell plus any number of additional known roots, for tests that
// need a populated index without exercising cellindex's own package.
func Indexer(root string, extraRoots ...string) *cellindex.Indexer {
	ix := cellindex.New(root, nil)
	for _, r := range extraRoots {
		ix.AddKnownRoot(r, nil)
	}
	return ix
}
