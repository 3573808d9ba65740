// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rulekey_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/hashrecord"
	"github.com/buckbuild/distbuild/reapi/digest"
	"github.com/buckbuild/distbuild/rulekey"
)

type fakeActionGraph struct {
	rules []graph.BuildRule
}

func (g *fakeActionGraph) Rules() []graph.BuildRule { return g.rules }

type fakeHashCache struct {
	mu      sync.Mutex
	lookups map[string]int
	failOn  string
}

func newFakeHashCache() *fakeHashCache { return &fakeHashCache{lookups: make(map[string]int)} }

func (f *fakeHashCache) Hash(ctx context.Context, path string) (digest.Digest, hashrecord.Metadata, error) {
	f.mu.Lock()
	f.lookups[path]++
	f.mu.Unlock()
	if f.failOn != "" && path == f.failOn {
		return digest.Digest{}, hashrecord.Metadata{}, errors.New("fake hash failure")
	}
	return digest.FromBytes(path, []byte(path)).Digest(), hashrecord.Metadata{}, nil
}

func newGraph(n int) *fakeActionGraph {
	rules := make([]graph.BuildRule, 0, n)
	for i := 0; i < n; i++ {
		rules = append(rules, graph.BuildRule{
			ID:      graph.RuleID(fmt.Sprintf("//pkg:rule%d", i)),
			Cell:    cellindex.Index(i % 2),
			Outputs: []string{fmt.Sprintf("/repo/out/rule%d.o", i)},
		})
	}
	return &fakeActionGraph{rules: rules}
}

func TestComputeProducesOneKeyPerRule(t *testing.T) {
	cells := cellindex.New("/repo", nil)
	underlying := newFakeHashCache()
	cache := hashrecord.New(underlying, cells)
	g := newGraph(8)

	keys, err := rulekey.Compute(context.Background(), g, cache, 42)
	require.NoError(t, err)
	assert.Len(t, keys, 8)
	for _, rule := range g.Rules() {
		_, ok := keys[rule.ID]
		assert.True(t, ok, "missing key for %s", rule.ID)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	cells := cellindex.New("/repo", nil)
	cache1 := hashrecord.New(newFakeHashCache(), cells)
	cache2 := hashrecord.New(newFakeHashCache(), cellindex.New("/repo", nil))
	g := newGraph(4)

	keys1, err := rulekey.Compute(context.Background(), g, cache1, 7)
	require.NoError(t, err)
	keys2, err := rulekey.Compute(context.Background(), g, cache2, 7)
	require.NoError(t, err)

	for id, k1 := range keys1 {
		assert.Equal(t, k1, keys2[id])
	}
}

func TestComputeDiscardsPartialResultsOnFailure(t *testing.T) {
	cells := cellindex.New("/repo", nil)
	underlying := newFakeHashCache()
	underlying.failOn = "/repo/out/rule3.o"
	cache := hashrecord.New(underlying, cells)
	g := newGraph(8)

	keys, err := rulekey.Compute(context.Background(), g, cache, 1)
	require.Error(t, err)
	assert.Nil(t, keys)
}

func TestComputeFeedsFileReadsThroughHashCache(t *testing.T) {
	cells := cellindex.New("/repo", nil)
	underlying := newFakeHashCache()
	cache := hashrecord.New(underlying, cells)
	g := newGraph(3)

	_, err := rulekey.Compute(context.Background(), g, cache, 0)
	require.NoError(t, err)

	byCell, _ := cache.Entries()
	total := 0
	for _, entries := range byCell {
		total += len(entries)
	}
	assert.Equal(t, 3, total)
}
