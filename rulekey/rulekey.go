// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rulekey computes a deterministic, content-addressed RuleKey
// for every rule in an ActionGraph, feeding every file read through a
// hashrecord.Cache so the recorded file-hash table stays complete.
package rulekey

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/buckbuild/distbuild/cellindex"
	"github.com/buckbuild/distbuild/graph"
	"github.com/buckbuild/distbuild/hashrecord"
	"github.com/buckbuild/distbuild/runtimex"
	"github.com/buckbuild/distbuild/syncutil"
)

// RuleKey is a fixed-length content digest. Two rules with identical
// fields and identical referenced file hashes produce byte-identical
// keys, on any host.
type RuleKey [sha256.Size]byte

// String returns the key's hex encoding.
func (k RuleKey) String() string { return fmt.Sprintf("%x", k[:]) }

// KeyFactory builds RuleKeys for rules that belong to one cell. A
// factory is instantiated lazily, once per cell, and reused for every
// rule in that cell (spec: "per-filesystem key factory").
type KeyFactory struct {
	cell  cellindex.Index
	seed  uint64
	cache *hashrecord.Cache
}

// NewKeyFactory creates a KeyFactory for cell, seeded with seed.
func NewKeyFactory(cell cellindex.Index, seed uint64, cache *hashrecord.Cache) *KeyFactory {
	return &KeyFactory{cell: cell, seed: seed, cache: cache}
}

// Compute derives rule's RuleKey from its fields and the content hashes
// of every file it names as an output (a stand-in for the real
// rule-key algorithm, which is a graph.BuildRule concern out of scope
// here: what matters is that the key is a pure function of the rule's
// fields plus the hashes the RecordingHashCache records).
func (kf *KeyFactory) Compute(ctx context.Context, rule graph.BuildRule) (RuleKey, error) {
	h := sha256.New()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], kf.seed)
	h.Write(seedBuf[:])
	h.Write([]byte(rule.ID))
	for _, out := range rule.Outputs {
		d, _, err := kf.cache.Hash(ctx, out)
		if err != nil {
			return RuleKey{}, fmt.Errorf("rulekey: hashing output %q of %q: %w", out, rule.ID, err)
		}
		fmt.Fprintf(h, "%s-%d", d.Hash, d.Size)
	}
	var key RuleKey
	copy(key[:], h.Sum(nil))
	return key, nil
}

// computeWorkers bounds the number of rules hashed concurrently.
const computeWorkers = "rulekey-compute"

// Compute produces a RuleKey for every rule in g, feeding all file
// reads through cache. Rule-key computation for distinct rules runs in
// parallel on a bounded worker pool; a single rule failure aborts the
// whole computation and discards every partial result, matching
// errgroup.Group's first-error-cancels semantics.
func Compute(ctx context.Context, g graph.ActionGraph, cache *hashrecord.Cache, seed uint64) (map[graph.RuleID]RuleKey, error) {
	sema := syncutil.Lookup(computeWorkers)
	if sema == nil {
		sema = syncutil.New(computeWorkers, runtimex.NumCPU())
	}

	var factories sync.Map // cellindex.Index -> *KeyFactory

	rules := g.Rules()
	results := make(map[graph.RuleID]RuleKey, len(rules))
	var mu sync.Mutex

	eg, ctx := errgroup.WithContext(ctx)
	for _, rule := range rules {
		rule := rule
		eg.Go(func() error {
			return sema.Do(ctx, func(ctx context.Context) error {
				kf := factoryFor(&factories, rule.Cell, seed, cache)
				key, err := kf.Compute(ctx, rule)
				if err != nil {
					return err
				}
				mu.Lock()
				results[rule.ID] = key
				mu.Unlock()
				return nil
			})
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func factoryFor(factories *sync.Map, cell cellindex.Index, seed uint64, cache *hashrecord.Cache) *KeyFactory {
	if v, ok := factories.Load(cell); ok {
		return v.(*KeyFactory)
	}
	kf := NewKeyFactory(cell, seed, cache)
	v, _ := factories.LoadOrStore(cell, kf)
	return v.(*KeyFactory)
}
