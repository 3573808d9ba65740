// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hashrecord

import (
	"context"
	"os"

	"github.com/buckbuild/distbuild/o11y/clog"
	"github.com/buckbuild/distbuild/o11y/iometrics"
	"github.com/buckbuild/distbuild/reapi/digest"
	"github.com/buckbuild/distbuild/runtimex"
	"github.com/buckbuild/distbuild/syncutil"
)

// LocalFileCache is a HashCache backed by the local filesystem: it
// digests files directly, bounded by a shared semaphore so that rule-key
// computation (which may have dozens of workers) does not open more
// file descriptors and CPU time on hashing than the machine has cores.
type LocalFileCache struct {
	sema    *syncutil.Semaphore
	metrics *iometrics.IOMetrics
}

// localDigestSemaphoreName is registered once and looked up by name, the
// way the teacher's digest-computation semaphore is, so other parts of
// the coordinator (e.g. a status page) can introspect it without holding
// a reference.
const localDigestSemaphoreName = "file-digest"

// NewLocalFileCache creates a LocalFileCache whose concurrent digest
// computation is capped at runtimex.NumCPU().
func NewLocalFileCache() *LocalFileCache {
	sema := syncutil.Lookup(localDigestSemaphoreName)
	if sema == nil {
		sema = syncutil.New(localDigestSemaphoreName, runtimex.NumCPU())
	}
	return &LocalFileCache{sema: sema, metrics: iometrics.New("hashrecord.local")}
}

// Stats reports how many bytes this cache has read from local files
// since construction.
func (c *LocalFileCache) Stats() iometrics.Stats {
	return c.metrics.Stats()
}

// Hash computes the digest and metadata of the local file at path.
func (c *LocalFileCache) Hash(ctx context.Context, path string) (digest.Digest, Metadata, error) {
	var d digest.Blob
	err := c.sema.Do(ctx, func(ctx context.Context) error {
		var err error
		d, err = digest.FromLocalFile(ctx, digest.LocalFileSource{Fname: path, IOMetrics: c.metrics})
		return err
	})
	if err != nil {
		clog.Warningf(ctx, "failed to compute digest %s: %v", path, err)
		return digest.Digest{}, Metadata{}, err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return d.Digest(), Metadata{}, err
	}
	md := Metadata{
		MTimeClass:    fi.ModTime().Unix(),
		IsDir:         fi.IsDir(),
		IsRootSymlink: fi.Mode()&os.ModeSymlink != 0,
	}
	return d.Digest(), md, nil
}
