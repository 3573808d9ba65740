// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package digest computes content digests for the two things this
// coordinator hashes: build rule input files (hashrecord's source-file
// hashing, which feeds rulekey.Compute) and the buck-binary whose
// content hash becomes a build's version tag when no git commit is
// available.
//
// The digest wire type itself is REAPI's: see the Digest proto at
// https://github.com/bazelbuild/remote-apis/blob/c1c1ad2c97ed18943adb55f06657440daa60d833/build/bazel/remote/execution/v2/remote_execution.proto#L633
package digest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"

	"github.com/buckbuild/distbuild/o11y/iometrics"
)

// Digest is the REAPI content-digest type: a hash plus the size of the
// content it was computed over.
type Digest = digest.Digest

// Source opens the bytes a Blob was digested from. It may be backed by
// a local file or an in-memory byte slice.
type Source interface {
	// Open returns a ReadCloser over the source's content.
	Open(context.Context) (io.ReadCloser, error)

	// String names the source, for logging.
	String() string
}

// Blob pairs a Digest with the Source it was computed over, so a
// caller that already has the digest (a cache hit, a prior hash-record
// entry) never needs to re-read the content to know what it names.
type Blob struct {
	digest digest.Digest
	source Source
}

// IsZero reports whether b is the zero value: no content was ever
// digested into it.
func (b Blob) IsZero() bool {
	return b.digest.Hash == ""
}

// Digest returns the content digest.
func (b Blob) Digest() digest.Digest {
	return b.digest
}

// Open opens the underlying source.
func (b Blob) Open(ctx context.Context) (io.ReadCloser, error) {
	return b.source.Open(ctx)
}

// String formats the digest alongside the source it was computed over.
func (b Blob) String() string {
	return fmt.Sprintf("%v %v", b.digest, b.source)
}

// FromBytes digests an in-memory byte slice, the path rulekey.Compute
// takes for a rule's declared output paths (which have no file on disk
// to hash until the build actually runs).
func FromBytes(name string, b []byte) Blob {
	return Blob{
		digest: digest.NewFromBlob(b),
		source: byteSource{name: name, b: b},
	}
}

// byteSource is a Source backed by an in-memory byte slice.
type byteSource struct {
	name string
	b    []byte
}

func (b byteSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.b)), nil
}

func (b byteSource) String() string {
	return b.name
}

// LocalFileSource names a file on the local filesystem to digest.
// IOMetrics, when set, is credited with the bytes read once the file
// is closed.
type LocalFileSource struct {
	Fname     string
	IOMetrics *iometrics.IOMetrics
}

// Open opens the local file, wrapping it so its read count can be
// reported to IOMetrics on Close.
func (s LocalFileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := os.Open(s.Fname)
	return &countingFile{File: r, m: s.IOMetrics}, err
}

// String returns the source name as a file:// URI.
func (s LocalFileSource) String() string {
	return fmt.Sprintf("file://%s", s.Fname)
}

// countingFile wraps *os.File to report bytes read to an IOMetrics on
// Close, the way hashrecord.LocalFileCache needs to account for every
// byte it reads while hashing a build rule's inputs.
type countingFile struct {
	*os.File
	m *iometrics.IOMetrics
	n int
}

func (f *countingFile) Read(buf []byte) (int, error) {
	n, err := f.File.Read(buf)
	f.n += n
	return n, err
}

func (f *countingFile) Close() error {
	err := f.File.Close()
	if f.m != nil {
		f.m.ReadDone(f.n, err)
	}
	return err
}

// FromLocalFile digests the content of src, reading it exactly once.
func FromLocalFile(ctx context.Context, src LocalFileSource) (Blob, error) {
	f, err := src.Open(ctx)
	if err != nil {
		return Blob{}, err
	}
	defer f.Close()
	d, err := digest.NewFromReader(f)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		digest: d,
		source: src,
	}, nil
}
