// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build unix

package runtimex

// activeProcessorCount has no unix-specific implementation: unlike
// Windows, runtime.NumCPU() already counts every core available to
// the process on unix, so NumCPU falls through to it.
func activeProcessorCount() int {
	return 0
}
