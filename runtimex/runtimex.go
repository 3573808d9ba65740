// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runtimex sizes the coordinator's local worker pools: the
// rule-key compute semaphore (rulekey.computeWorkers) and the file
// digest semaphore (hashrecord.localDigestSemaphoreName) both default
// their capacity to runtimex.NumCPU() logical CPUs.
package runtimex

import (
	"os"
	"runtime"
	"strconv"
	"sync"
)

var numCPUOnce = sync.OnceValue(func() int {
	if n, ok := numCPUOverride(); ok {
		return n
	}
	if n := activeProcessorCount(); n > 0 {
		return n
	}
	return runtime.NumCPU()
})

// numCPUOverrideEnv, when set to a positive integer, caps NumCPU
// regardless of the host's actual core count, the way a CI worker
// sharing a machine with other jobs needs to run buck at a narrower
// concurrency than the machine otherwise advertises.
const numCPUOverrideEnv = "BUCK_NUM_CPU"

func numCPUOverride() (int, bool) {
	v := os.Getenv(numCPUOverrideEnv)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// NumCPU returns the number of logical CPUs usable by this process,
// honoring $BUCK_NUM_CPU when set. On Windows, runtime.NumCPU() only
// reports a single Processor Group (up to 64 cores); activeProcessorCount
// uses GetActiveProcessorCount to count cores across every group, the
// way kubernetes' winstats package does:
// https://github.com/kubernetes/kubernetes/blob/a4b8a3b2e33a3b591884f69b64f439e6b880dc40/pkg/kubelet/winstats/perfcounter_nodestats_windows.go#L205
// On non-Windows, it defers to runtime.NumCPU().
func NumCPU() int {
	return numCPUOnce()
}
