// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build windows

package runtimex

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// activeProcessorCount calls GetActiveProcessorCount(ALL_PROCESSOR_GROUPS)
// so NumCPU reflects every core across Processor Groups, not just the
// single group runtime.NumCPU() is limited to on Windows.
func activeProcessorCount() int {
	const allProcessorGroups = 0xFFFF
	r0, _, _ := syscall.SyscallN(windows.NewLazySystemDLL("kernel32.dll").NewProc("GetActiveProcessorCount").Addr(), 1, uintptr(allProcessorGroups), 0, 0)
	return int(r0)
}
