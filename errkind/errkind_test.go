// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errkind_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buckbuild/distbuild/errkind"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, errkind.ExitCode(3), errkind.CommandLineError{}.ExitCode())
	assert.Equal(t, errkind.ExitCode(4), errkind.ParseError{}.ExitCode())
	assert.Equal(t, errkind.ExitCode(5), errkind.OutputIncompatibleError{}.ExitCode())
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	cases := []error{
		errkind.CommandLineError{Err: cause},
		errkind.ParseError{Err: cause},
		errkind.OutputIncompatibleError{Target: "//foo:bar", Err: cause},
		errkind.RemoteTransientError{Err: cause},
		errkind.RemoteFailedError{ExitCodeValue: 1, Err: cause},
		errkind.LocalFailedError{ExitCodeValue: 2, Err: cause},
		errkind.FatalError{Err: cause},
	}
	for _, err := range cases {
		assert.True(t, errors.Is(err, cause), "%T did not unwrap to cause", err)
	}
}

func TestRemoteFailedErrorMessageIncludesExitCode(t *testing.T) {
	err := errkind.RemoteFailedError{ExitCodeValue: 7, Err: errors.New("timeout")}
	assert.Contains(t, err.Error(), "exit=7")
	assert.Contains(t, err.Error(), "timeout")
}

func TestLocalFailedErrorMessageIncludesExitCode(t *testing.T) {
	err := errkind.LocalFailedError{ExitCodeValue: 9, Err: errors.New("crashed")}
	assert.Contains(t, err.Error(), "exit=9")
	assert.Contains(t, err.Error(), "crashed")
}

func TestOutputIncompatibleErrorMessageIncludesTarget(t *testing.T) {
	err := errkind.OutputIncompatibleError{Target: "//lib:x", Err: errors.New("not copyable")}
	assert.Contains(t, err.Error(), "//lib:x")
}
