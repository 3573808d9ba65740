// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"

	"github.com/buckbuild/distbuild/reapi/retry"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	called := 0
	err := retry.Do(context.Background(), func() error {
		called++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestDoDoesNotRetryNonRetriableError(t *testing.T) {
	wantErr := errors.New("start_build: malformed request")
	called := 0
	err := retry.Do(context.Background(), func() error {
		called++
		return wantErr
	})
	assert.Same(t, wantErr, err)
	assert.Equal(t, 1, called)
}

func TestDoRetriesTransientUnavailable(t *testing.T) {
	ctx, clk := testclock.UseTime(context.Background(), time.Now())
	clk.SetTimerCallback(func(time.Duration, clock.Timer) {
		clk.Add(time.Second)
	})

	called := 0
	err := retry.Do(ctx, func() error {
		called++
		if called == 1 {
			return status.Error(codes.Unavailable, "fetch_status: remote coordinator unreachable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, called)
}

// Unauthenticated on the very first attempt is treated as bad
// credentials, not a transient fetch_status hiccup, and must not be
// retried.
func TestDoDoesNotRetryUnauthenticatedOnFirstAttempt(t *testing.T) {
	called := 0
	err := retry.Do(context.Background(), func() error {
		called++
		return status.Error(codes.Unauthenticated, "start_build: invalid credentials")
	})
	require.Error(t, err)
	assert.Equal(t, 1, called)
}

// The same Unauthenticated status past the first attempt is treated as
// an expired token that a refresh may have already fixed, so it is
// retried.
func TestDoRetriesUnauthenticatedAfterFirstAttempt(t *testing.T) {
	ctx, clk := testclock.UseTime(context.Background(), time.Now())
	clk.SetTimerCallback(func(time.Duration, clock.Timer) {
		clk.Add(time.Second)
	})

	called := 0
	err := retry.Do(ctx, func() error {
		called++
		if called == 1 {
			return status.Error(codes.Internal, "fetch_status: transient")
		}
		if called == 2 {
			return status.Error(codes.Unauthenticated, "fetch_status: token expired mid-poll")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, called)
}
