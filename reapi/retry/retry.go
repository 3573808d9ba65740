// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry wraps the exponential-backoff retry this coordinator's
// remote build client needs around its two gRPC calls that can fail
// transiently: submitting a build (start_build) and polling it
// (fetch_status). A failure on the very first attempt almost never
// means "try again" (wrong credentials, bad address); a failure on a
// later attempt, after the RPC already succeeded once, usually does
// (the coordinator restarted, a load balancer dropped a connection).
package retry

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/buckbuild/distbuild/o11y/clog"
)

// retriableCodes are gRPC statuses that are always worth retrying,
// regardless of how many attempts have already been made: the remote
// build coordinator or its load balancer is overloaded or briefly
// unreachable, not rejecting the request outright.
var retriableCodes = map[codes.Code]bool{
	codes.ResourceExhausted: true,
	codes.Internal:          true,
	codes.Unavailable:       true,
}

// isRetriable reports whether a failed RPC attempt is worth retrying.
// attempt is the 1-based count of calls made so far, including the one
// that produced err.
//
// Unauthenticated/PermissionDenied are retried only past the first
// attempt: an expired OAuth token can recover on refresh, but bad
// credentials presented on attempt 1 will not become good credentials
// on attempt 2.
func isRetriable(err error, attempt int) bool {
	st, ok := status.FromError(err)
	if !ok {
		st = status.FromContextError(err)
	}
	if retriableCodes[st.Code()] {
		return true
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return attempt != 1
	}
	return false
}

// Do calls f, retrying with exponential backoff while the failure is
// one isRetriable judges worth retrying and ctx has not been
// cancelled.
func Do(ctx context.Context, f func() error) error {
	attempt := 0
	return retry.Retry(ctx, transient.Only(retry.Default), func() error {
		attempt++
		err := f()
		if isRetriable(err, attempt) {
			return errors.Annotate(err, "retriable remote build RPC error").Tag(transient.Tag).Err()
		}
		return err
	}, func(err error, backoff time.Duration) {
		clog.Warningf(ctx, "remote build: retrying in %s after: %v", backoff, err)
	})
}
