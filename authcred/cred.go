// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package authcred provides gRPC credentials for talking to the remote
// build service.
package authcred

import (
	"context"
	"crypto/tls"

	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"go.chromium.org/luci/auth"

	"github.com/buckbuild/distbuild/o11y/clog"
)

// Cred holds credentials and derived values for talking to the remote
// coordinator service.
type Cred struct {
	// Type is the credential type, e.g. "luci-auth".
	Type string
	// Email is the authenticated email, if known.
	Email string

	rpcCredentials credentials.PerRPCCredentials
	tokenSource    oauth2.TokenSource
}

// Options configures how a Cred is obtained.
type Options struct {
	LUCIAuth auth.Options
}

// DefaultOptions returns the auth options the coordinator uses by default:
// an OAuth2 token scoped for the remote build service.
func DefaultOptions() Options {
	authOpts := auth.Options{
		Scopes: []string{auth.OAuthScopeEmail},
	}
	return Options{LUCIAuth: authOpts}
}

// New creates a Cred using luci-auth's default options. It ensures the
// caller is logged in and returns an error otherwise.
func New(ctx context.Context, opts Options) (Cred, error) {
	authenticator := auth.NewAuthenticator(ctx, auth.SilentLogin, opts.LUCIAuth)
	if err := authenticator.CheckLoginRequired(); err != nil {
		return Cred{}, err
	}
	email, err := authenticator.GetEmail()
	if err != nil {
		return Cred{}, err
	}
	tokenSource, err := authenticator.TokenSource()
	if err != nil {
		return Cred{}, err
	}
	rpcCredentials, err := authenticator.PerRPCCredentials()
	if err != nil {
		return Cred{}, err
	}
	clog.Infof(ctx, "use luci-auth email: %s", email)
	return Cred{
		Type:           "luci-auth",
		Email:          email,
		rpcCredentials: rpcCredentials,
		tokenSource:    tokenSource,
	}, nil
}

// GRPCDialOptions returns the dial options needed to use this credential
// against the remote coordinator's gRPC endpoint.
func (c Cred) GRPCDialOptions() []grpc.DialOption {
	if c.rpcCredentials == nil {
		return nil
	}
	return []grpc.DialOption{
		grpc.WithPerRPCCredentials(c.rpcCredentials),
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	}
}

// TokenSource returns the underlying OAuth2 token source, or nil.
func (c Cred) TokenSource() oauth2.TokenSource {
	return c.tokenSource
}
