// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package remotebuild

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/buckbuild/distbuild/jobstate"
	"github.com/buckbuild/distbuild/rulekey"
)

// gobCodecName is registered with grpc-go's encoding registry so that
// GRPCService's calls can carry gob-encoded request/response messages
// instead of protobuf ones: the four remote operations this package
// needs (start_build, fetch_status, fetch_logs, fetch_rule_key_logs)
// are plain Go structs with no polymorphism, the same reasoning
// jobstate.Encode already applies to the JobState wire schema itself.
const gobCodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return gobCodecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("remotebuild: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("remotebuild: gob unmarshal: %w", err)
	}
	return nil
}

// serviceName is the gRPC service path GRPCService calls against. There
// is no .proto definition behind it: the methods are invoked directly
// through grpc.ClientConn.Invoke with the gob codec above, the way a
// hand-written client calls a service without generated stubs.
const serviceName = "distbuild.RemoteBuild"

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

type startBuildRequest struct {
	Job *jobstate.JobState
}

type startBuildResponse struct {
	ID StampedeID
}

type fetchStatusRequest struct {
	ID StampedeID
}

type fetchStatusResponse struct {
	Status Status
}

type fetchLogsRequest struct {
	ID     StampedeID
	RunIDs []string
}

type fetchLogsResponse struct{}

type fetchRuleKeyLogsRequest struct {
	ID   StampedeID
	Keys []rulekey.RuleKey
}

type fetchRuleKeyLogsResponse struct {
	Entries []RuleKeyLogEntry
}

// GRPCService is the production Service implementation, talking to the
// remote build coordinator over a gRPC connection.
type GRPCService struct {
	cc *grpc.ClientConn
}

// NewGRPCService wraps an already-dialed connection. Callers typically
// dial with authcred.Cred.GRPCDialOptions() plus grpc.WithDefaultCallOptions(
// grpc.CallContentSubtype(gobCodecName)) so every call on cc defaults to
// the gob wire format.
func NewGRPCService(cc *grpc.ClientConn) *GRPCService {
	return &GRPCService{cc: cc}
}

func (s *GRPCService) StartBuild(ctx context.Context, job *jobstate.JobState) (StampedeID, error) {
	req := &startBuildRequest{Job: job}
	resp := &startBuildResponse{}
	if err := s.cc.Invoke(ctx, fullMethod("StartBuild"), req, resp, grpc.CallContentSubtype(gobCodecName)); err != nil {
		return "", fmt.Errorf("remotebuild: StartBuild: %w", err)
	}
	return resp.ID, nil
}

func (s *GRPCService) FetchStatus(ctx context.Context, id StampedeID) (Status, error) {
	req := &fetchStatusRequest{ID: id}
	resp := &fetchStatusResponse{}
	if err := s.cc.Invoke(ctx, fullMethod("FetchStatus"), req, resp, grpc.CallContentSubtype(gobCodecName)); err != nil {
		return Status{}, fmt.Errorf("remotebuild: FetchStatus: %w", err)
	}
	return resp.Status, nil
}

func (s *GRPCService) FetchLogs(ctx context.Context, id StampedeID, runIDs []string) error {
	req := &fetchLogsRequest{ID: id, RunIDs: runIDs}
	resp := &fetchLogsResponse{}
	if err := s.cc.Invoke(ctx, fullMethod("FetchLogs"), req, resp, grpc.CallContentSubtype(gobCodecName)); err != nil {
		return fmt.Errorf("remotebuild: FetchLogs: %w", err)
	}
	return nil
}

func (s *GRPCService) FetchRuleKeyLogs(ctx context.Context, id StampedeID, keys []rulekey.RuleKey) ([]RuleKeyLogEntry, error) {
	req := &fetchRuleKeyLogsRequest{ID: id, Keys: keys}
	resp := &fetchRuleKeyLogsResponse{}
	if err := s.cc.Invoke(ctx, fullMethod("FetchRuleKeyLogs"), req, resp, grpc.CallContentSubtype(gobCodecName)); err != nil {
		return nil, fmt.Errorf("remotebuild: FetchRuleKeyLogs: %w", err)
	}
	return resp.Entries, nil
}
