// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

// Package buildremote implements the farm's remote build protocol:
// the scheduler side of executing one build step on a builder machine.
package buildremote

import (
	"context"
	"fmt"
	"time"

	"farm.256lights.llc/pkg/recipe"
	"zb.256lights.llc/pkg/zbstore"
)

// Status classifies the outcome of a remote build.
type Status string

// Remote build outcomes.
const (
	// Success indicates all outputs were produced and imported into the store.
	Success Status = "success"
	// TransientFailure indicates a failure that is worth retrying,
	// such as the builder running out of disk.
	TransientFailure Status = "transientFailure"
	// PermanentFailure indicates the build action itself failed.
	PermanentFailure Status = "permanentFailure"
	// TimedOut indicates the build exceeded its timeout or max silent time.
	TimedOut Status = "timedOut"
	// LogLimitExceeded indicates the build produced too much log output.
	LogLimitExceeded Status = "logLimitExceeded"
	// MiscFailure indicates an infrastructure failure of unknown kind.
	MiscFailure Status = "miscFailure"
	// BuildFailureWithOutput indicates the build failed
	// but left outputs carrying a failure marker in the store.
	BuildFailureWithOutput Status = "failureWithOutput"
)

// A Result is the scheduler's view of one remote build execution.
type Result struct {
	Status    Status
	StartTime time.Time
	StopTime  time.Time
	// Overhead is the portion of wall time spent transferring inputs
	// rather than building.
	Overhead time.Duration
	// LogFile is the local path the build log was streamed to,
	// or empty if no log was produced.
	LogFile  string
	ErrorMsg string
	// OutputPaths holds the outputs the builder reported realizing.
	// For [BuildFailureWithOutput], these carry failure markers.
	OutputPaths map[string]zbstore.Path
}

// CanRetry reports whether the failure is worth retrying on another pass.
func (r *Result) CanRetry() bool {
	return r.Status == TransientFailure || r.Status == MiscFailure
}

// A Func executes one build step on a remote machine.
// Implementations must honor ctx cancellation
// and must return a [*ConnectError] for failures to reach the machine,
// as distinct from failures of the build itself.
type Func func(ctx context.Context, host, sshKey string, req *BuildRequest) (*Result, error)

// A ConnectError reports a failure to establish a session with a machine.
// The scheduler responds by disabling the machine for a while
// and retrying the step as it would after any retryable failure.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// HelloMethod is the name of the handshake method.
// The response is a [HelloResponse].
const HelloMethod = "farm.hello"

// HelloResponse is the result for [HelloMethod].
type HelloResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Platform        string `json:"platform,omitempty"`
}

// ProtocolVersion is the version of the farm build protocol
// this package implements.
const ProtocolVersion = 1

// BuildMethod is the name of the method that performs a build.
// [BuildRequest] is used for the request
// and [BuildResponse] is used for the response.
const BuildMethod = "farm.build"

// BuildRequest is the set of parameters for [BuildMethod].
type BuildRequest struct {
	RecipePath zbstore.Path   `json:"recipePath"`
	Recipe     *recipe.Recipe `json:"recipe"`
	// MaxSilentSeconds is the longest the agent may go without log output
	// before it kills the build.
	MaxSilentSeconds int64 `json:"maxSilentSeconds,omitempty"`
	// TimeoutSeconds bounds the total build duration.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// BuildResponse is the result for [BuildMethod].
type BuildResponse struct {
	Status          Status                  `json:"status"`
	StartTime       int64                   `json:"startTime"`
	StopTime        int64                   `json:"stopTime"`
	OverheadSeconds int64                   `json:"overheadSeconds,omitempty"`
	ErrorMsg        string                  `json:"errorMsg,omitempty"`
	OutputPaths     map[string]zbstore.Path `json:"outputPaths,omitempty"`
}

// LogMethod is the name of the notification the agent sends
// to stream build log output.
// [LogNotification] is used for the parameters.
const LogMethod = "farm.log"

// LogNotification is the set of parameters for [LogMethod].
type LogNotification struct {
	// Payload is the base64-encoded log chunk.
	Payload []byte `json:"payload"`
}
