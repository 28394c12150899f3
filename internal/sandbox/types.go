// Package sandbox implements the Sandbox Client (C1): a typed adapter over
// the sandbox-provider HTTP endpoints (create/pause/resume/terminate/
// snapshot) and the agent-server's HTTP+SSE endpoints.
package sandbox

import (
	"context"
	"time"
)

// FailureKind classifies a sandbox or agent-server call failure so callers
// can decide whether to retry or what to do in response (§4.1).
type FailureKind string

const (
	FailureNetworkTimeout FailureKind = "NetworkTimeout"
	FailureTransient5xx   FailureKind = "Transient5xx"
	FailureNotFound       FailureKind = "NotFound"
	FailureConflict       FailureKind = "Conflict"
	FailureBadRequest     FailureKind = "BadRequest"
	FailureUnauthorized   FailureKind = "Unauthorized"
)

// Retryable reports whether a failure of this kind should be retried
// internally by the client.
func (k FailureKind) Retryable() bool {
	return k == FailureNetworkTimeout || k == FailureTransient5xx
}

// Error is the error type every sandbox/agent-server call returns on
// failure.
type Error struct {
	Kind    FailureKind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Op + ": " + e.Message
	}
	if e.Cause != nil {
		return e.Op + ": " + e.Cause.Error()
	}
	return e.Op + ": " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// CreateSandboxInput is the body of createSandbox.
type CreateSandboxInput struct {
	Repo            string
	GitCredential   string
	ProviderAPIKey  string
}

// CreateSandboxResult is the output of createSandbox and resumeSandbox.
type CreateSandboxResult struct {
	SandboxID string
	TunnelURL string
}

// PauseResult is the output of pauseSandbox and snapshotSandbox.
type PauseResult struct {
	SnapshotID string
}

// Provider is the sandbox-provider side of C1: create/pause/resume/
// terminate/snapshot against the remote sandbox fleet.
type Provider interface {
	CreateSandbox(ctx context.Context, in CreateSandboxInput) (CreateSandboxResult, error)
	SnapshotSandbox(ctx context.Context, sandboxID string) (PauseResult, error)
	PauseSandbox(ctx context.Context, sandboxID string) (PauseResult, error)
	ResumeSandbox(ctx context.Context, snapshotID string) (CreateSandboxResult, error)
	// TerminateSandbox is best-effort; implementations must swallow errors
	// internally and only return one for logging purposes at the call site.
	TerminateSandbox(ctx context.Context, sandboxID string) error
}

// Per-operation timeouts, §4.1.
const (
	TimeoutCreateSandbox    = 120 * time.Second
	TimeoutSnapshotExplicit = 30 * time.Second
	TimeoutSnapshotBG       = 10 * time.Second
	TimeoutPauseSandbox     = 30 * time.Second
	TimeoutResumeSandbox    = 120 * time.Second
	TimeoutTerminate        = 30 * time.Second

	TimeoutHealthProbe  = 5 * time.Second
	TimeoutSendPrompt   = 3 * time.Minute
	TimeoutFetchMessage = 30 * time.Second

	healthPollAttempts = 30
	healthPollInterval = 2 * time.Second
)
