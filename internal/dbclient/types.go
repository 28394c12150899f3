// Package dbclient implements the DB Client (C2): token validation, status
// and message upserts, and credential lookup against the external
// collaborator database, with bounded retry on transient failure.
package dbclient

import (
	"context"
	"time"
)

// Identity is the result of a successful validateToken call.
type Identity struct {
	UserID    string
	SessionID string
}

// StatusUpdate is the idempotent, last-writer-wins payload of upsertStatus.
type StatusUpdate struct {
	SessionID    string
	Status       string
	IsProcessing bool
	SnapshotID   string
	ErrorMessage string
}

// MessageUpsert is the payload of upsertMessage, unique by
// (SessionID, MessageID).
type MessageUpsert struct {
	SessionID string
	MessageID string
	Role      string
	Parts     any
	Timestamp time.Time
}

// Client is the DB Client contract (C2).
type Client interface {
	// ValidateToken returns the identity bound to bearer, or (nil, nil) if
	// the token does not resolve to a session.
	ValidateToken(ctx context.Context, bearer string) (*Identity, error)

	// UpsertStatus is fire-and-forget from the caller's perspective:
	// callers should not block the actor's state machine on its result.
	UpsertStatus(ctx context.Context, update StatusUpdate) error

	// UpsertMessage is fire-and-forget, same as UpsertStatus.
	UpsertMessage(ctx context.Context, msg MessageUpsert) error

	// FetchGitCredential resolves the git credential for bearer.
	FetchGitCredential(ctx context.Context, bearer string) (string, error)

	// FetchProviderAPIKey resolves the API key for bearer+provider, or ""
	// if the user has none configured for that provider.
	FetchProviderAPIKey(ctx context.Context, bearer, provider string) (string, error)
}

const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
)
