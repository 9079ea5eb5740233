// Package auth resolves connection tokens to identities and checks what a
// user may do with a document.
package auth

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrAccessDenied     = errors.New("access denied")
	ErrDocumentNotFound = errors.New("document not found")
)

// Identity is an authenticated user.
type Identity struct {
	UserID string
	Name   string
}

// Authenticator verifies an opaque bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Level is an access level on one document.
type Level string

const (
	Owner  Level = "owner"
	Editor Level = "editor"
	Viewer Level = "viewer"
)

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case Owner, Editor, Viewer:
		return l, nil
	}
	return "", errors.Errorf("unknown access level %q", s)
}

// CanWrite reports whether the level allows document updates.
func (l Level) CanWrite() bool {
	return l == Owner || l == Editor
}

// AccessChecker decides the level a user holds on a document. It returns
// ErrAccessDenied or ErrDocumentNotFound when the join must be refused.
type AccessChecker interface {
	Check(ctx context.Context, userID, documentID string) (Level, error)
}

// StaticTokens maps fixed tokens to identities. It is meant for local
// development.
type StaticTokens map[string]Identity

func (t StaticTokens) Authenticate(_ context.Context, token string) (Identity, error) {
	id, ok := t[token]
	if !ok || token == "" {
		return Identity{}, ErrAuthentication
	}
	return id, nil
}
