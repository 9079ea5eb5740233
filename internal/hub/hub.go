// Package hub owns the live rooms: one merge replica per open document,
// its members, and the scheduling of flushes to durable storage.
//
// Lock order is Registry.mu before Room.mu. Events for a room are handed
// to the Router while Room.mu is held, so delivery order equals apply
// order.
package hub

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"collabtext/internal/auth"
	"collabtext/internal/protocol"
)

var (
	// ErrRoomNotFound means the document is not open or the session is
	// not one of its members.
	ErrRoomNotFound = errors.New("room not found")

	// ErrDocumentBusy means another node holds the document.
	ErrDocumentBusy = errors.New("document is open on another node")

	// ErrClosed is returned once the registry has shut down.
	ErrClosed = errors.New("registry closed")

	errRoomClosed = errors.New("room closed")
)

// Gateway is the persistence boundary used by rooms.
type Gateway interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Flush(ctx context.Context, documentID string, state []byte) error
	Forget(documentID string)
}

// JoinRequest identifies the joining session. StateVector, when set, asks
// for a diff instead of the full state.
type JoinRequest struct {
	SessionID   string
	UserID      string
	StateVector []byte
}

// Snapshot is what a joiner receives.
type Snapshot struct {
	State   []byte
	Members []protocol.Member
	Level   auth.Level
}

type member struct {
	sessionID string
	userID    string
	awareness json.RawMessage
}
