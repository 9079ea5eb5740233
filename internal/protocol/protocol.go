// Package protocol defines the JSON events exchanged over a connection.
//
// Every message is an envelope {"type": ..., "payload": {...}}. Binary
// fields ([]byte) travel as base64 strings.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Client to server.
const (
	TypeJoinDocument  = "join_document"
	TypeLeaveDocument = "leave_document"
)

// Both directions.
const (
	TypeDocumentUpdate  = "document_update"
	TypeAwarenessUpdate = "awareness_update"
)

// Server to client.
const (
	TypeDocumentSync = "document_sync"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeJoinError    = "join_error"
	TypeUpdateError  = "update_error"
	TypeAuthError    = "auth_error"
	TypeError        = "error"
)

// Envelope wraps every message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload opens a document. StateVector, when set, asks for a diff
// instead of the full state.
type JoinPayload struct {
	DocumentID  string `json:"documentId"`
	StateVector []byte `json:"stateVector,omitempty"`
}

// LeavePayload closes a joined document.
type LeavePayload struct {
	DocumentID string `json:"documentId"`
}

// UpdatePayload carries one update frame. UserID is set on relayed updates.
type UpdatePayload struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
	UserID     string `json:"userId,omitempty"`
}

// AwarenessPayload carries a client-defined awareness state, relayed as is.
type AwarenessPayload struct {
	DocumentID string          `json:"documentId"`
	Awareness  json.RawMessage `json:"awareness"`
	UserID     string          `json:"userId,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
}

// Member describes one participant in a document_sync.
type Member struct {
	UserID    string          `json:"userId"`
	ClientID  string          `json:"clientId"`
	Awareness json.RawMessage `json:"awareness,omitempty"`
}

// SyncPayload is sent to a joiner with the state and the current members.
type SyncPayload struct {
	DocumentID string   `json:"documentId"`
	State      []byte   `json:"state"`
	Members    []Member `json:"members"`
	Access     string   `json:"access"`
}

// PresencePayload is sent with user_joined and user_left.
type PresencePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	ClientID   string `json:"clientId"`
}

// ErrorPayload is sent with every *_error event and error.
type ErrorPayload struct {
	DocumentID string `json:"documentId,omitempty"`
	Message    string `json:"message"`
}

// Encode marshals an envelope of type typ around payload.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload failed", typ)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode parses an envelope. The payload is left raw for the handler of
// its type.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal envelope failed")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}

// DecodePayload unmarshals the payload of env into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return errors.Errorf("%s has no payload", env.Type)
	}
	return errors.Wrapf(json.Unmarshal(env.Payload, v), "unmarshal %s payload failed", env.Type)
}
