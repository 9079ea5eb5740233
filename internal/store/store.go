// Package store holds the durable backends for merged document state.
//
// Each backend keeps one record per document id: the latest full snapshot
// and the time it was written. No per-operation log is kept.
package store

import (
	"context"
	"time"
)

// Record is the persisted state of one document.
type Record struct {
	State     []byte
	UpdatedAt time.Time
}

// Store is a document state backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the last saved record, or (nil, nil) if the document has
	// never been saved.
	Load(ctx context.Context, documentID string) (*Record, error)

	// Save overwrites the record for documentID.
	Save(ctx context.Context, documentID string, state []byte, updatedAt time.Time) error

	// Close releases resources owned by the store.
	Close() error
}
