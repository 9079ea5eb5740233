package auth

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// StaticAccess serves grants from memory. Documents without explicit
// grants get Default, or ErrDocumentNotFound when Default is empty.
type StaticAccess struct {
	Default Level

	mu     sync.RWMutex
	grants map[string]map[string]Level
}

// NewStaticAccess returns a StaticAccess with the given fallback level.
func NewStaticAccess(def Level) *StaticAccess {
	return &StaticAccess{Default: def, grants: make(map[string]map[string]Level)}
}

// Grant sets the level of userID on documentID.
func (s *StaticAccess) Grant(documentID, userID string, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.grants[documentID]
	if !ok {
		users = make(map[string]Level)
		s.grants[documentID] = users
	}
	users[userID] = level
}

func (s *StaticAccess) Check(_ context.Context, userID, documentID string) (Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users, ok := s.grants[documentID]
	if !ok {
		if s.Default == "" {
			return "", ErrDocumentNotFound
		}
		return s.Default, nil
	}
	level, ok := users[userID]
	if !ok {
		return "", ErrAccessDenied
	}
	return level, nil
}

// Querier is the subset of *pgxpool.Pool used by PostgresAccess.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectAccess = `
	SELECT d.owner_id, a.level
	FROM documents d
	LEFT JOIN document_access a ON a.document_id = d.id AND a.user_id = $2
	WHERE d.id = $1`

// PostgresAccess reads grants from the documents and document_access
// tables maintained by the document service. The owner of a document
// always has Owner.
type PostgresAccess struct {
	db Querier
}

func NewPostgresAccess(db Querier) *PostgresAccess {
	return &PostgresAccess{db: db}
}

func (p *PostgresAccess) Check(ctx context.Context, userID, documentID string) (Level, error) {
	var (
		owner string
		level *string
	)
	err := p.db.QueryRow(ctx, selectAccess, documentID, userID).Scan(&owner, &level)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrDocumentNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "select document access failed")
	}
	if owner == userID {
		return Owner, nil
	}
	if level == nil {
		return "", ErrAccessDenied
	}
	return ParseLevel(*level)
}
