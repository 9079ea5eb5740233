package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// DBTX is the subset of *pgxpool.Pool used by the Postgres backends.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createStatesTable = `
		CREATE TABLE IF NOT EXISTS document_states (
			document_id TEXT PRIMARY KEY,
			state BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`

	selectState = `SELECT state, updated_at FROM document_states WHERE document_id = $1`

	upsertState = `
		INSERT INTO document_states (document_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`
)

// Postgres stores snapshots in the document_states table.
type Postgres struct {
	db    DBTX
	close func()
}

// NewPostgres wraps an existing connection. Close does not close db.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects a pool to url and owns it.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool failed")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres failed")
	}
	return &Postgres{db: pool, close: pool.Close}, nil
}

// DB returns the underlying connection, for sharing with other components.
func (p *Postgres) DB() DBTX {
	return p.db
}

// EnsureSchema creates the document_states table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, createStatesTable)
	return errors.Wrap(err, "create document_states failed")
}

func (p *Postgres) Load(ctx context.Context, documentID string) (*Record, error) {
	var rec Record
	err := p.db.QueryRow(ctx, selectState, documentID).Scan(&rec.State, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select document state failed")
	}
	return &rec, nil
}

func (p *Postgres) Save(ctx context.Context, documentID string, state []byte, updatedAt time.Time) error {
	_, err := p.db.Exec(ctx, upsertState, documentID, state, updatedAt)
	return errors.Wrap(err, "upsert document state failed")
}

func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
