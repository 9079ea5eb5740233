package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator(t *testing.T) {
	ctx := context.Background()
	a := NewJWTAuthenticator([]byte("secret"), "collab", 0)

	token, err := a.Sign(Identity{UserID: "alice", Name: "Alice"}, time.Minute)
	require.NoError(t, err)
	id, err := a.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Name: "Alice"}, id)

	t.Run("rejected", func(t *testing.T) {
		expired, err := a.Sign(Identity{UserID: "alice"}, -time.Minute)
		require.NoError(t, err)
		other, err := NewJWTAuthenticator([]byte("other"), "collab", 0).Sign(Identity{UserID: "alice"}, time.Minute)
		require.NoError(t, err)
		wrongIssuer, err := NewJWTAuthenticator([]byte("secret"), "elsewhere", 0).Sign(Identity{UserID: "alice"}, time.Minute)
		require.NoError(t, err)
		noSubject, err := a.Sign(Identity{}, time.Minute)
		require.NoError(t, err)
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		for name, tok := range map[string]string{
			"empty":        "",
			"garbage":      "not-a-token",
			"expired":      expired,
			"wrong secret": other,
			"wrong issuer": wrongIssuer,
			"no subject":   noSubject,
			"alg none":     none,
		} {
			_, err := a.Authenticate(ctx, tok)
			assert.True(t, errors.Is(err, ErrAuthentication), "%s: %v", name, err)
		}
	})
}

func TestLevel(t *testing.T) {
	assert.True(t, Owner.CanWrite())
	assert.True(t, Editor.CanWrite())
	assert.False(t, Viewer.CanWrite())

	l, err := ParseLevel("viewer")
	require.NoError(t, err)
	assert.Equal(t, Viewer, l)
	_, err = ParseLevel("admin")
	assert.Error(t, err)
}

func TestStaticAccess(t *testing.T) {
	ctx := context.Background()
	s := NewStaticAccess("")
	s.Grant("doc", "alice", Owner)
	s.Grant("doc", "bob", Viewer)

	l, err := s.Check(ctx, "bob", "doc")
	require.NoError(t, err)
	assert.Equal(t, Viewer, l)

	_, err = s.Check(ctx, "carol", "doc")
	assert.Equal(t, ErrAccessDenied, err)
	_, err = s.Check(ctx, "alice", "other")
	assert.Equal(t, ErrDocumentNotFound, err)

	s.Default = Editor
	l, err = s.Check(ctx, "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, Editor, l)
}

type accessRow struct {
	owner string
	level *string
	err   error
}

func (r accessRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.owner
	*dest[1].(**string) = r.level
	return nil
}

type accessDB map[string]accessRow

func (db accessDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	row, ok := db[args[0].(string)+"/"+args[1].(string)]
	if !ok {
		return accessRow{err: pgx.ErrNoRows}
	}
	return row
}

func TestPostgresAccess(t *testing.T) {
	editor, bogus := "editor", "admin"
	db := accessDB{
		"doc/alice": {owner: "alice"},
		"doc/bob":   {owner: "alice", level: &editor},
		"doc/carol": {owner: "alice"},
		"doc/dave":  {owner: "alice", level: &bogus},
		"doc/erin":  {err: errors.New("connection reset")},
	}
	p := NewPostgresAccess(db)
	ctx := context.Background()

	l, err := p.Check(ctx, "alice", "doc")
	require.NoError(t, err)
	assert.Equal(t, Owner, l)

	l, err = p.Check(ctx, "bob", "doc")
	require.NoError(t, err)
	assert.Equal(t, Editor, l)

	_, err = p.Check(ctx, "carol", "doc")
	assert.Equal(t, ErrAccessDenied, err)

	_, err = p.Check(ctx, "dave", "doc")
	assert.Error(t, err)

	_, err = p.Check(ctx, "erin", "doc")
	assert.ErrorContains(t, err, "connection reset")

	_, err = p.Check(ctx, "alice", "missing")
	assert.Equal(t, ErrDocumentNotFound, err)
}

func TestStaticTokens(t *testing.T) {
	tokens := StaticTokens{"t1": {UserID: "alice"}}
	id, err := tokens.Authenticate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	_, err = tokens.Authenticate(context.Background(), "t2")
	assert.Equal(t, ErrAuthentication, err)
}
