// Package token persists the opaque bearer tokens the manager mints for
// authenticated users.
//
// Tokens never expire; they stay valid until logout revokes them. That
// mirrors the deployment model this manager was built for and is tracked as
// a security follow-up, not silently changed here.
package token

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mautrix/manager/pkg/manager/matrix"
)

const secretLength = 64

const secretAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	// ErrNotFound is returned by Lookup when no token has the given secret.
	// It is a normal outcome, not a failure; the auth layer turns it into an
	// authorization error.
	ErrNotFound = errors.New("access token not found")
	// ErrSecretCollision indicates a freshly generated secret already exists
	// in the store. With 64 characters of entropy this is a generation bug,
	// not something to retry.
	ErrSecretCollision = errors.New("generated token secret already exists")
)

// Token is one persisted access token.
type Token struct {
	UserID matrix.UserID
	Secret string
}

// Store is the sqlite-backed access token table. It is the only writer of
// that table; every lookup hits the database so revocation is immediate.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the sqlite database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Init creates the access token table if it doesn't exist yet.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS access_token (
		user_id VARCHAR(255),
		secret  VARCHAR(255) PRIMARY KEY
	)`)
	if err != nil {
		return fmt.Errorf("create access_token table: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create mints a new token for owner and persists it. The insert relies on
// the primary key to fail loudly on a secret collision rather than
// overwriting an existing row.
func (s *Store) Create(ctx context.Context, owner matrix.UserID) (Token, error) {
	secret, err := randomSecret()
	if err != nil {
		return Token{}, fmt.Errorf("generate token secret: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO access_token (user_id, secret) VALUES (?, ?)",
		string(owner), secret)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Token{}, ErrSecretCollision
		}
		return Token{}, fmt.Errorf("insert access token: %w", err)
	}

	return Token{UserID: owner, Secret: secret}, nil
}

// Lookup returns the token with the given secret, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, secret string) (Token, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_id, secret FROM access_token WHERE secret = ?", secret)

	var tok Token
	var userID string
	if err := row.Scan(&userID, &tok.Secret); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrNotFound
		}
		return Token{}, fmt.Errorf("query access token: %w", err)
	}
	tok.UserID = matrix.UserID(userID)
	return tok, nil
}

// Revoke deletes the token with the given secret. Revoking an unknown
// secret is not an error.
func (s *Store) Revoke(ctx context.Context, secret string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM access_token WHERE secret = ?", secret)
	if err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	return nil
}

func randomSecret() (string, error) {
	var sb strings.Builder
	sb.Grow(secretLength)
	max := big.NewInt(int64(len(secretAlphabet)))
	for i := 0; i < secretLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(secretAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
