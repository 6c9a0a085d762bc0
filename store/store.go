// Package store persists OAuth credential state: registered clients,
// outstanding authorization codes, and refresh tokens tracked by hash.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the record does not exist or has been removed.
	ErrNotFound = errors.New("store: not found")
	// ErrConsumed indicates an authorization code was already redeemed.
	ErrConsumed = errors.New("store: already consumed")
	// ErrRevoked indicates a refresh token was already revoked or rotated away.
	ErrRevoked = errors.New("store: revoked")
	// ErrExpired indicates the record exists but its TTL has passed.
	ErrExpired = errors.New("store: expired")
	// ErrDuplicate indicates a unique key collision on insert.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Client records a registered OAuth client.
type Client struct {
	ID                      string    `json:"client_id"`
	Name                    string    `json:"client_name,omitempty"`
	SecretHash              string    `json:"secret_hash,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	Scope                   string    `json:"scope,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	Public                  bool      `json:"public"`
	Revoked                 bool      `json:"revoked,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// AuthorizationCode is a one-time proof of a completed authorization.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Subject             string    `json:"subject"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	IssuedAt            time.Time `json:"issued_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed,omitempty"`
}

// RefreshToken tracks an issued refresh token by hash. The raw token
// value is never stored.
type RefreshToken struct {
	Hash       string    `json:"hash"`
	ClientID   string    `json:"client_id"`
	Subject    string    `json:"subject"`
	Scope      string    `json:"scope,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked,omitempty"`
	ParentHash string    `json:"parent_hash,omitempty"`
}

// CredentialStore is the shared mutable state of the authorization
// server. All mutation is row-scoped; the consume and rotate operations
// are the concurrency-sensitive points and must behave as single
// conditional updates.
type CredentialStore interface {
	SaveClient(ctx context.Context, c *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	RevokeClient(ctx context.Context, id string) error

	SaveAuthCode(ctx context.Context, code *AuthorizationCode) error
	// ConsumeAuthCode atomically marks the code consumed and returns it.
	// Under concurrent redemption of the same code exactly one call
	// succeeds; the rest observe ErrConsumed. Replayed codes return the
	// stored record alongside ErrConsumed so callers can act on the
	// theft signal.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)

	SaveRefreshToken(ctx context.Context, rt *RefreshToken) error
	GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error)
	// RotateRefreshToken atomically revokes the token at hash and stores
	// its replacement. A token that was already rotated or revoked
	// returns the stored record alongside ErrRevoked.
	RotateRefreshToken(ctx context.Context, hash string, replacement *RefreshToken) (*RefreshToken, error)
	// RevokeRefreshToken is idempotent: revoking an unknown or
	// already-revoked hash is not an error.
	RevokeRefreshToken(ctx context.Context, hash string) error
	// RevokeFamily revokes every live refresh token bound to the
	// subject+client pair and reports how many were revoked.
	RevokeFamily(ctx context.Context, subject, clientID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// NewToken generates a high-entropy opaque token value.
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("store: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// HashToken returns the hex SHA-256 of a raw token value. Only hashes
// are ever persisted or compared.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
