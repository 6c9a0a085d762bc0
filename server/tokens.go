package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskd/events"
	"taskd/metrics"
	"taskd/signer"
	"taskd/store"
)

// Sentinel errors surfaced to the HTTP layer. Grant failures never
// disclose which check rejected the request.
var (
	ErrInvalidGrant = errors.New("invalid_grant")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AccessTokenClaims captures the JWT claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints, refreshes, revokes, and validates tokens.
type TokenService struct {
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      store.CredentialStore
	signer     *signer.Signer
	devHS      bool
	emitter    events.Emitter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewTokenService constructs a TokenService.
func NewTokenService(cfg Config, cs store.CredentialStore, sg *signer.Signer, em events.Emitter, m *metrics.Metrics, logger *slog.Logger) *TokenService {
	audience := cfg.Tokens.Audience
	if audience == "" {
		audience = cfg.Issuer()
	}
	return &TokenService{
		issuer:     cfg.Issuer(),
		audience:   audience,
		accessTTL:  cfg.AccessTTL(),
		refreshTTL: cfg.RefreshTTL(),
		store:      cs,
		signer:     sg,
		devHS:      cfg.Keys.DevSecret != "",
		emitter:    em,
		metrics:    m,
		logger:     logger,
	}
}

// ExchangeCode redeems an authorization code for a token pair. The
// consume is atomic: under concurrent redemption exactly one caller
// wins. A replayed code revokes every refresh token already issued to
// its subject and client.
func (ts *TokenService) ExchangeCode(ctx context.Context, client *store.Client, code, redirectURI, verifier string) (TokenResponse, error) {
	rec, err := ts.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrConsumed) && rec != nil {
			n, ferr := ts.store.RevokeFamily(ctx, rec.Subject, rec.ClientID)
			if ferr != nil {
				ts.logger.Error("revoke family after code replay", "client_id", rec.ClientID, "error", ferr)
			}
			ts.logger.Warn("authorization code replayed", "client_id", rec.ClientID, "revoked", n)
			ts.metrics.Add(ctx, ts.metrics.ReuseDetected, rec.ClientID)
			ts.emitter.Emit(ctx, events.Event{
				Name:     events.CodeReplayed,
				At:       time.Now(),
				ClientID: rec.ClientID,
				Subject:  rec.Subject,
				Fields:   map[string]string{"revoked_tokens": fmt.Sprint(n)},
			})
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) || errors.Is(err, store.ErrConsumed) {
			return TokenResponse{}, fmt.Errorf("%w: code invalid or expired", ErrInvalidGrant)
		}
		// Anything else is store trouble, not a grant failure; the
		// handler surfaces it as server_error.
		return TokenResponse{}, fmt.Errorf("consume auth code: %w", err)
	}

	if rec.ClientID != client.ID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if rec.RedirectURI != redirectURI {
		return TokenResponse{}, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if err := verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, verifier); err != nil {
		ts.metrics.Add(ctx, ts.metrics.PKCEFailures, client.ID)
		return TokenResponse{}, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}

	resp, err := ts.mintPair(ctx, client.ID, rec.Subject, rec.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	ts.metrics.Add(ctx, ts.metrics.CodesExchanged, client.ID)
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.TokenIssued,
		At:       time.Now(),
		ClientID: client.ID,
		Subject:  rec.Subject,
	})
	return resp, nil
}

// Refresh rotates a refresh token and issues a fresh pair. Presenting
// an already-rotated token is treated as theft: the whole family for
// that subject and client is revoked.
func (ts *TokenService) Refresh(ctx context.Context, client *store.Client, raw string) (TokenResponse, error) {
	hash := store.HashToken(raw)
	rt, err := ts.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return TokenResponse{}, fmt.Errorf("%w: refresh token unknown", ErrInvalidGrant)
		}
		return TokenResponse{}, fmt.Errorf("get refresh token: %w", err)
	}
	if rt.ClientID != client.ID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", ErrInvalidGrant)
	}
	if rt.Revoked {
		return TokenResponse{}, ts.handleRefreshReuse(ctx, rt)
	}
	if time.Now().After(rt.ExpiresAt) {
		_ = ts.store.RevokeRefreshToken(ctx, hash)
		return TokenResponse{}, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	newRaw := store.NewToken()
	replacement := &store.RefreshToken{
		Hash:       store.HashToken(newRaw),
		ClientID:   rt.ClientID,
		Subject:    rt.Subject,
		Scope:      rt.Scope,
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(ts.refreshTTL),
		ParentHash: hash,
	}
	if _, err := ts.store.RotateRefreshToken(ctx, hash, replacement); err != nil {
		if errors.Is(err, store.ErrRevoked) {
			// Lost the race against a concurrent presentation of the
			// same token. One of the two was not the legitimate client.
			return TokenResponse{}, ts.handleRefreshReuse(ctx, rt)
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return TokenResponse{}, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
		}
		return TokenResponse{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	access, err := ts.mintAccessToken(client.ID, rt.Subject, rt.Scope)
	if err != nil {
		return TokenResponse{}, err
	}

	ts.metrics.Add(ctx, ts.metrics.TokensRefreshed, client.ID)
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.TokenRefreshed,
		At:       time.Now(),
		ClientID: client.ID,
		Subject:  rt.Subject,
	})
	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: newRaw,
		Scope:        rt.Scope,
	}, nil
}

func (ts *TokenService) handleRefreshReuse(ctx context.Context, rt *store.RefreshToken) error {
	n, err := ts.store.RevokeFamily(ctx, rt.Subject, rt.ClientID)
	if err != nil {
		ts.logger.Error("revoke family after refresh reuse", "client_id", rt.ClientID, "error", err)
	}
	ts.logger.Warn("rotated refresh token presented again", "client_id", rt.ClientID, "revoked", n)
	ts.metrics.Add(ctx, ts.metrics.ReuseDetected, rt.ClientID)
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.RefreshReuse,
		At:       time.Now(),
		ClientID: rt.ClientID,
		Subject:  rt.Subject,
		Fields:   map[string]string{"revoked_tokens": fmt.Sprint(n)},
	})
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.FamilyRevoked,
		At:       time.Now(),
		ClientID: rt.ClientID,
		Subject:  rt.Subject,
	})
	return fmt.Errorf("%w: refresh token revoked", ErrInvalidGrant)
}

// Revoke implements RFC 7009 semantics: clients may only revoke their
// own tokens, and the outcome is never disclosed. Access tokens are
// stateless JWTs and simply age out.
func (ts *TokenService) Revoke(ctx context.Context, client *store.Client, raw string) {
	hash := store.HashToken(raw)
	rt, err := ts.store.GetRefreshToken(ctx, hash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			ts.logger.Error("lookup token for revocation", "client_id", client.ID, "error", err)
		}
		return
	}
	if rt.ClientID != client.ID {
		return
	}
	if err := ts.store.RevokeRefreshToken(ctx, hash); err != nil {
		ts.logger.Error("revoke refresh token", "client_id", client.ID, "error", err)
		return
	}
	ts.metrics.Add(ctx, ts.metrics.TokensRevoked, client.ID)
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.TokenRevoked,
		At:       time.Now(),
		ClientID: client.ID,
		Subject:  rt.Subject,
	})
}

// ValidateAccessToken parses and validates a minted JWT. Expired
// tokens are reported distinctly so resource endpoints can tell the
// client to refresh.
func (ts *TokenService) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(ts.signer.ValidMethods()),
		jwt.WithIssuer(ts.issuer),
		jwt.WithAudience(ts.audience),
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ts.signer.Keyfunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// IssueCode mints and stores a one-time authorization code.
func (ts *TokenService) IssueCode(ctx context.Context, req AuthorizeRequest, subject string, ttl time.Duration) (string, error) {
	code := store.NewToken()
	rec := &store.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Subject:             subject,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IssuedAt:            time.Now(),
		ExpiresAt:           time.Now().Add(ttl),
	}
	if err := ts.store.SaveAuthCode(ctx, rec); err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}
	ts.metrics.Add(ctx, ts.metrics.CodesIssued, req.ClientID)
	ts.emitter.Emit(ctx, events.Event{
		Name:     events.CodeIssued,
		At:       time.Now(),
		ClientID: req.ClientID,
		Subject:  subject,
	})
	return code, nil
}

func (ts *TokenService) mintPair(ctx context.Context, clientID, subject, scope string) (TokenResponse, error) {
	access, err := ts.mintAccessToken(clientID, subject, scope)
	if err != nil {
		return TokenResponse{}, err
	}

	raw := store.NewToken()
	rt := &store.RefreshToken{
		Hash:      store.HashToken(raw),
		ClientID:  clientID,
		Subject:   subject,
		Scope:     scope,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ts.refreshTTL),
	}
	if err := ts.store.SaveRefreshToken(ctx, rt); err != nil {
		return TokenResponse{}, fmt.Errorf("save refresh token: %w", err)
	}

	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ts.accessTTL.Seconds()),
		RefreshToken: raw,
		Scope:        scope,
	}, nil
}

func (ts *TokenService) mintAccessToken(clientID, subject, scope string) (string, error) {
	now := time.Now()
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{ts.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	// With a dev secret configured tokens are minted HS256, so local
	// tooling can verify them against the shared secret without JWKS.
	sign := ts.signer.Sign
	if ts.devHS {
		sign = ts.signer.SignHS
	}
	token, err := sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// verifyPKCE checks the S256 code challenge against the presented
// verifier. The comparison is constant time.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" || method != "S256" {
		return errors.New("pkce challenge missing")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return errors.New("code_verifier length out of range")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errors.New("pkce verification failed")
	}
	return nil
}

// ScopeContains reports whether a space-separated scope string grants
// the given scope value.
func ScopeContains(scope, want string) bool {
	for _, sc := range strings.Fields(scope) {
		if sc == want {
			return true
		}
	}
	return false
}
