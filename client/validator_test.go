package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "http://taskd.test"

type jwksFixture struct {
	key     *rsa.PrivateKey
	kid     string
	server  *httptest.Server
	fetches atomic.Int64
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &jwksFixture{key: key, kid: "test-key-1"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &f.key.PublicKey,
			KeyID:     f.kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	signed, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func (f *jwksFixture) validator(audience string) *Validator {
	return NewValidator(ValidatorConfig{
		Issuer:   testIssuer,
		JWKSURL:  f.server.URL,
		Audience: audience,
		CacheTTL: time.Minute,
	})
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":       testIssuer,
		"sub":       "user-1",
		"aud":       testIssuer,
		"scope":     "tasks profile",
		"client_id": "client-1",
		"jti":       "token-1",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Minute).Unix(),
	}
}

func TestValidate(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(testIssuer)

	claims, err := v.Validate(context.Background(), f.sign(t, baseClaims()))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Issuer != testIssuer {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ClientID != "client-1" || claims.TokenID != "token-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "tasks" {
		t.Fatalf("scopes = %v", claims.Scopes)
	}
	if claims.ExpiresAt.IsZero() || claims.IssuedAt.IsZero() {
		t.Fatalf("timestamps not mapped: %+v", claims)
	}
}

func TestValidateRejections(t *testing.T) {
	f := newJWKSFixture(t)
	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		if _, err := f.validator(testIssuer).Validate(ctx, ""); err == nil {
			t.Fatalf("empty token must fail")
		}
	})

	t.Run("expired", func(t *testing.T) {
		mc := baseClaims()
		mc["iat"] = time.Now().Add(-2 * time.Hour).Unix()
		mc["exp"] = time.Now().Add(-time.Hour).Unix()
		if _, err := f.validator(testIssuer).Validate(ctx, f.sign(t, mc)); err == nil {
			t.Fatalf("expired token must fail")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		mc := baseClaims()
		mc["iss"] = "http://impostor.test"
		if _, err := f.validator(testIssuer).Validate(ctx, f.sign(t, mc)); err == nil {
			t.Fatalf("issuer mismatch must fail")
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		if _, err := f.validator("http://other-api.test").Validate(ctx, f.sign(t, baseClaims())); err == nil {
			t.Fatalf("audience mismatch must fail")
		}
	})

	t.Run("missing subject", func(t *testing.T) {
		mc := baseClaims()
		delete(mc, "sub")
		if _, err := f.validator(testIssuer).Validate(ctx, f.sign(t, mc)); err == nil {
			t.Fatalf("missing sub must fail")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
		tok.Header["kid"] = f.kid
		signed, err := tok.SignedString(other)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := f.validator(testIssuer).Validate(ctx, signed); err == nil {
			t.Fatalf("foreign signature must fail")
		}
	})
}

func TestJWKSCaching(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(testIssuer)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := v.Validate(ctx, f.sign(t, baseClaims())); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("JWKS fetched %d times, want 1", got)
	}
}

func TestKidMissTriggersRefresh(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(testIssuer)
	ctx := context.Background()

	if _, err := v.Validate(ctx, f.sign(t, baseClaims())); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Rotate the key on the server side. The cached set no longer has
	// the new kid, so validation forces a refetch.
	newKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f.key = newKey
	f.kid = "test-key-2"

	if _, err := v.Validate(ctx, f.sign(t, baseClaims())); err != nil {
		t.Fatalf("Validate after rotation: %v", err)
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("JWKS fetched %d times, want 2", got)
	}
}

func TestHasScopes(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	claims := &Claims{Scopes: []string{"tasks", "profile"}}

	if err := v.HasScopes(claims, "tasks"); err != nil {
		t.Fatalf("HasScopes: %v", err)
	}
	if err := v.HasScopes(claims); err != nil {
		t.Fatalf("no requirements always pass: %v", err)
	}
	if err := v.HasScopes(claims, "admin"); err == nil {
		t.Fatalf("missing scope must fail")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	f := newJWKSFixture(t)
	v := f.validator(testIssuer)

	var got *Claims
	handler := RequireAuth(v, "tasks")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+f.sign(t, baseClaims()))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got == nil || got.Subject != "user-1" {
			t.Fatalf("claims not in context: %+v", got)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("insufficient scope", func(t *testing.T) {
		mc := baseClaims()
		mc["scope"] = "profile"
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+f.sign(t, mc))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}
