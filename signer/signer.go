// Package signer holds the token signing key material: a current
// RSA key, a bounded window of previous keys for rotation, and an
// optional HS256 shared secret for local development. Verification
// selects keys explicitly by kid; there is no try-every-key fallback.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// previousKeyWindow bounds how many retired keys still verify.
const previousKeyWindow = 1

// ErrUnknownKey indicates a token referenced a kid outside the
// rotation window.
var ErrUnknownKey = errors.New("signer: unknown signing key")

// Config controls key material handling.
type Config struct {
	// JWKSPath persists the private key set across restarts. Empty
	// disables persistence.
	JWKSPath string
	// RotateInterval enables background rotation when positive.
	RotateInterval time.Duration
	// DevSecret enables the HS256 scheme for local use. Tokens signed
	// with it are only ever accepted while the secret is configured.
	DevSecret string
}

type keyPair struct {
	privateKey *rsa.PrivateKey
	jwk        jose.JSONWebKey
	kid        string
	createdAt  time.Time
}

// Signer signs and verifies compact tokens against a versioned key set.
type Signer struct {
	mu        sync.RWMutex
	current   keyPair
	previous  []keyPair
	devSecret []byte

	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// New loads or creates the key set.
func New(cfg Config, logger *slog.Logger) (*Signer, error) {
	s := &Signer{
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}
	if cfg.DevSecret != "" {
		s.devSecret = []byte(cfg.DevSecret)
	}

	if cfg.JWKSPath != "" {
		if err := s.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if s.current.privateKey == nil {
		if err := s.Rotate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ValidMethods lists the algorithms a verifier should accept from this
// key set.
func (s *Signer) ValidMethods() []string {
	methods := []string{jwt.SigningMethodRS256.Alg()}
	if len(s.devSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	return methods
}

// Sign produces a compact RS256 token carrying the current kid.
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s.mu.RLock()
	defer s.mu.RUnlock()
	token.Header["kid"] = s.current.kid
	return token.SignedString(s.current.privateKey)
}

// SignHS produces an HS256 token for local setups. Fails when no dev
// secret is configured.
func (s *Signer) SignHS(claims jwt.Claims) (string, error) {
	if len(s.devSecret) == 0 {
		return "", errors.New("signer: hs256 not configured")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.devSecret)
}

// Keyfunc resolves verification keys for golang-jwt. RS256 tokens must
// name a kid inside the rotation window; HS256 tokens verify only when
// the dev secret is configured.
func (s *Signer) Keyfunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case jwt.SigningMethodHS256.Alg():
		if len(s.devSecret) == 0 {
			return nil, ErrUnknownKey
		}
		return s.devSecret, nil
	case jwt.SigningMethodRS256.Alg():
		kid, _ := token.Header["kid"].(string)
		s.mu.RLock()
		defer s.mu.RUnlock()
		if kid == s.current.kid {
			return &s.current.privateKey.PublicKey, nil
		}
		for _, prev := range s.previous {
			if prev.kid == kid {
				return &prev.privateKey.PublicKey, nil
			}
		}
		return nil, ErrUnknownKey
	default:
		return nil, fmt.Errorf("signer: unexpected algorithm %q", token.Method.Alg())
	}
}

// PublicJWKS exposes the public half of the window for the JWKS
// endpoint. The dev secret is never published.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []jose.JSONWebKey{s.current.jwk.Public()}
	for _, prev := range s.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a fresh RSA key, retiring the current one into the
// verification window.
func (s *Signer) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	s.mu.Lock()
	if s.current.privateKey != nil {
		s.previous = append([]keyPair{s.current}, s.previous...)
		if len(s.previous) > previousKeyWindow {
			s.previous = s.previous[:previousKeyWindow]
		}
	}
	s.current = keyPair{privateKey: key, jwk: jwk, kid: kid, createdAt: time.Now()}
	s.mu.Unlock()

	if s.storePath != "" {
		if err := s.persist(); err != nil {
			return err
		}
	}
	return nil
}

// StartRotation launches the background rotation ticker.
func (s *Signer) StartRotation(stop <-chan struct{}) {
	if s.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Rotate(); err != nil {
					s.logger.Error("key rotation failed", "error", err)
				} else {
					s.logger.Info("signing key rotated")
				}
			case <-stop:
				return
			}
		}
	}()
}

func (s *Signer) persist() error {
	s.mu.RLock()
	keys := []jose.JSONWebKey{s.current.jwk}
	for _, prev := range s.previous {
		keys = append(keys, prev.jwk)
	}
	s.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jwks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.storePath, payload, 0o600)
}

func (s *Signer) loadFromDisk() error {
	payload, err := os.ReadFile(s.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("parse jwks file: %w", err)
	}
	if len(set.Keys) == 0 {
		return errors.New("signer: empty jwks file")
	}

	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{privateKey: priv, jwk: key, kid: key.KeyID, createdAt: time.Now()}
		if i == 0 {
			s.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	if len(prev) > previousKeyWindow {
		prev = prev[:previousKeyWindow]
	}
	s.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
