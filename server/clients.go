package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskd/store"
)

var errInvalidClient = errors.New("invalid_client")

// ClientRegistry fronts the credential store for client lookup,
// authentication, and seeding from configuration.
type ClientRegistry struct {
	store store.CredentialStore
}

// NewClientRegistry wraps the credential store and loads seed clients.
func NewClientRegistry(ctx context.Context, cs store.CredentialStore, seeds []ClientConfig) (*ClientRegistry, error) {
	cr := &ClientRegistry{store: cs}
	for _, seed := range seeds {
		c := &store.Client{
			ID:           seed.ClientID,
			Name:         seed.Name,
			RedirectURIs: seed.RedirectURIs,
			Scope:        seed.Scope,
			Public:       seed.Public,
			CreatedAt:    time.Now(),
		}
		if seed.Public {
			c.TokenEndpointAuthMethod = "none"
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(seed.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash secret for client %s: %w", seed.ClientID, err)
			}
			c.SecretHash = string(hash)
			c.TokenEndpointAuthMethod = "client_secret_basic"
		}
		if err := cs.SaveClient(ctx, c); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("seed client %s: %w", seed.ClientID, err)
		}
	}
	return cr, nil
}

// Get retrieves a live client definition.
func (cr *ClientRegistry) Get(ctx context.Context, id string) (*store.Client, error) {
	c, err := cr.store.GetClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Revoked {
		return nil, store.ErrRevoked
	}
	return c, nil
}

// Authenticate validates client credentials. Public clients present no
// secret and are vouched for by PKCE at the token endpoint.
func (cr *ClientRegistry) Authenticate(ctx context.Context, id, secret string) (*store.Client, error) {
	if id == "" {
		return nil, errInvalidClient
	}
	c, err := cr.Get(ctx, id)
	if err != nil {
		return nil, errInvalidClient
	}
	if c.Public {
		if secret != "" {
			return nil, errInvalidClient
		}
		return c, nil
	}
	if secret == "" {
		return nil, errInvalidClient
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return nil, errInvalidClient
	}
	return c, nil
}

// ValidRedirect requires an exact byte match against a registered URI.
// No prefix, pattern, or port-only variants are accepted.
func ValidRedirect(c *store.Client, uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// isSafeRedirectURI blocks dangerous schemes and malformed URIs so the
// server never redirects somewhere an attacker controls.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Protocol-relative URLs could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]

	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Fragment tricks like http://evil.com#http://trusted.com/callback
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	return !strings.Contains(hostPart, "#")
}

// ValidateScope ensures requested scopes are a subset of the client's
// registered scope.
func ValidateScope(c *store.Client, requested string) bool {
	if requested == "" {
		return true
	}
	allowed := strings.Fields(c.Scope)
	for _, sc := range strings.Fields(requested) {
		if !slices.Contains(allowed, sc) {
			return false
		}
	}
	return true
}
