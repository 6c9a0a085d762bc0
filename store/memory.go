package store

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// MemoryStore keeps credential state in process memory. Suitable for
// dev mode and tests; a restart forgets every outstanding code and
// refresh token.
type MemoryStore struct {
	mu            sync.Mutex
	clients       map[string]*Client
	authCodes     map[string]*AuthorizationCode
	refreshTokens map[string]*RefreshToken

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore constructs the store and starts a janitor that sweeps
// expired codes and tokens.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		clients:       make(map[string]*Client),
		authCodes:     make(map[string]*AuthorizationCode),
		refreshTokens: make(map[string]*RefreshToken),
		stop:          make(chan struct{}),
	}
	go s.janitor(defaultSweepInterval)
	return s
}

func (s *MemoryStore) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.authCodes {
		cutoff := c.ExpiresAt
		if c.Consumed {
			cutoff = cutoff.Add(usedMarkerGrace)
		}
		if now.After(cutoff) {
			delete(s.authCodes, k)
		}
	}
	for k, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, k)
		}
	}
}

// SaveClient stores or replaces a client record.
func (s *MemoryStore) SaveClient(ctx context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

// GetClient retrieves a client by identifier.
func (s *MemoryStore) GetClient(ctx context.Context, id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// RevokeClient soft-deletes a client. Outstanding token records keep
// referencing it.
func (s *MemoryStore) RevokeClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.Revoked = true
	return nil
}

// SaveAuthCode persists an authorization code.
func (s *MemoryStore) SaveAuthCode(ctx context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authCodes[code.Code]; exists {
		return ErrDuplicate
	}
	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

// ConsumeAuthCode performs the check-then-consume step under the store
// mutex, so concurrent redemptions of one code serialize and exactly
// one observes the unconsumed record.
func (s *MemoryStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.authCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	// A consumed record reads as a replay even past its expiry, until
	// the janitor finally drops it.
	if rec.Consumed {
		cp := *rec
		return &cp, ErrConsumed
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.authCodes, code)
		return nil, ErrExpired
	}
	rec.Consumed = true
	cp := *rec
	return &cp, nil
}

// SaveRefreshToken stores a refresh token record keyed by hash.
func (s *MemoryStore) SaveRefreshToken(ctx context.Context, rt *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.refreshTokens[rt.Hash] = &cp
	return nil
}

// GetRefreshToken fetches a refresh token record by hash.
func (s *MemoryStore) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

// RotateRefreshToken revokes the old record and stores the replacement
// in one critical section.
func (s *MemoryStore) RotateRefreshToken(ctx context.Context, hash string, replacement *RefreshToken) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	if rt.Revoked {
		cp := *rt
		return &cp, ErrRevoked
	}
	if time.Now().After(rt.ExpiresAt) {
		delete(s.refreshTokens, hash)
		return nil, ErrExpired
	}
	rt.Revoked = true
	cp := *replacement
	cp.ParentHash = hash
	s.refreshTokens[replacement.Hash] = &cp
	old := *rt
	return &old, nil
}

// RevokeRefreshToken marks a refresh token revoked. Unknown hashes are
// ignored so callers can stay non-disclosing.
func (s *MemoryStore) RevokeRefreshToken(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.refreshTokens[hash]; ok {
		rt.Revoked = true
	}
	return nil
}

// RevokeFamily revokes every live refresh token for a subject+client.
func (s *MemoryStore) RevokeFamily(ctx context.Context, subject, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.refreshTokens {
		if rt.Subject == subject && rt.ClientID == clientID && !rt.Revoked {
			rt.Revoked = true
			n++
		}
	}
	return n, nil
}

// Ping reports the store as healthy while the process is alive.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
