package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "taskd:"

	// usedMarkerGrace keeps consumption markers around a little past
	// code expiry so a late replay is still recognizable as a replay.
	usedMarkerGrace = 10 * time.Minute
)

// RedisStore backs the credential store with Redis. Codes and refresh
// tokens carry native TTLs; single-use semantics ride on SETNX claim
// markers, which makes the winner of a concurrent redemption a single
// atomic Redis operation.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func clientKey(id string) string   { return keyPrefix + "client:" + id }
func codeKey(code string) string   { return keyPrefix + "code:" + code }
func codeUsedKey(c string) string  { return keyPrefix + "code:" + c + ":used" }
func rtKey(hash string) string     { return keyPrefix + "rt:" + hash }
func rtRevokedKey(h string) string { return keyPrefix + "rt:" + h + ":revoked" }

func familyKey(subject, clientID string) string {
	return keyPrefix + "family:" + subject + ":" + clientID
}

// SaveClient stores a client record as JSON with no TTL.
func (s *RedisStore) SaveClient(ctx context.Context, c *Client) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	return s.rdb.Set(ctx, clientKey(c.ID), payload, 0).Err()
}

// GetClient retrieves a client by identifier.
func (s *RedisStore) GetClient(ctx context.Context, id string) (*Client, error) {
	payload, err := s.rdb.Get(ctx, clientKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	var c Client
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return &c, nil
}

// RevokeClient flips the revoked flag on the stored record.
func (s *RedisStore) RevokeClient(ctx context.Context, id string) error {
	c, err := s.GetClient(ctx, id)
	if err != nil {
		return err
	}
	c.Revoked = true
	return s.SaveClient(ctx, c)
}

// SaveAuthCode persists an authorization code under its natural TTL.
func (s *RedisStore) SaveAuthCode(ctx context.Context, code *AuthorizationCode) error {
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal auth code: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, codeKey(code.Code), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("save auth code: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

// ConsumeAuthCode claims the code via SETNX on a consumption marker.
// Redis guarantees a single winner regardless of how many redemptions
// race; losers see the stored record with ErrConsumed. The marker
// carries the record itself, so a replay arriving after the code key's
// TTL still resolves to ErrConsumed with enough context for family
// revocation.
func (s *RedisStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	payload, err := s.rdb.Get(ctx, codeKey(code)).Bytes()
	if err == redis.Nil {
		used, uerr := s.rdb.Get(ctx, codeUsedKey(code)).Bytes()
		switch {
		case uerr == nil:
			var rec AuthorizationCode
			if jerr := json.Unmarshal(used, &rec); jerr != nil {
				return nil, fmt.Errorf("unmarshal consumed code: %w", jerr)
			}
			rec.Consumed = true
			return &rec, ErrConsumed
		case uerr == redis.Nil:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("check consumption marker: %w", uerr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get auth code: %w", err)
	}
	var rec AuthorizationCode
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal auth code: %w", err)
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, ErrExpired
	}

	markerTTL := time.Until(rec.ExpiresAt) + usedMarkerGrace
	claimed, err := s.rdb.SetNX(ctx, codeUsedKey(code), payload, markerTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim auth code: %w", err)
	}
	if !claimed {
		rec.Consumed = true
		return &rec, ErrConsumed
	}
	rec.Consumed = true
	return &rec, nil
}

// SaveRefreshToken stores the record and indexes it in its family set.
func (s *RedisStore) SaveRefreshToken(ctx context.Context, rt *RefreshToken) error {
	ttl := time.Until(rt.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	payload, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	fam := familyKey(rt.Subject, rt.ClientID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, rtKey(rt.Hash), payload, ttl)
	pipe.SAdd(ctx, fam, rt.Hash)
	pipe.Expire(ctx, fam, ttl+usedMarkerGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the record with its revocation marker folded in.
func (s *RedisStore) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	payload, err := s.rdb.Get(ctx, rtKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	var rt RefreshToken
	if err := json.Unmarshal(payload, &rt); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	revoked, err := s.rdb.Exists(ctx, rtRevokedKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	rt.Revoked = rt.Revoked || revoked > 0
	return &rt, nil
}

// RotateRefreshToken claims the revocation marker with SETNX, so only
// one concurrent rotation of the same token wins; a second presentation
// is reported as ErrRevoked, the reuse signal.
func (s *RedisStore) RotateRefreshToken(ctx context.Context, hash string, replacement *RefreshToken) (*RefreshToken, error) {
	old, err := s.GetRefreshToken(ctx, hash)
	if err != nil {
		return nil, err
	}
	if old.Revoked {
		return old, ErrRevoked
	}
	if time.Now().After(old.ExpiresAt) {
		return nil, ErrExpired
	}

	markerTTL := time.Until(old.ExpiresAt) + usedMarkerGrace
	claimed, err := s.rdb.SetNX(ctx, rtRevokedKey(hash), "1", markerTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim refresh token: %w", err)
	}
	if !claimed {
		old.Revoked = true
		return old, ErrRevoked
	}

	replacement.ParentHash = hash
	if err := s.SaveRefreshToken(ctx, replacement); err != nil {
		return nil, err
	}
	return old, nil
}

// RevokeRefreshToken sets the revocation marker unconditionally.
func (s *RedisStore) RevokeRefreshToken(ctx context.Context, hash string) error {
	ttl := usedMarkerGrace
	if live, err := s.rdb.TTL(ctx, rtKey(hash)).Result(); err == nil && live > 0 {
		ttl = live + usedMarkerGrace
	}
	return s.rdb.Set(ctx, rtRevokedKey(hash), "1", ttl).Err()
}

// RevokeFamily marks every hash indexed for the subject+client pair.
func (s *RedisStore) RevokeFamily(ctx context.Context, subject, clientID string) (int, error) {
	hashes, err := s.rdb.SMembers(ctx, familyKey(subject, clientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("family members: %w", err)
	}
	n := 0
	for _, h := range hashes {
		ttl := usedMarkerGrace
		if live, err := s.rdb.TTL(ctx, rtKey(h)).Result(); err == nil && live > 0 {
			ttl = live + usedMarkerGrace
		}
		claimed, err := s.rdb.SetNX(ctx, rtRevokedKey(h), "1", ttl).Result()
		if err != nil {
			return n, fmt.Errorf("revoke family member: %w", err)
		}
		if claimed {
			n++
		}
	}
	return n, nil
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
