// Package session tracks revoked session tokens in Redis so logout takes
// effect on every service instance.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "blacklist:"

type Revocations struct {
	client redis.UniversalClient
}

func NewRevocations(client redis.UniversalClient) *Revocations {
	return &Revocations{client: client}
}

// tokens are hashed so the store never holds usable credentials
func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return blacklistPrefix + hex.EncodeToString(sum[:])
}

// Revoke blacklists token for ttl, normally the token's remaining lifetime.
// Already expired tokens need no entry.
func (r *Revocations) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, key(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (r *Revocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n > 0, nil
}
