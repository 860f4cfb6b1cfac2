package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore keeps hard-revoked token ids in Redis until they expire.
type RevocationStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRevocationStore constructs a RevocationStore.
func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client, now: time.Now}
}

// Revoke marks tokenID as revoked until the given expiry. Tokens that already
// expired need no entry.
func (s *RevocationStore) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if s == nil || s.client == nil {
		return errors.New("auth: revocation store not initialised")
	}
	if tokenID == "" {
		return errors.New("auth: token id required")
	}
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked reports whether tokenID was revoked.
func (s *RevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func revocationKey(tokenID string) string {
	return "auth:revoked:" + tokenID
}

var _ RevocationChecker = (*RevocationStore)(nil)
