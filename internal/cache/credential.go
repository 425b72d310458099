package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNoCredential = errors.New("no cached credential")

// CredentialStore caches the registry session credential with a TTL.
type CredentialStore struct {
	client redis.UniversalClient
	key    string
}

func NewCredentialStore(client redis.UniversalClient, hubName string) *CredentialStore {
	return &CredentialStore{client: client, key: hubName + ":registry_access_token"}
}

func (s *CredentialStore) Get(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return token, nil
}

func (s *CredentialStore) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
