package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PortRegistry is the Redis set of serial ports owned by a running session.
type PortRegistry struct {
	client redis.UniversalClient
	key    string
}

func NewPortRegistry(client redis.UniversalClient, hubName string) *PortRegistry {
	return &PortRegistry{client: client, key: hubName + ":serial_ports"}
}

// Claim adds the port and reports whether this call added it.
func (r *PortRegistry) Claim(ctx context.Context, port string) (bool, error) {
	added, err := r.client.SAdd(ctx, r.key, port).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim port %s: %w", port, err)
	}
	return added == 1, nil
}

func (r *PortRegistry) Release(ctx context.Context, port string) error {
	if err := r.client.SRem(ctx, r.key, port).Err(); err != nil {
		return fmt.Errorf("failed to release port %s: %w", port, err)
	}
	return nil
}

func (r *PortRegistry) Contains(ctx context.Context, port string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, port).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check port %s: %w", port, err)
	}
	return ok, nil
}

func (r *PortRegistry) Members(ctx context.Context) ([]string, error) {
	ports, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return ports, nil
}

// Clear drops every member, used at startup to forget ports of a previous process.
func (r *PortRegistry) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear port registry: %w", err)
	}
	return nil
}
