package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRoleDirectory answers "who holds role R in tenant T" from Redis sets
// maintained by the identity service: key crm:tenant:<tenant>:role:<role>,
// members are user IDs.
type RedisRoleDirectory struct {
	client *redis.Client
	prefix string
}

// NewRedisRoleDirectory connects to redisURL and pings it.
func NewRedisRoleDirectory(redisURL string) (*RedisRoleDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRoleDirectoryWithClient(client), nil
}

// NewRedisRoleDirectoryWithClient wraps an existing client.
func NewRedisRoleDirectoryWithClient(client *redis.Client) *RedisRoleDirectory {
	return &RedisRoleDirectory{client: client, prefix: "crm:tenant:"}
}

func (d *RedisRoleDirectory) key(tenantID, role string) string {
	return d.prefix + tenantID + ":role:" + role
}

// UsersWithRole returns the sorted user IDs holding role in the tenant.
func (d *RedisRoleDirectory) UsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	members, err := d.client.SMembers(ctx, d.key(tenantID, role)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup role %s: %w", role, err)
	}
	sort.Strings(members)
	return members, nil
}

// Assign adds users to a role. The identity service owns this data; the
// method exists for seeding development environments.
func (d *RedisRoleDirectory) Assign(ctx context.Context, tenantID, role string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]any, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	return d.client.SAdd(ctx, d.key(tenantID, role), members...).Err()
}

// Close releases the Redis connection.
func (d *RedisRoleDirectory) Close() error {
	return d.client.Close()
}

// StaticRoleDirectory is an in-memory directory for the memory store driver
// and tests.
type StaticRoleDirectory struct {
	mu    sync.RWMutex
	users map[string]map[string][]string // tenant -> role -> users
}

// NewStaticRoleDirectory returns an empty directory.
func NewStaticRoleDirectory() *StaticRoleDirectory {
	return &StaticRoleDirectory{users: make(map[string]map[string][]string)}
}

// Assign adds users to a role.
func (d *StaticRoleDirectory) Assign(_ context.Context, tenantID, role string, userIDs ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[tenantID] == nil {
		d.users[tenantID] = make(map[string][]string)
	}
	d.users[tenantID][role] = append(d.users[tenantID][role], userIDs...)
	return nil
}

// UsersWithRole returns the users holding role in the tenant.
func (d *StaticRoleDirectory) UsersWithRole(_ context.Context, tenantID, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]string(nil), d.users[tenantID][role]...)
	sort.Strings(out)
	return out, nil
}
