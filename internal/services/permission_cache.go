package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/echoboard/internal/config"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// PermissionCache remembers the project role of active memberships.
// A cached empty role means "not an active member".
type PermissionCache interface {
	Get(ctx context.Context, projectID, userID uint) (role models.Role, ok bool)
	Set(ctx context.Context, projectID, userID uint, role models.Role)
	Invalidate(ctx context.Context, projectID, userID uint)
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) Get(context.Context, uint, uint) (models.Role, bool) { return "", false }
func (NoopCache) Set(context.Context, uint, uint, models.Role)        {}
func (NoopCache) Invalidate(context.Context, uint, uint)              {}

const (
	noMembership = "-"
	invalidated  = "!"
)

// tombstoneTTL is how long an invalidated key refuses fills. It must outlast
// a membership read on another instance that started before the change
// committed.
const tombstoneTTL = 10 * time.Second

// RedisPermissionCache stores entries under perm:<project>:<user>.
type RedisPermissionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPermissionCache connects to Redis and verifies the connection.
func NewRedisPermissionCache(ctx context.Context, cfg *config.RedisConfig, ttl time.Duration) (*RedisPermissionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("permission cache: ping redis: %w", err)
	}
	return NewRedisPermissionCacheFromClient(client, ttl), nil
}

func NewRedisPermissionCacheFromClient(client *redis.Client, ttl time.Duration) *RedisPermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPermissionCache{client: client, ttl: ttl}
}

func permissionKey(projectID, userID uint) string {
	return fmt.Sprintf("perm:%d:%d", projectID, userID)
}

// Get treats Redis errors as misses.
func (c *RedisPermissionCache) Get(ctx context.Context, projectID, userID uint) (models.Role, bool) {
	val, err := c.client.Get(ctx, permissionKey(projectID, userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logWarnCache("get", err)
		}
		return "", false
	}
	return decodeCachedRole(val)
}

func decodeCachedRole(val string) (models.Role, bool) {
	switch val {
	case invalidated:
		return "", false
	case noMembership:
		return "", true
	}
	return models.Role(val), true
}

// Set only fills absent keys, so it cannot overwrite a tombstone left by
// Invalidate.
func (c *RedisPermissionCache) Set(ctx context.Context, projectID, userID uint, role models.Role) {
	val := string(role)
	if val == "" {
		val = noMembership
	}
	if err := c.client.SetNX(ctx, permissionKey(projectID, userID), val, c.ttl).Err(); err != nil {
		logWarnCache("set", err)
	}
}

// Invalidate replaces the entry with a short-lived tombstone.
func (c *RedisPermissionCache) Invalidate(ctx context.Context, projectID, userID uint) {
	if err := c.client.Set(ctx, permissionKey(projectID, userID), invalidated, tombstoneTTL).Err(); err != nil {
		logWarnCache("invalidate", err)
	}
}

func (c *RedisPermissionCache) Close() error {
	return c.client.Close()
}

func logWarnCache(op string, err error) {
	logger.Warn().Err(err).Str("op", op).Msg("[PermissionCache] Redis error")
}
