package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/akademi/internal/identity"
	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Cache stores approved grants per user and resource type for a bounded TTL.
// The TTL caps how long a revoked grant can stay effective.
//
// Every Invalidate bumps a per-user generation. Set only writes when the
// generation still matches the one read before the store load, so a load that
// raced an invalidation never puts the old grants back.
type Cache interface {
	Get(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, bool, error)
	Generation(ctx context.Context, email string) (uint64, error)
	Set(ctx context.Context, email string, rt rbac.ResourceType, gen uint64, grants []rbac.PermissionGrant) error
	Invalidator
}

func cacheKey(email string, rt rbac.ResourceType) string {
	return fmt.Sprintf("grants:v1:%s:%s", email, rt)
}

func generationKey(email string) string {
	return "grants:v1:gen:" + email
}

// generationTTL must outlive any in-flight store load.
const generationTTL = 24 * time.Hour

var setIfGeneration = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisCache shares cached grants between instances through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the Redis cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get loads cached grants.
func (c *RedisCache) Get(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, bool, error) {
	payload, err := c.client.Get(ctx, cacheKey(email, rt)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var grants []rbac.PermissionGrant
	if err := json.Unmarshal(payload, &grants); err != nil {
		return nil, false, err
	}
	return grants, true, nil
}

// Generation returns the user's invalidation counter.
func (c *RedisCache) Generation(ctx context.Context, email string) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(email)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set stores grants with the configured TTL unless the user was invalidated
// after gen was read. The check and the write run as one script.
func (c *RedisCache) Set(ctx context.Context, email string, rt rbac.ResourceType, gen uint64, grants []rbac.PermissionGrant) error {
	if grants == nil {
		grants = []rbac.PermissionGrant{}
	}
	raw, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	keys := []string{generationKey(email), cacheKey(email, rt)}
	return setIfGeneration.Run(ctx, c.client, keys, strconv.FormatUint(gen, 10), raw, c.ttl.Milliseconds()).Err()
}

// Invalidate bumps the user's generation and drops every cached resource
// type.
func (c *RedisCache) Invalidate(ctx context.Context, email string) error {
	email = identity.NormalizeEmail(email)
	keys := make([]string, 0, len(rbac.ResourceTypes()))
	for _, rt := range rbac.ResourceTypes() {
		keys = append(keys, cacheKey(email, rt))
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(email))
		pipe.Expire(ctx, generationKey(email), generationTTL)
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// MemoryCache is an in-process expirable LRU used when Redis is not
// configured. Invalidation only reaches this instance; other instances wait
// out the TTL.
type MemoryCache struct {
	cache *lru.LRU[string, []rbac.PermissionGrant]

	mu          sync.Mutex
	generations map[string]uint64
}

// NewMemoryCache builds a MemoryCache holding up to size entries.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryCache{
		cache:       lru.NewLRU[string, []rbac.PermissionGrant](size, nil, ttl),
		generations: make(map[string]uint64),
	}
}

// Get loads cached grants.
func (c *MemoryCache) Get(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, bool, error) {
	grants, ok := c.cache.Get(cacheKey(email, rt))
	return grants, ok, nil
}

// Generation returns the user's invalidation counter.
func (c *MemoryCache) Generation(ctx context.Context, email string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[email], nil
}

// Set stores grants unless the user was invalidated after gen was read.
func (c *MemoryCache) Set(ctx context.Context, email string, rt rbac.ResourceType, gen uint64, grants []rbac.PermissionGrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[email] != gen {
		return nil
	}
	c.cache.Add(cacheKey(email, rt), grants)
	return nil
}

// Invalidate bumps the user's generation and drops every cached resource
// type.
func (c *MemoryCache) Invalidate(ctx context.Context, email string) error {
	email = identity.NormalizeEmail(email)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[email]++
	for _, rt := range rbac.ResourceTypes() {
		c.cache.Remove(cacheKey(email, rt))
	}
	return nil
}

// CachedSource fronts a grant source with a Cache. Concurrent misses for the
// same key share one store round trip. Cache failures fall through to the
// store; store failures are returned so the evaluator fails closed.
type CachedSource struct {
	source      rbac.GrantSource
	cache       Cache
	logger      *slog.Logger
	group       singleflight.Group
	loadTimeout time.Duration
}

// NewCachedSource wraps source with cache.
func NewCachedSource(source rbac.GrantSource, cache Cache, logger *slog.Logger) *CachedSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{source: source, cache: cache, logger: logger, loadTimeout: 5 * time.Second}
}

// WithLoadTimeout bounds the shared store load. It runs detached from the
// caller that started it so one caller's cancellation does not fail the
// others waiting on the same load.
func (c *CachedSource) WithLoadTimeout(d time.Duration) *CachedSource {
	if d > 0 {
		c.loadTimeout = d
	}
	return c
}

// GetApprovedGrants implements rbac.GrantSource.
func (c *CachedSource) GetApprovedGrants(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, error) {
	email = identity.NormalizeEmail(email)
	if c.cache != nil {
		grants, ok, err := c.cache.Get(ctx, email, rt)
		if err != nil {
			c.logger.Warn("grant cache get", slog.String("user", email), slog.Any("error", err))
		} else if ok {
			return grants, nil
		}
	}
	resultChan := c.group.DoChan(cacheKey(email, rt), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return c.load(loadCtx, email, rt)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		grants, _ := res.Val.([]rbac.PermissionGrant)
		return grants, nil
	}
}

func (c *CachedSource) load(ctx context.Context, email string, rt rbac.ResourceType) ([]rbac.PermissionGrant, error) {
	var gen uint64
	cacheable := c.cache != nil
	if cacheable {
		g, err := c.cache.Generation(ctx, email)
		if err != nil {
			c.logger.Warn("grant cache generation", slog.String("user", email), slog.Any("error", err))
			cacheable = false
		}
		gen = g
	}
	grants, err := c.source.GetApprovedGrants(ctx, email, rt)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := c.cache.Set(ctx, email, rt, gen, grants); err != nil {
			c.logger.Warn("grant cache set", slog.String("user", email), slog.Any("error", err))
		}
	}
	return grants, nil
}
