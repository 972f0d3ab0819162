package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegiscore/vault/internal/db"
	"github.com/aegiscore/vault/pkg/kms"
)

// DEKCache unwraps and caches a tenant's plaintext DEK for the lifetime of a
// single request or job. It is never shared across tenants or persisted; the
// plaintext key lives only in this struct's memory (spec §4.4).
type DEKCache struct {
	pool *pgxpool.Pool
	gw   *kms.Gateway

	mu       sync.Mutex
	unwraped []byte
	loaded   bool
}

// NewDEKCache builds an empty, request-scoped cache.
func NewDEKCache(pool *pgxpool.Pool, gw *kms.Gateway) *DEKCache {
	return &DEKCache{pool: pool, gw: gw}
}

// Get returns the tenant's unwrapped DEK, fetching and unwrapping it on
// first use within this cache's lifetime and reusing it thereafter.
func (c *DEKCache) Get(ctx context.Context, tenantID uuid.UUID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.unwraped, nil
	}

	q := db.New(c.pool)
	t, err := q.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dek cache: loading tenant: %w", err)
	}

	plaintext, err := c.gw.UnwrapTenantDEK(ctx, t.DEKWrapped)
	if err != nil {
		return nil, fmt.Errorf("dek cache: unwrapping DEK: %w", err)
	}

	c.unwraped = plaintext
	c.loaded = true
	return c.unwraped, nil
}

type dekCacheContextKey string

const dekCacheKey dekCacheContextKey = "dek_cache"

// NewDEKCacheContext attaches a DEKCache to ctx. No middleware in this
// repository installs one; oauthvault and chatstore build a fresh DEKCache
// per operation instead.
func NewDEKCacheContext(ctx context.Context, c *DEKCache) context.Context {
	return context.WithValue(ctx, dekCacheKey, c)
}

// DEKCacheFromContext returns the request-scoped DEKCache, or nil if absent.
func DEKCacheFromContext(ctx context.Context) *DEKCache {
	v, _ := ctx.Value(dekCacheKey).(*DEKCache)
	return v
}
