package authz

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// Directory is the user directory the principal is assembled from.
type Directory interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	UserRoles(ctx context.Context, userID, businessApp string) (model.UserRoles, error)
}

type principalEntry struct {
	principal model.Principal
	expires   time.Time
}

// PrincipalBuilder builds policy principals from the directory and caches
// them per user and business application.
type PrincipalBuilder struct {
	dir        Directory
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]principalEntry
}

// NewPrincipalBuilder creates a builder. A zero TTL disables caching.
func NewPrincipalBuilder(dir Directory, cfg config.CacheConfig, metrics *observability.Metrics) *PrincipalBuilder {
	return &PrincipalBuilder{
		dir:        dir,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]principalEntry),
	}
}

func principalKey(userID, businessApp string) string {
	return userID + "\x00" + businessApp
}

// Build returns the principal for a user acting in a business application:
// role names held in the application, and the user's attributes plus
// businessApps. Unknown users and applications are errors.
func (p *PrincipalBuilder) Build(ctx context.Context, userID, businessApp string) (model.Principal, error) {
	key := principalKey(userID, businessApp)

	if p.ttl > 0 {
		p.mu.RLock()
		entry, ok := p.cache[key]
		p.mu.RUnlock()
		if ok && p.now().Before(entry.expires) {
			p.metrics.RecordPrincipalCacheHit()
			return clonePrincipal(entry.principal), nil
		}
		p.metrics.RecordPrincipalCacheMiss()
	}

	user, err := p.dir.GetUser(ctx, userID)
	if err != nil {
		return model.Principal{}, err
	}
	held, err := p.dir.UserRoles(ctx, userID, businessApp)
	if err != nil {
		return model.Principal{}, err
	}

	roles := make([]string, 0, len(held.Roles))
	var apps []model.AttributeValue
	seenApps := make(map[string]bool)
	for _, r := range held.Roles {
		roles = append(roles, r.Name)
		if !seenApps[r.BusinessApp] {
			seenApps[r.BusinessApp] = true
			apps = append(apps, model.StringValue(r.BusinessApp))
		}
	}

	attrs := model.AttributesFromMap(user.Attributes)
	attrs["businessApps"] = model.ListValue(apps...)

	principal := model.Principal{ID: userID, Roles: roles, Attributes: attrs}

	if p.ttl > 0 {
		p.mu.Lock()
		if p.maxEntries > 0 && len(p.cache) >= p.maxEntries {
			p.evictLocked()
		}
		p.cache[key] = principalEntry{principal: principal, expires: p.now().Add(p.ttl)}
		p.mu.Unlock()
	}
	return clonePrincipal(principal), nil
}

// Invalidate drops the cached principal of a user in one application. An
// empty businessApp drops every application of the user.
func (p *PrincipalBuilder) Invalidate(userID, businessApp string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if businessApp != "" {
		delete(p.cache, principalKey(userID, businessApp))
		return
	}
	prefix := userID + "\x00"
	for key := range p.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(p.cache, key)
		}
	}
}

// evictLocked drops expired entries, or everything when none has expired.
func (p *PrincipalBuilder) evictLocked() {
	now := p.now()
	for key, entry := range p.cache {
		if !now.Before(entry.expires) {
			delete(p.cache, key)
		}
	}
	if len(p.cache) >= p.maxEntries {
		clear(p.cache)
	}
}

func clonePrincipal(in model.Principal) model.Principal {
	out := in
	out.Roles = slices.Clone(in.Roles)
	out.Attributes = maps.Clone(in.Attributes)
	return out
}
