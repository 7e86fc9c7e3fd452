package billingcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind identifies one of the five system snapshots the CacheLayer serves.
type Kind string

const (
	KindApps          Kind = "apps"
	KindUsers         Kind = "users"
	KindOrganizations Kind = "organizations"
	KindBlocked       Kind = "blocked"
	KindDunning       Kind = "dunning"
)

// Loader fetches the current, full snapshot of one Kind from durable
// storage. Implementations live on top of objectstore.Store.
type Loader func(ctx context.Context) (any, error)

type cacheEntry struct {
	data     any
	loadedAt time.Time
}

// CacheLayer serves TTL-bounded, single-flight-refreshed snapshots of the
// five system blobs (spec.md §4.1). It is process-wide shared mutable
// state: all reads/writes are synchronized so concurrent readers always
// see a consistent snapshot or trigger exactly one refresh (spec.md §5,
// §8 "Cache freshness").
type CacheLayer struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[Kind]*cacheEntry
	group   singleflight.Group
	loaders map[Kind]Loader
	logger  *slog.Logger
	metrics *Metrics
}

// WithMetrics attaches a Metrics collector for cache hit/miss/refresh
// counters (SPEC_FULL.md §10). Optional — a CacheLayer with no metrics
// attached behaves identically, just without the Prometheus counters.
func (c *CacheLayer) WithMetrics(m *Metrics) *CacheLayer {
	c.metrics = m
	return c
}

// NewCacheLayer constructs a CacheLayer with the given TTL and per-kind
// loaders. All five kinds must have a loader registered.
func NewCacheLayer(ttl time.Duration, loaders map[Kind]Loader, logger *slog.Logger) *CacheLayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheLayer{
		ttl:     ttl,
		entries: make(map[Kind]*cacheEntry),
		loaders: loaders,
		logger:  logger.With("component", "billing_cache"),
	}
}

// valid reports whether the cached entry for kind is still within TTL.
// "now - loadedAt < TTL" per spec.md §4.1 (strict less-than).
func (c *CacheLayer) valid(e *cacheEntry, now time.Time) bool {
	return e != nil && now.Sub(e.loadedAt) < c.ttl
}

// get returns the current snapshot for kind, refreshing it (single-flight,
// collapsing concurrent callers) if missing or stale.
func (c *CacheLayer) get(ctx context.Context, kind Kind) (any, error) {
	now := time.Now()

	c.mu.RLock()
	e := c.entries[kind]
	hit := c.valid(e, now)
	var data any
	if hit {
		data = e.data
	}
	c.mu.RUnlock()

	if hit {
		c.metrics.recordCacheHit(kind)
		return data, nil
	}
	c.metrics.recordCacheMiss(kind)

	v, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		loader, ok := c.loaders[kind]
		if !ok {
			return nil, fmt.Errorf("billingcore: no loader registered for cache kind %q", kind)
		}
		loaded, loadErr := loader(ctx)
		if loadErr != nil {
			if kind == KindDunning {
				// Fail-open: dunning refresh errors are logged and treated
				// as an empty list (spec.md §4.1, §7).
				c.logger.Error("dunning snapshot refresh failed, failing open to empty", "error", loadErr)
				loaded = []DunningEntry{}
			} else {
				return nil, loadErr
			}
		}
		c.mu.Lock()
		c.entries[kind] = &cacheEntry{data: loaded, loadedAt: time.Now()}
		c.mu.Unlock()
		c.metrics.recordCacheRefresh(kind)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate drops the cached snapshot for kind and forgets any in-flight
// refresh handle, so the very next reader starts a fresh fetch.
func (c *CacheLayer) Invalidate(kind Kind) {
	c.mu.Lock()
	delete(c.entries, kind)
	c.mu.Unlock()
	c.group.Forget(string(kind))
}

// InvalidateAll drops every cached snapshot and in-flight handle.
func (c *CacheLayer) InvalidateAll() {
	for _, kind := range []Kind{KindApps, KindUsers, KindOrganizations, KindBlocked, KindDunning} {
		c.Invalidate(kind)
	}
}

// Update replaces or appends a single item in an already-loaded snapshot.
// It is a no-op if the snapshot has not been loaded yet (spec.md §4.1).
func (c *CacheLayer) Update(kind Kind, key string, keyOf func(any) string, item any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[kind]
	if !ok {
		return
	}

	switch items := e.data.(type) {
	case []App:
		replaced := false
		for i, it := range items {
			if keyOf(it) == key {
				items[i] = item.(App)
				replaced = true
				break
			}
		}
		if !replaced {
			items = append(items, item.(App))
		}
		e.data = items
	case []Organization:
		replaced := false
		for i, it := range items {
			if keyOf(it) == key {
				items[i] = item.(Organization)
				replaced = true
				break
			}
		}
		if !replaced {
			items = append(items, item.(Organization))
		}
		e.data = items
	}
}

// ---- typed lookup helpers (spec.md §4.1) ----

// GetApps returns the current apps snapshot.
func (c *CacheLayer) GetApps(ctx context.Context) ([]App, error) {
	v, err := c.get(ctx, KindApps)
	if err != nil {
		return nil, err
	}
	return v.([]App), nil
}

// GetUsers returns the current user-profile snapshot.
func (c *CacheLayer) GetUsers(ctx context.Context) ([]UserProfile, error) {
	v, err := c.get(ctx, KindUsers)
	if err != nil {
		return nil, err
	}
	return v.([]UserProfile), nil
}

// GetOrganizations returns the current organizations snapshot.
func (c *CacheLayer) GetOrganizations(ctx context.Context) ([]Organization, error) {
	v, err := c.get(ctx, KindOrganizations)
	if err != nil {
		return nil, err
	}
	return v.([]Organization), nil
}

// GetBlocked returns the current blocked-organizations snapshot.
func (c *CacheLayer) GetBlocked(ctx context.Context) (*BlockedOrganizations, error) {
	v, err := c.get(ctx, KindBlocked)
	if err != nil {
		return nil, err
	}
	return v.(*BlockedOrganizations), nil
}

// GetDunning returns the current dunning-entries snapshot (fail-open: an
// empty slice if the backing load failed).
func (c *CacheLayer) GetDunning(ctx context.Context) ([]DunningEntry, error) {
	v, err := c.get(ctx, KindDunning)
	if err != nil {
		return nil, err
	}
	return v.([]DunningEntry), nil
}

// GetApp looks up an app by normalized (id, publisher). A request with a
// blank publisher normalizes to "" and matches apps whose publisher is
// also blank (spec.md §4.1).
func (c *CacheLayer) GetApp(ctx context.Context, id, publisher string) (*App, bool, error) {
	apps, err := c.GetApps(ctx)
	if err != nil {
		return nil, false, err
	}
	normID, normPub := Normalize(id), Normalize(publisher)
	for i := range apps {
		if Normalize(apps[i].ID) == normID && Normalize(apps[i].Publisher) == normPub {
			return &apps[i], true, nil
		}
	}
	return nil, false, nil
}

// GetAppsByID returns the first app matching each of the given ids (first
// hit per id wins), as a map keyed by the requested (unnormalized) id.
func (c *CacheLayer) GetAppsByID(ctx context.Context, ids []string) (map[string]App, error) {
	apps, err := c.GetApps(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]App, len(ids))
	for _, id := range ids {
		normID := Normalize(id)
		for _, a := range apps {
			if Normalize(a.ID) == normID {
				if _, already := result[id]; !already {
					result[id] = a
				}
				break
			}
		}
	}
	return result, nil
}

// GetOrganization looks up an organization by exact id.
func (c *CacheLayer) GetOrganization(ctx context.Context, id string) (*Organization, bool, error) {
	orgs, err := c.GetOrganizations(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range orgs {
		if orgs[i].ID == id {
			return &orgs[i], true, nil
		}
	}
	return nil, false, nil
}

// GetUser looks up a user profile by exact (case-sensitive) id.
func (c *CacheLayer) GetUser(ctx context.Context, id string) (*UserProfile, bool, error) {
	users, err := c.GetUsers(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range users {
		if users[i].ID == id {
			return &users[i], true, nil
		}
	}
	return nil, false, nil
}

// GetUserByEmail looks up a user profile by normalized email.
func (c *CacheLayer) GetUserByEmail(ctx context.Context, email string) (*UserProfile, bool, error) {
	users, err := c.GetUsers(ctx)
	if err != nil {
		return nil, false, err
	}
	normEmail := Normalize(email)
	for i := range users {
		if Normalize(users[i].Email) == normEmail {
			return &users[i], true, nil
		}
	}
	return nil, false, nil
}

// GetBlockedStatus looks up the BlockedEntry for an organization, if any.
func (c *CacheLayer) GetBlockedStatus(ctx context.Context, orgID string) (*BlockedEntry, bool, error) {
	blocked, err := c.GetBlocked(ctx)
	if err != nil {
		return nil, false, err
	}
	if blocked == nil {
		return nil, false, nil
	}
	entry, ok := blocked.Orgs[orgID]
	if !ok {
		return nil, false, nil
	}
	return &entry, true, nil
}

// GetDunningEntry looks up the DunningEntry for an organization, if any.
func (c *CacheLayer) GetDunningEntry(ctx context.Context, orgID string) (*DunningEntry, bool, error) {
	entries, err := c.GetDunning(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range entries {
		if entries[i].OrganizationID == orgID {
			return &entries[i], true, nil
		}
	}
	return nil, false, nil
}
