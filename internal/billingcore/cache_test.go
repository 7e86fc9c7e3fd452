package billingcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingAppsLoader(calls *int64, apps []App) Loader {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt64(calls, 1)
		time.Sleep(10 * time.Millisecond)
		return apps, nil
	}
}

func newTestCache(ttl time.Duration, loaders map[Kind]Loader) *CacheLayer {
	base := map[Kind]Loader{
		KindApps:          func(ctx context.Context) (any, error) { return []App{}, nil },
		KindUsers:         func(ctx context.Context) (any, error) { return []UserProfile{}, nil },
		KindOrganizations: func(ctx context.Context) (any, error) { return []Organization{}, nil },
		KindBlocked:       func(ctx context.Context) (any, error) { return &BlockedOrganizations{Orgs: map[string]BlockedEntry{}}, nil },
		KindDunning:       func(ctx context.Context) (any, error) { return []DunningEntry{}, nil },
	}
	for k, l := range loaders {
		base[k] = l
	}
	return NewCacheLayer(ttl, base, nil)
}

func TestCacheLayer_RefreshesOnceThenServesFromTTL(t *testing.T) {
	var calls int64
	cache := newTestCache(50*time.Millisecond, map[Kind]Loader{
		KindApps: countingAppsLoader(&calls, []App{{ID: "a1"}}),
	})

	apps, err := cache.GetApps(context.Background())
	require.NoError(t, err)
	assert.Len(t, apps, 1)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	// Second call within TTL must not refresh.
	_, err = cache.GetApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestCacheLayer_RefreshesAfterTTLExpires(t *testing.T) {
	var calls int64
	cache := newTestCache(5*time.Millisecond, map[Kind]Loader{
		KindApps: countingAppsLoader(&calls, []App{{ID: "a1"}}),
	})

	_, err := cache.GetApps(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = cache.GetApps(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "entry older than TTL must trigger a second load")
}

func TestCacheLayer_SingleFlightCollapsesConcurrentRefreshes(t *testing.T) {
	var calls int64
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: countingAppsLoader(&calls, []App{{ID: "a1"}}),
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetApps(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "concurrent cache misses must collapse into one loader call")
}

func TestCacheLayer_InvalidateForcesReload(t *testing.T) {
	var calls int64
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: countingAppsLoader(&calls, []App{{ID: "a1"}}),
	})

	_, err := cache.GetApps(context.Background())
	require.NoError(t, err)
	cache.Invalidate(KindApps)
	_, err = cache.GetApps(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestCacheLayer_InvalidateAllForcesReloadOfEveryKind(t *testing.T) {
	var appCalls, orgCalls int64
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps:          countingAppsLoader(&appCalls, []App{{ID: "a1"}}),
		KindOrganizations: func(ctx context.Context) (any, error) { atomic.AddInt64(&orgCalls, 1); return []Organization{}, nil },
	})

	_, _ = cache.GetApps(context.Background())
	_, _ = cache.GetOrganizations(context.Background())
	cache.InvalidateAll()
	_, _ = cache.GetApps(context.Background())
	_, _ = cache.GetOrganizations(context.Background())

	assert.Equal(t, int64(2), atomic.LoadInt64(&appCalls))
	assert.Equal(t, int64(2), atomic.LoadInt64(&orgCalls))
}

func TestCacheLayer_DunningFailsOpenToEmptySlice(t *testing.T) {
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindDunning: func(ctx context.Context) (any, error) {
			return nil, errors.New("backing store unavailable")
		},
	})

	entries, err := cache.GetDunning(context.Background())
	require.NoError(t, err, "dunning load failures must fail open, never propagate")
	assert.Empty(t, entries)
}

func TestCacheLayer_NonDunningLoadFailurePropagates(t *testing.T) {
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: func(ctx context.Context) (any, error) {
			return nil, errors.New("backing store unavailable")
		},
	})

	_, err := cache.GetApps(context.Background())
	assert.Error(t, err)
}

func TestCacheLayer_UpdateReplacesExistingAppByKey(t *testing.T) {
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: func(ctx context.Context) (any, error) {
			return []App{{ID: "a1", Publisher: "acme", Name: "old"}}, nil
		},
	})
	_, err := cache.GetApps(context.Background())
	require.NoError(t, err)

	keyOf := func(v any) string { return AppKey(v.(App).ID, v.(App).Publisher) }
	cache.Update(KindApps, AppKey("a1", "acme"), keyOf, App{ID: "a1", Publisher: "acme", Name: "new"})

	apps, err := cache.GetApps(context.Background())
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "new", apps[0].Name)
}

func TestCacheLayer_UpdateAppendsWhenKeyAbsent(t *testing.T) {
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: func(ctx context.Context) (any, error) {
			return []App{{ID: "a1", Publisher: "acme"}}, nil
		},
	})
	_, err := cache.GetApps(context.Background())
	require.NoError(t, err)

	keyOf := func(v any) string { return AppKey(v.(App).ID, v.(App).Publisher) }
	cache.Update(KindApps, AppKey("a2", "acme"), keyOf, App{ID: "a2", Publisher: "acme"})

	apps, err := cache.GetApps(context.Background())
	require.NoError(t, err)
	assert.Len(t, apps, 2)
}

func TestCacheLayer_UpdateIsNoopBeforeFirstLoad(t *testing.T) {
	cache := newTestCache(time.Minute, nil)
	keyOf := func(v any) string { return AppKey(v.(App).ID, v.(App).Publisher) }
	assert.NotPanics(t, func() {
		cache.Update(KindApps, AppKey("a1", "acme"), keyOf, App{ID: "a1", Publisher: "acme"})
	})
}

func TestCacheLayer_GetAppMatchesBlankPublisher(t *testing.T) {
	cache := newTestCache(time.Minute, map[Kind]Loader{
		KindApps: func(ctx context.Context) (any, error) {
			return []App{{ID: "a1", Publisher: ""}}, nil
		},
	})
	app, found, err := cache.GetApp(context.Background(), "a1", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a1", app.ID)
}
