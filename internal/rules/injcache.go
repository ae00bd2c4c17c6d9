package rules

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tkingovr/requestguard/api"
)

// DefaultInjectionCacheSize bounds the number of cached page URLs.
const DefaultInjectionCacheSize = 1024

type cachedInjections struct {
	version uint64
	actions []api.RuleAction
}

// InjectionCache memoizes InjectionsForPage per page URL. Entries computed
// against an older snapshot are never served; the cache is purged on reload.
type InjectionCache struct {
	engine *Engine
	cache  *lru.Cache
	cancel func()
}

// NewInjectionCache creates a cache of the given size subscribed to engine reloads.
func NewInjectionCache(engine *Engine, size int) (*InjectionCache, error) {
	if size <= 0 {
		size = DefaultInjectionCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating injection cache: %w", err)
	}
	ic := &InjectionCache{engine: engine, cache: c}
	ic.cancel = engine.OnRulesReloaded(func(SnapshotInfo) { c.Purge() })
	return ic, nil
}

// ForPage returns the injections for pageURL, computing them on a miss.
func (c *InjectionCache) ForPage(pageURL string) []api.RuleAction {
	version := c.engine.Snapshot().Version
	if v, ok := c.cache.Get(pageURL); ok {
		if ci := v.(cachedInjections); ci.version == version {
			return ci.actions
		}
	}

	actions := c.engine.InjectionsForPage(pageURL)
	c.cache.Add(pageURL, cachedInjections{version: version, actions: actions})
	return actions
}

// Len returns the number of cached pages.
func (c *InjectionCache) Len() int { return c.cache.Len() }

// Close unsubscribes from engine reloads.
func (c *InjectionCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
