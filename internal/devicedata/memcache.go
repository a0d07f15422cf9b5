package devicedata

import (
	"sync"
	"time"

	"fleetwatch/internal/fleet"
)

// maxMemEntries bounds the in-process cache.
const maxMemEntries = 4096

type memEntry struct {
	state   fleet.State
	expires time.Time
}

// memCache is a TTL cache keyed by device id.
type memCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

func newMemCache(ttl time.Duration, now func() time.Time) *memCache {
	return &memCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]memEntry),
	}
}

func (c *memCache) get(id string) (fleet.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return fleet.State{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, id)
		return fleet.State{}, false
	}
	return e.state, true
}

func (c *memCache) set(id string, s fleet.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= maxMemEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= maxMemEntries {
			clear(c.entries)
		}
	}
	c.entries[id] = memEntry{state: s, expires: now.Add(c.ttl)}
}

func (c *memCache) delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}
