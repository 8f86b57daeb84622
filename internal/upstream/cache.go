// Package upstream maintains a connection to one upstream Nostr relay and
// answers mute-list / contact-list questions about a pubkey, backed by a
// TTL cache that also remembers negative results. Grounded directly on the
// original Rust implementation's nostr_event_cache.rs and
// nostr_network_helper.rs.
package upstream

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultTTL is how long a cache entry (positive or negative) stays fresh.
const DefaultTTL = 60 * time.Second

// cacheEntry holds the result of one (pubkey, kind) lookup. event == nil
// means "known to not exist upstream" — this is NOT the same as "expired"
// or "never fetched"; it is a cached negative result.
type cacheEntry struct {
	event   *nostr.Event
	addedAt time.Time
}

func (e *cacheEntry) expired(ttl time.Duration) bool {
	return time.Since(e.addedAt) > ttl
}

// cache stores mute-list and contact-list lookups keyed by author pubkey.
// A single mutex guards both maps; callers must release it before doing
// any network fetch to avoid head-of-line blocking.
type cache struct {
	mu           sync.Mutex
	muteLists    map[string]*cacheEntry
	contactLists map[string]*cacheEntry
	ttl          time.Duration
}

func newCache(ttl time.Duration) *cache {
	return &cache{
		muteLists:    make(map[string]*cacheEntry),
		contactLists: make(map[string]*cacheEntry),
		ttl:          ttl,
	}
}

// lookupResult distinguishes "cache hit" from "cache miss" independently
// of whether the hit was positive or negative.
type lookupResult struct {
	hit   bool
	event *nostr.Event // nil on a negative hit
}

func (c *cache) getMuteList(pubkey string) lookupResult {
	return c.get(c.muteLists, pubkey)
}

func (c *cache) getContactList(pubkey string) lookupResult {
	return c.get(c.contactLists, pubkey)
}

func (c *cache) get(m map[string]*cacheEntry, pubkey string) lookupResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := m[pubkey]
	if !ok {
		return lookupResult{}
	}
	if entry.expired(c.ttl) {
		delete(m, pubkey)
		return lookupResult{}
	}
	return lookupResult{hit: true, event: entry.event}
}

func (c *cache) putMuteList(pubkey string, event *nostr.Event) {
	c.put(c.muteLists, pubkey, event)
}

func (c *cache) putContactList(pubkey string, event *nostr.Event) {
	c.put(c.contactLists, pubkey, event)
}

func (c *cache) put(m map[string]*cacheEntry, pubkey string, event *nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[pubkey] = &cacheEntry{event: event, addedAt: time.Now()}
}
