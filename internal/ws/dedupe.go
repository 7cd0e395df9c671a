// ABOUTME: Small TTL cache for dropping duplicate inbound control envelopes.
// ABOUTME: Retried cancel_request and permission_response frames hit this first.

package ws

import (
	"container/list"
	"sync"
	"time"
)

type dedupeEntry struct {
	key     string
	seenAt  time.Time
	element *list.Element
}

// dedupeCache tracks recently seen control keys. Size-bounded, oldest out
// first; entries also expire after the TTL. No background goroutine: pruning
// happens inline on insert, which is cheap at connection message rates.
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	return &dedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// checkAndMark reports whether the key was already seen within the TTL,
// marking it as seen if not. Atomic, so a duplicate burst cannot slip two
// copies through.
func (c *dedupeCache) checkAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if time.Since(entry.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}

	c.pruneLocked()

	entry := &dedupeEntry{key: key, seenAt: time.Now()}
	entry.element = c.order.PushBack(entry)
	c.seen[key] = entry
	return false
}

func (c *dedupeCache) pruneLocked() {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		entry := front.Value.(*dedupeEntry)
		if time.Since(entry.seenAt) < c.ttl && c.order.Len() < c.maxSize {
			return
		}
		c.order.Remove(front)
		delete(c.seen, entry.key)
	}
}
