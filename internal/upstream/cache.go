package upstream

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// perKeyCapacity bounds the number of live per-(key,backend) handles kept
// in memory; older entries are evicted LRU-first. projectCapacity bounds
// the single project-mode handle slot. Both figures are named in spec.md
// §4.3 / §9.
const (
	perKeyCapacity  = 16
	projectCapacity = 1
)

// Constructor builds a Capability for one secret key and backend flavor.
type Constructor func(ctx context.Context, key string, flavor Flavor) (Capability, error)

// ProjectConstructor builds the project-mode (Vertex ADC) Capability.
type ProjectConstructor func(ctx context.Context, project, location string, timeoutMs int) (Capability, error)

type perKeyEntry struct {
	key    string
	flavor Flavor
	handle Capability
}

// Cache is the lazy, memoized factory for upstream capability handles
// described in spec.md §4.3: a bounded LRU map keyed by (secret key,
// backend flavor), plus an independent single-slot cache for the
// project-mode handle keyed by (project, location, timeout). Handles are
// immutable after construction, so concurrent use of an already-cached
// handle needs no further synchronization; construction itself is
// serialized per key via singleflight to avoid a thundering herd of
// concurrent requests all building the same handle.
type Cache struct {
	constructPerKey Constructor
	constructProj   ProjectConstructor

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
	flight  singleflight.Group

	projMu     sync.Mutex
	projKey    string
	projHandle Capability
}

// NewCache returns an empty Cache. constructPerKey/constructProj are the
// (likely network-touching) factories invoked on a cache miss; concurrent
// misses for the same key share one invocation. A key that was evicted, or
// a project identity that replaced the slot, is constructed again.
func NewCache(constructPerKey Constructor, constructProj ProjectConstructor) *Cache {
	return &Cache{
		constructPerKey: constructPerKey,
		constructProj:   constructProj,
		order:           list.New(),
		entries:         make(map[string]*list.Element),
	}
}

func perKeyCacheKey(key string, flavor Flavor) string {
	return string(flavor) + "|" + key
}

// GetForKey returns the memoized handle for (key, flavor), constructing it
// on first use. Concurrent callers racing for the same key collapse into a
// single constructor invocation.
func (c *Cache) GetForKey(ctx context.Context, key string, flavor Flavor) (Capability, error) {
	cacheKey := perKeyCacheKey(key, flavor)

	c.mu.Lock()
	if el, ok := c.entries[cacheKey]; ok {
		c.order.MoveToFront(el)
		handle := el.Value.(*perKeyEntry).handle
		c.mu.Unlock()
		return handle, nil
	}
	c.mu.Unlock()

	result, err, _ := c.flight.Do(cacheKey, func() (interface{}, error) {
		// Re-check: another goroutine may have populated the cache between
		// our miss above and acquiring the singleflight slot.
		c.mu.Lock()
		if el, ok := c.entries[cacheKey]; ok {
			c.order.MoveToFront(el)
			handle := el.Value.(*perKeyEntry).handle
			c.mu.Unlock()
			return handle, nil
		}
		c.mu.Unlock()

		handle, err := c.constructPerKey(ctx, key, flavor)
		if err != nil {
			return nil, fmt.Errorf("construct upstream handle for flavor %s: %w", flavor, err)
		}

		c.mu.Lock()
		el := c.order.PushFront(&perKeyEntry{key: key, flavor: flavor, handle: handle})
		c.entries[cacheKey] = el
		c.evictLocked()
		c.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Capability), nil
}

// evictLocked drops the least-recently-used entries past perKeyCapacity.
// Callers must hold c.mu.
func (c *Cache) evictLocked() {
	for c.order.Len() > perKeyCapacity {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*perKeyEntry)
		delete(c.entries, perKeyCacheKey(entry.key, entry.flavor))
		c.order.Remove(oldest)
	}
}

// GetForProject returns the memoized project-mode handle, constructing it
// on first use or whenever the (project, location, timeout) identity
// changes — the single slot holds exactly one live handle at a time,
// matching projectCapacity.
func (c *Cache) GetForProject(ctx context.Context, project, location string, timeoutMs int) (Capability, error) {
	identity := fmt.Sprintf("%s|%s|%d", project, location, timeoutMs)

	c.projMu.Lock()
	if c.projKey == identity && c.projHandle != nil {
		handle := c.projHandle
		c.projMu.Unlock()
		return handle, nil
	}
	c.projMu.Unlock()

	result, err, _ := c.flight.Do("project:"+identity, func() (interface{}, error) {
		c.projMu.Lock()
		if c.projKey == identity && c.projHandle != nil {
			handle := c.projHandle
			c.projMu.Unlock()
			return handle, nil
		}
		c.projMu.Unlock()

		handle, err := c.constructProj(ctx, project, location, timeoutMs)
		if err != nil {
			return nil, fmt.Errorf("construct upstream project handle: %w", err)
		}

		c.projMu.Lock()
		c.projKey = identity
		c.projHandle = handle
		c.projMu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Capability), nil
}
