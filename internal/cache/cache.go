// Package cache keeps recently loaded changes in memory.
package cache

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lydakis/jul/receive/internal/storage"
)

// Loader is the read path the cache sits in front of.
type Loader interface {
	Get(ctx context.Context, num int) (storage.Change, error)
}

// ChangeCache is a read-through cache of changes. Concurrent misses for the
// same change share one load.
type ChangeCache struct {
	loader Loader
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[int]storage.Change
	// gen is bumped by every eviction so a load that started before the
	// eviction does not repopulate a stale entry.
	gen map[int]uint64
}

func NewChangeCache(loader Loader) *ChangeCache {
	return &ChangeCache{
		loader:  loader,
		entries: make(map[int]storage.Change),
		gen:     make(map[int]uint64),
	}
}

func (c *ChangeCache) Get(ctx context.Context, num int) (storage.Change, error) {
	c.mu.RLock()
	change, ok := c.entries[num]
	gen := c.gen[num]
	c.mu.RUnlock()
	if ok {
		return change, nil
	}

	v, err, _ := c.group.Do(strconv.Itoa(num), func() (any, error) {
		return c.loader.Get(ctx, num)
	})
	if err != nil {
		return storage.Change{}, err
	}
	change = v.(storage.Change)

	c.mu.Lock()
	if c.gen[num] == gen {
		c.entries[num] = change
	}
	c.mu.Unlock()
	return change, nil
}

// Evict drops the given changes.
func (c *ChangeCache) Evict(nums ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, num := range nums {
		delete(c.entries, num)
		c.gen[num]++
	}
	for _, num := range nums {
		c.group.Forget(strconv.Itoa(num))
	}
}

func (c *ChangeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
