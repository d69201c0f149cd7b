package receive

import (
	"context"

	"github.com/lydakis/jul/receive/internal/cache"
	"github.com/lydakis/jul/receive/internal/storage"
)

// cachedIndex serves point lookups from the change cache and everything
// else from the store. Writers evict through batch hooks, so readers that
// compare versions must go to the store directly.
type cachedIndex struct {
	*storage.Store
	cache *cache.ChangeCache
}

func (i *cachedIndex) Get(ctx context.Context, num int) (storage.Change, error) {
	if i.cache == nil {
		return i.Store.Get(ctx, num)
	}
	return i.cache.Get(ctx, num)
}
