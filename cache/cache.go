// Package cache holds the most recently decoded dataset.
package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mailsheet/model"
)

var ErrInvalidEntry = errors.New("invalid cache entry")

// Cache keeps at most one entry. Readers always observe either the previous
// entry or the new one in full.
type Cache struct {
	current   atomic.Pointer[model.CacheEntry]
	published atomic.Uint64
}

func New() *Cache {
	return &Cache{}
}

// Get returns the current entry, or nil when nothing has been published yet.
// The returned entry must be treated as read-only.
func (c *Cache) Get() *model.CacheEntry {
	return c.current.Load()
}

// Publish swaps in a new dataset. A dataset whose rows do not match its
// columns is rejected and the previous entry stays visible.
func (c *Cache) Publish(runID string, ds *model.Dataset, processedAt time.Time) (*model.CacheEntry, error) {
	if ds == nil {
		return nil, fmt.Errorf("%w: nil dataset", ErrInvalidEntry)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	entry := &model.CacheEntry{
		RunID:       runID,
		Dataset:     ds,
		ProcessedAt: processedAt.UTC(),
	}
	c.current.Store(entry)
	c.published.Add(1)
	return entry, nil
}

// Publications counts successful publishes since start.
func (c *Cache) Publications() uint64 {
	return c.published.Load()
}
