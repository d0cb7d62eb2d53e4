package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/notargets/FEKernel/logging"
)

// Cache maps canonical integral signatures to compiled kernels. It is safe
// for concurrent use; concurrent misses on one key compile once.
type Cache struct {
	mu      sync.RWMutex
	kernels map[string]*Kernel
	group   singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCache() *Cache {
	return &Cache{kernels: make(map[string]*Kernel)}
}

func (c *Cache) lookup(key string) (*Kernel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.kernels[key]
	return k, ok
}

func (c *Cache) get(ctx context.Context, key string, compile func() (*Kernel, error)) (*Kernel, error) {
	if k, ok := c.lookup(key); ok {
		c.hits.Add(1)
		logging.FromContext(ctx).Debug("kernel cache hit", "key", key)
		return k, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if k, ok := c.lookup(key); ok {
			c.hits.Add(1)
			return k, nil
		}
		c.misses.Add(1)
		k, err := compile()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.kernels[key] = k
		c.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Kernel), nil
}

// Len is the number of cached kernels
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kernels)
}

// Reset drops every kernel and zeroes the counters
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kernels = make(map[string]*Kernel)
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }
