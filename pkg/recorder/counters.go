package recorder

import (
	"sync"
	"sync/atomic"

	"github.com/covmon/covmon/pkg/category"
)

// Counters holds per-category admission counts. The fixed keys exist from
// the start; other keys are added on first use and never removed.
type Counters struct {
	mu sync.RWMutex
	m  map[string]*int64
}

// NewCounters creates counters with all fixed keys at zero
func NewCounters() *Counters {
	c := &Counters{m: make(map[string]*int64)}
	for _, k := range category.Fixed() {
		c.m[string(k)] = new(int64)
	}
	return c
}

// Add increments key and "all" together. Snapshot never observes one
// without the other.
func (c *Counters) Add(key string) {
	c.mu.RLock()
	v, ok := c.m[key]
	if ok {
		atomic.AddInt64(v, 1)
		atomic.AddInt64(c.m[string(category.All)], 1)
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.mu.Lock()
	v, ok = c.m[key]
	if !ok {
		v = new(int64)
		c.m[key] = v
	}
	atomic.AddInt64(v, 1)
	atomic.AddInt64(c.m[string(category.All)], 1)
	c.mu.Unlock()
}

// Get returns the count for key
func (c *Counters) Get(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.m[key]; ok {
		return atomic.LoadInt64(v)
	}
	return 0
}

// Snapshot returns a consistent copy of all counters
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = atomic.LoadInt64(v)
	}
	return out
}
