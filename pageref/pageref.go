// Package pageref implements the page-reference counter: a singleton
// ordered map from physical frame address to reference count, used for
// copy-on-write and explicitly shared pages.
package pageref

import (
	"sort"
	"sync"

	"github.com/SED4906/ockernel/pmm"
)

// Counter is the reference-counter singleton. A frame absent from the
// map has an implicit reference count of 1 — the allocator does not own
// it outright, a single sharer does — not 0; Remove on an absent key
// therefore releases the frame immediately rather than treating it as
// already free.
type Counter struct {
	mu     sync.Mutex
	counts map[uint64]int
	mgr    *pmm.Manager
}

// NewCounter builds a counter that releases frames through mgr when a
// count reaches zero.
func NewCounter(mgr *pmm.Manager) *Counter {
	return &Counter{counts: map[uint64]int{}, mgr: mgr}
}

var (
	globalMu sync.Mutex
	global   *Counter
)

// SetGlobal registers the process-wide reference counter.
func SetGlobal(c *Counter) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = c
}

// Global returns the registered reference counter.
func Global() *Counter {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Add creates or increments phys's reference count by n (1 if n is
// omitted by the caller via AddOne).
func (c *Counter) Add(phys uint64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[phys] += n
}

// AddOne increments phys's reference count by one.
func (c *Counter) AddOne(phys uint64) {
	c.Add(phys, 1)
}

// Remove decrements phys's reference count; at zero, removes the map
// entry and releases the frame via the page manager's SetFrameFree. If
// phys is not in the map at all, it is treated as "one owner remained"
// and the frame is released immediately — frames absent from the map
// carry an implicit reference count of 1, per the component's spec'd
// quirk.
func (c *Counter) Remove(phys uint64) {
	c.mu.Lock()
	count, present := c.counts[phys]
	if !present {
		c.mu.Unlock()
		c.mgr.SetFrameFree(phys)
		return
	}
	count--
	if count <= 0 {
		delete(c.counts, phys)
		c.mu.Unlock()
		c.mgr.SetFrameFree(phys)
		return
	}
	c.counts[phys] = count
	c.mu.Unlock()
}

// RemoveNoFree decrements phys's reference count but never releases the
// underlying frame, even at zero.
func (c *Counter) RemoveNoFree(phys uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, present := c.counts[phys]
	if !present {
		return
	}
	count--
	if count <= 0 {
		delete(c.counts, phys)
		return
	}
	c.counts[phys] = count
}

// RemoveAll drops phys's map entry outright, without touching the
// bitset. Used when tearing down a shared-memory region that manages
// its own frame lifecycle.
func (c *Counter) RemoveAll(phys uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, phys)
}

// Count returns phys's current reference count (0 if absent from the
// map — note this differs from the *effective* refcount the Remove
// semantics use, which treats absence as 1).
func (c *Counter) Count(phys uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[phys]
}

// ReferencesFor returns the sorted set of physical frames this counter
// currently tracks, for diagnostics and tests.
func (c *Counter) ReferencesFor() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, 0, len(c.counts))
	for phys := range c.counts {
		out = append(out, phys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
