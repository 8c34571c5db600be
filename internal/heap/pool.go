package heap

import (
	"fmt"
	"sync"
)

// Pool is a fixed-depth LIFO stack of freed, exactly-page-sized regions,
// reused without a syscall on the common allocate/free cycle. Channel
// endpoints box and free payloads from their own task goroutines, so
// unlike the registry this is shared state and carries a lock.
type Pool struct {
	mu    sync.Mutex
	slots []*Region
	depth int
}

// NewPool creates an empty pool that can hold up to depth regions.
func NewPool(depth int) *Pool {
	return &Pool{slots: make([]*Region, 0, depth), depth: depth}
}

// Acquire pops a region off the pool if one of exactly length bytes is
// available. It returns nil, false on a miss; callers fall back to
// Allocate.
func (p *Pool) Acquire(length int) (*Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(length)
}

func (p *Pool) acquireLocked(length int) (*Region, bool) {
	if length != pageSize || len(p.slots) == 0 {
		return nil, false
	}
	n := len(p.slots) - 1
	r := p.slots[n]
	p.slots = p.slots[:n]
	return r, true
}

// AcquireFor is Acquire for a caller that only knows the size it wants
// to allocate rather than the page size itself: it reports a miss
// outright for anything over one page, since the pool never holds
// regions of any other size.
func (p *Pool) AcquireFor(size int) (*Region, bool) {
	if size > pageSize {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(pageSize)
}

// Release pushes a region back onto the pool. Only exactly page-sized
// regions are accepted; anything else, or a full pool, is rejected and
// the region is returned to the caller to free directly.
func (p *Pool) Release(r *Region) (*Region, error) {
	if r.Len() != pageSize {
		return r, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) >= p.depth {
		return r, nil
	}
	p.slots = append(p.slots, r)
	return nil, nil
}

// Len reports the number of regions currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close frees every region still held by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, r := range p.slots {
		if err := r.Free(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("heap: pool close: %w", err)
		}
	}
	p.slots = nil
	return firstErr
}
