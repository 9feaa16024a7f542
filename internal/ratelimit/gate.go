package ratelimit

import (
	"context"
	"sync"
)

// Gate is a concurrency gate with runtime-resizable capacity. Unlike a fixed
// semaphore, capacity can shrink while permits are outstanding: a reduction
// never revokes a granted permit, it only blocks new acquisitions until the
// outstanding set drains below the new capacity.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []chan struct{}
}

// NewGate creates a gate admitting at most capacity concurrent holders.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{capacity: capacity}
}

// Acquire blocks until a permit is available or ctx is done. It reports
// whether the caller had to queue before being admitted.
func (g *Gate) Acquire(ctx context.Context) (waited bool, err error) {
	g.mu.Lock()
	if g.inUse < g.capacity && len(g.waiters) == 0 {
		g.inUse++
		g.mu.Unlock()
		return false, nil
	}

	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-ch:
			// Granted concurrently with cancellation; hand the permit back.
			g.mu.Unlock()
			g.Release()
		default:
			g.removeWaiterLocked(ch)
			g.mu.Unlock()
		}
		return true, ctx.Err()
	}
}

// Release returns a permit. A release arriving after a capacity shrink is
// absorbed: the holder count simply drops and no waiter wakes until the count
// is back under the current capacity.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.wakeLocked()
	g.mu.Unlock()
}

// SetCapacity resizes the gate. Growing wakes queued waiters; shrinking below
// the outstanding holder count leaves holders untouched.
func (g *Gate) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	g.mu.Lock()
	g.capacity = capacity
	g.wakeLocked()
	g.mu.Unlock()
}

// Capacity returns the current capacity.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// InUse returns the number of outstanding permits.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// wakeLocked admits queued waiters in FIFO order while capacity allows.
func (g *Gate) wakeLocked() {
	for len(g.waiters) > 0 && g.inUse < g.capacity {
		ch := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inUse++
		close(ch)
	}
}

func (g *Gate) removeWaiterLocked(ch chan struct{}) {
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
