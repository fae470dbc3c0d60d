package infra

import (
	"sync"
	"sync/atomic"
)

// Group deduplicates concurrent work by key: while one execution for a key
// is in flight, later callers wait for it and share its result instead of
// starting their own. Used for per-tenant rebuilds where running the same
// expensive fetch twice would only add load.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64 // calls that shared an in-flight result
	misses atomic.Uint64 // calls that actually executed
}

type call[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn for key unless an execution is already in flight, in
// which case it waits and returns the in-flight result. The third return
// reports whether the result was shared.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		g.hits.Add(1)
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()
	g.misses.Add(1)

	defer func() {
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
		c.wg.Done()
	}()

	c.val, c.err = fn()
	return c.val, c.err, c.shared
}

// Forget drops any in-flight call for key so the next Do executes fresh
// rather than waiting on it.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// GroupStats counts shared versus executed calls.
type GroupStats struct {
	Hits   uint64
	Misses uint64
}

// Stats returns the group's hit and miss counters.
func (g *Group[K, V]) Stats() GroupStats {
	return GroupStats{
		Hits:   g.hits.Load(),
		Misses: g.misses.Load(),
	}
}
