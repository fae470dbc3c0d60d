package gateway

import (
	"sync"
	"time"
)

// defaultDedupeTTL is the window within which a redelivered event is
// considered a duplicate. Slack retries unacked events for well under
// thirty seconds.
const defaultDedupeTTL = 30 * time.Second

// Deduper is a TTL set over event keys. Expired entries are reclaimed
// by a background sweeper between lookups.
type Deduper struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key -> expiry
	ttl     time.Duration
	started bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDeduper creates a deduper. A non-positive ttl selects the default
// thirty second window.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &Deduper{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the sweeper goroutine. Calling it twice is a no-op.
func (d *Deduper) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.sweepLoop()
}

// Stop halts the sweeper. Idempotent, and safe without a prior Start.
func (d *Deduper) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
	})
}

// Seen reports whether key was recorded within the TTL window, and
// records it if not. Check and set are atomic.
func (d *Deduper) Seen(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return true
	}
	d.seen[key] = now.Add(d.ttl)
	return false
}

// Size returns the number of tracked keys, expired entries included.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) sweepLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Deduper) sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, expiry := range d.seen {
		if now.After(expiry) {
			delete(d.seen, key)
		}
	}
}
