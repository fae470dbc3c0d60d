// Package queue provides the bounded priority queue that feeds request
// handlers. Requests are ordered by priority and, within a level, by
// arrival. Per-tenant and total depth caps shed load at the front door
// instead of letting it pile up against the model providers.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/lucy/internal/observability"
	"github.com/haasonsaas/lucy/pkg/models"
)

// Handler processes one dequeued request. A returned error is logged;
// it does not affect the worker.
type Handler func(ctx context.Context) error

// ClassifyPriority maps a routing tier to a queue priority. Fast-tier
// requests jump the line; frontier work yields to everything else.
func ClassifyPriority(tier models.Tier) models.Priority {
	switch tier {
	case models.TierFast:
		return models.PriorityHigh
	case models.TierFrontier:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// Rejection reasons reported to metrics and logs.
const (
	rejectTenantFull = "tenant_full"
	rejectQueueFull  = "queue_full"
	rejectDraining   = "draining"
)

// Config sizes the queue and its worker pool.
type Config struct {
	// Workers is the number of concurrent request handlers.
	Workers int

	// MaxTotal caps queued requests across all tenants.
	MaxTotal int

	// MaxPerTenant caps one tenant's queued plus in-flight requests.
	MaxPerTenant int

	// PullTimeout bounds how long an idle worker waits before
	// re-checking for work and shutdown.
	PullTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 200
	}
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 50
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Second
	}
}

type entry struct {
	priority   models.Priority
	seq        uint64
	tenantID   string
	requestID  string
	handler    Handler
	enqueuedAt time.Time
}

// entryHeap orders by priority, then arrival, so each level is FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// RequestQueue is a bounded, priority-ordered queue with a fixed worker
// pool. Enqueue never blocks: over-limit requests are rejected so the
// caller can tell the user instead of silently stalling.
type RequestQueue struct {
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	entries entryHeap
	tenants map[string]int
	depths  [3]int
	seq     uint64
	closed  bool

	wake chan struct{}
	quit chan struct{}

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	enqueued   atomic.Uint64
	processed  atomic.Uint64
	rejected   atomic.Uint64
	byPriority [3]atomic.Uint64
}

// New builds a stopped queue. Call Start to launch the workers.
func New(config Config, logger *observability.Logger, metrics *observability.Metrics) *RequestQueue {
	config.applyDefaults()
	return &RequestQueue{
		config:  config,
		logger:  logger.WithComponent("queue"),
		metrics: metrics,
		tenants: make(map[string]int),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Start launches the worker pool. Cancelling ctx aborts the workers
// without draining; prefer Stop for shutdown.
func (q *RequestQueue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("queue already started")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	q.logger.Info(ctx, "request queue started",
		"workers", q.config.Workers,
		"max_total", q.config.MaxTotal,
		"max_per_tenant", q.config.MaxPerTenant,
	)
	return nil
}

// Enqueue adds a request for tenantID at the given priority. It returns
// false when the tenant or total depth cap is hit, or while draining.
func (q *RequestQueue) Enqueue(tenantID string, priority models.Priority, requestID string, handler Handler) bool {
	if handler == nil {
		return false
	}
	if priority < models.PriorityHigh || priority > models.PriorityLow {
		priority = models.PriorityNormal
	}

	q.mu.Lock()
	switch {
	case q.closed:
		q.mu.Unlock()
		q.reject(rejectDraining, tenantID, requestID)
		return false
	case q.tenants[tenantID] >= q.config.MaxPerTenant:
		q.mu.Unlock()
		q.reject(rejectTenantFull, tenantID, requestID)
		return false
	case q.entries.Len() >= q.config.MaxTotal:
		q.mu.Unlock()
		q.reject(rejectQueueFull, tenantID, requestID)
		return false
	}

	q.seq++
	heap.Push(&q.entries, &entry{
		priority:   priority,
		seq:        q.seq,
		tenantID:   tenantID,
		requestID:  requestID,
		handler:    handler,
		enqueuedAt: time.Now(),
	})
	q.tenants[tenantID]++
	q.depths[priority]++
	depth := q.depths[priority]
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.metrics.SetQueueDepth(priority.String(), depth)
	q.signal()
	return true
}

func (q *RequestQueue) reject(reason, tenantID, requestID string) {
	q.rejected.Add(1)
	q.metrics.RecordQueueRejection(reason)
	q.logger.Warn(context.Background(), "request rejected by queue",
		"reason", reason,
		"tenant_id", tenantID,
		"request_id", requestID,
	)
}

// signal wakes one idle worker. The channel holds a single token; any
// pop that leaves entries behind re-signals, so the chain covers bursts.
func (q *RequestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *RequestQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		e, ok := q.pull(ctx)
		if !ok {
			return
		}
		q.run(ctx, e)
	}
}

// pull blocks until an entry is available, the backlog is drained after
// Stop, or ctx is cancelled. Cancellation wins over a non-empty backlog.
// Idle workers re-check every PullTimeout.
func (q *RequestQueue) pull(ctx context.Context) (*entry, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}

		q.mu.Lock()
		if q.entries.Len() > 0 {
			e := heap.Pop(&q.entries).(*entry)
			q.depths[e.priority]--
			depth := q.depths[e.priority]
			remaining := q.entries.Len() > 0
			q.mu.Unlock()

			q.metrics.SetQueueDepth(e.priority.String(), depth)
			if remaining {
				q.signal()
			}
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		timer := time.NewTimer(q.config.PullTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-q.quit:
			timer.Stop()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *RequestQueue) run(ctx context.Context, e *entry) {
	waited := time.Since(e.enqueuedAt)
	q.logger.Debug(ctx, "request dequeued",
		"request_id", e.requestID,
		"tenant_id", e.tenantID,
		"priority", e.priority.String(),
		"waited_ms", waited.Milliseconds(),
	)

	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error(ctx, "request handler panicked",
				"request_id", e.requestID,
				"tenant_id", e.tenantID,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
		q.finish(e)
	}()

	if err := e.handler(ctx); err != nil {
		q.logger.Error(ctx, "request handler failed",
			"request_id", e.requestID,
			"tenant_id", e.tenantID,
			"error", err,
		)
	}
}

// finish releases the tenant slot after the handler returns, so the
// per-tenant cap covers in-flight work as well as the backlog.
func (q *RequestQueue) finish(e *entry) {
	q.mu.Lock()
	if q.tenants[e.tenantID] <= 1 {
		delete(q.tenants, e.tenantID)
	} else {
		q.tenants[e.tenantID]--
	}
	q.mu.Unlock()

	q.processed.Add(1)
	q.byPriority[e.priority].Add(1)
}

// Stats is a point-in-time snapshot of queue load.
type Stats struct {
	Size      int    `json:"size"`
	Workers   int    `json:"workers"`
	Enqueued  uint64 `json:"enqueued"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`

	// ProcessedByPriority counts completed requests per priority name.
	ProcessedByPriority map[string]uint64 `json:"processed_by_priority"`

	// TenantDepths counts queued plus in-flight requests per tenant.
	TenantDepths map[string]int `json:"tenant_depths"`

	// IsBusy reports a backlog deeper than twice the worker count.
	IsBusy bool `json:"is_busy"`
}

// Stats returns current counters and depths.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	size := q.entries.Len()
	tenants := make(map[string]int, len(q.tenants))
	for id, n := range q.tenants {
		tenants[id] = n
	}
	q.mu.Unlock()

	return Stats{
		Size:      size,
		Workers:   q.config.Workers,
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Rejected:  q.rejected.Load(),
		ProcessedByPriority: map[string]uint64{
			models.PriorityHigh.String():   q.byPriority[models.PriorityHigh].Load(),
			models.PriorityNormal.String(): q.byPriority[models.PriorityNormal].Load(),
			models.PriorityLow.String():    q.byPriority[models.PriorityLow].Load(),
		},
		TenantDepths: tenants,
		IsBusy:       size > 2*q.config.Workers,
	}
}

// Stop refuses new work, lets the workers drain the backlog, and waits
// for them to exit. The context bounds the drain: on expiry the workers
// are cancelled and whatever remains is abandoned.
func (q *RequestQueue) Stop(ctx context.Context) error {
	if !q.started.Load() {
		return errors.New("queue not started")
	}
	if !q.stopped.CompareAndSwap(false, true) {
		return nil
	}

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info(ctx, "request queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn(context.Background(), "request queue stop abandoned backlog",
			"remaining", q.Stats().Size,
		)
		return ctx.Err()
	}
}
