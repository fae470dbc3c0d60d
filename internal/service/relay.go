package service

import (
	"context"
	"sync"

	"github.com/haasonsaas/lucy/internal/channels"
)

// handlerRelay stands between the chat adapter and the dispatcher. The
// adapter wants its event handler at construction, but the dispatcher is
// built later because it needs the adapter as thread source and outbound
// client. The relay is handed to the adapter first and pointed at the
// dispatcher once it exists; events arriving before then are dropped.
type handlerRelay struct {
	mu sync.RWMutex
	h  channels.Handler
}

var _ channels.Handler = (*handlerRelay)(nil)

func (r *handlerRelay) Set(h channels.Handler) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *handlerRelay) HandleEvent(ctx context.Context, ev channels.Event) {
	r.mu.RLock()
	h := r.h
	r.mu.RUnlock()
	if h == nil {
		return
	}
	h.HandleEvent(ctx, ev)
}
