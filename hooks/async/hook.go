// Package asynchook moves Hooks calls off the proxy's hot path.
//
// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	proxy, _ := dataprovider.New(backend, dataprovider.Options{
//	    Namespace: "admin:prod",
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	dp "github.com/unkn0wn-root/dataprovider"
)

// Hooks forwards events to inner on worker goroutines. Events that do not fit
// in the queue are dropped and counted.
type Hooks struct {
	inner   dp.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ dp.Hooks = (*Hooks)(nil)

func New(inner dp.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) CacheHit(r string, m dp.Method)    { h.try(func() { h.inner.CacheHit(r, m) }) }
func (h *Hooks) CacheMiss(r string, m dp.Method)   { h.try(func() { h.inner.CacheMiss(r, m) }) }
func (h *Hooks) StaleServed(r string, m dp.Method) { h.try(func() { h.inner.StaleServed(r, m) }) }
func (h *Hooks) RequestCoalesced(r string, m dp.Method) {
	h.try(func() { h.inner.RequestCoalesced(r, m) })
}
func (h *Hooks) Invalidated(r string, n int) { h.try(func() { h.inner.Invalidated(r, n) }) }
func (h *Hooks) SelfHeal(k, reason string)   { h.try(func() { h.inner.SelfHeal(k, reason) }) }
func (h *Hooks) StoreSetRejected(k string)   { h.try(func() { h.inner.StoreSetRejected(k) }) }
func (h *Hooks) InvalidateOutage(r string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(r, be, de) })
}
