// Package query exposes DataProvider reads as observable queries: each Query
// holds the latest data, loading and error state, refetches on demand and
// notifies subscribers on every change.
//
// Freshness is delegated to the caching proxy. QueryOptions.StaleTime becomes
// the per-call TTL and Refetch forces revalidation, so two queries over the
// same read share one cache entry and one in-flight fetch.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	dp "github.com/unkn0wn-root/dataprovider"
)

// State is a snapshot of a query.
type State[T any] struct {
	Data T
	// IsLoading is true while fetching with no data loaded yet.
	IsLoading bool
	// IsFetching is true while any fetch runs, including refetches.
	IsFetching bool
	Error      *dp.TransportError
	UpdatedAt  time.Time

	version uint64
}

// QueryOptions configure one query.
type QueryOptions[T any] struct {
	// StaleTime bounds how old a cached answer may be; 0 => proxy default.
	StaleTime time.Duration
	// Enabled gates the initial fetch; nil => enabled. A disabled query
	// stays idle until Refetch.
	Enabled   *bool
	OnSuccess func(T)
	OnError   func(*dp.TransportError)
}

// Enabled is a helper for QueryOptions.Enabled.
func Enabled(v bool) *bool { return &v }

type fetchFunc[T any] func(ctx context.Context) (T, error)

// Query is a mounted read. Safe for concurrent use.
type Query[T any] struct {
	c     *Client
	name  string
	fetch fetchFunc[T]
	opts  QueryOptions[T]
	stop  context.CancelFunc
	mount uint64

	mu      sync.Mutex
	state   State[T]
	loaded  bool
	seq     uint64
	settled chan struct{} // closed while no fetch runs
	subs    map[uint64]func(State[T])
	nextSub uint64
	closed  bool

	deliverMu sync.Mutex
	delivered uint64
}

func newQuery[T any](c *Client, name string, fetch fetchFunc[T], opts QueryOptions[T]) *Query[T] {
	ctx, stop := context.WithCancel(context.Background())
	settled := make(chan struct{})
	close(settled)
	q := &Query[T]{
		c:       c,
		name:    name,
		fetch:   fetch,
		opts:    opts,
		stop:    stop,
		settled: settled,
		subs:    make(map[uint64]func(State[T])),
	}
	q.mount = c.register(q)
	if q.enabled() {
		seq, _ := q.begin()
		go q.run(ctx, seq, false)
	}
	return q
}

func (q *Query[T]) enabled() bool { return q.opts.Enabled == nil || *q.opts.Enabled }

// State returns the current snapshot.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Wait blocks until no fetch is running and returns the settled state. A
// disabled query that was never refetched returns at once.
func (q *Query[T]) Wait(ctx context.Context) (State[T], error) {
	for {
		q.mu.Lock()
		if !q.state.IsFetching || q.closed {
			s := q.state
			q.mu.Unlock()
			return s, nil
		}
		ch := q.settled
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return q.State(), ctx.Err()
		}
	}
}

// Refetch bypasses the cache, waits for the fresh answer and returns the
// resulting state. The answer is cached for other queries of the same read.
func (q *Query[T]) Refetch(ctx context.Context) (State[T], error) {
	seq, ok := q.begin()
	if !ok {
		return q.State(), ErrClosed
	}
	q.run(ctx, seq, true)
	return q.State(), nil
}

func (q *Query[T]) refetch(ctx context.Context) error {
	if !q.enabled() {
		return nil
	}
	_, err := q.Refetch(ctx)
	return err
}

// Subscribe calls fn with the current state and then on every change until
// the returned function is called. fn runs on the goroutine that caused the
// change and must not block.
func (q *Query[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	s := q.state
	q.mu.Unlock()

	fn(s)
	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// Close unmounts the query: the running fetch is abandoned, subscribers are
// dropped and Refresh no longer reaches it.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.subs = map[uint64]func(State[T]){}
	if q.state.IsFetching {
		q.state.IsFetching = false
		q.state.IsLoading = false
		close(q.settled)
	}
	q.mu.Unlock()
	q.stop()
	q.c.unregister(q.mount)
}

// begin marks a new fetch; results of older fetches are dropped.
func (q *Query[T]) begin() (uint64, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, false
	}
	q.seq++
	if !q.state.IsFetching {
		q.settled = make(chan struct{})
	}
	q.state.IsFetching = true
	q.state.IsLoading = !q.loaded
	q.state.version++
	seq, s := q.seq, q.state
	q.mu.Unlock()

	q.notify(s)
	return seq, true
}

func (q *Query[T]) run(ctx context.Context, seq uint64, revalidate bool) {
	ctx = dp.WithCallOptions(ctx, dp.CallOptions{TTL: q.opts.StaleTime, Revalidate: revalidate})

	done := q.c.startFetch()
	data, err := q.fetch(ctx)
	done()

	q.mu.Lock()
	if q.closed || seq != q.seq {
		q.mu.Unlock()
		return
	}
	var te *dp.TransportError
	if err != nil {
		te = dp.NormalizeError(err)
		var zero T
		q.state.Data = zero
		q.loaded = false
	} else {
		q.state.Data = data
		q.loaded = true
	}
	q.state.Error = te
	q.state.IsFetching = false
	q.state.IsLoading = false
	q.state.UpdatedAt = q.c.clock.Now()
	q.state.version++
	close(q.settled)
	s := q.state
	q.mu.Unlock()

	if te != nil {
		q.c.log.Debug("query failed", dp.Fields{"query": q.name, "status": te.Status, "err": te})
		if q.opts.OnError != nil {
			q.opts.OnError(te)
		}
	} else if q.opts.OnSuccess != nil {
		q.opts.OnSuccess(data)
	}
	q.notify(s)
}

// notify delivers s unless a newer state was already delivered.
func (q *Query[T]) notify(s State[T]) {
	q.deliverMu.Lock()
	if s.version <= q.delivered {
		q.deliverMu.Unlock()
		return
	}
	q.delivered = s.version
	q.deliverMu.Unlock()

	q.mu.Lock()
	ids := make([]uint64, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(State[T]), len(ids))
	for i, id := range ids {
		fns[i] = q.subs[id]
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
