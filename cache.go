package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/dataprovider/codec"
	gen "github.com/unkn0wn-root/dataprovider/genstore"
	"github.com/unkn0wn-root/dataprovider/internal/util"
	"github.com/unkn0wn-root/dataprovider/internal/wire"
	st "github.com/unkn0wn-root/dataprovider/store"
	"github.com/unkn0wn-root/dataprovider/store/memory"
)

const (
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// Payload is the cached form of one read result. Single-record reads store a
// one-element Records slice.
type Payload struct {
	Records []Record `json:"records" cbor:"records" msgpack:"records"`
	Total   int      `json:"total" cbor:"total" msgpack:"total"`
}

// Options tune the caching proxy. Every field is optional.
type Options struct {
	Namespace string           // keyspace prefix; "" => "dp"
	Store     st.Store         // nil => in-process memory store
	Codec     c.Codec[Payload] // nil => JSON
	GenStore  gen.GenStore     // nil => in-process gen.Local
	Logger    Logger           // nil => NopLogger
	Hooks     Hooks            // nil => NopHooks
	Clock     clock.Clock      // nil => real clock

	DefaultTTL      time.Duration // freshness of a fetched read; 0 => 5m
	StaleRetention  time.Duration // how long an expired entry stays for stale-while-revalidate; 0 => 10m
	CleanupInterval time.Duration // local gen store sweep; 0 => 1h
	GenRetention    time.Duration // local gen store retention; 0 => 30d
}

// Proxy wraps a DataProvider and answers reads from a freshness-bounded cache.
// Concurrent reads of the same key share one call to the wrapped provider.
// A successful write drops every cached read of the written resource.
//
// The cache is private to the Proxy; Patch and Restore are the only ways to
// change cached values besides reads and writes.
type Proxy struct {
	next  DataProvider
	ns    string
	store st.Store
	codec c.Codec[Payload]
	gen   gen.GenStore
	log   Logger
	hooks Hooks
	clock clock.Clock

	ttl       time.Duration
	retention time.Duration

	flight singleflight.Group
	bg     sync.WaitGroup

	mu      sync.Mutex
	index   map[string]map[string]Method // resource -> storage key -> method
	epochs  map[string]uint64            // resource -> local write epoch (patch/restore/invalidate)
	waiters map[string]int               // storage key -> callers awaiting a fetch
}

var _ DataProvider = (*Proxy)(nil)

// New wraps next with a cache.
func New(next DataProvider, opts Options) (*Proxy, error) {
	if next == nil {
		return nil, errors.New("dataprovider: wrapped provider is required")
	}
	p := &Proxy{
		next:    next,
		index:   make(map[string]map[string]Method),
		epochs:  make(map[string]uint64),
		waiters: make(map[string]int),
	}

	// defaults
	p.ns = coalesce(opts.Namespace, DefaultNamespace)
	p.clock = coalesce[clock.Clock](opts.Clock, clock.New())
	p.log = coalesce[Logger](opts.Logger, NopLogger{})
	p.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	p.codec = coalesce[c.Codec[Payload]](opts.Codec, c.JSON[Payload]{})
	p.ttl = coalesce(opts.DefaultTTL, DefaultTTL)
	p.retention = coalesce(opts.StaleRetention, DefaultStaleRetention)

	if opts.Store != nil {
		p.store = opts.Store
	} else {
		p.store = memory.New(memory.Config{SweepInterval: time.Minute, Clock: p.clock})
	}
	if opts.GenStore != nil {
		p.gen = opts.GenStore
	} else {
		p.gen = gen.NewLocal(gen.LocalConfig{
			Retention:     coalesce(opts.GenRetention, defaultGenRetention),
			SweepInterval: coalesce(opts.CleanupInterval, defaultSweep),
			Clock:         p.clock,
		})
	}
	return p, nil
}

// Close waits for background revalidations, then releases the gen store and
// the byte store.
func (p *Proxy) Close(ctx context.Context) error {
	p.bg.Wait()
	// Close gen store first (best effort)
	if p.gen != nil {
		_ = p.gen.Close(ctx)
	}
	if p.store != nil {
		return p.store.Close(ctx)
	}
	return nil
}

func (p *Proxy) GetList(ctx context.Context, resource string, params GetListParams) (*ListResult, error) {
	pl, err := p.read(ctx, resource, MethodGetList, params, func(ctx context.Context) (Payload, error) {
		res, err := p.next.GetList(ctx, resource, params)
		if err != nil {
			return Payload{}, err
		}
		if res == nil {
			return Payload{}, errNoResult(MethodGetList)
		}
		return Payload{Records: res.Data, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{Data: pl.Records, Total: pl.Total}, nil
}

func (p *Proxy) GetOne(ctx context.Context, resource string, params GetOneParams) (*RecordResult, error) {
	pl, err := p.read(ctx, resource, MethodGetOne, params, func(ctx context.Context) (Payload, error) {
		res, err := p.next.GetOne(ctx, resource, params)
		if err != nil {
			return Payload{}, err
		}
		if res == nil {
			return Payload{}, errNoResult(MethodGetOne)
		}
		return Payload{Records: []Record{res.Data}, Total: 1}, nil
	})
	if err != nil {
		return nil, err
	}
	out := &RecordResult{}
	if len(pl.Records) > 0 {
		out.Data = pl.Records[0]
	}
	return out, nil
}

func (p *Proxy) GetMany(ctx context.Context, resource string, params GetManyParams) (*RecordsResult, error) {
	pl, err := p.read(ctx, resource, MethodGetMany, params, func(ctx context.Context) (Payload, error) {
		res, err := p.next.GetMany(ctx, resource, params)
		if err != nil {
			return Payload{}, err
		}
		if res == nil {
			return Payload{}, errNoResult(MethodGetMany)
		}
		return Payload{Records: res.Data, Total: len(res.Data)}, nil
	})
	if err != nil {
		return nil, err
	}
	return &RecordsResult{Data: pl.Records}, nil
}

func (p *Proxy) GetManyReference(ctx context.Context, resource string, params GetManyReferenceParams) (*ListResult, error) {
	pl, err := p.read(ctx, resource, MethodGetManyReference, params, func(ctx context.Context) (Payload, error) {
		res, err := p.next.GetManyReference(ctx, resource, params)
		if err != nil {
			return Payload{}, err
		}
		if res == nil {
			return Payload{}, errNoResult(MethodGetManyReference)
		}
		return Payload{Records: res.Data, Total: res.Total}, nil
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{Data: pl.Records, Total: pl.Total}, nil
}

func (p *Proxy) Create(ctx context.Context, resource string, params CreateParams) (*RecordResult, error) {
	res, err := p.next.Create(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, resource, MethodCreate)
	return res, nil
}

func (p *Proxy) Update(ctx context.Context, resource string, params UpdateParams) (*RecordResult, error) {
	res, err := p.next.Update(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, resource, MethodUpdate)
	return res, nil
}

func (p *Proxy) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) (*IDsResult, error) {
	res, err := p.next.UpdateMany(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, resource, MethodUpdateMany)
	return res, nil
}

func (p *Proxy) Delete(ctx context.Context, resource string, params DeleteParams) (*RecordResult, error) {
	res, err := p.next.Delete(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, resource, MethodDelete)
	return res, nil
}

func (p *Proxy) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) (*IDsResult, error) {
	res, err := p.next.DeleteMany(ctx, resource, params)
	if err != nil {
		return nil, err
	}
	p.afterWrite(ctx, resource, MethodDeleteMany)
	return res, nil
}

// afterWrite runs only once the wrapped write has succeeded.
func (p *Proxy) afterWrite(ctx context.Context, resource string, m Method) {
	if err := p.Invalidate(context.WithoutCancel(ctx), resource); err != nil {
		p.log.Error("invalidation after write failed", Fields{"resource": resource, "method": m, "err": err})
	}
}

// Invalidate drops every cached read of resource, regardless of method or
// params, and bumps its generation so in-flight fetches cannot repopulate it.
func (p *Proxy) Invalidate(ctx context.Context, resource string) error {
	_, bumpErr := p.gen.Bump(ctx, resource)

	p.mu.Lock()
	keys := p.index[resource]
	delete(p.index, resource)
	p.epochs[resource]++
	p.mu.Unlock()

	var delErr error
	for k := range keys {
		if err := p.store.Del(ctx, k); err != nil {
			delErr = errors.Join(delErr, err)
		}
	}

	if bumpErr != nil || delErr != nil {
		if bumpErr != nil && delErr != nil {
			p.hooks.InvalidateOutage(resource, bumpErr, delErr)
		}
		return &InvalidateError{Resource: resource, BumpErr: bumpErr, DelErr: delErr}
	}
	p.hooks.Invalidated(resource, len(keys))
	p.log.Debug("invalidated resource (bumped gen + cleared entries)", Fields{"resource": resource, "entries": len(keys)})
	return nil
}

// InvalidateAll drops every cached read this proxy knows about.
func (p *Proxy) InvalidateAll(ctx context.Context) error {
	p.mu.Lock()
	resources := make([]string, 0, len(p.index))
	for r := range p.index {
		resources = append(resources, r)
	}
	p.mu.Unlock()

	var errs error
	for _, r := range resources {
		if err := p.Invalidate(ctx, r); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Entries returns the number of indexed entries of resource.
func (p *Proxy) Entries(resource string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index[resource])
}

type fetchFunc func(ctx context.Context) (Payload, error)

type fetched struct {
	payload Payload
	raw     []byte // encoded payload; nil if encoding failed
}

func (p *Proxy) read(ctx context.Context, resource string, m Method, params any, fetch fetchFunc) (Payload, error) {
	key, err := util.EntryKey(p.ns, resource, string(m), params)
	if err != nil {
		p.log.Warn("cache key derivation failed; bypassing cache", Fields{"resource": resource, "method": m, "err": err})
		return fetch(ctx)
	}
	opts := CallOptionsFrom(ctx)

	if !opts.Revalidate {
		if e, pl, ok := p.lookup(ctx, resource, key); ok {
			if p.fresh(e, opts.TTL) {
				p.hooks.CacheHit(resource, m)
				return pl, nil
			}
			if opts.StaleWhileRevalidate {
				p.hooks.StaleServed(resource, m)
				p.revalidate(ctx, resource, m, key, opts.TTL, fetch)
				return pl, nil
			}
		}
	}
	p.hooks.CacheMiss(resource, m)
	return p.fetch(ctx, resource, m, key, opts.TTL, fetch)
}

// fresh applies the entry's validUntil and, when a per-call max age is given,
// the shorter of the two.
func (p *Proxy) fresh(e wire.Entry, maxAge time.Duration) bool {
	now := p.clock.Now()
	if !e.Fresh(now) {
		return false
	}
	return maxAge <= 0 || now.Before(e.FetchedAt.Add(maxAge))
}

func (p *Proxy) fetch(ctx context.Context, resource string, m Method, key string, ttl time.Duration, fetch fetchFunc) (Payload, error) {
	coalesced := p.join(key)
	defer p.leave(key)

	ch := p.flight.DoChan(key, func() (any, error) {
		// The shared call outlives any single waiter.
		fctx := context.WithoutCancel(ctx)
		obsGen := p.snapshotGen(fctx, resource)
		obsEpoch := p.epoch(resource)

		pl, err := fetch(fctx)
		// settle: later callers must start a new call, even if the write below fails
		p.flight.Forget(key)
		if err != nil {
			return nil, err
		}

		now := p.clock.Now()
		raw, encErr := p.codec.Encode(pl)
		if encErr != nil {
			p.log.Warn("payload encode failed; result not cached", Fields{"resource": resource, "method": m, "err": encErr})
			return fetched{payload: pl}, nil
		}
		p.put(fctx, resource, m, key, wire.Entry{
			Gen:        obsGen,
			FetchedAt:  now,
			ValidUntil: now.Add(coalesce(ttl, p.ttl)),
			Payload:    raw,
		}, obsEpoch)
		return fetched{payload: pl, raw: raw}, nil
	})
	if coalesced {
		p.hooks.RequestCoalesced(resource, m)
	}

	select {
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Payload{}, r.Err
		}
		return p.materialize(r.Val.(fetched)), nil
	}
}

// materialize gives each waiter its own copy of the shared result, decoded the
// same way a cache hit would be.
func (p *Proxy) materialize(f fetched) Payload {
	if f.raw == nil {
		return f.payload
	}
	pl, err := p.codec.Decode(f.raw)
	if err != nil {
		return f.payload
	}
	return pl
}

func (p *Proxy) revalidate(ctx context.Context, resource string, m Method, key string, ttl time.Duration, fetch fetchFunc) {
	bg := context.WithoutCancel(ctx)
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if _, err := p.fetch(bg, resource, m, key, ttl, fetch); err != nil {
			p.log.Debug("background revalidation failed", Fields{"resource": resource, "method": m, "err": err})
		}
	}()
}

func (p *Proxy) lookup(ctx context.Context, resource, key string) (wire.Entry, Payload, bool) {
	raw, ok, err := p.store.Get(ctx, key)
	if err != nil {
		p.log.Warn("store get failed; treating as miss", Fields{"key": key, "err": err})
		return wire.Entry{}, Payload{}, false
	}
	if !ok {
		return wire.Entry{}, Payload{}, false
	}
	e, err := wire.Decode(raw)
	if err != nil {
		p.selfHeal(ctx, resource, key, "corrupt")
		return wire.Entry{}, Payload{}, false
	}
	if e.Gen != p.snapshotGen(ctx, resource) {
		p.selfHeal(ctx, resource, key, "gen_mismatch")
		return wire.Entry{}, Payload{}, false
	}
	pl, err := p.codec.Decode(e.Payload)
	if err != nil {
		p.selfHeal(ctx, resource, key, "value_decode")
		return wire.Entry{}, Payload{}, false
	}
	return e, pl, true
}

// put is a CAS write: it is skipped when the resource generation or local
// epoch moved since the fetch started.
func (p *Proxy) put(ctx context.Context, resource string, m Method, key string, e wire.Entry, obsEpoch uint64) {
	if p.snapshotGen(ctx, resource) != e.Gen {
		p.log.Debug("cache write skipped (gen moved)", Fields{"key": key, "obs": e.Gen})
		return
	}
	p.mu.Lock()
	if p.epochs[resource] != obsEpoch {
		p.mu.Unlock()
		p.log.Debug("cache write skipped (resource written while fetching)", Fields{"key": key})
		return
	}
	p.trackLocked(resource, key, m)
	p.mu.Unlock()

	b := wire.Encode(e)
	ok, err := p.store.Set(ctx, key, b, int64(len(b)), p.storeTTL(e))
	if err != nil {
		p.log.Warn("store set failed", Fields{"key": key, "err": err})
		return
	}
	if !ok {
		p.hooks.StoreSetRejected(key)
		p.log.Debug("store rejected entry (pressure)", Fields{"key": key})
	}
}

// storeTTL keeps an entry around past validUntil for stale-while-revalidate.
func (p *Proxy) storeTTL(e wire.Entry) time.Duration {
	return e.ValidUntil.Sub(p.clock.Now()) + p.retention
}

func (p *Proxy) selfHeal(ctx context.Context, resource, key, reason string) {
	_ = p.store.Del(ctx, key)
	p.mu.Lock()
	if keys := p.index[resource]; keys != nil {
		delete(keys, key)
	}
	p.mu.Unlock()
	p.hooks.SelfHeal(key, reason)
}

func (p *Proxy) trackLocked(resource, key string, m Method) {
	keys := p.index[resource]
	if keys == nil {
		keys = make(map[string]Method)
		p.index[resource] = keys
	}
	keys[key] = m
}

func (p *Proxy) epoch(resource string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epochs[resource]
}

// join registers a waiter for key and reports whether a fetch was already
// awaited by someone else.
func (p *Proxy) join(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.waiters[key]
	p.waiters[key] = n + 1
	return n > 0
}

func (p *Proxy) leave(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.waiters[key]; n <= 1 {
		delete(p.waiters, key)
	} else {
		p.waiters[key] = n - 1
	}
}

func (p *Proxy) snapshotGen(ctx context.Context, resource string) uint64 {
	g, err := p.gen.Current(ctx, resource)
	if err != nil {
		// 0 never matches a bumped generation: the entry is not stored and
		// older entries heal on read
		p.log.Warn("generation read failed", Fields{"resource": resource, "err": err})
		return 0
	}
	return g
}

func errNoResult(m Method) error {
	return NewTransportError(StatusUnknown, fmt.Sprintf("%s returned no result", m), nil)
}
