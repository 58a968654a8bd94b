package dataprovider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	gen "github.com/unkn0wn-root/dataprovider/genstore"
	"github.com/unkn0wn-root/dataprovider/internal/util"
	"github.com/unkn0wn-root/dataprovider/store/memory"
	rstore "github.com/unkn0wn-root/dataprovider/store/redis"
)

// fakeProvider is an in-memory backend that counts calls and can block reads.
type fakeProvider struct {
	mu      sync.Mutex
	data    map[string]map[Identifier]Record
	calls   map[Method]int
	nextID  int
	failErr error // returned (once) by the next call when set

	gate    chan struct{} // when non-nil, reads block until it is closed
	entered chan Method   // receives the method of every blocked read
}

var _ DataProvider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		data:   make(map[string]map[Identifier]Record),
		calls:  make(map[Method]int),
		nextID: 100,
	}
}

func (f *fakeProvider) seed(resource string, recs ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[resource] == nil {
		f.data[resource] = make(map[Identifier]Record)
	}
	for _, r := range recs {
		f.data[resource][r.ID()] = r
	}
}

func (f *fakeProvider) set(resource string, id Identifier, field string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[resource][id][field] = v
}

func (f *fakeProvider) count(m Method) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[m]
}

func (f *fakeProvider) failNext(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) enter(m Method) error {
	f.mu.Lock()
	f.calls[m]++
	gate, entered := f.gate, f.entered
	err := f.failErr
	f.failErr = nil
	f.mu.Unlock()

	if gate != nil && !m.IsWrite() {
		if entered != nil {
			entered <- m
		}
		<-gate
	}
	return err
}

func (f *fakeProvider) sorted(resource string, keep func(Record) bool) []Record {
	out := []Record{}
	for _, r := range f.data[resource] {
		if keep == nil || keep(r) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (f *fakeProvider) GetList(_ context.Context, resource string, _ GetListParams) (*ListResult, error) {
	if err := f.enter(MethodGetList); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.sorted(resource, nil)
	return &ListResult{Data: recs, Total: len(recs)}, nil
}

func (f *fakeProvider) GetOne(_ context.Context, resource string, params GetOneParams) (*RecordResult, error) {
	if err := f.enter(MethodGetOne); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.data[resource][params.ID]
	if !ok {
		return nil, NewTransportError(404, "not found", nil)
	}
	return &RecordResult{Data: copyRecord(r)}, nil
}

func (f *fakeProvider) GetMany(_ context.Context, resource string, params GetManyParams) (*RecordsResult, error) {
	if err := f.enter(MethodGetMany); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := idSet(params.IDs)
	return &RecordsResult{Data: f.sorted(resource, func(r Record) bool {
		_, ok := set[r.ID()]
		return ok
	})}, nil
}

func (f *fakeProvider) GetManyReference(_ context.Context, resource string, params GetManyReferenceParams) (*ListResult, error) {
	if err := f.enter(MethodGetManyReference); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.sorted(resource, func(r Record) bool { return ID(r[params.Target]) == params.ID })
	return &ListResult{Data: recs, Total: len(recs)}, nil
}

func (f *fakeProvider) Create(_ context.Context, resource string, params CreateParams) (*RecordResult, error) {
	if err := f.enter(MethodCreate); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := copyRecord(params.Data)
	r["id"] = fmt.Sprint(f.nextID)
	if f.data[resource] == nil {
		f.data[resource] = make(map[Identifier]Record)
	}
	f.data[resource][r.ID()] = r
	return &RecordResult{Data: copyRecord(r)}, nil
}

func (f *fakeProvider) Update(_ context.Context, resource string, params UpdateParams) (*RecordResult, error) {
	if err := f.enter(MethodUpdate); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.data[resource][params.ID]
	if !ok {
		return nil, NewTransportError(404, "not found", nil)
	}
	for k, v := range params.Data {
		r[k] = v
	}
	return &RecordResult{Data: copyRecord(r)}, nil
}

func (f *fakeProvider) UpdateMany(_ context.Context, resource string, params UpdateManyParams) (*IDsResult, error) {
	if err := f.enter(MethodUpdateMany); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range params.IDs {
		for k, v := range params.Data {
			f.data[resource][id][k] = v
		}
	}
	return &IDsResult{Data: params.IDs}, nil
}

func (f *fakeProvider) Delete(_ context.Context, resource string, params DeleteParams) (*RecordResult, error) {
	if err := f.enter(MethodDelete); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.data[resource][params.ID]
	delete(f.data[resource], params.ID)
	return &RecordResult{Data: r}, nil
}

func (f *fakeProvider) DeleteMany(_ context.Context, resource string, params DeleteManyParams) (*IDsResult, error) {
	if err := f.enter(MethodDeleteMany); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range params.IDs {
		delete(f.data[resource], id)
	}
	return &IDsResult{Data: params.IDs}, nil
}

// recHooks records hook calls; coalesced receives one value per joined read.
type recHooks struct {
	NopHooks
	mu        sync.Mutex
	hits      int
	misses    int
	stale     int
	heals     []string
	coalesced chan struct{}
}

func newRecHooks() *recHooks { return &recHooks{coalesced: make(chan struct{}, 64)} }

func (h *recHooks) CacheHit(string, Method)    { h.mu.Lock(); h.hits++; h.mu.Unlock() }
func (h *recHooks) CacheMiss(string, Method)   { h.mu.Lock(); h.misses++; h.mu.Unlock() }
func (h *recHooks) StaleServed(string, Method) { h.mu.Lock(); h.stale++; h.mu.Unlock() }
func (h *recHooks) SelfHeal(_ string, reason string) {
	h.mu.Lock()
	h.heals = append(h.heals, reason)
	h.mu.Unlock()
}
func (h *recHooks) RequestCoalesced(string, Method) { h.coalesced <- struct{}{} }

type testEnv struct {
	fp    *fakeProvider
	p     *Proxy
	mem   *memory.Store
	clk   *clock.Mock
	hooks *recHooks
}

func newTestEnv(t *testing.T, optsOpt func(*Options)) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	env := &testEnv{
		fp:    newFakeProvider(),
		mem:   memory.New(memory.Config{Clock: clk}),
		clk:   clk,
		hooks: newRecHooks(),
	}
	env.fp.seed("posts",
		Record{"id": "1", "title": "Hello", "author": "a1"},
		Record{"id": "2", "title": "World", "author": "a1"},
		Record{"id": "3", "title": "Again", "author": "a2"},
	)
	env.fp.seed("comments", Record{"id": "10", "body": "nice", "post_id": "1"})

	opts := Options{
		Namespace:  "test",
		Store:      env.mem,
		Clock:      clk,
		Hooks:      env.hooks,
		DefaultTTL: time.Minute,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	p, err := New(env.fp, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.p = p
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return env
}

func entryKey(t *testing.T, resource string, m Method, params any) string {
	t.Helper()
	k, err := util.EntryKey("test", resource, string(m), params)
	if err != nil {
		t.Fatalf("EntryKey: %v", err)
	}
	return k
}

// ==============================
// Read-through and freshness
// ==============================

// TestReadServedFromCacheWithinTTL: a second identical read inside the TTL
// never reaches the backend; after the TTL it does.
func TestReadServedFromCacheWithinTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetListParams{Pagination: Pagination{Page: 1, PerPage: 10}, Sort: Sort{Field: "id", Order: SortAsc}}

	first, err := env.p.GetList(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	env.fp.set("posts", "1", "title", "Changed")

	env.clk.Add(59 * time.Second)
	second, err := env.p.GetList(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetList (cached): %v", err)
	}
	if n := env.fp.count(MethodGetList); n != 1 {
		t.Fatalf("backend calls = %d, want 1", n)
	}
	if second.Total != 3 || second.Data[0]["title"] != first.Data[0]["title"] {
		t.Fatalf("cached read differs: first=%v second=%v", first, second)
	}

	env.clk.Add(2 * time.Second)
	third, err := env.p.GetList(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetList (expired): %v", err)
	}
	if n := env.fp.count(MethodGetList); n != 2 {
		t.Fatalf("backend calls after TTL = %d, want 2", n)
	}
	if third.Data[0]["title"] != "Changed" {
		t.Fatalf("expired read should be refetched, got %v", third.Data[0])
	}
}

// TestParamsPartitionCache: different params never share an entry.
func TestParamsPartitionCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"}); err != nil {
		t.Fatalf("GetOne 1: %v", err)
	}
	r2, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "2"})
	if err != nil {
		t.Fatalf("GetOne 2: %v", err)
	}
	if r2.Data["title"] != "World" {
		t.Fatalf("GetOne 2 returned %v", r2.Data)
	}
	if _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"}); err != nil {
		t.Fatalf("GetOne 1 again: %v", err)
	}
	if n := env.fp.count(MethodGetOne); n != 2 {
		t.Fatalf("backend calls = %d, want 2", n)
	}
	if env.p.Entries("posts") != 2 {
		t.Fatalf("entries = %d, want 2", env.p.Entries("posts"))
	}
}

// TestPerCallTTL: a shorter per-call TTL forces a refetch of an otherwise fresh entry.
func TestPerCallTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	env.clk.Add(10 * time.Second)

	short := WithCallOptions(ctx, CallOptions{TTL: 5 * time.Second})
	if _, err := env.p.GetOne(short, "posts", params); err != nil {
		t.Fatalf("GetOne short TTL: %v", err)
	}
	if n := env.fp.count(MethodGetOne); n != 2 {
		t.Fatalf("backend calls = %d, want 2", n)
	}
	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne default TTL: %v", err)
	}
	if n := env.fp.count(MethodGetOne); n != 2 {
		t.Fatalf("backend calls = %d, want 2", n)
	}
}

// TestRevalidateBypassesLookup: Revalidate always reaches the backend and
// refreshes the entry.
func TestRevalidateBypassesLookup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	env.fp.set("posts", "1", "title", "Fresh")

	rv := WithCallOptions(ctx, CallOptions{Revalidate: true})
	got, err := env.p.GetOne(rv, "posts", params)
	if err != nil {
		t.Fatalf("GetOne revalidate: %v", err)
	}
	if got.Data["title"] != "Fresh" {
		t.Fatalf("revalidated read = %v", got.Data)
	}
	got, err = env.p.GetOne(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetOne cached: %v", err)
	}
	if got.Data["title"] != "Fresh" || env.fp.count(MethodGetOne) != 2 {
		t.Fatalf("refreshed entry not cached: %v calls=%d", got.Data, env.fp.count(MethodGetOne))
	}
}

// TestStaleWhileRevalidate: an expired entry is served once and refreshed in
// the background.
func TestStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	env.fp.set("posts", "1", "title", "Newer")
	env.clk.Add(2 * time.Minute)

	swr := WithCallOptions(ctx, CallOptions{StaleWhileRevalidate: true})
	got, err := env.p.GetOne(swr, "posts", params)
	if err != nil {
		t.Fatalf("GetOne swr: %v", err)
	}
	if got.Data["title"] != "Hello" {
		t.Fatalf("expected stale value, got %v", got.Data)
	}
	env.p.bg.Wait()

	if n := env.fp.count(MethodGetOne); n != 2 {
		t.Fatalf("backend calls = %d, want 2", n)
	}
	got, err = env.p.GetOne(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetOne after revalidate: %v", err)
	}
	if got.Data["title"] != "Newer" || env.fp.count(MethodGetOne) != 2 {
		t.Fatalf("background refresh not cached: %v calls=%d", got.Data, env.fp.count(MethodGetOne))
	}
	if env.hooks.stale != 1 {
		t.Fatalf("stale served = %d, want 1", env.hooks.stale)
	}
}

// TestExpiredNotServedWithoutSWR: past validUntil a plain read goes to the backend
// even though the entry is still retained.
func TestExpiredNotServedWithoutSWR(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"}); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	env.clk.Add(time.Minute)
	if env.mem.Len() != 1 {
		t.Fatalf("entry should still be retained for SWR")
	}
	if _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"}); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if n := env.fp.count(MethodGetOne); n != 2 {
		t.Fatalf("backend calls = %d, want 2", n)
	}
}

// ==============================
// Coalescing
// ==============================

// TestConcurrentReadsCoalesce: N overlapping reads of one key make one backend
// call and all observe the same value.
func TestConcurrentReadsCoalesce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.fp.gate = make(chan struct{})
	env.fp.entered = make(chan Method, 8)

	const n = 5
	type res struct {
		r   *RecordResult
		err error
	}
	out := make(chan res, n)
	read := func() {
		r, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "2"})
		out <- res{r, err}
	}

	go read()
	<-env.fp.entered
	for i := 1; i < n; i++ {
		go read()
	}
	for i := 1; i < n; i++ {
		<-env.hooks.coalesced
	}
	close(env.fp.gate)

	for i := 0; i < n; i++ {
		r := <-out
		if r.err != nil {
			t.Fatalf("read %d: %v", i, r.err)
		}
		if r.r.Data["title"] != "World" {
			t.Fatalf("read %d got %v", i, r.r.Data)
		}
	}
	if c := env.fp.count(MethodGetOne); c != 1 {
		t.Fatalf("backend calls = %d, want 1", c)
	}
}

// TestCoalescedFailureIsShared: every waiter sees the same error and nothing is cached.
func TestCoalescedFailureIsShared(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.fp.gate = make(chan struct{})
	env.fp.entered = make(chan Method, 8)
	env.fp.failNext(NewTransportError(503, "unavailable", nil))

	errs := make(chan error, 2)
	read := func() {
		_, err := env.p.GetList(ctx, "posts", GetListParams{})
		errs <- err
	}
	go read()
	<-env.fp.entered
	go read()
	<-env.hooks.coalesced
	close(env.fp.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; !IsStatus(err, 503) {
			t.Fatalf("waiter %d: want status 503, got %v", i, err)
		}
	}
	if env.mem.Len() != 0 {
		t.Fatalf("failure must not be cached")
	}
	if _, err := env.p.GetList(ctx, "posts", GetListParams{}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if c := env.fp.count(MethodGetList); c != 2 {
		t.Fatalf("backend calls = %d, want 2", c)
	}
}

// TestWaiterAbandonsWithContext: a cancelled waiter returns early; the shared
// fetch still completes and is cached.
func TestWaiterAbandonsWithContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fp.gate = make(chan struct{})
	env.fp.entered = make(chan Method, 8)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
		errs <- err
	}()
	<-env.fp.entered
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	env.fp.release()
	got, err := env.p.GetOne(context.Background(), "posts", GetOneParams{ID: "1"})
	if err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if got.Data["title"] != "Hello" {
		t.Fatalf("GetOne = %v", got.Data)
	}
	if c := env.fp.count(MethodGetOne); c > 2 {
		t.Fatalf("backend calls = %d, want at most 2", c)
	}
}

// release unblocks pending reads and stops blocking new ones.
func (f *fakeProvider) release() {
	f.mu.Lock()
	g := f.gate
	f.gate = nil
	f.mu.Unlock()
	if g != nil {
		close(g)
	}
}

// ==============================
// Invalidation
// ==============================

// TestWriteInvalidatesWholeResource: after a successful write no entry of the
// resource remains, whatever its method or params; other resources keep theirs.
func TestWriteInvalidatesWholeResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	reads := []func() error{
		func() error { _, err := env.p.GetList(ctx, "posts", GetListParams{}); return err },
		func() error {
			_, err := env.p.GetList(ctx, "posts", GetListParams{Filter: Filter{"author": "a1"}})
			return err
		},
		func() error { _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "3"}); return err },
		func() error { _, err := env.p.GetMany(ctx, "posts", GetManyParams{IDs: IDs("1", "2")}); return err },
		func() error {
			_, err := env.p.GetManyReference(ctx, "posts", GetManyReferenceParams{Target: "author", ID: "a1"})
			return err
		},
		func() error { _, err := env.p.GetList(ctx, "comments", GetListParams{}); return err },
	}
	for i, r := range reads {
		if err := r(); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if env.p.Entries("posts") != 5 || env.p.Entries("comments") != 1 {
		t.Fatalf("entries posts=%d comments=%d", env.p.Entries("posts"), env.p.Entries("comments"))
	}

	if _, err := env.p.Update(ctx, "posts", UpdateParams{ID: "1", Data: Record{"title": "Edited"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if env.p.Entries("posts") != 0 {
		t.Fatalf("posts entries after write = %d, want 0", env.p.Entries("posts"))
	}
	for _, k := range env.mem.Keys() {
		if len(k) >= len(util.EntryPrefix("test", "posts")) && k[:len(util.EntryPrefix("test", "posts"))] == util.EntryPrefix("test", "posts") {
			t.Fatalf("posts entry %q survived the write", k)
		}
	}
	if env.p.Entries("comments") != 1 {
		t.Fatalf("comments entries = %d, want 1", env.p.Entries("comments"))
	}

	got, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
	if err != nil {
		t.Fatalf("GetOne after write: %v", err)
	}
	if got.Data["title"] != "Edited" {
		t.Fatalf("read after write = %v", got.Data)
	}
}

// TestEveryWriteMethodInvalidates covers the five write capabilities.
func TestEveryWriteMethodInvalidates(t *testing.T) {
	ctx := context.Background()
	writes := map[Method]func(p *Proxy) error{
		MethodCreate: func(p *Proxy) error {
			_, err := p.Create(ctx, "posts", CreateParams{Data: Record{"title": "New"}})
			return err
		},
		MethodUpdate: func(p *Proxy) error {
			_, err := p.Update(ctx, "posts", UpdateParams{ID: "2", Data: Record{"title": "x"}})
			return err
		},
		MethodUpdateMany: func(p *Proxy) error {
			_, err := p.UpdateMany(ctx, "posts", UpdateManyParams{IDs: IDs("1", "2"), Data: Record{"title": "x"}})
			return err
		},
		MethodDelete: func(p *Proxy) error {
			_, err := p.Delete(ctx, "posts", DeleteParams{ID: "3"})
			return err
		},
		MethodDeleteMany: func(p *Proxy) error {
			_, err := p.DeleteMany(ctx, "posts", DeleteManyParams{IDs: IDs("1")})
			return err
		},
	}
	for m, write := range writes {
		t.Run(string(m), func(t *testing.T) {
			env := newTestEnv(t, nil)
			if _, err := env.p.GetList(ctx, "posts", GetListParams{}); err != nil {
				t.Fatalf("GetList: %v", err)
			}
			if err := write(env.p); err != nil {
				t.Fatalf("%s: %v", m, err)
			}
			if env.p.Entries("posts") != 0 || env.mem.Len() != 0 {
				t.Fatalf("%s left entries: index=%d store=%d", m, env.p.Entries("posts"), env.mem.Len())
			}
		})
	}
}

// TestFailedWriteKeepsCache: a rejected write propagates unchanged and
// invalidates nothing.
func TestFailedWriteKeepsCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if _, err := env.p.GetList(ctx, "posts", GetListParams{}); err != nil {
		t.Fatalf("GetList: %v", err)
	}
	want := NewTransportError(422, "invalid", map[string]any{"errors": map[string]any{"title": "required"}})
	env.fp.failNext(want)

	_, err := env.p.Update(ctx, "posts", UpdateParams{ID: "1", Data: Record{"title": ""}})
	var te *TransportError
	if !errors.As(err, &te) || te != want {
		t.Fatalf("write error not propagated unchanged: %v", err)
	}
	if env.p.Entries("posts") != 1 {
		t.Fatalf("failed write must not invalidate, entries=%d", env.p.Entries("posts"))
	}
	if _, err := env.p.GetList(ctx, "posts", GetListParams{}); err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if c := env.fp.count(MethodGetList); c != 1 {
		t.Fatalf("backend calls = %d, want 1", c)
	}
}

// TestFetchRacingWriteIsNotCached: a read that started before a write settles
// returns its value but does not repopulate the cache.
func TestFetchRacingWriteIsNotCached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.fp.gate = make(chan struct{})
	env.fp.entered = make(chan Method, 8)

	done := make(chan error, 1)
	go func() {
		_, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
		done <- err
	}()
	<-env.fp.entered

	if _, err := env.p.Update(ctx, "posts", UpdateParams{ID: "1", Data: Record{"title": "Edited"}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	env.fp.release()
	if err := <-done; err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if env.mem.Len() != 0 {
		t.Fatalf("read racing a write was cached")
	}
	got, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
	if err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if got.Data["title"] != "Edited" {
		t.Fatalf("GetOne = %v", got.Data)
	}
}

// TestInvalidateAll drops every resource.
func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	_, _ = env.p.GetList(ctx, "posts", GetListParams{})
	_, _ = env.p.GetList(ctx, "comments", GetListParams{})

	if err := env.p.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if env.mem.Len() != 0 {
		t.Fatalf("store not empty: %v", env.mem.Keys())
	}
}

// ==============================
// Self-heal
// ==============================

// TestSelfHealOnCorrupt: corrupt bytes are deleted and treated as a miss.
func TestSelfHealOnCorrupt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}
	key := entryKey(t, "posts", MethodGetOne, params)

	if ok, err := env.mem.Set(ctx, key, []byte("not-wire-format"), 1, time.Minute); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}
	got, err := env.p.GetOne(ctx, "posts", params)
	if err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if got.Data["title"] != "Hello" {
		t.Fatalf("GetOne = %v", got.Data)
	}
	if len(env.hooks.heals) != 1 || env.hooks.heals[0] != "corrupt" {
		t.Fatalf("heals = %v", env.hooks.heals)
	}
}

// TestSelfHealOnGenMismatch: an entry stamped with an older generation is
// dropped even if something put it back after invalidation.
func TestSelfHealOnGenMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}
	key := entryKey(t, "posts", MethodGetOne, params)

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	old, _, _ := env.mem.Get(ctx, key)
	old = append([]byte(nil), old...)

	if err := env.p.Invalidate(ctx, "posts"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := env.mem.Set(ctx, key, old, int64(len(old)), time.Hour); err != nil {
		t.Fatalf("reinject: %v", err)
	}
	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if c := env.fp.count(MethodGetOne); c != 2 {
		t.Fatalf("backend calls = %d, want 2", c)
	}
	if len(env.hooks.heals) != 1 || env.hooks.heals[0] != "gen_mismatch" {
		t.Fatalf("heals = %v", env.hooks.heals)
	}
}

// ==============================
// Patch / Restore
// ==============================

// TestPatchAndRestore: a patch is visible to reads and Restore brings the
// original back.
func TestPatchAndRestore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	if _, err := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"}); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	if _, err := env.p.GetList(ctx, "posts", GetListParams{}); err != nil {
		t.Fatalf("GetList: %v", err)
	}

	snap, err := env.p.Patch(ctx, "posts", UpdatePatch(IDs("1"), Record{"title": "Optimistic"}))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("patched %d entries, want 2", snap.Len())
	}

	one, _ := env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
	list, _ := env.p.GetList(ctx, "posts", GetListParams{})
	if one.Data["title"] != "Optimistic" || list.Data[0]["title"] != "Optimistic" || list.Data[1]["title"] != "World" {
		t.Fatalf("patch not visible: one=%v list=%v", one.Data, list.Data)
	}

	if changed, err := env.p.Restore(ctx, snap); err != nil || changed != 0 {
		t.Fatalf("Restore = %d, %v", changed, err)
	}
	one, _ = env.p.GetOne(ctx, "posts", GetOneParams{ID: "1"})
	list, _ = env.p.GetList(ctx, "posts", GetListParams{})
	if one.Data["title"] != "Hello" || list.Data[0]["title"] != "Hello" {
		t.Fatalf("restore failed: one=%v list=%v", one.Data, list.Data)
	}
	if env.fp.count(MethodGetOne) != 1 || env.fp.count(MethodGetList) != 1 {
		t.Fatalf("patch/restore must not hit the backend")
	}
}

// TestRestoreSkipsReplacedEntries: a refetched entry wins over the snapshot.
func TestRestoreSkipsReplacedEntries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	snap, err := env.p.Patch(ctx, "posts", UpdatePatch(IDs("1"), Record{"title": "Optimistic"}))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	env.fp.set("posts", "1", "title", "Server")
	if _, err := env.p.GetOne(WithCallOptions(ctx, CallOptions{Revalidate: true}), "posts", params); err != nil {
		t.Fatalf("GetOne revalidate: %v", err)
	}

	if changed, err := env.p.Restore(ctx, snap); err != nil || changed != 1 {
		t.Fatalf("Restore = %d, %v, want 1 changed entry", changed, err)
	}
	got, _ := env.p.GetOne(ctx, "posts", params)
	if got.Data["title"] != "Server" {
		t.Fatalf("restore clobbered a newer entry: %v", got.Data)
	}
}

// TestPatchBlocksInflightWrite: a fetch started before a patch does not
// overwrite the patched entry.
func TestPatchBlocksInflightWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	params := GetOneParams{ID: "1"}

	if _, err := env.p.GetOne(ctx, "posts", params); err != nil {
		t.Fatalf("GetOne: %v", err)
	}
	env.fp.gate = make(chan struct{})
	env.fp.entered = make(chan Method, 8)

	done := make(chan error, 1)
	go func() {
		_, err := env.p.GetOne(WithCallOptions(ctx, CallOptions{Revalidate: true}), "posts", params)
		done <- err
	}()
	<-env.fp.entered
	if _, err := env.p.Patch(ctx, "posts", UpdatePatch(IDs("1"), Record{"title": "Optimistic"})); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	env.fp.release()
	if err := <-done; err != nil {
		t.Fatalf("GetOne: %v", err)
	}

	got, _ := env.p.GetOne(ctx, "posts", params)
	if got.Data["title"] != "Optimistic" {
		t.Fatalf("in-flight fetch overwrote the patch: %v", got.Data)
	}
}

func TestDeletePatch(t *testing.T) {
	fn := DeletePatch(IDs("2"))

	list := Payload{Records: []Record{{"id": "1"}, {"id": "2"}, {"id": "3"}}, Total: 10}
	if !fn(MethodGetList, &list) {
		t.Fatalf("getList not patched")
	}
	if len(list.Records) != 2 || list.Total != 9 {
		t.Fatalf("getList after delete = %+v", list)
	}

	many := Payload{Records: []Record{{"id": float64(2)}, {"id": "4"}}, Total: 2}
	if !fn(MethodGetMany, &many) || many.Total != 1 {
		t.Fatalf("getMany after delete = %+v", many)
	}

	one := Payload{Records: []Record{{"id": "2"}}, Total: 1}
	if fn(MethodGetOne, &one) {
		t.Fatalf("getOne must be left alone")
	}
}

// ==============================
// Stores
// ==============================

// TestProxyOverRedisStore runs the read/invalidate cycle against a Redis store.
func TestProxyOverRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rs, err := rstore.New(rstore.Config{Client: rdb, CloseClient: true})
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	gs, err := gen.NewRedis(gen.RedisConfig{Client: rdb, Namespace: "test"})
	if err != nil {
		t.Fatalf("redis gens: %v", err)
	}
	env := newTestEnv(t, func(o *Options) {
		o.Store = rs
		o.GenStore = gs
		o.Clock = clock.New()
	})
	params := GetListParams{Pagination: Pagination{Page: 1, PerPage: 2}}
	key := entryKey(t, "posts", MethodGetList, params)

	if _, err := env.p.GetList(ctx, "posts", params); err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if !mr.Exists(key) {
		t.Fatalf("entry %q not written to redis (keys=%v)", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl <= time.Minute || ttl > time.Minute+DefaultStaleRetention {
		t.Fatalf("redis TTL = %v, want validUntil + retention", ttl)
	}
	if _, err := env.p.GetList(ctx, "posts", params); err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if c := env.fp.count(MethodGetList); c != 1 {
		t.Fatalf("backend calls = %d, want 1", c)
	}

	if _, err := env.p.Delete(ctx, "posts", DeleteParams{ID: "1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("entry survived the write")
	}
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("New(nil) should fail")
	}
}
