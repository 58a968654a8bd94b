package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	dp "github.com/unkn0wn-root/dataprovider"
	"github.com/unkn0wn-root/dataprovider/auth"
)

// DefaultIdentityStaleTime is how long a fetched identity is reused.
const DefaultIdentityStaleTime = 5 * time.Minute

var ErrClosed = errors.New("query: closed")

// Options configure a Client. Every field is optional.
type Options struct {
	Logger dp.Logger   // nil => NopLogger
	Clock  clock.Clock // nil => real clock
	// BatchGetMany merges GetMany queries of one resource issued while an
	// earlier one is in flight into a single request for the union of their
	// ids. Merged requests are cached under the merged id set.
	BatchGetMany bool
}

// invalidator is implemented by the caching proxy.
type invalidator interface {
	InvalidateAll(ctx context.Context) error
}

type mounted interface {
	refetch(ctx context.Context) error
}

// Client creates queries over one DataProvider, usually a *dp.Proxy.
type Client struct {
	dp    dp.DataProvider
	log   dp.Logger
	clock clock.Clock

	many    *manyBatcher // nil unless Options.BatchGetMany
	loading atomic.Int64

	mu      sync.Mutex
	queries map[uint64]mounted
	nextID  uint64

	identityMu sync.Mutex
	identity   *cachedIdentity
}

type cachedIdentity struct {
	value auth.Identity
	at    time.Time
}

func New(provider dp.DataProvider, opts Options) *Client {
	c := &Client{
		dp:      provider,
		log:     opts.Logger,
		clock:   opts.Clock,
		queries: make(map[uint64]mounted),
	}
	if c.log == nil {
		c.log = dp.NopLogger{}
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if opts.BatchGetMany {
		c.many = newBatcher(provider, c.log)
	}
	return c
}

func (c *Client) GetList(resource string, params dp.GetListParams, opts QueryOptions[*dp.ListResult]) *Query[*dp.ListResult] {
	return newQuery(c, resource+"/getList", func(ctx context.Context) (*dp.ListResult, error) {
		return c.dp.GetList(ctx, resource, params)
	}, opts)
}

func (c *Client) GetOne(resource string, params dp.GetOneParams, opts QueryOptions[*dp.RecordResult]) *Query[*dp.RecordResult] {
	return newQuery(c, resource+"/getOne", func(ctx context.Context) (*dp.RecordResult, error) {
		return c.dp.GetOne(ctx, resource, params)
	}, opts)
}

func (c *Client) GetMany(resource string, params dp.GetManyParams, opts QueryOptions[*dp.RecordsResult]) *Query[*dp.RecordsResult] {
	return newQuery(c, resource+"/getMany", func(ctx context.Context) (*dp.RecordsResult, error) {
		if c.many != nil {
			return c.many.GetMany(ctx, resource, params)
		}
		return c.dp.GetMany(ctx, resource, params)
	}, opts)
}

func (c *Client) GetManyReference(resource string, params dp.GetManyReferenceParams, opts QueryOptions[*dp.ListResult]) *Query[*dp.ListResult] {
	return newQuery(c, resource+"/getManyReference", func(ctx context.Context) (*dp.ListResult, error) {
		return c.dp.GetManyReference(ctx, resource, params)
	}, opts)
}

// GetIdentity queries the current user. The answer is shared by every
// identity query of this client, whatever their provider, and reused for
// StaleTime (default 5m). A nil provider yields auth.Anonymous without loading.
func (c *Client) GetIdentity(ap auth.Provider, opts QueryOptions[auth.Identity]) *Query[auth.Identity] {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultIdentityStaleTime
	}
	if ap == nil {
		opts.Enabled = Enabled(false)
		q := newQuery(c, "identity", func(context.Context) (auth.Identity, error) {
			return auth.Anonymous, nil
		}, opts)
		q.mu.Lock()
		q.state.Data = auth.Anonymous
		q.loaded = true
		q.mu.Unlock()
		return q
	}
	staleTime := opts.StaleTime
	return newQuery(c, "identity", func(ctx context.Context) (auth.Identity, error) {
		return c.fetchIdentity(ctx, ap, staleTime)
	}, opts)
}

func (c *Client) fetchIdentity(ctx context.Context, ap auth.Provider, staleTime time.Duration) (auth.Identity, error) {
	revalidate := dp.CallOptionsFrom(ctx).Revalidate

	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if ci := c.identity; ci != nil && !revalidate && c.clock.Now().Sub(ci.at) < staleTime {
		return ci.value, nil
	}
	id, err := ap.GetIdentity(ctx)
	if err != nil {
		c.identity = nil
		return auth.Identity{}, err
	}
	c.identity = &cachedIdentity{value: id, at: c.clock.Now()}
	return id, nil
}

// Refresh drops every cached read and refetches all mounted, enabled
// queries. It returns the invalidation error, or else the first refetch error.
func (c *Client) Refresh(ctx context.Context) error {
	if inv, ok := c.dp.(invalidator); ok {
		if err := inv.InvalidateAll(ctx); err != nil {
			return err
		}
	}
	c.identityMu.Lock()
	c.identity = nil
	c.identityMu.Unlock()

	c.mu.Lock()
	qs := make([]mounted, 0, len(c.queries))
	for _, q := range c.queries {
		qs = append(qs, q)
	}
	c.mu.Unlock()

	c.log.Debug("refresh", dp.Fields{"queries": len(qs)})
	var g errgroup.Group
	for _, q := range qs {
		g.Go(func() error { return q.refetch(ctx) })
	}
	return g.Wait()
}

// IsLoading reports whether any query of this client is fetching.
func (c *Client) IsLoading() bool { return c.loading.Load() > 0 }

// Mounted returns how many queries are open.
func (c *Client) Mounted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

func (c *Client) startFetch() func() {
	c.loading.Add(1)
	return func() { c.loading.Add(-1) }
}

func (c *Client) register(q mounted) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.queries[c.nextID] = q
	return c.nextID
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.queries, id)
	c.mu.Unlock()
}
