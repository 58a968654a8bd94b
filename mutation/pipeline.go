package mutation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	dp "github.com/unkn0wn-root/dataprovider"
	"github.com/unkn0wn-root/dataprovider/undo"
)

// DefaultUndoWindow is how long an undoable mutation waits for a cancel.
const DefaultUndoWindow = 5 * time.Second

// Cache is the part of the caching proxy the pipeline drives.
type Cache interface {
	Patch(ctx context.Context, resource string, fn dp.PatchFunc) (*dp.Snapshot, error)
	Restore(ctx context.Context, snap *dp.Snapshot) (changed int, err error)
	Invalidate(ctx context.Context, resource string) error
}

var _ Cache = (*dp.Proxy)(nil)

type Options struct {
	// Cache receives optimistic patches. nil => optimistic and undoable
	// mutations still work but patch nothing.
	Cache      Cache
	Emitter    *undo.Emitter // nil => a private emitter
	Clock      clock.Clock   // nil => real clock; only used for a private emitter
	Logger     dp.Logger     // nil => NopLogger
	UndoWindow time.Duration // 0 => DefaultUndoWindow
}

// ExecOptions configure one mutation.
type ExecOptions struct {
	Mode       Mode
	UndoWindow time.Duration // 0 => pipeline default
	OnSuccess  func(Result)
	OnFailure  func(error) // called with *dp.TransportError; never on cancel
}

type recordKey struct {
	resource string
	id       dp.Identifier
}

// Pipeline executes mutations. Safe for concurrent use.
type Pipeline struct {
	dp         dp.DataProvider
	cache      Cache
	invalidate bool // cache is not the provider itself
	emitter    *undo.Emitter
	log        dp.Logger
	window     time.Duration
	unsub      func()

	// serializes undoable submissions so superseding and patching happen in
	// submission order
	submitMu sync.Mutex

	mu       sync.Mutex
	queued   map[string]*pending
	byRecord map[recordKey]*pending
	closed   bool
	inflight sync.WaitGroup
}

// New builds a pipeline dispatching to provider. When provider is the proxy
// passed as Cache, invalidation after a confirmed write happens in the proxy.
func New(provider dp.DataProvider, opts Options) *Pipeline {
	p := &Pipeline{
		dp:       provider,
		cache:    opts.Cache,
		emitter:  opts.Emitter,
		log:      opts.Logger,
		window:   opts.UndoWindow,
		queued:   make(map[string]*pending),
		byRecord: make(map[recordKey]*pending),
	}
	if p.log == nil {
		p.log = dp.NopLogger{}
	}
	if p.window <= 0 {
		p.window = DefaultUndoWindow
	}
	if p.emitter == nil {
		p.emitter = undo.New(undo.Options{Clock: opts.Clock, Logger: p.log})
	}
	if p.cache != nil {
		if c, ok := provider.(Cache); !ok || c != p.cache {
			p.invalidate = true
		}
	}
	p.unsub = p.emitter.Subscribe(p.onUndoEvent)
	return p
}

// Emitter returns the emitter undoable mutations are announced on.
func (p *Pipeline) Emitter() *undo.Emitter { return p.emitter }

// Execute submits m. Pessimistic and optimistic mutations are dispatched at
// once with ctx; undoable ones are dispatched when their window elapses and
// outlive ctx. The returned Handle settles exactly once.
func (p *Pipeline) Execute(ctx context.Context, m Mutation, opts ExecOptions) (*Handle, error) {
	m, ids, err := normalize(m)
	if err != nil {
		return nil, err
	}
	pm := newPending(uuid.NewString(), m, ids, opts, p.log)
	h := &Handle{pm: pm, pl: p}

	switch opts.Mode {
	case Pessimistic:
		if err := p.startDispatch(); err != nil {
			return nil, err
		}
		go p.dispatch(ctx, pm)
	case Optimistic:
		if err := p.startDispatch(); err != nil {
			return nil, err
		}
		p.applyPatch(ctx, pm)
		go p.dispatch(ctx, pm)
	case Undoable:
		if err := p.enqueue(ctx, pm); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidMutation
	}
	p.log.Debug("mutation submitted", dp.Fields{"mutation": pm.id, "resource": m.Resource, "method": m.Method, "mode": opts.Mode})
	return h, nil
}

func (p *Pipeline) Create(ctx context.Context, resource string, params dp.CreateParams, opts ExecOptions) (*Handle, error) {
	return p.Execute(ctx, Mutation{Resource: resource, Method: dp.MethodCreate, Params: params}, opts)
}

func (p *Pipeline) Update(ctx context.Context, resource string, params dp.UpdateParams, opts ExecOptions) (*Handle, error) {
	return p.Execute(ctx, Mutation{Resource: resource, Method: dp.MethodUpdate, Params: params}, opts)
}

func (p *Pipeline) UpdateMany(ctx context.Context, resource string, params dp.UpdateManyParams, opts ExecOptions) (*Handle, error) {
	return p.Execute(ctx, Mutation{Resource: resource, Method: dp.MethodUpdateMany, Params: params}, opts)
}

func (p *Pipeline) Delete(ctx context.Context, resource string, params dp.DeleteParams, opts ExecOptions) (*Handle, error) {
	return p.Execute(ctx, Mutation{Resource: resource, Method: dp.MethodDelete, Params: params}, opts)
}

func (p *Pipeline) DeleteMany(ctx context.Context, resource string, params dp.DeleteManyParams, opts ExecOptions) (*Handle, error) {
	return p.Execute(ctx, Mutation{Resource: resource, Method: dp.MethodDeleteMany, Params: params}, opts)
}

// Cancel cancels the queued undoable mutation id. Its patch is reverted and
// the backend is never called. Fails with undo.ErrAlreadyDispatched once the
// window has elapsed.
func (p *Pipeline) Cancel(id string) error {
	return p.emitter.Cancel(id)
}

// Pending lists the ids of queued undoable mutations, sorted.
func (p *Pipeline) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.queued))
	for id := range p.queued {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close cancels every queued mutation and waits for dispatched ones.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for _, id := range p.Pending() {
		_ = p.emitter.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	defer p.unsub()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) startDispatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.inflight.Add(1)
	return nil
}

func (p *Pipeline) enqueue(ctx context.Context, pm *pending) error {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	// released on cancel or after dispatch
	p.inflight.Add(1)
	var superseded []*pending
	seen := make(map[string]bool)
	for _, id := range pm.ids {
		if prev := p.byRecord[recordKey{pm.mut.Resource, id}]; prev != nil && !seen[prev.id] {
			seen[prev.id] = true
			superseded = append(superseded, prev)
		}
	}
	p.mu.Unlock()

	// Cancelling reverts the previous patch synchronously (onUndoEvent), so
	// the new patch is applied on top of restored entries.
	for _, prev := range superseded {
		if err := p.emitter.Cancel(prev.id); err != nil {
			p.log.Debug("superseded mutation already dispatched", dp.Fields{"mutation": prev.id, "err": err})
		} else {
			p.log.Debug("mutation superseded", dp.Fields{"mutation": prev.id, "by": pm.id})
		}
	}

	p.applyPatch(ctx, pm)

	p.mu.Lock()
	p.queued[pm.id] = pm
	for _, id := range pm.ids {
		p.byRecord[recordKey{pm.mut.Resource, id}] = pm
	}
	p.mu.Unlock()

	window := pm.opts.UndoWindow
	if window <= 0 {
		window = p.window
	}
	// Read-only after this point.
	pm.deadline = p.emitter.Start(pm.id, window, func() { p.commit(pm) })
	return nil
}

func (p *Pipeline) applyPatch(ctx context.Context, pm *pending) {
	if p.cache == nil {
		return
	}
	fn := patchFor(pm.mut, pm.ids)
	if fn == nil {
		return
	}
	snap, err := p.cache.Patch(context.WithoutCancel(ctx), pm.mut.Resource, fn)
	if err != nil {
		p.log.Warn("optimistic patch incomplete", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "err": err})
	}
	pm.snapshot = snap
}

// revert rolls back the patch of pm. Entries rewritten since the patch may
// hold another unconfirmed patch stacked on ours, so the resource is dropped
// and the next read refetches it.
func (p *Pipeline) revert(pm *pending) {
	if p.cache == nil || pm.snapshot == nil {
		return
	}
	ctx := context.Background()
	changed, err := p.cache.Restore(ctx, pm.snapshot)
	if err != nil {
		p.log.Warn("optimistic patch revert failed", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "err": err})
	}
	if changed == 0 && err == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, pm.mut.Resource); err != nil {
		p.log.Error("invalidation after revert failed", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "err": err})
		return
	}
	p.log.Debug("revert invalidated overlapping patches", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "changed": changed})
}

// unqueue drops pm from the registries; it reports whether pm was queued.
func (p *Pipeline) unqueue(pm *pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[pm.id] != pm {
		return false
	}
	delete(p.queued, pm.id)
	for _, id := range pm.ids {
		k := recordKey{pm.mut.Resource, id}
		if p.byRecord[k] == pm {
			delete(p.byRecord, k)
		}
	}
	return true
}

func (p *Pipeline) onUndoEvent(m undo.Message) {
	if m.Event != undo.EventCancel {
		return
	}
	p.mu.Lock()
	pm := p.queued[m.MutationID]
	p.mu.Unlock()
	if pm == nil || !p.unqueue(pm) {
		return
	}
	defer p.inflight.Done()
	if err := pm.transition(context.Background(), eventCancel); err != nil {
		p.log.Warn("cancel of non-queued mutation", dp.Fields{"mutation": pm.id, "err": err})
		return
	}
	p.revert(pm)
	p.log.Info("mutation cancelled", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "method": pm.mut.Method})
	pm.resolve(Result{}, &dp.CancelledError{MutationID: pm.id})
}

// commit runs when the undo window of pm elapses.
func (p *Pipeline) commit(pm *pending) {
	if !p.unqueue(pm) {
		return
	}
	ctx := context.Background()
	if err := pm.transition(ctx, eventCommit); err != nil {
		p.inflight.Done()
		return
	}
	p.dispatch(ctx, pm)
}

func (p *Pipeline) dispatch(ctx context.Context, pm *pending) {
	defer p.inflight.Done()

	res, err := p.call(ctx, pm.mut)
	if err != nil {
		te := dp.NormalizeError(err)
		p.revert(pm)
		_ = pm.transition(context.Background(), eventFail)
		if pm.mode == Undoable {
			p.emitter.Fail(pm.id, te)
		}
		if dp.IsContextError(err) {
			p.log.Info("mutation abandoned", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "method": pm.mut.Method, "err": err})
		} else {
			p.log.Warn("mutation failed", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "method": pm.mut.Method, "status": te.Status, "err": te})
		}
		if pm.opts.OnFailure != nil {
			pm.opts.OnFailure(te)
		}
		pm.resolve(Result{}, te)
		return
	}

	_ = pm.transition(context.Background(), eventConfirm)
	if p.invalidate {
		if err := p.cache.Invalidate(context.WithoutCancel(ctx), pm.mut.Resource); err != nil {
			p.log.Error("invalidation after mutation failed", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "err": err})
		}
	}
	if pm.mode == Undoable {
		p.emitter.Confirm(pm.id)
	}
	p.log.Debug("mutation confirmed", dp.Fields{"mutation": pm.id, "resource": pm.mut.Resource, "method": pm.mut.Method})
	if pm.opts.OnSuccess != nil {
		pm.opts.OnSuccess(res)
	}
	pm.resolve(res, nil)
}

func (p *Pipeline) call(ctx context.Context, m Mutation) (Result, error) {
	var (
		rec *dp.RecordResult
		ids *dp.IDsResult
		err error
	)
	switch x := m.Params.(type) {
	case dp.CreateParams:
		rec, err = p.dp.Create(ctx, m.Resource, x)
	case dp.UpdateParams:
		rec, err = p.dp.Update(ctx, m.Resource, x)
	case dp.UpdateManyParams:
		ids, err = p.dp.UpdateMany(ctx, m.Resource, x)
	case dp.DeleteParams:
		rec, err = p.dp.Delete(ctx, m.Resource, x)
	case dp.DeleteManyParams:
		ids, err = p.dp.DeleteMany(ctx, m.Resource, x)
	}
	if err != nil {
		return Result{}, err
	}
	var out Result
	if rec != nil {
		out.Data = rec.Data
	}
	if ids != nil {
		out.IDs = ids.Data
	}
	return out, nil
}
