package query

import (
	"context"
	"sync"

	dp "github.com/unkn0wn-root/dataprovider"
)

// manyBatcher merges concurrent getMany calls for one resource. The first
// call goes out at once; calls arriving while it runs wait and are sent as a
// single request for the union of their ids when it returns. Calls only merge
// when their cache options match.
type manyBatcher struct {
	dp  dp.DataProvider
	log dp.Logger

	mu    sync.Mutex
	lanes map[batchKey]*lane
}

type batchKey struct {
	resource string
	opts     dp.CallOptions
}

type lane struct {
	next *batch // collecting while a request is out; nil => none queued
}

type batch struct {
	ids  []dp.Identifier
	seen map[dp.Identifier]struct{}
	done chan struct{}

	byID map[dp.Identifier]dp.Record
	err  error
}

func newBatcher(provider dp.DataProvider, log dp.Logger) *manyBatcher {
	return &manyBatcher{dp: provider, log: log, lanes: make(map[batchKey]*lane)}
}

func newBatch() *batch {
	return &batch{seen: make(map[dp.Identifier]struct{}), done: make(chan struct{})}
}

func (b *batch) add(ids []dp.Identifier) {
	for _, id := range ids {
		if _, ok := b.seen[id]; ok {
			continue
		}
		b.seen[id] = struct{}{}
		b.ids = append(b.ids, id)
	}
}

func (b *batch) resolve(res *dp.RecordsResult, err error) {
	if err == nil && res != nil {
		b.byID = make(map[dp.Identifier]dp.Record, len(res.Data))
		for _, r := range res.Data {
			b.byID[r.ID()] = r
		}
	}
	b.err = err
	close(b.done)
}

// GetMany answers params out of a shared request. Records come back in the
// order of params.IDs; ids the backend did not return are left out.
func (m *manyBatcher) GetMany(ctx context.Context, resource string, params dp.GetManyParams) (*dp.RecordsResult, error) {
	if params.Meta != nil {
		return m.dp.GetMany(ctx, resource, params)
	}
	key := batchKey{resource: resource, opts: dp.CallOptionsFrom(ctx)}

	m.mu.Lock()
	var bt *batch
	if ln, busy := m.lanes[key]; busy {
		if ln.next == nil {
			ln.next = newBatch()
		}
		bt = ln.next
		bt.add(params.IDs)
		m.mu.Unlock()
	} else {
		m.lanes[key] = &lane{}
		bt = newBatch()
		bt.add(params.IDs)
		m.mu.Unlock()
		// Queued callers may outlive this one.
		go m.drain(context.WithoutCancel(ctx), key, bt)
	}

	select {
	case <-bt.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if bt.err != nil {
		return nil, bt.err
	}
	out := &dp.RecordsResult{Data: make([]dp.Record, 0, len(params.IDs))}
	for _, id := range params.IDs {
		if r, ok := bt.byID[id]; ok {
			out.Data = append(out.Data, r)
		}
	}
	return out, nil
}

func (m *manyBatcher) drain(ctx context.Context, key batchKey, bt *batch) {
	for bt != nil {
		res, err := m.dp.GetMany(ctx, key.resource, dp.GetManyParams{IDs: bt.ids})
		bt.resolve(res, err)

		m.mu.Lock()
		ln := m.lanes[key]
		bt, ln.next = ln.next, nil
		if bt == nil {
			delete(m.lanes, key)
		}
		m.mu.Unlock()
		if bt != nil {
			m.log.Debug("batched getMany", dp.Fields{"resource": key.resource, "ids": len(bt.ids)})
		}
	}
}
