package dataprovider

import (
	"bytes"
	"context"
	"errors"

	"github.com/unkn0wn-root/dataprovider/internal/wire"
)

// PatchFunc rewrites one cached read in place and reports whether it changed.
type PatchFunc func(m Method, p *Payload) bool

// Snapshot holds what Patch overwrote so Restore can put it back.
type Snapshot struct {
	Resource string
	entries  []patched
}

type patched struct {
	key    string
	before []byte
	after  []byte
}

// Len is the number of entries Patch rewrote.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Patch applies fn to every cached read of resource. Patched entries keep
// their generation and validUntil. Fetches already in flight for resource will
// not overwrite them.
//
// On error the returned snapshot covers what was patched so far.
func (p *Proxy) Patch(ctx context.Context, resource string, fn PatchFunc) (*Snapshot, error) {
	p.mu.Lock()
	keys := make(map[string]Method, len(p.index[resource]))
	for k, m := range p.index[resource] {
		keys[k] = m
	}
	p.epochs[resource]++
	p.mu.Unlock()

	snap := &Snapshot{Resource: resource}
	for key, m := range keys {
		raw, ok, err := p.store.Get(ctx, key)
		if err != nil {
			return snap, err
		}
		if !ok {
			continue
		}
		e, err := wire.Decode(raw)
		if err != nil {
			continue // the next read self-heals it
		}
		pl, err := p.codec.Decode(e.Payload)
		if err != nil {
			continue
		}
		if !fn(m, &pl) {
			continue
		}
		if e.Payload, err = p.codec.Encode(pl); err != nil {
			return snap, err
		}
		ttl := p.storeTTL(e)
		if ttl <= 0 {
			continue
		}
		after := wire.Encode(e)
		if _, err := p.store.Set(ctx, key, after, int64(len(after)), ttl); err != nil {
			return snap, err
		}
		snap.entries = append(snap.entries, patched{key: key, before: raw, after: after})
	}
	if len(snap.entries) > 0 {
		p.log.Debug("patched cached reads", Fields{"resource": resource, "entries": len(snap.entries)})
	}
	return snap, nil
}

// Restore undoes a Patch. Entries replaced or dropped since the patch are left
// alone: a newer fetch, a later patch or an invalidation wins over the
// snapshot. changed counts the entries still present but rewritten since the
// patch; they may carry a later patch stacked on this one, so callers that
// need the pre-patch view should invalidate the resource when it is non-zero.
func (p *Proxy) Restore(ctx context.Context, snap *Snapshot) (changed int, err error) {
	if snap.Len() == 0 {
		return 0, nil
	}
	p.mu.Lock()
	p.epochs[snap.Resource]++
	p.mu.Unlock()

	var errs error
	for i := len(snap.entries) - 1; i >= 0; i-- {
		pe := snap.entries[i]
		cur, ok, err := p.store.Get(ctx, pe.key)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if !bytes.Equal(cur, pe.after) {
			changed++
			continue
		}
		e, err := wire.Decode(pe.before)
		if err != nil {
			continue
		}
		ttl := p.storeTTL(e)
		if ttl <= 0 {
			_ = p.store.Del(ctx, pe.key)
			continue
		}
		if _, err := p.store.Set(ctx, pe.key, pe.before, int64(len(pe.before)), ttl); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	p.log.Debug("restored cached reads", Fields{"resource": snap.Resource, "entries": len(snap.entries), "changed": changed})
	return changed, errs
}

// UpdatePatch merges data into every cached record whose id is in ids.
func UpdatePatch(ids []Identifier, data Record) PatchFunc {
	set := idSet(ids)
	return func(_ Method, pl *Payload) bool {
		changed := false
		for i, r := range pl.Records {
			if r == nil {
				continue
			}
			if _, ok := set[r.ID()]; !ok {
				continue
			}
			merged := make(Record, len(r)+len(data))
			for k, v := range r {
				merged[k] = v
			}
			for k, v := range data {
				merged[k] = v
			}
			pl.Records[i] = merged
			changed = true
		}
		return changed
	}
}

// DeletePatch removes records whose id is in ids from cached lists. Single
// record reads are left as they are.
func DeletePatch(ids []Identifier) PatchFunc {
	set := idSet(ids)
	return func(m Method, pl *Payload) bool {
		if m == MethodGetOne {
			return false
		}
		kept := pl.Records[:0]
		removed := 0
		for _, r := range pl.Records {
			if _, ok := set[r.ID()]; ok && r != nil {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if removed == 0 {
			return false
		}
		pl.Records = kept
		if m == MethodGetMany {
			pl.Total = len(kept)
		} else if pl.Total -= removed; pl.Total < 0 {
			pl.Total = 0
		}
		return true
	}
}

func idSet(ids []Identifier) map[Identifier]struct{} {
	set := make(map[Identifier]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
