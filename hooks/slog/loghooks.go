// Package sloghook logs cache events with log/slog. Noisy events are sampled.
package sloghook

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	dp "github.com/unkn0wn-root/dataprovider"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	// Hits and misses are Debug and off unless HitMissEvery > 0.
	HitMissEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	hitMissCtr  atomic.Uint64
}

var _ dp.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) hitMiss(msg, resource string, m dp.Method) {
	if h.l == nil || h.opts.HitMissEvery == 0 || !sample(h.opts.HitMissEvery, &h.hitMissCtr) {
		return
	}
	h.l.Debug(msg, "resource", resource, "method", string(m))
}

func (h *Hooks) CacheHit(resource string, m dp.Method)  { h.hitMiss("dp.cache_hit", resource, m) }
func (h *Hooks) CacheMiss(resource string, m dp.Method) { h.hitMiss("dp.cache_miss", resource, m) }

func (h *Hooks) StaleServed(resource string, m dp.Method) {
	if h.l == nil {
		return
	}
	h.l.Debug("dp.stale_served", "resource", resource, "method", string(m))
}

func (h *Hooks) RequestCoalesced(resource string, m dp.Method) {
	if h.l == nil {
		return
	}
	h.l.Debug("dp.request_coalesced", "resource", resource, "method", string(m))
}

func (h *Hooks) Invalidated(resource string, entries int) {
	if h.l == nil {
		return
	}
	h.l.Info("dp.invalidated",
		"resource", resource,
		"entries", entries)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("dp.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("dp.store_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) InvalidateOutage(resource string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("dp.invalidate_outage",
		"resource", resource,
		"bump_err", bumpErr,
		"del_err", delErr)
}
