// Package promhook exports cache events as Prometheus counters.
//
//	reg := prometheus.NewRegistry()
//	hooks, _ := promhook.New(reg, promhook.Options{Namespace: "admin"})
//	proxy, _ := dataprovider.New(backend, dataprovider.Options{Hooks: hooks})
package promhook

import (
	"github.com/prometheus/client_golang/prometheus"

	dp "github.com/unkn0wn-root/dataprovider"
)

type Options struct {
	Namespace string // "" => "dataprovider"
	Subsystem string // "" => "cache"
}

// Hooks counts cache events per resource and method. Storage keys are never
// used as labels.
type Hooks struct {
	Reads         *prometheus.CounterVec // labels: resource, method, result (hit|miss|stale|coalesced)
	Invalidations *prometheus.CounterVec // labels: resource
	Dropped       *prometheus.CounterVec // labels: resource; entries dropped by invalidation
	SelfHeals     *prometheus.CounterVec // labels: reason
	SetRejected   prometheus.Counter
	Outages       *prometheus.CounterVec // labels: resource
}

var _ dp.Hooks = (*Hooks)(nil)

// New builds the counters and registers them with reg.
func New(reg prometheus.Registerer, opts Options) (*Hooks, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = "dataprovider"
	}
	sub := opts.Subsystem
	if sub == "" {
		sub = "cache"
	}

	h := &Hooks{
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reads_total",
			Help:      "Reads served by the caching proxy, by outcome",
		}, []string{"resource", "method", "result"}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invalidations_total",
			Help:      "Resource invalidations after writes",
		}, []string{"resource"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invalidated_entries_total",
			Help:      "Cached entries dropped by invalidations",
		}, []string{"resource"}),
		SelfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "self_heals_total",
			Help:      "Entries deleted on read because they were unusable",
		}, []string{"reason"}),
		SetRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "store_set_rejected_total",
			Help:      "Writes the byte store refused",
		}),
		Outages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invalidate_outages_total",
			Help:      "Invalidations where both the generation bump and the delete failed",
		}, []string{"resource"}),
	}

	for _, c := range []prometheus.Collector{h.Reads, h.Invalidations, h.Dropped, h.SelfHeals, h.SetRejected, h.Outages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) read(resource string, m dp.Method, result string) {
	h.Reads.WithLabelValues(resource, string(m), result).Inc()
}

func (h *Hooks) CacheHit(r string, m dp.Method)         { h.read(r, m, "hit") }
func (h *Hooks) CacheMiss(r string, m dp.Method)        { h.read(r, m, "miss") }
func (h *Hooks) StaleServed(r string, m dp.Method)      { h.read(r, m, "stale") }
func (h *Hooks) RequestCoalesced(r string, m dp.Method) { h.read(r, m, "coalesced") }

func (h *Hooks) Invalidated(resource string, entries int) {
	h.Invalidations.WithLabelValues(resource).Inc()
	h.Dropped.WithLabelValues(resource).Add(float64(entries))
}

func (h *Hooks) SelfHeal(_ string, reason string) { h.SelfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) StoreSetRejected(string)          { h.SetRejected.Inc() }

func (h *Hooks) InvalidateOutage(resource string, _, _ error) {
	h.Outages.WithLabelValues(resource).Inc()
}
