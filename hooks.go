package dataprovider

// Hooks are lightweight callbacks for high-signal cache events.
// Implementations MUST be cheap and non-blocking; the proxy calls them on hot paths.
type Hooks interface {
	// A read was answered from a live entry.
	CacheHit(resource string, method Method)
	// A read had to go to the wrapped provider.
	CacheMiss(resource string, method Method)
	// An expired entry was served under stale-while-revalidate.
	StaleServed(resource string, method Method)
	// A read joined a fetch already in flight for the same key.
	RequestCoalesced(resource string, method Method)

	// A successful write dropped entries of a resource.
	Invalidated(resource string, entries int)
	// An entry was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)
	// Store returned ok=false on Set (backpressure/eviction).
	StoreSetRejected(storageKey string)
	// Both gen bump and delete failed during invalidation (likely backend outage).
	InvalidateOutage(resource string, bumpErr, delErr error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheHit(string, Method)               {}
func (NopHooks) CacheMiss(string, Method)              {}
func (NopHooks) StaleServed(string, Method)            {}
func (NopHooks) RequestCoalesced(string, Method)       {}
func (NopHooks) Invalidated(string, int)               {}
func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) StoreSetRejected(string)               {}
func (NopHooks) InvalidateOutage(string, error, error) {}
