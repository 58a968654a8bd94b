// Package dataprovider is the data-access layer of an admin UI: a
// backend-agnostic CRUD contract plus the caching and error handling that sit
// between UI code and an arbitrary remote store.
//
// Components:
//   - DataProvider: the nine-method CRUD contract every backend adapter satisfies.
//   - NormalizeError: turns any failure into a *TransportError with a status.
//   - ConvertLegacy: adapts a single-entry-point provider to DataProvider.
//   - Proxy: wraps a DataProvider; answers reads from a TTL cache, coalesces
//     identical in-flight reads, and drops a resource's cached reads after
//     every successful write to it.
//
// Query state, mutation modes and undo live in the query, mutation and undo
// packages.
//
// Keys:
//
//	entry:<ns>:<resource>:<method>:<hash> - one cached read (hash over canonical params)
//
// Entries are stamped with the resource generation they were fetched under:
//
//	obs := gen(resource)       // before the backend call
//	v   := next.GetList(...)
//	put(key, v, obs)           // skipped iff gen(resource) != obs
//
// A write bumps gen(resource), so reads racing with it can never be cached
// past it.
package dataprovider
