package util

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

var (
	canonOnce sync.Once
	canonMode cbor.EncMode
	canonErr  error
)

// canonical encodes v with RFC 8949 core deterministic rules, so maps with the
// same content always produce the same bytes regardless of iteration order.
func canonical(v any) ([]byte, error) {
	canonOnce.Do(func() {
		canonMode, canonErr = cbor.CoreDetEncOptions().EncMode()
	})
	if canonErr != nil {
		return nil, canonErr
	}
	return canonMode.Marshal(v)
}

// EntryPrefix returns the storage prefix shared by every entry of a resource.
func EntryPrefix(ns, resource string) string {
	return "entry:" + ns + ":" + resource + ":"
}

// EntryKey returns a deterministic storage key for one read:
// entry:<ns>:<resource>:<method>:<hash of canonical params>.
func EntryKey(ns, resource, method string, params any) (string, error) {
	b, err := canonical(params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(ns) + len(resource) + len(method) + 24)
	sb.WriteString(EntryPrefix(ns, resource))
	sb.WriteString(method)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(xxhash.Sum64(b), 16))
	return sb.String(), nil
}

