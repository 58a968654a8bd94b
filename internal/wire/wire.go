package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1
)

var (
	ErrCorrupt = errors.New("dataprovider: corrupt cache entry")
	magic4     = [...]byte{'D', 'P', 'C', 'E'}
)

const hdrLen = 4 + 1 + 1 + 8 + 8 + 8 + 4

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is the framed form of one cached read.
// Gen is the resource generation observed before the fetch.
type Entry struct {
	Gen        uint64
	FetchedAt  time.Time
	ValidUntil time.Time
	Payload    []byte
}

// Fresh reports whether the entry may be served at now without revalidation.
func (e Entry) Fresh(now time.Time) bool { return now.Before(e.ValidUntil) }

// Encode frames e:
//
//	magic(4) | ver(1) | kind(1) | gen(u64 be) | fetchedAt(i64 be, unix ns) |
//	validUntil(i64 be, unix ns) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(e.FetchedAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(e.ValidUntil.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses a framed entry. Trailing bytes are rejected.
func Decode(b []byte) (Entry, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}

	off := 6
	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	fetched := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	valid := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}
	if valid < fetched {
		return Entry{}, ErrCorrupt
	}

	return Entry{
		Gen:        gen,
		FetchedAt:  time.Unix(0, fetched),
		ValidUntil: time.Unix(0, valid),
		Payload:    b[off : off+vlen],
	}, nil
}
