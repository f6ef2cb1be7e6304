// Package cachekey derives the 128-bit BLAKE2b cache-key fingerprint for a
// cacheable request and encodes/decodes the cache entry wire envelope.
package cachekey

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key is a 128-bit cache-key fingerprint.
type Key [16]byte

func (k Key) String() string {
	return fmt.Sprintf("%x", [16]byte(k))
}

// Derive computes the fingerprint over, in order: every header in the Vary
// set (sorted by name, each name/value-list NUL-delimited), the request
// path (length-prefixed), and the request body (length-prefixed). vary
// maps a lowercase header name to its values in their original order; the
// values for one header are joined with ", " and the header itself is
// terminated with two NUL bytes so no ambiguity can arise between header
// boundaries and value separators.
func Derive(vary map[string][]string, path string, body []byte) (Key, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return Key{}, fmt.Errorf("init blake2b: %w", err)
	}

	names := make([]string, 0, len(vary))
	for name := range vary {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0x00})
		h.Write([]byte(strings.Join(vary[name], ", ")))
		h.Write([]byte{0x00, 0x00})
	}

	writeLenPrefixed(h, []byte(path))
	writeLenPrefixed(h, body)

	var out Key
	copy(out[:], h.Sum(nil))
	return out, nil
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// EntryVersion is the only recognized cache-entry wire version today. Any
// other leading byte causes the entry to be treated as absent.
const EntryVersion byte = 0x00

// Entry is the decoded form of a stored cache value: two opaque metadata
// blobs produced by the pipeline's cache-meta serializer, a timestamp
// recording when the entry was stored, and the response body.
type Entry struct {
	StoredAt     int64 // unix nanoseconds, set by the writer at store time
	HeadersBlob  []byte
	ExtendedBlob []byte
	Data         []byte
}

// Encode serializes e as
// `[version][stored_at][headers_len|headers][extended_len|extended][data]`.
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(EntryVersion)
	var storedAtBuf [8]byte
	binary.LittleEndian.PutUint64(storedAtBuf[:], uint64(e.StoredAt))
	buf.Write(storedAtBuf[:])
	writeBlob(&buf, e.HeadersBlob)
	writeBlob(&buf, e.ExtendedBlob)
	buf.Write(e.Data)
	return buf.Bytes()
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// ErrUnrecognizedVersion signals a version byte this reader does not
// understand; callers should treat the entry as a miss.
var ErrUnrecognizedVersion = fmt.Errorf("cachekey: unrecognized entry version")

// Decode parses the wire form produced by Encode. Returns
// ErrUnrecognizedVersion if the leading byte isn't EntryVersion, and a
// generic error if the envelope is truncated or malformed.
func Decode(raw []byte) (Entry, error) {
	if len(raw) < 1 {
		return Entry{}, fmt.Errorf("cachekey: empty entry")
	}
	if raw[0] != EntryVersion {
		return Entry{}, ErrUnrecognizedVersion
	}
	rest := raw[1:]

	if len(rest) < 8 {
		return Entry{}, fmt.Errorf("cachekey: truncated stored_at")
	}
	storedAt := int64(binary.LittleEndian.Uint64(rest[:8]))
	rest = rest[8:]

	headers, rest, err := readBlob(rest)
	if err != nil {
		return Entry{}, fmt.Errorf("cachekey: headers blob: %w", err)
	}
	extended, rest, err := readBlob(rest)
	if err != nil {
		return Entry{}, fmt.Errorf("cachekey: extended blob: %w", err)
	}

	return Entry{StoredAt: storedAt, HeadersBlob: headers, ExtendedBlob: extended, Data: rest}, nil
}

func readBlob(b []byte) (blob []byte, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("truncated blob: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}
