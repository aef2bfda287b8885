package ans104

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// BundleEntry locates one data item inside a bundle's concatenated
// payload section.
type BundleEntry struct {
	ID   string
	Size int64
}

// EncodeBundleHeader serializes the bundle-of-items wrapper that
// precedes the concatenated data item payloads: a 32-byte item count
// followed by one (32-byte size, 32-byte id) pair per entry, all
// little-endian. This is the on-wire "bundle header" every ANS-104
// bundle carries ahead of its items; entries must be listed in the same
// order the items are concatenated afterward.
func EncodeBundleHeader(entries []BundleEntry) ([]byte, error) {
	buf := make([]byte, 32, 32+64*len(entries))
	putUint256LE(buf[:32], uint64(len(entries)))

	for _, e := range entries {
		idBytes, err := decodeID(e.ID)
		if err != nil {
			return nil, fmt.Errorf("ans104: encode bundle entry %q: %w", e.ID, err)
		}
		pair := make([]byte, 64)
		putUint256LE(pair[:32], uint64(e.Size))
		copy(pair[32:], idBytes)
		buf = append(buf, pair...)
	}
	return buf, nil
}

// DecodeBundleHeader reads the item count and per-item (size, id) table
// from r, leaving r positioned at the start of the first item's payload.
func DecodeBundleHeader(r io.Reader) ([]BundleEntry, error) {
	countBytes := make([]byte, 32)
	if _, err := io.ReadFull(r, countBytes); err != nil {
		return nil, fmt.Errorf("ans104: read bundle entry count: %w", err)
	}
	count, err := readUint256LE(countBytes)
	if err != nil {
		return nil, fmt.Errorf("ans104: decode bundle entry count: %w", err)
	}

	entries := make([]BundleEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		pair := make([]byte, 64)
		if _, err := io.ReadFull(r, pair); err != nil {
			return nil, fmt.Errorf("ans104: read bundle entry %d: %w", i, err)
		}
		size, err := readUint256LE(pair[:32])
		if err != nil {
			return nil, fmt.Errorf("ans104: decode bundle entry %d size: %w", i, err)
		}
		entries = append(entries, BundleEntry{
			ID:   encodeID(pair[32:]),
			Size: int64(size),
		})
	}
	return entries, nil
}

// BundleHeaderSize returns the byte length of an encoded bundle header
// for a given entry count, letting callers compute payload offsets
// without materializing the header.
func BundleHeaderSize(entryCount int) int64 {
	return 32 + 64*int64(entryCount)
}

func putUint256LE(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst[:8], v)
}

func readUint256LE(src []byte) (uint64, error) {
	for _, b := range src[8:] {
		if b != 0 {
			return 0, fmt.Errorf("ans104: value exceeds 64 bits")
		}
	}
	return binary.LittleEndian.Uint64(src[:8]), nil
}

func decodeID(id string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("decoded id is %d bytes, want 32", len(b))
	}
	return b, nil
}

func encodeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
