// Package ans104 implements the ANS-104 data item envelope: a pull-based
// streaming decoder, an encoder used by the bundle-prepare stage, and the
// per-signature-type table that drives both.
//
// Layout (all integers little-endian):
//
//	sigType(2) || signature(L_s) || owner(L_o) || targetFlag(1) [target(32)]
//	|| anchorFlag(1) [anchor(32)] || numTags(8) || numTagsBytes(8)
//	|| tags(numTagsBytes) || payload(...)
package ans104

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SignatureType identifies the signing scheme used for a data item.
type SignatureType uint16

const (
	SigArweave       SignatureType = 1
	SigED25519       SignatureType = 2
	SigEthereum      SignatureType = 3
	SigSolana        SignatureType = 4
	SigInjectedAptos SignatureType = 5
	SigMultiAptos    SignatureType = 6
	SigTypedEthereum SignatureType = 7
	SigKyve          SignatureType = 101
)

// sigTypeInfo is the compile-time-computable table Design Notes §9 asks
// for in place of the teacher's per-chain decimals lookup in usdc.chain.go.
type sigTypeInfo struct {
	name        string
	sigLength   int
	ownerLength int
}

var sigTypes = map[SignatureType]sigTypeInfo{
	SigArweave:       {"arweave", 512, 512},
	SigED25519:       {"ed25519", 64, 32},
	SigEthereum:      {"ethereum", 65, 65},
	SigSolana:        {"solana", 64, 32},
	SigInjectedAptos: {"injectedAptos", 64, 32},
	SigMultiAptos:    {"multiAptos", 2052, 1057},
	SigTypedEthereum: {"typedEthereum", 65, 65},
	SigKyve:          {"kyve", 65, 65},
}

// Lengths returns the fixed signature/owner byte lengths for a sig type.
func Lengths(t SignatureType) (sigLen, ownerLen int, err error) {
	info, ok := sigTypes[t]
	if !ok {
		return 0, 0, fmt.Errorf("ans104: unknown signature type %d", t)
	}
	return info.sigLength, info.ownerLength, nil
}

// Name returns the human-readable name of a signature type.
func Name(t SignatureType) string {
	if info, ok := sigTypes[t]; ok {
		return info.name
	}
	return "unknown"
}

// ParseSignatureType is the inverse of Name, used to decode the `<sigType>`
// path segment of the x402 price/payment routes (spec §6).
func ParseSignatureType(name string) (SignatureType, error) {
	for t, info := range sigTypes {
		if info.name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("ans104: unknown signature type name %q", name)
}

// Tag is an ordered name/value pair attached to a data item.
type Tag struct {
	Name  string
	Value string
}

// Header holds everything decoded before the payload begins. PayloadStart
// is the byte offset (relative to the start of the envelope) at which the
// payload begins — callers use it to seek or to continue streaming without
// re-parsing.
type Header struct {
	ID             string
	SignatureType  SignatureType
	Signature      []byte
	Owner          []byte
	Target         []byte
	Anchor         []byte
	Tags           []Tag
	PayloadStart   int64
	DeclaredLength int64
}

const maxTagBytes = 4096 * 1024 // guard against pathological tag sections

// ErrTruncated is returned when the stream ends before the envelope header
// is fully decoded.
var ErrTruncated = errors.New("ans104: truncated envelope")

// DecodeHeader pulls exactly as many bytes from r as needed to produce a
// Header. It is a convenience wrapper around DecodeHeaderStream for
// callers (bundle assembly, tests) that already hold the whole envelope
// in memory and have no need to keep reading r afterward.
func DecodeHeader(r io.Reader) (*Header, error) {
	h, _, err := DecodeHeaderStream(r)
	return h, err
}

// DecodeHeaderStream decodes a Header from r and returns a reader
// positioned exactly at the start of the payload. r is internally
// buffered (bufio) to parse the variable-length tag section efficiently;
// returning that buffered reader, rather than the original r, is what
// lets a caller keep streaming the payload without silently dropping
// whatever DecodeHeaderStream had already pulled into its buffer.
func DecodeHeaderStream(r io.Reader) (*Header, io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var offset int64

	readFull := func(n int) ([]byte, error) {
		buf := make([]byte, n)
		got, err := io.ReadFull(br, buf)
		offset += int64(got)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrTruncated
			}
			return nil, err
		}
		return buf, nil
	}

	sigTypeBytes, err := readFull(2)
	if err != nil {
		return nil, nil, err
	}
	sigType := SignatureType(binary.LittleEndian.Uint16(sigTypeBytes))

	sigLen, ownerLen, err := Lengths(sigType)
	if err != nil {
		return nil, nil, err
	}

	signature, err := readFull(sigLen)
	if err != nil {
		return nil, nil, err
	}
	owner, err := readFull(ownerLen)
	if err != nil {
		return nil, nil, err
	}

	targetFlag, err := readFull(1)
	if err != nil {
		return nil, nil, err
	}
	var target []byte
	if targetFlag[0] == 1 {
		target, err = readFull(32)
		if err != nil {
			return nil, nil, err
		}
	}

	anchorFlag, err := readFull(1)
	if err != nil {
		return nil, nil, err
	}
	var anchor []byte
	if anchorFlag[0] == 1 {
		anchor, err = readFull(32)
		if err != nil {
			return nil, nil, err
		}
	}

	numTagsBytes, err := readFull(8)
	if err != nil {
		return nil, nil, err
	}
	numTags := binary.LittleEndian.Uint64(numTagsBytes)

	numTagBytesBytes, err := readFull(8)
	if err != nil {
		return nil, nil, err
	}
	numTagBytes := binary.LittleEndian.Uint64(numTagBytesBytes)
	if numTagBytes > maxTagBytes {
		return nil, nil, fmt.Errorf("ans104: tag section too large (%d bytes)", numTagBytes)
	}

	var tags []Tag
	if numTagBytes > 0 {
		tagBytes, err := readFull(int(numTagBytes))
		if err != nil {
			return nil, nil, err
		}
		tags, err = decodeAvroTags(tagBytes, int(numTags))
		if err != nil {
			return nil, nil, err
		}
	}

	id := DeriveID(signature)

	return &Header{
		ID:            id,
		SignatureType: sigType,
		Signature:     signature,
		Owner:         owner,
		Target:        target,
		Anchor:        anchor,
		Tags:          tags,
		PayloadStart:  offset,
	}, br, nil
}

// DeriveID computes base64url(sha256(signature)) per §6 / testable
// property 6: re-extracting the signature from a stored envelope and
// re-deriving the id must reproduce the original id.
func DeriveID(signature []byte) string {
	sum := sha256.Sum256(signature)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// decodeAvroTags decodes the Avro-style variable-length tag array used by
// ANS-104: a zig-zag varint item count prefix per block (terminated by a
// zero count), each item being two length-prefixed UTF-8 strings.
func decodeAvroTags(data []byte, expected int) ([]Tag, error) {
	var tags []Tag
	pos := 0
	readVarint := func() (int64, error) {
		var result uint64
		var shift uint
		for {
			if pos >= len(data) {
				return 0, ErrTruncated
			}
			b := data[pos]
			pos++
			result |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				break
			}
			shift += 7
			if shift > 63 {
				return 0, errors.New("ans104: varint overflow")
			}
		}
		return int64(result>>1) ^ -(int64(result) & 1), nil
	}
	readBytes := func() ([]byte, error) {
		n, err := readVarint()
		if err != nil {
			return nil, err
		}
		if n < 0 || pos+int(n) > len(data) {
			return nil, ErrTruncated
		}
		b := data[pos : pos+int(n)]
		pos += int(n)
		return b, nil
	}

	for {
		count, err := readVarint()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			break
		}
		if count < 0 {
			count = -count
			if _, err := readVarint(); err != nil { // block byte size, unused
				return nil, err
			}
		}
		for i := int64(0); i < count; i++ {
			name, err := readBytes()
			if err != nil {
				return nil, err
			}
			value, err := readBytes()
			if err != nil {
				return nil, err
			}
			tags = append(tags, Tag{Name: string(name), Value: string(value)})
		}
	}
	if expected > 0 && len(tags) != expected {
		return nil, fmt.Errorf("ans104: tag count mismatch: header says %d, decoded %d", expected, len(tags))
	}
	return tags, nil
}

// EncodeHeader serializes everything up to (not including) the payload, for
// use by the bundle-prepare stage when it reassembles stored data items
// into a bundle payload.
func EncodeHeader(h *Header) ([]byte, error) {
	sigLen, ownerLen, err := Lengths(h.SignatureType)
	if err != nil {
		return nil, err
	}
	if len(h.Signature) != sigLen {
		return nil, fmt.Errorf("ans104: signature length %d, want %d", len(h.Signature), sigLen)
	}
	if len(h.Owner) != ownerLen {
		return nil, fmt.Errorf("ans104: owner length %d, want %d", len(h.Owner), ownerLen)
	}

	var buf []byte
	put16 := func(v uint16) {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		buf = append(buf, b...)
	}
	put64 := func(v uint64) {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		buf = append(buf, b...)
	}

	put16(uint16(h.SignatureType))
	buf = append(buf, h.Signature...)
	buf = append(buf, h.Owner...)

	if len(h.Target) == 32 {
		buf = append(buf, 1)
		buf = append(buf, h.Target...)
	} else {
		buf = append(buf, 0)
	}

	if len(h.Anchor) == 32 {
		buf = append(buf, 1)
		buf = append(buf, h.Anchor...)
	} else {
		buf = append(buf, 0)
	}

	tagBytes := encodeAvroTags(h.Tags)
	put64(uint64(len(h.Tags)))
	put64(uint64(len(tagBytes)))
	buf = append(buf, tagBytes...)

	return buf, nil
}

func encodeAvroTags(tags []Tag) []byte {
	if len(tags) == 0 {
		return nil
	}
	var buf []byte
	writeVarint := func(v int64) {
		u := uint64((v << 1) ^ (v >> 63))
		for u >= 0x80 {
			buf = append(buf, byte(u)|0x80)
			u >>= 7
		}
		buf = append(buf, byte(u))
	}
	writeBytes := func(b []byte) {
		writeVarint(int64(len(b)))
		buf = append(buf, b...)
	}

	writeVarint(int64(len(tags)))
	for _, t := range tags {
		writeBytes([]byte(t.Name))
		writeBytes([]byte(t.Value))
	}
	writeVarint(0) // terminating block
	return buf
}
