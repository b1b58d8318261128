// Package shmlayout computes the deterministic byte placement of a
// DataHub segment from its creation parameters. The layout is a pure
// function of (capacity, payloadBytes, flexZoneBytes, slotMetaSize); it
// never depends on process state, so the same inputs always hash to the
// same value on every platform this core targets.
package shmlayout

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// HeaderSize is the fixed 4 KiB header region asserted at build time by
// shmseg (spec §6: "the 4 KiB header invariant is verified at build
// time").
const HeaderSize = 4096

// MaxNameLen is the longest segment name this core accepts (spec §6:
// "length ≤ 254").
const MaxNameLen = 254

// flexTrailerSize is the spinlock (16 bytes) plus checksum (8 bytes)
// appended after the caller-defined flex-zone bytes.
const flexTrailerSize = 24

const align = 8

// Layout lists the byte offset and size of every region of a segment.
// TotalSize is the size the backing file/mapping must be truncated to.
type Layout struct {
	Capacity      int
	PayloadBytes  int
	FlexZoneBytes int
	SlotMetaSize  int

	SlotStateOffset int64
	SlotStateSize   int64

	SlotDataOffset int64
	SlotDataSize   int64

	FlexZoneOffset int64
	FlexZoneSize   int64 // 0 if FlexZoneBytes == 0, else FlexZoneBytes+flexTrailerSize

	TotalSize int64

	// Hash is a 64-bit digest of the four placement parameters and the
	// slot-state and slot-data offsets; the other fields above follow
	// from those. It is written into
	// the header at create time and recomputed by every attacher;
	// mismatches fail attach with LayoutMismatch (spec §4.2).
	Hash uint64
}

func alignUp(n int64, to int64) int64 {
	rem := n % to
	if rem == 0 {
		return n
	}
	return n + (to - rem)
}

// Compute lays out a segment for the given parameters. It returns an
// error only for parameters that can never produce a valid segment
// (non-positive capacity, payload size or slot metadata size, or a
// negative flex-zone size); the resulting Layout is not
// validated against any particular attacher's expectations — that
// happens at attach time by comparing Hash.
func Compute(capacity, payloadBytes, flexZoneBytes, slotMetaSize int) (Layout, error) {
	if capacity <= 0 {
		return Layout{}, fmt.Errorf("shmlayout: capacity must be positive, got %d", capacity)
	}
	if payloadBytes <= 0 {
		return Layout{}, fmt.Errorf("shmlayout: payloadBytes must be positive, got %d", payloadBytes)
	}
	if flexZoneBytes < 0 {
		return Layout{}, fmt.Errorf("shmlayout: flexZoneBytes must be non-negative, got %d", flexZoneBytes)
	}
	if slotMetaSize <= 0 {
		return Layout{}, fmt.Errorf("shmlayout: slotMetaSize must be positive, got %d", slotMetaSize)
	}

	l := Layout{
		Capacity:      capacity,
		PayloadBytes:  payloadBytes,
		FlexZoneBytes: flexZoneBytes,
		SlotMetaSize:  slotMetaSize,
	}

	l.SlotStateOffset = HeaderSize
	l.SlotStateSize = int64(capacity) * int64(slotMetaSize)

	dataStart := alignUp(l.SlotStateOffset+l.SlotStateSize, align)
	l.SlotDataOffset = dataStart
	l.SlotDataSize = int64(capacity) * int64(payloadBytes)

	flexStart := l.SlotDataOffset + l.SlotDataSize
	if flexZoneBytes > 0 {
		l.FlexZoneOffset = flexStart
		l.FlexZoneSize = int64(flexZoneBytes) + flexTrailerSize
	} else {
		l.FlexZoneOffset = flexStart
		l.FlexZoneSize = 0
	}

	l.TotalSize = l.FlexZoneOffset + l.FlexZoneSize
	l.Hash = l.computeHash()
	return l, nil
}

// computeHash folds every placement field into a single 64-bit digest
// using go-ethereum's Keccak256 — the teacher's existing crypto
// dependency, repurposed here as a plain non-cryptographic checksum (see
// SPEC_FULL.md's domain-stack table). Nothing about this hash is used
// for authentication; it exists purely to catch a mismatched attacher.
func (l Layout) computeHash() uint64 {
	var buf [6 * 8]byte
	putU64 := func(i int, v int64) {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(v >> (8 * b))
		}
	}
	putU64(0, int64(l.Capacity))
	putU64(1, int64(l.PayloadBytes))
	putU64(2, int64(l.FlexZoneBytes))
	putU64(3, int64(l.SlotMetaSize))
	putU64(4, l.SlotStateOffset)
	putU64(5, l.SlotDataOffset)

	sum := crypto.Keccak256(buf[:])
	var h uint64
	for i := 0; i < 8; i++ {
		h |= uint64(sum[i]) << (8 * i)
	}
	return h
}

// ValidateName checks a segment name against spec §6's naming rules:
// length-bounded, flat ASCII string.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("shmlayout: segment name must not be empty")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("shmlayout: segment name %q exceeds %d bytes", name, MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c > 0x7e || c == '/' {
			return fmt.Errorf("shmlayout: segment name %q contains an invalid byte 0x%02x at %d", name, c, i)
		}
	}
	return nil
}
