// Package shmseg is the on-segment data engine: it is the only package
// in this module allowed to cast mapped shared-memory bytes to Go
// structs. Every other package (recovery, hubtx, hublifecycle) talks to
// a segment through the exported Segment API.
package shmseg

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pylabhub/datahub/shmsync"
)

// Policy selects the delivery semantics for a segment; immutable once a
// segment is created (spec §4.5).
type Policy uint32

const (
	_ Policy = iota
	LatestOnly
	SingleReader
	SyncReader
)

func (p Policy) String() string {
	switch p {
	case LatestOnly:
		return "LatestOnly"
	case SingleReader:
		return "SingleReader"
	case SyncReader:
		return "SyncReader"
	default:
		return "Unknown"
	}
}

// ChecksumPolicy controls whether ReadHandle.Release validates the
// per-slot payload checksum (spec §4.4's "ChecksumPolicy::Enforced").
type ChecksumPolicy uint32

const (
	ChecksumDisabled ChecksumPolicy = iota
	ChecksumEnforced
)

// Slot state constants (spec §4.4). SlotFree is zero so a freshly
// truncated/zeroed segment starts every slot FREE without extra writes.
const (
	SlotFree uint32 = iota
	SlotWriting
	SlotCommitted
	SlotDraining
	SlotConsuming
)

func stateName(s uint32) string {
	switch s {
	case SlotFree:
		return "FREE"
	case SlotWriting:
		return "WRITING"
	case SlotCommitted:
		return "COMMITTED"
	case SlotDraining:
		return "DRAINING"
	case SlotConsuming:
		return "CONSUMING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Fixed format identifiers (spec §3 "a segment has a 32-bit magic, a
// format version").
const (
	magicValue   uint32 = 0x44415448 // "DATH"
	formatVer    uint32 = 1
	numConsumers int    = 8 // consumer liveness table rows (spec §6: "8 × 128 bytes")
)

// identityBlock holds the immutable hub/producer identity (spec §4.8).
// Written once at create; write-attach by another writer must never
// touch it.
type identityBlock struct {
	HubUID       [40]byte
	HubName      [64]byte
	ProducerUID  [40]byte
	ProducerName [64]byte
}

func putTruncated(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}
	return string(src[:n])
}

// producerLivenessRow is the producer's own heartbeat record (spec §3,
// §4.6): PID, incrementing heartbeat id, monotonic-ns timestamp.
type producerLivenessRow struct {
	PID         atomic.Uint64
	HeartbeatID atomic.Uint64
	HeartbeatNS atomic.Uint64
	_           [8]byte // pad 24 -> 32
}

// consumerLivenessRow is one row of the bounded consumer liveness table
// (spec §3, §4.8). A row is claimed by CAS-ing PID from 0 to the
// claimant's own PID; identity bytes are written *before* that store so
// any observer that sees a non-zero PID sees a fully-populated row
// (spec §9's Open Question, resolved: release-store PID last).
type consumerLivenessRow struct {
	PID             atomic.Uint64
	LastHeartbeatNS atomic.Uint64
	ConsumerUID     [40]byte
	ConsumerName    [64]byte
	PendingSlotID   atomic.Uint64 // SyncReader only; see policy.go
}

// header is the fixed 4 KiB segment header, laid out field-for-field per
// spec §6's illustrative offsets. Every mutable integer field after the
// identity block is a typed atomic, so those fields are only accessed
// through sync/atomic, never a plain load/store (the consumer rows' UID
// and name bytes are plain arrays, ordered by the PID CAS) — and so go
// vet's copylocks check flags any copy of a mapped header by value.
type header struct {
	Magic              uint32
	Version            uint32
	LayoutHash         uint64
	SharedSecret       [32]byte
	FlexZoneSchemaHash uint64
	SlotSchemaHash     uint64
	Identity           identityBlock
	ProducerLiveness   producerLivenessRow
	ConsumerLiveness   [8]consumerLivenessRow

	WriteIndex atomic.Uint64
	ReadIndex  atomic.Uint64

	Policy         uint32
	Capacity       uint32
	PayloadBytes   uint32
	FlexZoneBytes  uint32
	SlotMetaSize   uint32
	ChecksumPolicy uint32
	WriteLock      shmsync.SharedSpinLock
	FlexChecksum   atomic.Uint64

	Reserved [2704]byte
}

func init() {
	if unsafe.Sizeof(header{}) != 4096 {
		panic(fmt.Sprintf("shmseg: header size is %d, expected 4096", unsafe.Sizeof(header{})))
	}
	if unsafe.Sizeof(shmsync.SharedSpinLock{}) != 16 {
		panic(fmt.Sprintf("shmseg: SharedSpinLock size is %d, expected 16", unsafe.Sizeof(shmsync.SharedSpinLock{})))
	}
}

// slotMeta is one entry of the slot-state array (spec §3's "Slot"). The
// payload bytes themselves live in the separate slot-data array; this
// record is purely metadata, kept small and cache-friendly.
type slotMeta struct {
	State           atomic.Uint32
	SlotID          atomic.Uint64
	ReaderCount     atomic.Uint32
	OwnerPID        atomic.Uint64
	Checksum        atomic.Uint64
	DrainDeadlineNS atomic.Uint64
	// ReaderBitset is the explicit bounded bitset over the 8 consumer
	// liveness rows (spec §9: "use an explicit bounded bitset over the
	// liveness table, indexed by row; avoid heap-allocated sets in
	// shared memory"). One bit per row is enough since the liveness
	// table itself is bounded to numConsumers rows.
	ReaderBitset atomic.Uint64
}

// flexTrailer is the spinlock + checksum appended after the caller's
// flex-zone bytes (spec §3's FlexZone: "protected by its own slot-
// independent spinlock and has its own checksum").
type flexTrailer struct {
	Lock     shmsync.SharedSpinLock
	Checksum atomic.Uint64
}
