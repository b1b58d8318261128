package shmseg

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pylabhub/datahub/procstat"
	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmlayout"
	"github.com/pylabhub/datahub/shmsync"
)

// mapping is the OS-specific backing for a segment's bytes. openBacking
// and unlinkBacking are implemented per-platform in segment_unix.go and
// segment_windows.go.
type mapping interface {
	Bytes() []byte
	Close() error
}

// OpenMode is the tagged factory-time mode spec §9 asks for in place of
// a boolean "create" flag.
type OpenMode int

const (
	ModeCreate OpenMode = iota
	ModeWriteAttach
	ModeReadAttach
)

// Timeout sentinels, spec §5.
const (
	Immediate      time.Duration = 0
	DefaultTimeout time.Duration = 100 * time.Millisecond
	Infinite       time.Duration = -1
)

// CreateOptions configures a new segment. Fields not explicitly listed
// here (magic, version, layout hash) are computed, never supplied by the
// caller.
type CreateOptions struct {
	Capacity      int
	PayloadBytes  int
	FlexZoneBytes int
	Policy        Policy

	ChecksumPolicy ChecksumPolicy

	SharedSecret       [32]byte
	FlexZoneSchemaHash uint64
	SlotSchemaHash     uint64

	HubUID, HubName, ProducerUID, ProducerName string

	WriterHeartbeatTimeout   time.Duration
	ConsumerHeartbeatTimeout time.Duration
	DrainTimeout             time.Duration
}

// AttachExpectations is what an attacher already knows about the
// segment it expects to find — the pieces that cannot be re-derived from
// the placement parameters alone (spec §3: "shared secret ... compared
// byte-wise on attach").
type AttachExpectations struct {
	SharedSecret       [32]byte
	FlexZoneSchemaHash uint64
	SlotSchemaHash     uint64
}

// Metrics are process-local diagnostic counters (spec §4.6's "header
// metrics"). They are not part of the on-segment byte layout — spec §6's
// wire format reserves no field for them — so each attached process
// tracks its own view of its own calls, which is exactly the scope
// "timeouts" and "writes" have: they are events experienced by the
// calling process, not global segment truth.
type Metrics struct {
	WritesTotal          atomic.Uint64
	TimeoutsRingFull     atomic.Uint64
	TimeoutsWriteLock    atomic.Uint64
	TimeoutsConsumerWait atomic.Uint64
	ReaderPeak           atomic.Uint32
}

// Segment is an attached or created DataHub shared-memory segment.
type Segment struct {
	name    string
	mode    OpenMode
	backing mapping
	data    []byte
	hdr     *header
	layout  shmlayout.Layout

	slotStates []byte
	slotData   []byte
	flexRegion []byte

	checksumPolicy           ChecksumPolicy
	writerHeartbeatTimeout   time.Duration
	consumerHeartbeatTimeout time.Duration
	drainTimeout             time.Duration

	ownPID uint64

	metrics Metrics
}

func slotMetaSize() int { var z slotMeta; return int(unsafe.Sizeof(z)) }

// Create creates a brand-new segment (spec §9: "Model as an exclusive
// owner (the creator) plus any number of attachers").
func Create(name string, opts CreateOptions) (*Segment, error) {
	const op = "shmseg.Create"
	if err := shmlayout.ValidateName(name); err != nil {
		return nil, shmerr.New(shmerr.OSFailure, op, err)
	}

	layout, err := shmlayout.Compute(opts.Capacity, opts.PayloadBytes, opts.FlexZoneBytes, slotMetaSize())
	if err != nil {
		return nil, shmerr.New(shmerr.OSFailure, op, err)
	}

	backing, err := openBacking(name, layout.TotalSize, ModeCreate)
	if err != nil {
		return nil, shmerr.New(shmerr.OSFailure, op, err)
	}

	s := &Segment{
		name:                     name,
		mode:                     ModeCreate,
		backing:                  backing,
		data:                     backing.Bytes(),
		layout:                   layout,
		checksumPolicy:           opts.ChecksumPolicy,
		writerHeartbeatTimeout:   nonZero(opts.WriterHeartbeatTimeout, 5*time.Second),
		consumerHeartbeatTimeout: nonZero(opts.ConsumerHeartbeatTimeout, 5*time.Second),
		drainTimeout:             nonZero(opts.DrainTimeout, 250*time.Millisecond),
		ownPID:                   procstat.CurrentPID(),
	}
	s.bindRegions()

	h := s.hdr
	h.Magic = magicValue
	h.Version = formatVer
	h.LayoutHash = layout.Hash
	h.SharedSecret = opts.SharedSecret
	h.FlexZoneSchemaHash = opts.FlexZoneSchemaHash
	h.SlotSchemaHash = opts.SlotSchemaHash
	putTruncated(h.Identity.HubUID[:], opts.HubUID)
	putTruncated(h.Identity.HubName[:], opts.HubName)
	putTruncated(h.Identity.ProducerUID[:], opts.ProducerUID)
	putTruncated(h.Identity.ProducerName[:], opts.ProducerName)
	h.Policy = uint32(opts.Policy)
	h.Capacity = uint32(opts.Capacity)
	h.PayloadBytes = uint32(opts.PayloadBytes)
	h.FlexZoneBytes = uint32(opts.FlexZoneBytes)
	h.SlotMetaSize = uint32(slotMetaSize())
	h.ChecksumPolicy = uint32(opts.ChecksumPolicy)
	if t := s.flexTrailerPtr(); t != nil {
		t.Checksum.Store(checksumBytes(s.flexUserBytes()))
	}

	h.ProducerLiveness.PID.Store(s.ownPID)
	h.ProducerLiveness.HeartbeatID.Store(1)
	h.ProducerLiveness.HeartbeatNS.Store(procstat.MonotonicNowNS())

	return s, nil
}

// attach is shared by WriteAttach and ReadAttach.
func attach(name string, mode OpenMode, expect AttachExpectations) (*Segment, error) {
	op := "shmseg.ReadAttach"
	if mode == ModeWriteAttach {
		op = "shmseg.WriteAttach"
	}

	backing, err := openBacking(name, 0, mode)
	if err != nil {
		return nil, shmerr.New(shmerr.OSFailure, op, err)
	}

	data := backing.Bytes()
	if len(data) < 4096 {
		backing.Close()
		return nil, shmerr.New(shmerr.OSFailure, op, fmt.Errorf("segment %q is smaller than the header", name))
	}

	s := &Segment{
		name:                     name,
		mode:                     mode,
		backing:                  backing,
		data:                     data,
		writerHeartbeatTimeout:   5 * time.Second,
		consumerHeartbeatTimeout: 5 * time.Second,
		drainTimeout:             250 * time.Millisecond,
		ownPID:                   procstat.CurrentPID(),
	}
	s.hdr = (*header)(unsafe.Pointer(&data[0]))
	s.checksumPolicy = ChecksumPolicy(s.hdr.ChecksumPolicy)

	if s.hdr.Magic != magicValue {
		backing.Close()
		return nil, shmerr.New(shmerr.MagicMismatch, op, fmt.Errorf("got 0x%08x", s.hdr.Magic))
	}
	if s.hdr.Version != formatVer {
		backing.Close()
		return nil, shmerr.New(shmerr.VersionMismatch, op, fmt.Errorf("got %d, want %d", s.hdr.Version, formatVer))
	}
	if s.hdr.SharedSecret != expect.SharedSecret {
		backing.Close()
		return nil, shmerr.New(shmerr.SecretMismatch, op, nil)
	}
	if s.hdr.FlexZoneSchemaHash != expect.FlexZoneSchemaHash || s.hdr.SlotSchemaHash != expect.SlotSchemaHash {
		backing.Close()
		return nil, shmerr.New(shmerr.SchemaMismatch, op, nil)
	}

	layout, err := shmlayout.Compute(int(s.hdr.Capacity), int(s.hdr.PayloadBytes), int(s.hdr.FlexZoneBytes), int(s.hdr.SlotMetaSize))
	if err != nil {
		backing.Close()
		return nil, shmerr.New(shmerr.LayoutMismatch, op, err)
	}
	if layout.Hash != s.hdr.LayoutHash || layout.TotalSize != int64(len(data)) {
		backing.Close()
		return nil, shmerr.New(shmerr.LayoutMismatch, op, fmt.Errorf("recomputed layout does not match segment"))
	}
	s.layout = layout
	s.bindRegions()

	return s, nil
}

// WriteAttach joins an existing segment with producer capability — used
// both by a secondary writer's helper tooling and, after a crash, by a
// restarted producer process reclaiming the role (spec §8 scenario 4).
func WriteAttach(name string, expect AttachExpectations) (*Segment, error) {
	return attach(name, ModeWriteAttach, expect)
}

// ReadAttach joins an existing segment with consumer-only capability.
func ReadAttach(name string, expect AttachExpectations) (*Segment, error) {
	return attach(name, ModeReadAttach, expect)
}

func (s *Segment) bindRegions() {
	s.hdr = (*header)(unsafe.Pointer(&s.data[0]))
	s.slotStates = s.data[s.layout.SlotStateOffset : s.layout.SlotStateOffset+s.layout.SlotStateSize]
	s.slotData = s.data[s.layout.SlotDataOffset : s.layout.SlotDataOffset+s.layout.SlotDataSize]
	if s.layout.FlexZoneSize > 0 {
		s.flexRegion = s.data[s.layout.FlexZoneOffset : s.layout.FlexZoneOffset+s.layout.FlexZoneSize]
	}
}

func nonZero(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// Close unmaps the segment. It never removes the backing object; only
// Unlink (creator-only) does that (spec §9: "attacher destructors only
// unmap").
func (s *Segment) Close() error {
	return s.backing.Close()
}

// Unlink removes the segment's name from the OS namespace. Only the
// creator should call this, and only after every attacher has closed
// (spec §3: "persists until its last reference is released and the
// creator explicitly unlinks the name").
func (s *Segment) Unlink() error {
	if s.mode != ModeCreate {
		return shmerr.New(shmerr.LogicError, "shmseg.Unlink", fmt.Errorf("only the creator may unlink"))
	}
	return unlinkBacking(s.name)
}

func (s *Segment) slotMetaAt(idx int) *slotMeta {
	off := int64(idx) * int64(s.layout.SlotMetaSize)
	return (*slotMeta)(unsafe.Pointer(&s.slotStates[off]))
}

func (s *Segment) slotPayload(idx int) []byte {
	off := int64(idx) * int64(s.layout.PayloadBytes)
	return s.slotData[off : off+int64(s.layout.PayloadBytes)]
}

func (s *Segment) flexTrailerPtr() *flexTrailer {
	if len(s.flexRegion) == 0 {
		return nil
	}
	off := len(s.flexRegion) - int(unsafe.Sizeof(flexTrailer{}))
	return (*flexTrailer)(unsafe.Pointer(&s.flexRegion[off]))
}

func (s *Segment) flexUserBytes() []byte {
	if len(s.flexRegion) == 0 {
		return nil
	}
	return s.flexRegion[:len(s.flexRegion)-int(unsafe.Sizeof(flexTrailer{}))]
}

// ---- read-only accessors used by recovery, hubtx, cmd/hubdiag ----

func (s *Segment) Name() string           { return s.name }
func (s *Segment) Mode() OpenMode         { return s.mode }
func (s *Segment) OwnPID() uint64         { return s.ownPID }
func (s *Segment) Capacity() int          { return s.layout.Capacity }
func (s *Segment) PayloadBytes() int      { return s.layout.PayloadBytes }
func (s *Segment) FlexZoneBytes() int     { return s.layout.FlexZoneBytes }
func (s *Segment) Policy() Policy         { return Policy(s.hdr.Policy) }
func (s *Segment) ChecksumPolicy() ChecksumPolicy { return s.checksumPolicy }
func (s *Segment) WriteIndex() uint64     { return s.hdr.WriteIndex.Load() }
func (s *Segment) ReadIndex() uint64      { return s.hdr.ReadIndex.Load() }
func (s *Segment) NumConsumerRows() int   { return numConsumers }
func (s *Segment) Metrics() *Metrics      { return &s.metrics }
func (s *Segment) LayoutHash() uint64     { return s.hdr.LayoutHash }
// WriteLock exposes the producer write-lock so recovery can reclaim it
// directly through shmsync's own API.
func (s *Segment) WriteLock() *shmsync.SharedSpinLock { return &s.hdr.WriteLock }

func (s *Segment) WriterHeartbeatTimeout() time.Duration   { return s.writerHeartbeatTimeout }
func (s *Segment) ConsumerHeartbeatTimeout() time.Duration { return s.consumerHeartbeatTimeout }
func (s *Segment) DrainTimeout() time.Duration             { return s.drainTimeout }

// Identity returns the segment's immutable identity block (spec §4.8).
func (s *Segment) Identity() (hubUID, hubName, producerUID, producerName string) {
	return getString(s.hdr.Identity.HubUID[:]),
		getString(s.hdr.Identity.HubName[:]),
		getString(s.hdr.Identity.ProducerUID[:]),
		getString(s.hdr.Identity.ProducerName[:])
}

// ProducerPID, ProducerHeartbeatID and ProducerHeartbeatNS expose the
// producer liveness row for recovery's zombie-writer check.
func (s *Segment) ProducerPID() uint64           { return s.hdr.ProducerLiveness.PID.Load() }
func (s *Segment) ProducerHeartbeatID() uint64   { return s.hdr.ProducerLiveness.HeartbeatID.Load() }
func (s *Segment) ProducerHeartbeatNS() uint64   { return s.hdr.ProducerLiveness.HeartbeatNS.Load() }

// Heartbeat refreshes the producer liveness row. Must be called only by
// the process currently holding the producer role.
func (s *Segment) Heartbeat() {
	s.hdr.ProducerLiveness.HeartbeatID.Add(1)
	s.hdr.ProducerLiveness.HeartbeatNS.Store(procstat.MonotonicNowNS())
}

// ClaimProducerIdentity hands the producer liveness row to pid,
// CAS-guarded on the previous (zombie) owner so a concurrent claim by
// another recovering process cannot double-claim (spec §9's
// "reentrant" recovery requirement).
func (s *Segment) ClaimProducerIdentity(prevPID, newPID uint64) bool {
	if !s.hdr.ProducerLiveness.PID.CompareAndSwap(prevPID, newPID) {
		return false
	}
	s.hdr.ProducerLiveness.HeartbeatID.Add(1)
	s.hdr.ProducerLiveness.HeartbeatNS.Store(procstat.MonotonicNowNS())
	return true
}
