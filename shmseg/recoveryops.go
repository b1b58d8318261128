package shmseg

// SlotSnapshot is a read-only view of one slot's metadata, used by the
// recovery package's zombie sweeps and by cmd/hubdiag.
type SlotSnapshot struct {
	Index       int
	State       uint32
	StateName   string
	SlotID      uint64
	ReaderCount uint32
	OwnerPID    uint64
	Checksum    uint64
}

// SlotSnapshot reads slot i's metadata without taking any lock, so a
// snapshot taken while a producer or consumer is active may be racy.
func (s *Segment) SlotSnapshot(i int) SlotSnapshot {
	meta := s.slotMetaAt(i)
	state := meta.State.Load()
	return SlotSnapshot{
		Index:       i,
		State:       state,
		StateName:   stateName(state),
		SlotID:      meta.SlotID.Load(),
		ReaderCount: meta.ReaderCount.Load(),
		OwnerPID:    meta.OwnerPID.Load(),
		Checksum:    meta.Checksum.Load(),
	}
}

// ValidateSlotChecksum reports whether a COMMITTED slot's stored
// checksum matches its current bytes. Non-committed slots always pass
// (nothing to validate yet).
func (s *Segment) ValidateSlotChecksum(i int) bool {
	meta := s.slotMetaAt(i)
	if meta.State.Load() != SlotCommitted {
		return true
	}
	return meta.Checksum.Load() == checksumBytes(s.slotPayload(i))
}

// RepairSlot forces slot i back to FREE, dropping its data. Used by
// validate_integrity(repair=true) on a checksum mismatch (spec §4.6:
// "Repair mode is allowed to rewrite a mismatched slot's state to FREE").
func (s *Segment) RepairSlot(i int) {
	meta := s.slotMetaAt(i)
	meta.State.Store(SlotFree)
	meta.OwnerPID.Store(0)
	meta.ReaderCount.Store(0)
	meta.ReaderBitset.Store(0)
}

// ReclaimWriteLockIfDead exposes the header write-lock's reclaim path so
// recovery doesn't need its own handle to the spinlock type.
func (s *Segment) ReclaimWriteLockIfDead(isAlive func(uint64) bool) bool {
	return s.hdr.WriteLock.ReclaimIfDead(isAlive)
}

// RevertZombieWritingSlots reverts every WRITING slot owned by zombiePID
// to FREE, rolling write_index back when the reverted slot was the most
// recently acquired one, and otherwise advancing read_index past it so
// the ring doesn't wedge on a slot no producer will ever write again
// (spec §4.6's zombie-writer recovery).
func (s *Segment) RevertZombieWritingSlots(zombiePID uint64) (reverted int, rolledBackWriteIndex bool) {
	for idx := 0; idx < s.layout.Capacity; idx++ {
		meta := s.slotMetaAt(idx)
		if meta.State.Load() != SlotWriting || meta.OwnerPID.Load() != zombiePID {
			continue
		}
		slotID := meta.SlotID.Load()
		meta.OwnerPID.Store(0)
		meta.State.CompareAndSwap(SlotWriting, SlotFree)
		reverted++

		top := s.hdr.WriteIndex.Load()
		if slotID+1 == top && s.hdr.WriteIndex.CompareAndSwap(top, slotID) {
			rolledBackWriteIndex = true
		}
	}
	if reverted > 0 {
		s.advanceReadIndexPastAbandonedSlots()
	}
	return reverted, rolledBackWriteIndex
}

// advanceReadIndexPastAbandonedSlots skips read_index forward over any
// run of slots, starting at the current frontier, that write_index has
// already passed but that sit FREE rather than COMMITTED/CONSUMING/
// DRAINING — the signature of a WRITING slot a dead producer abandoned
// and that was reverted without a matching write_index rollback. Left
// alone, a SingleReader or SyncReader candidate selection would wait on
// that slot forever, since no producer will ever revisit its sequence
// number.
func (s *Segment) advanceReadIndexPastAbandonedSlots() {
	capacity := uint64(s.layout.Capacity)
	for {
		read := s.hdr.ReadIndex.Load()
		if read >= s.hdr.WriteIndex.Load() {
			return
		}
		idx := int(read % capacity)
		meta := s.slotMetaAt(idx)
		if meta.State.Load() != SlotFree || meta.SlotID.Load() != read {
			return
		}
		if !s.hdr.ReadIndex.CompareAndSwap(read, read+1) {
			continue // another process advanced it first; re-read and keep going
		}
	}
}

// DropDeadReader clears rowIndex's claim from every slot whose
// ReaderBitset marks it, performing the same release bookkeeping a live
// consumer's own Release() would (spec §4.6's zombie-reader recovery).
func (s *Segment) DropDeadReader(rowIndex int) (affected int) {
	for idx := 0; idx < s.layout.Capacity; idx++ {
		meta := s.slotMetaAt(idx)
		if meta.ReaderBitset.Load()&(1<<uint(rowIndex)) == 0 {
			continue
		}
		slotID := meta.SlotID.Load()
		clearBitCAS(&meta.ReaderBitset, rowIndex)
		affected++

		if meta.ReaderCount.Add(^uint32(0)) != 0 {
			continue
		}
		switch meta.State.Load() {
		case SlotConsuming:
			meta.State.CompareAndSwap(SlotConsuming, SlotFree)
		case SlotDraining:
			meta.State.CompareAndSwap(SlotDraining, SlotFree)
		}
		switch s.Policy() {
		case SyncReader:
			s.recomputeSyncReaderFrontier()
		case LatestOnly:
			advanceReadIndexAtLeast(s, slotID+1)
		default:
			if slotID == s.hdr.ReadIndex.Load() {
				s.hdr.ReadIndex.Store(slotID + 1)
			}
		}
	}
	return affected
}
