package shmseg

import "github.com/pylabhub/datahub/shmsync"

// selectCandidateSlotID picks the next slot_id this session should try
// to read, per the segment's delivery policy (spec §4.5).
func (cs *ConsumerSession) selectCandidateSlotID() (uint64, bool) {
	seg := cs.seg
	write := seg.hdr.WriteIndex.Load()
	if write == 0 {
		return 0, false
	}

	switch seg.Policy() {
	case LatestOnly:
		return write - 1, true

	case SyncReader:
		pending := seg.hdr.ConsumerLiveness[cs.rowIndex].PendingSlotID.Load()
		if pending >= write {
			return 0, false
		}
		return pending, true

	default: // SingleReader
		read := seg.hdr.ReadIndex.Load()
		if read >= write {
			return 0, false
		}
		return read, true
	}
}

// advanceReadIndexAtLeast CAS-advances read_index up to at, never down.
func advanceReadIndexAtLeast(s *Segment, at uint64) {
	for {
		cur := s.hdr.ReadIndex.Load()
		if cur >= at {
			return
		}
		if s.hdr.ReadIndex.CompareAndSwap(cur, at) {
			return
		}
	}
}

// recomputeSyncReaderFrontier sets read_index to the minimum pending
// slot id among live SyncReader consumers, dropping dead rows so a
// crashed consumer cannot stall the ring forever (spec §4.5: "a dead
// consumer ... is dropped from the minimum computation").
func (s *Segment) recomputeSyncReaderFrontier() {
	var min uint64
	found := false
	for i := 0; i < numConsumers; i++ {
		r := &s.hdr.ConsumerLiveness[i]
		pid := r.PID.Load()
		if pid == 0 || !shmsync.IsAlive(pid) {
			continue
		}
		pending := r.PendingSlotID.Load()
		if !found || pending < min {
			min = pending
			found = true
		}
	}
	if found {
		advanceReadIndexAtLeast(s, min)
	}
}
