package shmseg

import (
	"fmt"
	"time"

	"github.com/pylabhub/datahub/procstat"
	"github.com/pylabhub/datahub/shmerr"
	"github.com/pylabhub/datahub/shmsync"
)

// AcquireWriteSlot implements the producer side of the slot protocol: it
// takes the header write-lock, enforces the ring-full barrier (skipped
// for LatestOnly), selects a slot, and returns a WriteHandle naming it.
// Only the process holding the producer role may call this.
func (s *Segment) AcquireWriteSlot(timeout time.Duration) (*WriteHandle, error) {
	const op = "shmseg.AcquireWriteSlot"
	deadline := acquireDeadline(timeout)

	for {
		if !s.hdr.WriteLock.Lock(s.ownPID, timeRemaining(deadline, timeout), shmsync.IsAlive) {
			s.metrics.TimeoutsWriteLock.Add(1)
			return nil, shmerr.New(shmerr.Timeout, op, nil)
		}

		next := s.hdr.WriteIndex.Load()
		read := s.hdr.ReadIndex.Load()
		capacity := uint64(s.layout.Capacity)
		full := next-read >= capacity
		policy := s.Policy()

		if full && policy != LatestOnly {
			s.hdr.WriteLock.Unlock(s.ownPID)
			if deadlineExpired(deadline, timeout) {
				s.metrics.TimeoutsRingFull.Add(1)
				return nil, shmerr.New(shmerr.RingFull, op, nil)
			}
			time.Sleep(backoffStep)
			continue
		}

		idx := int(next % capacity)
		meta := s.slotMetaAt(idx)

		switch state := meta.State.Load(); state {
		case SlotFree:
			s.claimSlotLocked(meta, next)
			s.hdr.WriteLock.Unlock(s.ownPID)
			return &WriteHandle{seg: s, idx: idx, slotID: next}, nil

		case SlotCommitted:
			if policy != LatestOnly {
				s.hdr.WriteLock.Unlock(s.ownPID)
				return nil, shmerr.New(shmerr.LogicError, op,
					fmt.Errorf("slot %d is COMMITTED but the ring is not full", idx))
			}
			s.claimSlotLocked(meta, next)
			s.hdr.WriteLock.Unlock(s.ownPID)
			return &WriteHandle{seg: s, idx: idx, slotID: next}, nil

		case SlotConsuming:
			if policy != LatestOnly {
				s.hdr.WriteLock.Unlock(s.ownPID)
				return nil, shmerr.New(shmerr.LogicError, op,
					fmt.Errorf("slot %d is CONSUMING but the ring-full barrier should have prevented reaching it", idx))
			}
			meta.DrainDeadlineNS.Store(procstat.MonotonicNowNS() + uint64(s.drainTimeout))
			meta.State.Store(SlotDraining)
			s.hdr.WriteLock.Unlock(s.ownPID)

			s.waitOutDrain(meta)
			if deadlineExpired(deadline, timeout) {
				s.metrics.TimeoutsRingFull.Add(1)
				return nil, shmerr.New(shmerr.Timeout, op, nil)
			}
			continue

		default:
			s.hdr.WriteLock.Unlock(s.ownPID)
			return nil, shmerr.New(shmerr.LogicError, op,
				fmt.Errorf("slot %d is in unexpected state %s for an acquire", idx, stateName(state)))
		}
	}
}

// claimSlotLocked marks idx WRITING for sequence next and advances
// write_index. Caller must hold the write-lock.
func (s *Segment) claimSlotLocked(meta *slotMeta, next uint64) {
	meta.SlotID.Store(next)
	meta.ReaderCount.Store(0)
	meta.OwnerPID.Store(s.ownPID)
	meta.ReaderBitset.Store(0)
	meta.State.Store(SlotWriting)
	s.hdr.WriteIndex.Store(next + 1)
}

// waitOutDrain polls a DRAINING slot until the last reader frees it or
// its per-slot drain deadline passes, in which case it is restored to
// COMMITTED and the wrap attempt is abandoned (spec §4.4/§4.5: "the
// writer retries with a new slot id" — on the next AcquireWriteSlot
// pass, write_index is unchanged, so the same idx is recomputed; it is
// now COMMITTED-and-safe-to-wrap unless another reader grabbed it first).
func (s *Segment) waitOutDrain(meta *slotMeta) {
	for {
		if meta.State.Load() != SlotDraining {
			return
		}
		if procstat.MonotonicNowNS() >= meta.DrainDeadlineNS.Load() {
			meta.State.CompareAndSwap(SlotDraining, SlotCommitted)
			return
		}
		time.Sleep(backoffStep)
	}
}

// commitWriteSlot publishes idx as COMMITTED, writing the payload
// checksum first so any consumer observing COMMITTED also sees a valid
// checksum for the bytes it is about to read (spec §4.4).
func (s *Segment) commitWriteSlot(idx int, slotID uint64) error {
	const op = "shmseg.WriteHandle.Commit"
	meta := s.slotMetaAt(idx)
	if meta.SlotID.Load() != slotID || meta.State.Load() != SlotWriting {
		return shmerr.New(shmerr.LogicError, op,
			fmt.Errorf("slot %d no longer belongs to write sequence %d", idx, slotID))
	}
	meta.Checksum.Store(checksumBytes(s.slotPayload(idx)))
	meta.State.Store(SlotCommitted)
	s.metrics.WritesTotal.Add(1)
	return nil
}

// abortWriteSlot reverts idx to FREE without publishing. write_index is
// left untouched: it already advanced in AcquireWriteSlot's step 4, so
// the aborted sequence number is simply never produced. Only recovery's
// zombie-writer pass rolls write_index itself back, and only for a
// genuinely crashed (not explicitly aborted) producer.
func (s *Segment) abortWriteSlot(idx int, slotID uint64) error {
	const op = "shmseg.WriteHandle.Abort"
	meta := s.slotMetaAt(idx)
	if meta.SlotID.Load() != slotID {
		return shmerr.New(shmerr.LogicError, op,
			fmt.Errorf("slot %d no longer belongs to write sequence %d", idx, slotID))
	}
	meta.OwnerPID.Store(0)
	meta.State.CompareAndSwap(SlotWriting, SlotFree)
	return nil
}
