package shmseg

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pylabhub/datahub/shmerr"
)

// ConsumerSession is a named consumer's attachment to a segment: the
// liveness-row claim plus whatever per-consumer frontier state the
// segment's policy requires. AttachConsumer claims a row; Detach
// releases it. A ReadHandle is bound to the session that acquired it
// rather than to the Segment directly, since release must clear this
// session's row bit in the slot's reader bitset as well as update shared
// slot state.
type ConsumerSession struct {
	seg      *Segment
	rowIndex int
	detached atomic.Bool
}

// AttachConsumer claims a free consumer liveness row for uid/name.
func AttachConsumer(seg *Segment, uid, name string) (*ConsumerSession, error) {
	row, err := seg.claimConsumerRow(uid, name)
	if err != nil {
		return nil, err
	}
	return &ConsumerSession{seg: seg, rowIndex: row}, nil
}

// RowIndex is this session's row in the consumer liveness table.
func (cs *ConsumerSession) RowIndex() int { return cs.rowIndex }

// Segment returns the segment this session is attached to.
func (cs *ConsumerSession) Segment() *Segment { return cs.seg }

// Heartbeat refreshes this consumer's liveness timestamp.
func (cs *ConsumerSession) Heartbeat() { cs.seg.heartbeatConsumerRow(cs.rowIndex) }

// Detach releases the liveness row. Idempotent.
func (cs *ConsumerSession) Detach() error {
	if !cs.detached.CompareAndSwap(false, true) {
		return nil
	}
	cs.seg.releaseConsumerRow(cs.rowIndex, cs.seg.ownPID)
	return nil
}

// AcquireConsumeSlot selects a candidate slot_id by policy and, if it is
// readable, increments its reader count and returns a handle (spec
// §4.4's "Consumer acquire"). DRAINING or WRITING on the candidate slot
// is reported as NotReady immediately rather than retried internally —
// the caller decides whether to retry.
func (cs *ConsumerSession) AcquireConsumeSlot(timeout time.Duration) (*ReadHandle, error) {
	const op = "shmseg.AcquireConsumeSlot"
	seg := cs.seg
	deadline := acquireDeadline(timeout)

	for {
		slotID, ok := cs.selectCandidateSlotID()
		if !ok {
			if deadlineExpired(deadline, timeout) {
				return nil, shmerr.New(shmerr.Timeout, op, nil)
			}
			time.Sleep(backoffStep)
			continue
		}

		idx := int(slotID % uint64(seg.layout.Capacity))
		meta := seg.slotMetaAt(idx)

		state := meta.State.Load()
		if state != SlotCommitted && state != SlotConsuming {
			return nil, shmerr.New(shmerr.NotReady, op, fmt.Errorf("slot %d is %s", idx, stateName(state)))
		}
		if meta.SlotID.Load() != slotID {
			return nil, shmerr.New(shmerr.NotReady, op, fmt.Errorf("slot %d has moved on from sequence %d", idx, slotID))
		}

		meta.ReaderCount.Add(1)
		meta.State.CompareAndSwap(SlotCommitted, SlotConsuming)
		setBitCAS(&meta.ReaderBitset, cs.rowIndex)
		if seg.Policy() == SyncReader {
			seg.hdr.ConsumerLiveness[cs.rowIndex].PendingSlotID.Store(slotID + 1)
		}
		return &ReadHandle{session: cs, idx: idx, slotID: slotID}, nil
	}
}

// releaseSlot implements spec §4.4's "Consumer release": decrement
// reader_count, and on the last release transition the slot and
// possibly advance read_index, validating the payload checksum first
// when the segment enforces it.
func (cs *ConsumerSession) releaseSlot(idx int, slotID uint64) error {
	const op = "shmseg.ReadHandle.Release"
	seg := cs.seg
	meta := seg.slotMetaAt(idx)

	var checksumErr error
	if seg.checksumPolicy == ChecksumEnforced {
		want := meta.Checksum.Load()
		got := checksumBytes(seg.slotPayload(idx))
		if want != got {
			checksumErr = shmerr.New(shmerr.ChecksumError, op,
				fmt.Errorf("slot %d: stored checksum %x, computed %x", idx, want, got))
		}
	}

	clearBitCAS(&meta.ReaderBitset, cs.rowIndex)

	if meta.ReaderCount.Add(^uint32(0)) == 0 {
		switch meta.State.Load() {
		case SlotConsuming:
			meta.State.CompareAndSwap(SlotConsuming, SlotFree)
		case SlotDraining:
			meta.State.CompareAndSwap(SlotDraining, SlotFree)
		}

		switch seg.Policy() {
		case SyncReader:
			seg.recomputeSyncReaderFrontier()
		case LatestOnly:
			advanceReadIndexAtLeast(seg, slotID+1)
		default: // SingleReader: only the frontier slot advances read_index
			if slotID == seg.hdr.ReadIndex.Load() {
				seg.hdr.ReadIndex.Store(slotID + 1)
			}
		}
	}

	return checksumErr
}
