package shmseg

import "sync/atomic"

// WriteHandle names a slot acquired by the producer. It is meant to be
// used exactly once: fill the payload via Payload(), then Commit() or
// Abort(). A WriteHandle that is never explicitly closed and then
// dropped leaves the slot WRITING; recovery (spec §4.6) is what reclaims
// that case when the owning process is actually gone, not the handle's
// own lifetime — Go has no destructors, so unlike the C++ source this
// handle cannot auto-abort on scope exit. hubtx.WithProducerTransaction
// is the supported way to get that guarantee.
type WriteHandle struct {
	seg      *Segment
	idx      int
	slotID   uint64
	released atomic.Bool
}

// SlotID returns the global sequence number this handle was acquired for.
func (h *WriteHandle) SlotID() uint64 { return h.slotID }

// Payload returns the slot's raw data region for the producer to fill.
func (h *WriteHandle) Payload() []byte { return h.seg.slotPayload(h.idx) }

// Commit publishes the slot as COMMITTED. Re-committing an
// already-released handle is a no-op returning nil (spec §4.4:
// "Idempotent: re-commit on an already-committed handle is a no-op").
func (h *WriteHandle) Commit() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.seg.commitWriteSlot(h.idx, h.slotID)
}

// Abort reverts the slot to FREE without publishing. A no-op if the
// handle was already committed or aborted.
func (h *WriteHandle) Abort() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.seg.abortWriteSlot(h.idx, h.slotID)
}

// ReadHandle names a slot acquired by a consumer. Release() must be
// called exactly once; a double-release is a no-op. It is bound to the
// ConsumerSession that acquired it rather than directly to a Segment, so
// release can clear that session's row bit in the slot's reader bitset
// as well as update the shared slot state.
type ReadHandle struct {
	session  *ConsumerSession
	idx      int
	slotID   uint64
	released atomic.Bool
}

// SlotID returns the slot's global sequence number.
func (h *ReadHandle) SlotID() uint64 { return h.slotID }

// Payload returns the slot's raw data region for the consumer to read.
// Valid only until Release is called.
func (h *ReadHandle) Payload() []byte { return h.session.seg.slotPayload(h.idx) }

// Release decrements the slot's reader count and, if this was the last
// reader, frees the slot per spec §4.4.
func (h *ReadHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.session.releaseSlot(h.idx, h.slotID)
}
