package shmseg

import "sync/atomic"

// setBitCAS and clearBitCAS maintain a slot's ReaderBitset: one bit per
// consumer liveness row, used by recovery to find which live readers
// are holding a slot without scanning reader identities stored anywhere
// else (spec §4.6: "explicitly as a bounded bitset for SyncReader" — kept
// for all policies here since it costs nothing and recovery's zombie-
// reader pass benefits regardless of policy).
func setBitCAS(v *atomic.Uint64, bit int) {
	mask := uint64(1) << uint(bit)
	for {
		old := v.Load()
		if old&mask != 0 {
			return
		}
		if v.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func clearBitCAS(v *atomic.Uint64, bit int) {
	mask := uint64(1) << uint(bit)
	for {
		old := v.Load()
		if old&mask == 0 {
			return
		}
		if v.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}
