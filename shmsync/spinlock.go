// Package shmsync implements the cross-process exclusive lock the
// segment uses to serialize producer index updates and flex-zone access
// (spec §4.1). It is the only blocking primitive in the data path.
package shmsync

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pylabhub/datahub/procstat"
	"github.com/pylabhub/datahub/shmerr"
)

// backoffCap bounds the exponential backoff spin used by Lock and
// ReclaimIfDead callers; spinners are expected to be brief holders
// (spec §4.1: "Fairness: none").
const backoffCap = 2 * time.Millisecond

// SharedSpinLock is a 16-byte fixed-ABI record: an atomic owner PID
// (0 = free) and a generation counter bumped on every successful
// acquire. It carries no name or variable-length field by design.
type SharedSpinLock struct {
	owner      atomic.Uint64
	generation atomic.Uint64
}

// TryLock attempts a single non-blocking acquire for pid.
func (l *SharedSpinLock) TryLock(pid uint64) bool {
	if pid == 0 {
		panic("shmsync: TryLock called with pid 0")
	}
	if l.owner.CompareAndSwap(0, pid) {
		l.generation.Add(1)
		return true
	}
	return false
}

// Owner returns the current owner PID (0 = free).
func (l *SharedSpinLock) Owner() uint64 { return l.owner.Load() }

// Generation returns the current generation counter.
func (l *SharedSpinLock) Generation() uint64 { return l.generation.Load() }

// ReclaimIfDead reclaims the lock if it is held by a PID the OS reports
// as not alive. It always CAS-guards the reclaim so a concurrent
// handover (the real owner releasing and a third process acquiring) is
// never clobbered by a stale read.
func (l *SharedSpinLock) ReclaimIfDead(isAlive func(uint64) bool) bool {
	owner := l.owner.Load()
	if owner == 0 {
		return false
	}
	if isAlive(owner) {
		return false
	}
	return l.owner.CompareAndSwap(owner, 0)
}

// Lock spins, with exponential backoff up to backoffCap, until it
// acquires the lock for pid or timeout elapses. A negative timeout
// blocks indefinitely (spec §5's "infinite (negative)" sentinel); zero
// means a single non-blocking attempt. Whenever an acquire attempt fails
// because the current owner is dead, Lock reclaims it before retrying.
func (l *SharedSpinLock) Lock(pid uint64, timeout time.Duration, isAlive func(uint64) bool) bool {
	if l.TryLock(pid) {
		return true
	}
	if timeout == 0 {
		return false
	}

	var deadline time.Time
	infinite := timeout < 0
	if !infinite {
		deadline = time.Now().Add(timeout)
	}

	backoff := 50 * time.Microsecond
	for {
		l.ReclaimIfDead(isAlive)
		if l.TryLock(pid) {
			return true
		}
		if !infinite && time.Now().After(deadline) {
			return false
		}
		time.Sleep(backoff)
		if backoff < backoffCap {
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
}

// Unlock releases the lock. Unlocking while not the owner is a logic
// bug: spec §4.1 requires it be reported, not silently accepted. We
// return a typed error instead of panicking because Unlock commonly
// runs from a defer inside a transaction scope, and a panic there would
// skip the rest of that scope's cleanup and could leave the segment in
// an inconsistent state for other processes.
func (l *SharedSpinLock) Unlock(pid uint64) error {
	if !l.owner.CompareAndSwap(pid, 0) {
		return shmerr.New(shmerr.LogicError, "shmsync.Unlock",
			fmt.Errorf("unlock by pid %d but owner is %d", pid, l.owner.Load()))
	}
	return nil
}

// currentProcessIsAlive is a convenience isAlive function bound to
// procstat.IsAlive, used by callers that don't want to import procstat
// directly just to pass its function value around.
func currentProcessIsAlive(pid uint64) bool { return procstat.IsAlive(pid) }

// IsAlive is the default liveness function, re-exported so callers can
// pass shmsync.IsAlive directly to Lock/ReclaimIfDead without importing
// procstat themselves.
var IsAlive = currentProcessIsAlive
