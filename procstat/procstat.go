// Package procstat supplies the OS capabilities spec §6 requires of the
// core: liveness checks, a monotonic clock and the current PID. Every
// zombie-detection path in recovery and shmsync goes through here so the
// platform-specific syscalls live in exactly one place.
package procstat

import (
	"os"
	"time"
)

func nowNS() int64 { return time.Now().UnixNano() }

// DeadPID is the sentinel PID that always reports dead, for tests
// (spec §4.6: "a sentinel PID (e.g. INT_MAX) is reserved to mean
// 'definitely dead' for tests").
const DeadPID uint64 = 1<<31 - 1

// CurrentPID returns the calling process's PID as the uint64 this
// package uses everywhere liveness records are stored (spec §3 stores
// PIDs as fixed-width fields in shared memory; uint64 gives headroom on
// every platform this core targets).
func CurrentPID() uint64 {
	return uint64(os.Getpid())
}

// MonotonicNowNS returns time.Now().UnixNano() as a uint64. UnixNano is
// the wall clock: the monotonic reading Go attaches to a time.Time is not
// part of it. The value is therefore comparable across processes on one
// host, but it is not monotonic and moves if the system clock is stepped.
func MonotonicNowNS() uint64 {
	return uint64(nowNS())
}
