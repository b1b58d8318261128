//go:build linux || darwin

package procstat

import (
	"golang.org/x/sys/unix"
)

// IsAlive reports whether pid is a live process, per spec §6's
// "signal 0 on POSIX". unix.Kill(pid, 0) performs no actual signal
// delivery; the kernel only validates that the target exists and is
// signalable. ESRCH means the PID is gone. EPERM means the PID exists
// but belongs to another user — alive, just not ours to probe further.
func IsAlive(pid uint64) bool {
	if pid == 0 || pid == DeadPID {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	if err == unix.EPERM {
		return true
	}
	return false
}
