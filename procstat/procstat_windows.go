//go:build windows

package procstat

import (
	"golang.org/x/sys/windows"
)

// IsAlive reports whether pid is a live process on Windows, per spec §6's
// "OpenProcess + GetExitCodeProcess". This mirrors the POSIX semantics as
// closely as Windows allows; see SPEC_FULL.md §6.1 for the limits of the
// Windows backend in this pass.
func IsAlive(pid uint64) bool {
	if pid == 0 || pid == DeadPID {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(h, &exitCode); err != nil {
		return false
	}
	return exitCode == 259 // STILL_ACTIVE
}
