//go:build linux || darwin

package shmseg

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// shmPath mirrors what shm_open(3) does under the hood on Linux: the
// kernel's POSIX shared-memory filesystem is mounted at /dev/shm, and
// shm_open("/name", ...) is equivalent to opening /dev/shm/name
// directly (spec §6: "/<name> passed to shm_open").
func shmPath(name string) string { return "/dev/shm/" + name }

type unixMapping struct {
	data []byte
	file *os.File
}

func (m *unixMapping) Bytes() []byte { return m.data }

func (m *unixMapping) Close() error {
	err := unix.Munmap(m.data)
	cerr := m.file.Close()
	if err != nil {
		return err
	}
	return cerr
}

func openBacking(name string, size int64, mode OpenMode) (mapping, error) {
	path := shmPath(name)

	var f *os.File
	var err error
	switch mode {
	case ModeCreate:
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	case ModeWriteAttach, ModeReadAttach:
		// A read attacher is still a consumer: it claims a liveness row
		// and updates slot reader counts, so it needs a writable mapping.
		f, err = os.OpenFile(path, os.O_RDWR, 0644)
	default:
		return nil, fmt.Errorf("shmseg: unknown open mode %d", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if mode == ModeCreate {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		size = info.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &unixMapping{data: data, file: f}, nil
}

func unlinkBacking(name string) error {
	return os.Remove(shmPath(name))
}
