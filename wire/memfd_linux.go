//go:build linux
// +build linux

package wire

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateAnonymousFile creates a sealed, size-fixed anonymous file suitable
// for passing to a peer as an fd argument.
func CreateAnonymousFile(size int64) (int, error) {
	// Try memfd_create first (Linux 3.17+)
	fd, err := unix.MemfdCreate("wlproto-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err == nil {
		if err := unix.Ftruncate(fd, size); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("ftruncate: %w", err)
		}
		// Prevent resizing
		_, err = unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
			unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL)
		if err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("seal: %w", err)
		}
		return fd, nil
	}

	// Fallback to O_TMPFILE in the runtime dir
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	fd, err = unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, fmt.Errorf("create anonymous file: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate: %w", err)
	}
	return fd, nil
}
