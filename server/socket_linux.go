//go:build linux
// +build linux

package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto/eventloop"
	"github.com/bnema/wlproto/internal/logger"
)

// maxAutoSockets bounds the wayland-N names tried by AddSocket("").
const maxAutoSockets = 32

// accept4 is replaced in tests.
var accept4 = unix.Accept4

type socket struct {
	display *Display
	fd      int
	path    string
	lockFD  int
	lock    string
	source  *eventloop.Source
}

// AddSocket listens on a socket named name in XDG_RUNTIME_DIR, or at name
// itself when it is absolute. An empty name picks the first free
// wayland-N. The socket is guarded by a name.lock file so two servers
// never share a name. It returns the name used.
func (d *Display) AddSocket(name string) (string, error) {
	if d.destroyed {
		return "", ErrDestroyed
	}
	if name != "" {
		path, err := runtimePath(name)
		if err != nil {
			return "", err
		}
		if err := d.listen(path); err != nil {
			return "", err
		}
		return name, nil
	}

	for i := 0; i < maxAutoSockets; i++ {
		name = "wayland-" + strconv.Itoa(i)
		path, err := runtimePath(name)
		if err != nil {
			return "", err
		}
		err = d.listen(path)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, ErrSocketInUse) {
			return "", err
		}
	}
	return "", ErrNoFreeName
}

func runtimePath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", ErrNoRuntime
	}
	return filepath.Join(dir, name), nil
}

func (d *Display) listen(path string) error {
	if len(path) >= len(unix.RawSockaddrUnix{}.Path) {
		return fmt.Errorf("server: socket path too long: %s", path)
	}
	s := &socket{display: d, fd: -1, lockFD: -1, path: path, lock: path + ".lock"}

	lockFD, err := unix.Open(s.lock, unix.O_CREAT|unix.O_CLOEXEC|unix.O_RDWR, 0o660)
	if err != nil {
		return fmt.Errorf("open lock %s: %w", s.lock, err)
	}
	if err := unix.Flock(lockFD, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(lockFD)
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	s.lockFD = lockFD

	// Holding the lock means any socket file left behind is stale.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.close()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		s.close()
		return fmt.Errorf("socket: %w", err)
	}
	s.fd = fd
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		s.close()
		return fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		s.close()
		return fmt.Errorf("listen %s: %w", path, err)
	}

	s.source, err = d.loop.AddFD(fd, eventloop.Readable, s.accept)
	if err != nil {
		s.close()
		return err
	}
	d.sockets = append(d.sockets, s)
	logger.Info("listening", "socket", path)
	return nil
}

// AddSocketFD listens on an already bound and listening socket, taking
// ownership of it.
func (d *Display) AddSocketFD(fd int) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	s := &socket{display: d, fd: fd, lockFD: -1}
	var err error
	s.source, err = d.loop.AddFD(fd, eventloop.Readable, s.accept)
	if err != nil {
		return err
	}
	d.sockets = append(d.sockets, s)
	return nil
}

func (s *socket) accept(fd int, _ eventloop.Mask) error {
	for {
		conn, _, err := accept4(fd, unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		d := s.display
		if d.maxClients > 0 && len(d.clients) >= d.maxClients {
			logger.Warn("rejecting client", "err", ErrTooMany, "max", d.maxClients)
			_ = unix.Close(conn)
			continue
		}
		if _, err := d.CreateClient(conn); err != nil {
			logger.Error("create client", "err", err)
		}
	}
}

func (s *socket) close() {
	if s.source != nil {
		_ = s.source.Remove()
	}
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		if s.path != "" {
			_ = os.Remove(s.path)
		}
	}
	if s.lockFD >= 0 {
		_ = os.Remove(s.lock)
		_ = unix.Close(s.lockFD)
	}
}
