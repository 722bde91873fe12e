//go:build linux
// +build linux

package wire

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// maxFDsIn bounds the control buffer used for one recvmsg.
const maxFDsIn = 28

// Transport is a byte stream with an out-of-band descriptor channel. Recv
// and Send never block; they return ErrWouldBlock instead.
type Transport interface {
	Recv(buf []byte) (n int, fds []int, err error)
	Send(buf []byte, fds []int) (int, error)
	Fd() int
	Close() error
}

// Socket is a non-blocking AF_UNIX stream socket.
type Socket struct {
	fd int
}

// NewSocket takes ownership of a connected AF_UNIX stream socket and
// switches it to non-blocking mode.
func NewSocket(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Socket{fd: fd}, nil
}

// DialUnix connects to the socket at path.
func DialUnix(path string) (*Socket, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer func() { _ = conn.Close() }()

	// File returns a dup of the socket that we own outright.
	file, err := conn.(*net.UnixConn).File()
	if err != nil {
		return nil, fmt.Errorf("failed to get socket fd: %w", err)
	}
	fd, err := unix.Dup(int(file.Fd()))
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("dup socket fd: %w", err)
	}
	unix.CloseOnExec(fd)
	return NewSocket(fd)
}

// SocketPair returns two connected sockets.
func SocketPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a, err := NewSocket(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewSocket(fds[1])
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// Fd returns the socket descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// Recv reads available bytes and any descriptors that came with them. It
// returns io.EOF when the peer has closed the connection.
func (s *Socket) Recv(buf []byte) (int, []int, error) {
	oob := make([]byte, unix.CmsgSpace(maxFDsIn*4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil, ErrWouldBlock
		case err != nil:
			return 0, nil, fmt.Errorf("recvmsg: %w", err)
		}

		fds, perr := parseRights(oob[:oobn])
		if perr != nil {
			return n, fds, perr
		}
		if n == 0 && len(fds) == 0 {
			return 0, nil, io.EOF
		}
		return n, fds, nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range scms {
		if scms[i].Header.Level != unix.SOL_SOCKET || scms[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return fds, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// Send writes as much of buf as the socket accepts, attaching fds to the
// first byte. When nothing could be written ErrWouldBlock is returned and
// the descriptors were not sent.
func (s *Socket) Send(buf []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for {
		n, err := unix.SendmsgN(s.fd, buf, oob, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("sendmsg: %w", err)
		}
		return n, nil
	}
}

// Close closes the socket. Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
