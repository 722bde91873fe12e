//go:build linux
// +build linux

// Package eventloop is a single-threaded readiness multiplexer built on
// epoll. It watches file descriptors, one-shot timers, signals and idle
// callbacks, and runs their handlers on the goroutine calling Dispatch.
//
// A Loop and its sources are not safe for concurrent use; only Close may
// not race with Dispatch either.
package eventloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrClosed  = errors.New("eventloop: loop closed")
	ErrRemoved = errors.New("eventloop: source removed")
	ErrKind    = errors.New("eventloop: wrong source kind")
)

// Mask is a set of readiness conditions.
type Mask uint32

const (
	Readable Mask = 1 << iota
	Writable
	Hangup
	Error
)

type (
	// FDHandler runs when the watched descriptor is ready. The mask is
	// empty when the source is dispatched because of Check.
	FDHandler     func(fd int, mask Mask) error
	TimerHandler  func() error
	SignalHandler func(sig os.Signal) error
	IdleHandler   func()
)

type kind int

const (
	kindFD kind = iota
	kindTimer
	kindSignal
	kindIdle
)

// Source is one registered event source.
type Source struct {
	loop    *Loop
	kind    kind
	key     int32
	fd      int
	ownFD   bool
	removed bool
	checked bool

	onFD     FDHandler
	onTimer  TimerHandler
	onSignal SignalHandler
	onIdle   IdleHandler

	sig  os.Signal
	stop chan struct{}
	done chan struct{}
}

// Fd returns the watched descriptor, or -1 for idle sources.
func (s *Source) Fd() int {
	return s.fd
}

// Remove is shorthand for Loop.Remove.
func (s *Source) Remove() error {
	return s.loop.Remove(s)
}

// Loop is an epoll based event loop.
type Loop struct {
	epfd    int
	sources map[int32]*Source
	nextKey int32
	idle    []*Source
	check   []*Source
	// closing holds descriptors of removed sources; they are closed once
	// the current pass has finished.
	closing []int
	events  []unix.EpollEvent
}

// New creates an event loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:    epfd,
		sources: make(map[int32]*Source),
		events:  make([]unix.EpollEvent, 32),
	}, nil
}

// Fd returns the epoll descriptor, which becomes readable whenever a
// source is ready. It lets a loop be nested in another one.
func (l *Loop) Fd() int {
	return l.epfd
}

func toEpoll(m Mask) uint32 {
	var ev uint32
	if m&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) Mask {
	var m Mask
	if ev&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if ev&unix.EPOLLHUP != 0 {
		m |= Hangup
	}
	if ev&unix.EPOLLERR != 0 {
		m |= Error
	}
	return m
}

func (l *Loop) add(s *Source, mask Mask) (*Source, error) {
	if l.epfd < 0 {
		return nil, ErrClosed
	}
	l.nextKey++
	s.loop = l
	s.key = l.nextKey
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: s.key}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, s.fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", s.fd, err)
	}
	l.sources[s.key] = s
	return s, nil
}

// AddFD watches fd for the conditions in mask. Hangup and Error are always
// reported. The loop does not take ownership of fd.
func (l *Loop) AddFD(fd int, mask Mask, h FDHandler) (*Source, error) {
	return l.add(&Source{kind: kindFD, fd: fd, onFD: h}, mask)
}

// UpdateFD changes the conditions watched for an fd source.
func (l *Loop) UpdateFD(s *Source, mask Mask) error {
	if s.removed {
		return ErrRemoved
	}
	if s.kind != kindFD {
		return ErrKind
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: s.key}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, s.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", s.fd, err)
	}
	return nil
}

// AddTimer creates a disarmed one-shot timer. Arm it with UpdateTimer.
func (l *Loop) AddTimer(h TimerHandler) (*Source, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	s, err := l.add(&Source{kind: kindTimer, fd: fd, ownFD: true, onTimer: h}, Readable)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// UpdateTimer arms the timer to fire once after ms milliseconds. Zero
// disarms it. The handler re-arms by calling UpdateTimer again.
func (l *Loop) UpdateTimer(s *Source, ms int) error {
	if s.removed {
		return ErrRemoved
	}
	if s.kind != kindTimer {
		return ErrKind
	}
	if ms < 0 {
		return fmt.Errorf("eventloop: negative timeout %d", ms)
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec((time.Duration(ms) * time.Millisecond).Nanoseconds()),
	}
	if err := unix.TimerfdSettime(s.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

// AddSignal runs h on the loop goroutine whenever sig is delivered to the
// process. Deliveries that arrive between two passes are coalesced.
func (l *Loop) AddSignal(sig os.Signal, h SignalHandler) (*Source, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	s, err := l.add(&Source{kind: kindSignal, fd: fd, ownFD: true, onSignal: h, sig: sig}, Readable)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	ch := make(chan os.Signal, 1)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	signal.Notify(ch, sig)
	go func() {
		defer close(s.done)
		one := binary.NativeEndian.AppendUint64(nil, 1)
		for {
			select {
			case <-ch:
				_, _ = unix.Write(fd, one)
			case <-s.stop:
				signal.Stop(ch)
				return
			}
		}
	}()
	return s, nil
}

// AddIdle runs h once on the next dispatch, before the loop blocks.
func (l *Loop) AddIdle(h IdleHandler) (*Source, error) {
	if l.epfd < 0 {
		return nil, ErrClosed
	}
	s := &Source{loop: l, kind: kindIdle, fd: -1, onIdle: h}
	l.idle = append(l.idle, s)
	return s, nil
}

// Remove unregisters s. Its handler is never invoked after Remove returns,
// even if s is already in the batch being dispatched. Removing twice is a
// no-op.
func (l *Loop) Remove(s *Source) error {
	if s == nil || s.removed {
		return nil
	}
	s.removed = true
	if s.kind == kindIdle {
		return nil
	}
	delete(l.sources, s.key)

	var err error
	if l.epfd >= 0 {
		if e := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil); e != nil && !errors.Is(e, unix.EBADF) {
			err = fmt.Errorf("epoll_ctl del fd %d: %w", s.fd, e)
		}
	}
	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	if s.ownFD {
		l.closing = append(l.closing, s.fd)
	}
	return err
}

// Check makes s dispatch once more, with an empty mask, after the current
// pass. A handler that wants another pass calls Check again.
func (l *Loop) Check(s *Source) {
	if s.removed || s.checked || s.kind == kindIdle {
		return
	}
	s.checked = true
	l.check = append(l.check, s)
}

// DispatchIdle runs pending idle callbacks, including ones added by idle
// callbacks themselves.
func (l *Loop) DispatchIdle() {
	for len(l.idle) > 0 {
		s := l.idle[0]
		l.idle = l.idle[1:]
		if s.removed {
			continue
		}
		s.removed = true
		s.onIdle()
	}
	l.idle = nil
}

// Dispatch runs idle callbacks, waits up to timeoutMs milliseconds for
// sources to become ready (-1 waits forever, 0 polls) and runs their
// handlers. It returns the number of ready sources and the handler errors
// joined together.
func (l *Loop) Dispatch(timeoutMs int) (int, error) {
	if l.epfd < 0 {
		return 0, ErrClosed
	}
	l.DispatchIdle()

	n, err := unix.EpollWait(l.epfd, l.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	// Copy the batch first; handlers may add sources, which does not touch
	// l.events, but nested Dispatch calls would.
	batch := make([]unix.EpollEvent, n)
	copy(batch, l.events[:n])

	var errs []error
	for _, ev := range batch {
		s, ok := l.sources[ev.Fd]
		if !ok || s.removed {
			continue
		}
		if err := l.fire(s, fromEpoll(ev.Events)); err != nil {
			errs = append(errs, err)
		}
	}

	for len(l.check) > 0 {
		pending := l.check
		l.check = nil
		for _, s := range pending {
			s.checked = false
			if s.removed {
				continue
			}
			if err := l.fire(s, 0); err != nil {
				errs = append(errs, err)
			}
		}
	}

	l.closeRemoved()
	return n, errors.Join(errs...)
}

func (l *Loop) fire(s *Source, mask Mask) error {
	switch s.kind {
	case kindFD:
		return s.onFD(s.fd, mask)
	case kindTimer:
		if mask != 0 {
			drain(s.fd)
		}
		return s.onTimer()
	case kindSignal:
		if mask != 0 {
			drain(s.fd)
		}
		return s.onSignal(s.sig)
	}
	return nil
}

// drain consumes the 8-byte counter of a timerfd or eventfd.
func drain(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func (l *Loop) closeRemoved() {
	for _, fd := range l.closing {
		_ = unix.Close(fd)
	}
	l.closing = nil
}

// Close removes every source and releases the epoll descriptor.
func (l *Loop) Close() error {
	if l.epfd < 0 {
		return nil
	}
	for _, s := range l.sources {
		_ = l.Remove(s)
	}
	for _, s := range l.idle {
		s.removed = true
	}
	l.idle = nil
	l.check = nil
	l.closeRemoved()

	err := unix.Close(l.epfd)
	l.epfd = -1
	return err
}
