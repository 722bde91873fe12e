package main

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/server"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

// shmFormats are the formats the test server accepts.
var shmFormats = []uint32{wl.ShmFormatARGB8888, wl.ShmFormatXRGB8888}

func bindShm(c *server.Client, res *objtable.Object) error {
	res.SetHandler(wl.ShmCreatePool, func(_ *objtable.Object, args objtable.Args) error {
		return createPool(c, args.Object(0), args.FD(1), args.Int(2))
	})
	if res.Version() >= 2 {
		res.SetHandler(wl.ShmRelease, destroyResource(c))
	}
	for _, format := range shmFormats {
		if err := c.PostEvent(res, wl.ShmFormat, format); err != nil {
			return err
		}
	}
	return nil
}

// createPool checks the pool descriptor against the announced size. The
// server never maps it; the descriptor is closed once checked.
func createPool(c *server.Client, pool *objtable.Object, fd int, size int32) error {
	defer unix.Close(fd)
	if size <= 0 {
		return &server.RequestError{Code: wl.ShmErrorInvalidStride, Message: fmt.Sprintf("invalid size (%d)", size), Fatal: true}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return &server.RequestError{Code: wl.ShmErrorInvalidFD, Message: "failed mmap fd " + err.Error(), Fatal: true}
	}
	if st.Size < int64(size) {
		return &server.RequestError{Code: wl.ShmErrorInvalidFD, Message: fmt.Sprintf("file is %d bytes, pool needs %d", st.Size, size), Fatal: true}
	}

	pool.SetHandler(wl.ShmPoolCreateBuffer, func(_ *objtable.Object, args objtable.Args) error {
		return createBuffer(c, args, size)
	})
	pool.SetHandler(wl.ShmPoolDestroy, destroyResource(c))
	pool.SetHandler(wl.ShmPoolResize, func(_ *objtable.Object, args objtable.Args) error {
		grown := args.Int(0)
		if grown < size {
			return &server.RequestError{Code: wl.ShmErrorInvalidStride, Message: "shrinking pool invalid", Fatal: true}
		}
		size = grown
		return nil
	})
	return nil
}

func createBuffer(c *server.Client, args objtable.Args, poolSize int32) error {
	buffer := args.Object(0)
	offset, width, height, stride := args.Int(1), args.Int(2), args.Int(3), args.Int(4)
	format := args.Uint(5)

	if !slices.Contains(shmFormats, format) {
		return &server.RequestError{Code: wl.ShmErrorInvalidFormat, Message: fmt.Sprintf("invalid format 0x%x", format), Fatal: true}
	}
	if offset < 0 || width <= 0 || height <= 0 || stride < width ||
		math.MaxInt32/stride <= height || offset > poolSize-stride*height {
		return &server.RequestError{Code: wl.ShmErrorInvalidStride,
			Message: fmt.Sprintf("invalid width, height or stride (%dx%d, %d)", width, height, stride), Fatal: true}
	}
	buffer.SetHandler(wl.BufferDestroy, destroyResource(c))
	return nil
}

// shmReport is the outcome of checkShm.
type shmReport struct {
	PoolSize int32
	Formats  []uint32
}

// checkShm binds wl_shm on a private queue, shares a memfd-backed pool
// with the compositor and creates one buffer in it. A compositor that
// rejects the pool answers with a fatal protocol error.
func checkShm(display *wlproto.Display, registry *wlproto.Registry) (*shmReport, error) {
	g, ok := registry.FindGlobal("wl_shm")
	if !ok {
		return nil, errors.New("compositor has no wl_shm")
	}
	shm, err := registry.BindGlobal(g, 1)
	if err != nil {
		return nil, err
	}
	q := display.CreateQueue()
	defer q.Destroy()
	display.SetQueue(shm, q)

	report := &shmReport{PoolSize: 64 * 64 * 4}
	shm.SetHandler(wl.ShmFormat, func(_ *objtable.Object, args objtable.Args) error {
		report.Formats = append(report.Formats, args.Uint(0))
		return nil
	})

	fd, err := wire.CreateAnonymousFile(int64(report.PoolSize))
	if err != nil {
		return nil, fmt.Errorf("create pool file: %w", err)
	}
	defer unix.Close(fd)

	conn := display.Conn()
	pool, err := conn.Create(shm, wl.ShmCreatePool, wl.ShmPool, 1, fd, report.PoolSize)
	if err != nil {
		return nil, err
	}
	buffer, err := conn.Create(pool, wl.ShmPoolCreateBuffer, wl.Buffer, 1,
		int32(0), int32(64), int32(64), int32(64*4), uint32(wl.ShmFormatARGB8888))
	if err != nil {
		return nil, err
	}
	if err := conn.Marshal(buffer, wl.BufferDestroy); err != nil {
		return nil, err
	}
	if err := conn.Destroy(buffer); err != nil {
		return nil, err
	}
	if err := conn.Marshal(pool, wl.ShmPoolDestroy); err != nil {
		return nil, err
	}
	if err := conn.Destroy(pool); err != nil {
		return nil, err
	}

	if err := display.RoundtripQueue(q); err != nil {
		return nil, fmt.Errorf("shm check: %w", err)
	}
	return report, nil
}

func formatName(format uint32) string {
	switch format {
	case wl.ShmFormatARGB8888:
		return "ARGB8888"
	case wl.ShmFormatXRGB8888:
		return "XRGB8888"
	}
	// Other formats are DRM fourcc codes.
	b := []byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)}
	return strings.TrimRight(string(b), " ")
}

func renderShm(r *shmReport) string {
	names := make([]string, 0, len(r.Formats))
	for _, f := range r.Formats {
		names = append(names, formatName(f))
	}
	return fmt.Sprintf("wl_shm: %d byte pool OK, formats: %s", r.PoolSize, strings.Join(names, ", "))
}
