package server

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

type displayError struct {
	objectID uint32
	code     uint32
	message  string
}

type global struct {
	iface   string
	version uint32
}

// testClient is a bare client connection driven by hand.
type testClient struct {
	sock     *wire.Socket
	conn     *wlproto.Conn
	display  *objtable.Object
	registry *objtable.Object
	errors   []displayError
	globals  map[uint32]global
}

func newTestDisplay(t *testing.T) *Display {
	t.Helper()
	d, err := NewDisplay()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Destroy() })
	return d
}

func connect(t *testing.T, d *Display) (*Client, *testClient) {
	t.Helper()
	a, b, err := wire.SocketPair()
	require.NoError(t, err)
	sc, err := d.CreateClient(b.Fd())
	require.NoError(t, err)

	tc := &testClient{
		sock:    a,
		conn:    wlproto.NewConn(objtable.ClientSide, a),
		globals: make(map[uint32]global),
	}
	t.Cleanup(func() { _ = tc.conn.Close() })

	tc.display, err = tc.conn.Table().Allocate(wl.Display, 1)
	require.NoError(t, err)
	tc.display.SetHandler(wl.DisplayError, func(_ *objtable.Object, args objtable.Args) error {
		tc.errors = append(tc.errors, displayError{args.ObjectID(0), args.Uint(1), args.String(2)})
		return nil
	})
	tc.display.SetHandler(wl.DisplayDeleteID, func(_ *objtable.Object, args objtable.Args) error {
		tc.conn.Table().Release(args.Uint(0))
		return nil
	})
	return sc, tc
}

func (tc *testClient) getRegistry(t *testing.T) {
	t.Helper()
	var err error
	tc.registry, err = tc.conn.Create(tc.display, wl.DisplayGetRegistry, wl.Registry, 1)
	require.NoError(t, err)
	tc.registry.SetHandler(wl.RegistryGlobal, func(_ *objtable.Object, args objtable.Args) error {
		tc.globals[args.Uint(0)] = global{args.String(1), args.Uint(2)}
		return nil
	})
	tc.registry.SetHandler(wl.RegistryGlobalRemove, func(_ *objtable.Object, args objtable.Args) error {
		delete(tc.globals, args.Uint(0))
		return nil
	})
}

// roundtrip sends the client's requests, lets the server handle them and
// dispatches the events that came back.
func (tc *testClient) roundtrip(t *testing.T, d *Display) {
	t.Helper()
	_, err := tc.conn.Flush()
	require.NoError(t, err)
	_, err = d.EventLoop().Dispatch(0)
	require.NoError(t, err)
	d.FlushClients()
	require.NoError(t, tc.read())
}

func (tc *testClient) read() error {
	_, err := tc.conn.ReadMessages()
	if errors.Is(err, wlproto.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = tc.conn.DispatchPending()
	return err
}

func raw(objectID uint32, opcode uint16, body ...uint32) []byte {
	size := wire.HeaderSize + 4*len(body)
	b := make([]byte, size)
	wire.Header{ObjectID: objectID, Opcode: opcode, Size: uint16(size)}.Put(b)
	for i, w := range body {
		binary.NativeEndian.PutUint32(b[wire.HeaderSize+4*i:], w)
	}
	return b
}

func addGlobals(t *testing.T, d *Display) *Global {
	t.Helper()
	for _, iface := range []struct {
		name    string
		version uint32
	}{{"wl_compositor", 6}, {"wl_seat", 9}, {"wl_output", 4}, {"wl_output", 4}} {
		r, ok := wl.Core.Lookup(iface.name)
		require.True(t, ok)
		_, err := d.AddGlobal(r, iface.version, nil)
		require.NoError(t, err)
	}
	shm, err := d.AddGlobal(wl.Shm, 1, nil)
	require.NoError(t, err)
	return shm
}

func TestBindRegistersResource(t *testing.T) {
	d := newTestDisplay(t)
	shm := addGlobals(t, d)
	require.Equal(t, uint32(5), shm.Name())

	sc, tc := connect(t, d)
	tc.getRegistry(t)
	for range 3 {
		_, err := tc.conn.Table().Allocate(wl.Callback, 1)
		require.NoError(t, err)
	}
	obj, err := tc.conn.Create(tc.registry, wl.RegistryBind, wl.Shm, 1, uint32(5))
	require.NoError(t, err)
	require.Equal(t, uint32(6), obj.ID())

	tc.roundtrip(t, d)

	res := sc.Lookup(6)
	require.NotNil(t, res)
	assert.Same(t, wl.Shm, res.Interface())
	assert.Equal(t, uint32(1), res.Version())
	assert.Empty(t, tc.errors)
	assert.Len(t, tc.globals, 5)
	assert.Equal(t, global{"wl_shm", 1}, tc.globals[5])
}

func TestBindCallsHandler(t *testing.T) {
	d := newTestDisplay(t)
	_, err := d.AddGlobal(wl.Shm, 1, func(c *Client, res *objtable.Object) error {
		if err := c.PostEvent(res, wl.ShmFormat, uint32(wl.ShmFormatARGB8888)); err != nil {
			return err
		}
		return c.PostEvent(res, wl.ShmFormat, uint32(wl.ShmFormatXRGB8888))
	})
	require.NoError(t, err)

	_, tc := connect(t, d)
	tc.getRegistry(t)
	shm, err := tc.conn.Create(tc.registry, wl.RegistryBind, wl.Shm, 1, uint32(1))
	require.NoError(t, err)
	var formats []uint32
	shm.SetHandler(wl.ShmFormat, func(_ *objtable.Object, args objtable.Args) error {
		formats = append(formats, args.Uint(0))
		return nil
	})

	tc.roundtrip(t, d)
	assert.Equal(t, []uint32{wl.ShmFormatARGB8888, wl.ShmFormatXRGB8888}, formats)
}

func TestBindValidation(t *testing.T) {
	tests := []struct {
		name    string
		global  uint32
		iface   string
		version uint32
		message string
	}{
		{"unknown global", 42, "wl_shm", 1, "invalid global wl_shm (42)"},
		{"wrong interface", 1, "wl_seat", 1, "invalid interface for global 1: have wl_seat, wanted wl_shm"},
		{"version too high", 1, "wl_shm", 2, "invalid version for global wl_shm (1): have 1, wanted 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDisplay(t)
			_, err := d.AddGlobal(wl.Shm, 1, nil)
			require.NoError(t, err)

			sc, tc := connect(t, d)
			tc.getRegistry(t)
			iface, ok := wl.Core.Lookup(tt.iface)
			require.True(t, ok)
			obj, err := tc.conn.Create(tc.registry, wl.RegistryBind, iface, tt.version, tt.global)
			require.NoError(t, err)

			tc.roundtrip(t, d)

			require.Len(t, tc.errors, 1)
			assert.Equal(t, displayError{tc.registry.ID(), wl.DisplayErrorInvalidObject, tt.message}, tc.errors[0])
			assert.Nil(t, sc.Lookup(obj.ID()))
			assert.False(t, sc.Destroyed())
			assert.Len(t, d.Clients(), 1)
		})
	}
}

func TestSyncDoneAndDeleteID(t *testing.T) {
	d := newTestDisplay(t)
	sc, tc := connect(t, d)

	cb, err := tc.conn.Create(tc.display, wl.DisplaySync, wl.Callback, 1)
	require.NoError(t, err)
	var serial uint32
	cb.SetHandler(wl.CallbackDone, func(obj *objtable.Object, args objtable.Args) error {
		serial = args.Uint(0)
		return tc.conn.Destroy(obj)
	})

	tc.roundtrip(t, d)

	assert.Equal(t, d.Serial(), serial)
	assert.NotZero(t, serial)
	assert.Nil(t, sc.Lookup(cb.ID()))
	assert.Nil(t, tc.conn.Table().Lookup(cb.ID()))
	_, zombie := tc.conn.Table().Zombie(cb.ID())
	assert.False(t, zombie, "delete_id should release the zombie")
}

func TestGlobalsBroadcast(t *testing.T) {
	d := newTestDisplay(t)
	_, err := d.AddGlobal(wl.Compositor, 6, nil)
	require.NoError(t, err)

	_, tc := connect(t, d)
	tc.getRegistry(t)
	tc.roundtrip(t, d)
	assert.Equal(t, map[uint32]global{1: {"wl_compositor", 6}}, tc.globals)

	out, err := d.AddGlobal(wl.Output, 3, nil)
	require.NoError(t, err)
	d.FlushClients()
	require.NoError(t, tc.read())
	assert.Equal(t, global{"wl_output", 3}, tc.globals[out.Name()])

	d.RemoveGlobal(out)
	d.RemoveGlobal(out)
	d.FlushClients()
	require.NoError(t, tc.read())
	assert.Equal(t, map[uint32]global{1: {"wl_compositor", 6}}, tc.globals)
	assert.Len(t, d.Globals(), 1)

	_, err = d.AddGlobal(wl.Output, 5, nil)
	assert.Error(t, err)
}

func TestGlobalNamesAreNotReused(t *testing.T) {
	d := newTestDisplay(t)
	g1, err := d.AddGlobal(wl.Seat, 1, nil)
	require.NoError(t, err)
	d.RemoveGlobal(g1)
	g2, err := d.AddGlobal(wl.Seat, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, g1.Name()+1, g2.Name())
}

func TestOverrunningStringIsFatal(t *testing.T) {
	d := newTestDisplay(t)
	called := false
	_, err := d.AddGlobal(wl.Shm, 1, func(*Client, *objtable.Object) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	sc, tc := connect(t, d)
	tc.getRegistry(t)
	tc.roundtrip(t, d)

	// bind(name=1, interface=<100 byte string>) in a 20 byte message.
	_, err = tc.sock.Send(raw(tc.registry.ID(), wl.RegistryBind, 1, 100, 0x73735f6c), nil)
	require.NoError(t, err)
	_, err = d.EventLoop().Dispatch(0)
	require.NoError(t, err)

	assert.False(t, called)
	assert.True(t, sc.Destroyed())
	assert.Empty(t, d.Clients())

	require.NoError(t, tc.read())
	require.Len(t, tc.errors, 1)
	assert.Equal(t, tc.registry.ID(), tc.errors[0].objectID)
	assert.Equal(t, uint32(wl.DisplayErrorInvalidMethod), tc.errors[0].code)

	err = tc.read()
	assert.ErrorIs(t, err, wlproto.ErrDisconnected)
	assert.ErrorIs(t, err, wlproto.ErrTransport)
}

func TestUnknownObjectIsFatal(t *testing.T) {
	d := newTestDisplay(t)
	sc, tc := connect(t, d)

	_, err := tc.sock.Send(raw(50, 0), nil)
	require.NoError(t, err)
	_, err = d.EventLoop().Dispatch(0)
	require.NoError(t, err)

	assert.True(t, sc.Destroyed())
	require.NoError(t, tc.read())
	require.Len(t, tc.errors, 1)
	assert.Equal(t, displayError{wl.DisplayID, wl.DisplayErrorInvalidObject, "invalid object 50"}, tc.errors[0])
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  displayError
		alive bool
	}{
		{
			name:  "non fatal",
			err:   NewRequestError(2, "bad format %d", 7),
			want:  displayError{2, 2, "bad format 7"},
			alive: true,
		},
		{
			name: "fatal",
			err:  &RequestError{ObjectID: wl.DisplayID, Code: 1, Message: "gone", Fatal: true},
			want: displayError{wl.DisplayID, 1, "gone"},
		},
		{
			name:  "plain error",
			err:   errors.New("boom"),
			want:  displayError{wl.DisplayID, wl.DisplayErrorImplementation, "boom"},
			alive: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDisplay(t)
			_, err := d.AddGlobal(wl.Shm, 1, func(*Client, *objtable.Object) error {
				return tt.err
			})
			require.NoError(t, err)

			sc, tc := connect(t, d)
			tc.getRegistry(t)
			_, err = tc.conn.Create(tc.registry, wl.RegistryBind, wl.Shm, 1, uint32(1))
			require.NoError(t, err)

			tc.roundtrip(t, d)

			require.Len(t, tc.errors, 1)
			assert.Equal(t, tt.want, tc.errors[0])
			assert.Equal(t, !tt.alive, sc.Destroyed())
		})
	}
}

func TestClientDestroy(t *testing.T) {
	d := newTestDisplay(t)
	sc, tc := connect(t, d)

	res, err := sc.NewResource(wl.Output, 2, 0)
	require.NoError(t, err)
	assert.True(t, objtable.IsServerID(res.ID()))
	destroyed := false
	res.AddDestroyListener(func(*objtable.Object) { destroyed = true })

	calls := 0
	sc.AddDestroyListener(func(c *Client) {
		calls++
		assert.NotNil(t, c.Lookup(res.ID()))
	})
	sc.Destroy()
	sc.Destroy()

	assert.Equal(t, 1, calls)
	assert.True(t, destroyed)
	assert.Empty(t, d.Clients())
	assert.ErrorIs(t, sc.Flush(), ErrDestroyed)
	_, err = sc.NewResource(wl.Output, 2, 0)
	assert.ErrorIs(t, err, ErrDestroyed)

	err = tc.read()
	assert.ErrorIs(t, err, wlproto.ErrDisconnected)
}

func TestCredentials(t *testing.T) {
	d := newTestDisplay(t)
	sc, _ := connect(t, d)

	pid, uid, gid, err := sc.Credentials()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, os.Getuid(), uid)
	assert.Equal(t, os.Getgid(), gid)
}

func TestAddSocket(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	d := newTestDisplay(t)
	name, err := d.AddSocket("")
	require.NoError(t, err)
	assert.Equal(t, "wayland-0", name)
	assert.FileExists(t, filepath.Join(dir, "wayland-0.lock"))

	other := newTestDisplay(t)
	_, err = other.AddSocket("wayland-0")
	assert.ErrorIs(t, err, ErrSocketInUse)
	name, err = other.AddSocket("")
	require.NoError(t, err)
	assert.Equal(t, "wayland-1", name)

	require.NoError(t, other.Destroy())
	assert.NoFileExists(t, filepath.Join(dir, "wayland-1"))
	assert.NoFileExists(t, filepath.Join(dir, "wayland-1.lock"))
}

func TestAddSocketStale(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	// A leftover socket file without a lock holder is replaced.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wayland-3"), nil, 0o600))

	d := newTestDisplay(t)
	name, err := d.AddSocket("wayland-3")
	require.NoError(t, err)
	assert.Equal(t, "wayland-3", name)
}

func TestAddSocketNoRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	d := newTestDisplay(t)
	_, err := d.AddSocket("wayland-0")
	assert.ErrorIs(t, err, ErrNoRuntime)
}

func TestMaxClients(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d := newTestDisplay(t)
	d.SetMaxClients(1)
	name, err := d.AddSocket("")
	require.NoError(t, err)
	path, err := wlproto.SocketPath(name)
	require.NoError(t, err)

	for range 2 {
		s, err := wire.DialUnix(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
	}
	_, err = d.EventLoop().Dispatch(0)
	require.NoError(t, err)
	assert.Len(t, d.Clients(), 1)
}

func TestAcceptRetriesInterrupted(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d := newTestDisplay(t)
	name, err := d.AddSocket("")
	require.NoError(t, err)
	path, err := wlproto.SocketPath(name)
	require.NoError(t, err)

	interrupted := false
	accept4 = func(fd, flags int) (int, unix.Sockaddr, error) {
		if !interrupted {
			interrupted = true
			return -1, nil, unix.EINTR
		}
		return unix.Accept4(fd, flags)
	}
	t.Cleanup(func() { accept4 = unix.Accept4 })

	for range 3 {
		s, err := wire.DialUnix(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
	}
	_, err = d.EventLoop().Dispatch(0)
	require.NoError(t, err)
	assert.True(t, interrupted)
	assert.Len(t, d.Clients(), 3)
}

func TestRunWithClient(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d := newTestDisplay(t)
	_, err := d.AddGlobal(wl.Compositor, 4, nil)
	require.NoError(t, err)
	_, err = d.AddGlobal(wl.Shm, 1, nil)
	require.NoError(t, err)
	name, err := d.AddSocket("")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	display, err := wlproto.Connect(name)
	require.NoError(t, err)
	registry, err := display.GetRegistry()
	require.NoError(t, err)
	require.NoError(t, display.Roundtrip())

	globals := registry.SortedGlobals()
	require.Len(t, globals, 2)
	assert.Equal(t, "wl_compositor", globals[0].Interface)
	assert.Equal(t, uint32(4), globals[0].Version)
	assert.Equal(t, "wl_shm", globals[1].Interface)

	shm, err := registry.Bind(globals[1].Name, wl.Shm, 1)
	require.NoError(t, err)
	require.NoError(t, display.Roundtrip())
	assert.False(t, shm.Destroyed())
	require.NoError(t, display.Close())

	d.Terminate()
	require.NoError(t, <-done)
}

func TestRoundtripQueueLeavesDefaultQueueAlone(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d := newTestDisplay(t)
	_, err := d.AddGlobal(wl.Shm, 1, nil)
	require.NoError(t, err)
	name, err := d.AddSocket("")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	display, err := wlproto.Connect(name)
	require.NoError(t, err)
	registry, err := display.GetRegistry()
	require.NoError(t, err)

	q := display.CreateQueue()
	require.NoError(t, display.RoundtripQueue(q))
	// The globals arrived but wait on the default queue.
	assert.Empty(t, registry.SortedGlobals())
	assert.Equal(t, 1, display.Conn().DefaultQueue().Len())

	n, err := display.DispatchPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, registry.SortedGlobals(), 1)
	assert.Equal(t, "wl_shm", registry.SortedGlobals()[0].Interface)

	require.NoError(t, display.Close())
	d.Terminate()
	require.NoError(t, <-done)
}
