package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/internal/config"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/server"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

// startServer runs the serve globals on a fresh socket and returns its name.
func startServer(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d, err := server.NewDisplay()
	require.NoError(t, err)
	require.NoError(t, addGlobals(d))
	name, err := d.AddSocket("")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	t.Cleanup(func() {
		d.Terminate()
		assert.NoError(t, <-done)
		assert.NoError(t, d.Destroy())
	})
	return name
}

// startServe starts a server and connects to it.
func startServe(t *testing.T) (*wlproto.Display, *wlproto.Registry) {
	t.Helper()
	display, err := wlproto.Connect(startServer(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = display.Close() })
	registry, err := display.GetRegistry()
	require.NoError(t, err)
	require.NoError(t, display.Roundtrip())
	return display, registry
}

func TestServeGlobals(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	d, err := server.NewDisplay()
	require.NoError(t, err)
	defer d.Destroy()
	require.NoError(t, addGlobals(d))
	name, err := d.AddSocket("")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	display, err := wlproto.Connect(name)
	require.NoError(t, err)
	registry, err := display.GetRegistry()
	require.NoError(t, err)
	require.NoError(t, display.Roundtrip())

	var formats []uint32
	shmGlobal, ok := registry.FindGlobal("wl_shm")
	require.True(t, ok)
	shm, err := registry.BindGlobal(shmGlobal, 1)
	require.NoError(t, err)
	shm.SetHandler(wl.ShmFormat, func(_ *objtable.Object, args objtable.Args) error {
		formats = append(formats, args.Uint(0))
		return nil
	})

	var outputName string
	var width, height int32
	outputDone := false
	outGlobal, ok := registry.FindGlobal("wl_output")
	require.True(t, ok)
	output, err := registry.BindGlobal(outGlobal, 4)
	require.NoError(t, err)
	output.SetHandler(wl.OutputMode, func(_ *objtable.Object, args objtable.Args) error {
		width, height = args.Int(1), args.Int(2)
		return nil
	})
	output.SetHandler(wl.OutputName, func(_ *objtable.Object, args objtable.Args) error {
		outputName = args.String(0)
		return nil
	})
	output.SetHandler(wl.OutputDone, func(*objtable.Object, objtable.Args) error {
		outputDone = true
		return nil
	})

	var seatName string
	seatGlobal, ok := registry.FindGlobal("wl_seat")
	require.True(t, ok)
	seat, err := registry.BindGlobal(seatGlobal, 2)
	require.NoError(t, err)
	seat.SetHandler(wl.SeatName, func(_ *objtable.Object, args objtable.Args) error {
		seatName = args.String(0)
		return nil
	})

	require.NoError(t, display.Roundtrip())
	assert.Equal(t, []uint32{wl.ShmFormatARGB8888, wl.ShmFormatXRGB8888}, formats)
	assert.Equal(t, "WL-1", outputName)
	assert.Equal(t, int32(1920), width)
	assert.Equal(t, int32(1080), height)
	assert.True(t, outputDone)
	assert.Equal(t, "seat0", seatName)

	// Releasing the output destroys the resource; delete_id follows.
	require.NoError(t, display.Conn().Marshal(output, wl.OutputRelease))
	require.NoError(t, display.Conn().Destroy(output))
	require.NoError(t, display.Roundtrip())
	_, zombie := display.Conn().Table().Zombie(output.ID())
	assert.False(t, zombie)

	require.NoError(t, display.Close())
	d.Terminate()
	require.NoError(t, <-done)
}

func TestRenderGlobals(t *testing.T) {
	out := renderGlobals("/run/user/1000/wayland-0", []wlproto.Global{
		{Name: 1, Interface: "wl_compositor", Version: 6},
		{Name: 2, Interface: "xdg_wm_base", Version: 5},
	})
	assert.Contains(t, out, "/run/user/1000/wayland-0")
	assert.Contains(t, out, "wl_compositor")
	assert.Contains(t, out, "xdg_wm_base")
	assert.Contains(t, out, "INTERFACE")
	assert.Contains(t, out, "Total: 2 global(s)")
}

func TestCheckShm(t *testing.T) {
	display, registry := startServe(t)

	report, err := checkShm(display, registry)
	require.NoError(t, err)
	assert.Equal(t, int32(64*64*4), report.PoolSize)
	assert.Equal(t, []uint32{wl.ShmFormatARGB8888, wl.ShmFormatXRGB8888}, report.Formats)
	assert.Equal(t, "wl_shm: 16384 byte pool OK, formats: ARGB8888, XRGB8888", renderShm(report))

	// The default queue is still usable afterwards.
	require.NoError(t, display.Roundtrip())
	assert.NoError(t, display.Err())
}

func TestShmRejectsBadBuffer(t *testing.T) {
	tests := []struct {
		name   string
		size   int32
		stride int32
		format uint32
		code   uint32
	}{
		{"stride below width", 4096, 16, wl.ShmFormatARGB8888, wl.ShmErrorInvalidStride},
		{"buffer past pool end", 1024, 256, wl.ShmFormatARGB8888, wl.ShmErrorInvalidStride},
		{"unknown format", 4096 * 16, 256, wl.ShmFormatRGB565, wl.ShmErrorInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			display, registry := startServe(t)
			g, ok := registry.FindGlobal("wl_shm")
			require.True(t, ok)
			shm, err := registry.BindGlobal(g, 1)
			require.NoError(t, err)

			fd, err := wire.CreateAnonymousFile(int64(tt.size))
			require.NoError(t, err)
			defer unix.Close(fd)
			conn := display.Conn()
			pool, err := conn.Create(shm, wl.ShmCreatePool, wl.ShmPool, 1, fd, tt.size)
			require.NoError(t, err)
			_, err = conn.Create(pool, wl.ShmPoolCreateBuffer, wl.Buffer, 1,
				int32(0), int32(64), int32(16), tt.stride, tt.format)
			require.NoError(t, err)

			err = display.Roundtrip()
			var perr *wlproto.Error
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, wlproto.KindRemote, perr.Kind)
			assert.Equal(t, tt.code, perr.Code)
		})
	}
}

func TestShmPoolLargerThanFile(t *testing.T) {
	display, registry := startServe(t)
	g, ok := registry.FindGlobal("wl_shm")
	require.True(t, ok)
	shm, err := registry.BindGlobal(g, 1)
	require.NoError(t, err)

	fd, err := wire.CreateAnonymousFile(64)
	require.NoError(t, err)
	defer unix.Close(fd)
	_, err = display.Conn().Create(shm, wl.ShmCreatePool, wl.ShmPool, 1, fd, int32(4096))
	require.NoError(t, err)

	err = display.Roundtrip()
	var perr *wlproto.Error
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, uint32(wl.ShmErrorInvalidFD), perr.Code)
}

func TestFormatName(t *testing.T) {
	assert.Equal(t, "ARGB8888", formatName(wl.ShmFormatARGB8888))
	assert.Equal(t, "XRGB8888", formatName(wl.ShmFormatXRGB8888))
	assert.Equal(t, "RG16", formatName(wl.ShmFormatRGB565))
}

func TestInfoCommand(t *testing.T) {
	name := startServer(t)
	t.Setenv("WAYLAND_DISPLAY", name)
	t.Cleanup(func() {
		viper.Reset()
		config.Set(nil)
		checkShmFlag = false
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"info", "--check-shm", "--config", filepath.Join(t.TempDir(), "none.toml")})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, Execute())

	assert.Contains(t, out.String(), filepath.Join(os.Getenv("XDG_RUNTIME_DIR"), name))
	assert.Contains(t, out.String(), "wl_shm")
	assert.Contains(t, out.String(), "Total: 3 global(s)")
	assert.Contains(t, out.String(), "formats: ARGB8888, XRGB8888")
}
