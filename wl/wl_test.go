package wl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/wlproto/protocol"
)

func TestCoreRegistry(t *testing.T) {
	for _, name := range []string{"wl_display", "wl_registry", "wl_callback", "wl_shm", "wl_seat", "wl_output"} {
		iface, ok := Core.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, name, iface.Name)
	}
	assert.Equal(t, 14, Core.Len())
}

func TestDisplayOpcodes(t *testing.T) {
	sync, ok := Display.Request(DisplaySync)
	require.True(t, ok)
	assert.Equal(t, "sync", sync.Name)
	assert.Same(t, Callback, sync.Args[0].Interface)

	getRegistry, ok := Display.Request(DisplayGetRegistry)
	require.True(t, ok)
	assert.Same(t, Registry, getRegistry.Args[0].Interface)

	errEvent, ok := Display.Event(DisplayError)
	require.True(t, ok)
	assert.Equal(t, "error", errEvent.Name)
	assert.Equal(t, protocol.TypeObject, errEvent.Args[0].Type)

	deleteID, ok := Display.Event(DisplayDeleteID)
	require.True(t, ok)
	assert.Equal(t, "delete_id", deleteID.Name)
}

func TestRegistryBindIsDynamic(t *testing.T) {
	bind, ok := Registry.Request(RegistryBind)
	require.True(t, ok)
	require.Len(t, bind.Args, 2)
	assert.Equal(t, protocol.TypeNewID, bind.Args[1].Type)
	assert.Nil(t, bind.Args[1].Interface)
}

func TestSinceVersions(t *testing.T) {
	offset, ok := Surface.Request(10)
	require.True(t, ok)
	assert.Equal(t, "offset", offset.Name)
	assert.Equal(t, uint32(5), offset.Since)

	release, ok := Shm.Request(ShmRelease)
	require.True(t, ok)
	assert.Equal(t, uint32(2), release.Since)

	keymap, ok := Keyboard.Event(0)
	require.True(t, ok)
	assert.Equal(t, 1, keymap.FDCount())
}
