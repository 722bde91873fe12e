// Package wl holds the static descriptors of the core Wayland protocol.
//
// The tables mirror what wayland-scanner emits for wayland.xml. They are
// linked and validated once in init and are read-only afterwards.
package wl

import (
	"github.com/bnema/wlproto/protocol"
)

// Core interfaces
var (
	Display    = &protocol.Interface{Name: "wl_display", Version: 1}
	Registry   = &protocol.Interface{Name: "wl_registry", Version: 1}
	Callback   = &protocol.Interface{Name: "wl_callback", Version: 1}
	Compositor = &protocol.Interface{Name: "wl_compositor", Version: 6}
	ShmPool    = &protocol.Interface{Name: "wl_shm_pool", Version: 2}
	Shm        = &protocol.Interface{Name: "wl_shm", Version: 2}
	Buffer     = &protocol.Interface{Name: "wl_buffer", Version: 1}
	Surface    = &protocol.Interface{Name: "wl_surface", Version: 6}
	Region     = &protocol.Interface{Name: "wl_region", Version: 1}
	Seat       = &protocol.Interface{Name: "wl_seat", Version: 9}
	Pointer    = &protocol.Interface{Name: "wl_pointer", Version: 9}
	Keyboard   = &protocol.Interface{Name: "wl_keyboard", Version: 9}
	Touch      = &protocol.Interface{Name: "wl_touch", Version: 9}
	Output     = &protocol.Interface{Name: "wl_output", Version: 4}
)

// Core is the registry of every interface in this package.
var Core *protocol.Registry

// The wl_display object always has this ID.
const DisplayID = 1

// Request opcodes
const (
	DisplaySync        = 0
	DisplayGetRegistry = 1

	RegistryBind = 0

	CompositorCreateSurface = 0
	CompositorCreateRegion  = 1

	ShmPoolCreateBuffer = 0
	ShmPoolDestroy      = 1
	ShmPoolResize       = 2

	ShmCreatePool = 0
	ShmRelease    = 1

	BufferDestroy = 0

	SurfaceDestroy            = 0
	SurfaceAttach             = 1
	SurfaceDamage             = 2
	SurfaceFrame              = 3
	SurfaceSetOpaqueRegion    = 4
	SurfaceSetInputRegion     = 5
	SurfaceCommit             = 6
	SurfaceSetBufferTransform = 7
	SurfaceSetBufferScale     = 8
	SurfaceDamageBuffer       = 9
	SurfaceOffset             = 10

	RegionDestroy  = 0
	RegionAdd      = 1
	RegionSubtract = 2

	SeatGetPointer  = 0
	SeatGetKeyboard = 1
	SeatGetTouch    = 2
	SeatRelease     = 3

	OutputRelease = 0
)

// Event opcodes
const (
	DisplayError    = 0
	DisplayDeleteID = 1

	RegistryGlobal       = 0
	RegistryGlobalRemove = 1

	CallbackDone = 0

	ShmFormat = 0

	BufferRelease = 0

	SurfaceEnter                    = 0
	SurfaceLeave                    = 1
	SurfacePreferredBufferScale     = 2
	SurfacePreferredBufferTransform = 3

	SeatCapabilities = 0
	SeatName         = 1

	PointerEnter  = 0
	PointerLeave  = 1
	PointerMotion = 2
	PointerButton = 3
	PointerAxis   = 4
	PointerFrame  = 5

	KeyboardKeymap     = 0
	KeyboardEnter      = 1
	KeyboardLeave      = 2
	KeyboardKey        = 3
	KeyboardModifiers  = 4
	KeyboardRepeatInfo = 5

	OutputGeometry    = 0
	OutputMode        = 1
	OutputDone        = 2
	OutputScale       = 3
	OutputName        = 4
	OutputDescription = 5
)

// wl_display.error codes
const (
	DisplayErrorInvalidObject  = 0
	DisplayErrorInvalidMethod  = 1
	DisplayErrorNoMemory       = 2
	DisplayErrorImplementation = 3
)

// wl_shm.error codes
const (
	ShmErrorInvalidFormat = 0
	ShmErrorInvalidStride = 1
	ShmErrorInvalidFD     = 2
)

// wl_shm formats
const (
	ShmFormatARGB8888 = 0
	ShmFormatXRGB8888 = 1
	ShmFormatRGB888   = 0x34324752
	ShmFormatBGR888   = 0x34324742
	ShmFormatRGB565   = 0x36314752
)

// wl_seat capabilities
const (
	SeatCapabilityPointer  = 1
	SeatCapabilityKeyboard = 2
	SeatCapabilityTouch    = 4
)

// wl_output.mode flags
const (
	OutputModeCurrent   = 0x1
	OutputModePreferred = 0x2
)

func types(t ...*protocol.Interface) []*protocol.Interface { return t }

func init() {
	Display.Requests = []protocol.Message{
		{Name: "sync", Signature: "n", Types: types(Callback)},
		{Name: "get_registry", Signature: "n", Types: types(Registry)},
	}
	Display.Events = []protocol.Message{
		{Name: "error", Signature: "ous"},
		{Name: "delete_id", Signature: "u"},
	}

	Registry.Requests = []protocol.Message{
		{Name: "bind", Signature: "un"},
	}
	Registry.Events = []protocol.Message{
		{Name: "global", Signature: "usu"},
		{Name: "global_remove", Signature: "u"},
	}

	Callback.Events = []protocol.Message{
		{Name: "done", Signature: "u"},
	}

	Compositor.Requests = []protocol.Message{
		{Name: "create_surface", Signature: "n", Types: types(Surface)},
		{Name: "create_region", Signature: "n", Types: types(Region)},
	}

	ShmPool.Requests = []protocol.Message{
		{Name: "create_buffer", Signature: "niiiiu", Types: types(Buffer)},
		{Name: "destroy", Signature: ""},
		{Name: "resize", Signature: "i"},
	}

	Shm.Requests = []protocol.Message{
		{Name: "create_pool", Signature: "nhi", Types: types(ShmPool)},
		{Name: "release", Signature: "2"},
	}
	Shm.Events = []protocol.Message{
		{Name: "format", Signature: "u"},
	}

	Buffer.Requests = []protocol.Message{
		{Name: "destroy", Signature: ""},
	}
	Buffer.Events = []protocol.Message{
		{Name: "release", Signature: ""},
	}

	Surface.Requests = []protocol.Message{
		{Name: "destroy", Signature: ""},
		{Name: "attach", Signature: "?oii", Types: types(Buffer)},
		{Name: "damage", Signature: "iiii"},
		{Name: "frame", Signature: "n", Types: types(Callback)},
		{Name: "set_opaque_region", Signature: "?o", Types: types(Region)},
		{Name: "set_input_region", Signature: "?o", Types: types(Region)},
		{Name: "commit", Signature: ""},
		{Name: "set_buffer_transform", Signature: "2i"},
		{Name: "set_buffer_scale", Signature: "3i"},
		{Name: "damage_buffer", Signature: "4iiii"},
		{Name: "offset", Signature: "5ii"},
	}
	Surface.Events = []protocol.Message{
		{Name: "enter", Signature: "o", Types: types(Output)},
		{Name: "leave", Signature: "o", Types: types(Output)},
		{Name: "preferred_buffer_scale", Signature: "6i"},
		{Name: "preferred_buffer_transform", Signature: "6u"},
	}

	Region.Requests = []protocol.Message{
		{Name: "destroy", Signature: ""},
		{Name: "add", Signature: "iiii"},
		{Name: "subtract", Signature: "iiii"},
	}

	Seat.Requests = []protocol.Message{
		{Name: "get_pointer", Signature: "n", Types: types(Pointer)},
		{Name: "get_keyboard", Signature: "n", Types: types(Keyboard)},
		{Name: "get_touch", Signature: "n", Types: types(Touch)},
		{Name: "release", Signature: "5"},
	}
	Seat.Events = []protocol.Message{
		{Name: "capabilities", Signature: "u"},
		{Name: "name", Signature: "2s"},
	}

	Pointer.Requests = []protocol.Message{
		{Name: "set_cursor", Signature: "u?oii", Types: types(Surface)},
		{Name: "release", Signature: "3"},
	}
	Pointer.Events = []protocol.Message{
		{Name: "enter", Signature: "uoff", Types: types(Surface)},
		{Name: "leave", Signature: "uo", Types: types(Surface)},
		{Name: "motion", Signature: "uff"},
		{Name: "button", Signature: "uuuu"},
		{Name: "axis", Signature: "uuf"},
		{Name: "frame", Signature: "5"},
		{Name: "axis_source", Signature: "5u"},
		{Name: "axis_stop", Signature: "5uu"},
		{Name: "axis_discrete", Signature: "5ui"},
		{Name: "axis_value120", Signature: "8ui"},
		{Name: "axis_relative_direction", Signature: "9uu"},
	}

	Keyboard.Requests = []protocol.Message{
		{Name: "release", Signature: "3"},
	}
	Keyboard.Events = []protocol.Message{
		{Name: "keymap", Signature: "uhu"},
		{Name: "enter", Signature: "uoa", Types: types(Surface)},
		{Name: "leave", Signature: "uo", Types: types(Surface)},
		{Name: "key", Signature: "uuuu"},
		{Name: "modifiers", Signature: "uuuuu"},
		{Name: "repeat_info", Signature: "4ii"},
	}

	Touch.Requests = []protocol.Message{
		{Name: "release", Signature: "3"},
	}
	Touch.Events = []protocol.Message{
		{Name: "down", Signature: "uuoiff", Types: types(Surface)},
		{Name: "up", Signature: "uui"},
		{Name: "motion", Signature: "uiff"},
		{Name: "frame", Signature: ""},
		{Name: "cancel", Signature: ""},
		{Name: "shape", Signature: "6iff"},
		{Name: "orientation", Signature: "6if"},
	}

	Output.Requests = []protocol.Message{
		{Name: "release", Signature: "3"},
	}
	Output.Events = []protocol.Message{
		{Name: "geometry", Signature: "iiiiissi"},
		{Name: "mode", Signature: "uiii"},
		{Name: "done", Signature: "2"},
		{Name: "scale", Signature: "2i"},
		{Name: "name", Signature: "4s"},
		{Name: "description", Signature: "4s"},
	}

	all := []*protocol.Interface{
		Display, Registry, Callback, Compositor, ShmPool, Shm, Buffer,
		Surface, Region, Seat, Pointer, Keyboard, Touch, Output,
	}
	for _, i := range all {
		i.MustInit()
	}

	var err error
	Core, err = protocol.NewRegistry(all...)
	if err != nil {
		panic(err)
	}
}
