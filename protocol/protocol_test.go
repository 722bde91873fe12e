package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name      string
		sig       string
		wantSince uint32
		wantTypes string
		nullable  []bool
	}{
		{"empty", "", 1, "", nil},
		{"bind", "un", 1, "un", []bool{false, false}},
		{"since prefix", "3uu", 3, "uu", []bool{false, false}},
		{"nullable string", "u?s", 1, "us", []bool{false, true}},
		{"nullable object", "?oii", 1, "oii", []bool{true, false, false}},
		{"all types", "iufsonah", 1, "iufsonah", []bool{false, false, false, false, false, false, false, false}},
		{"multi digit", "12h", 12, "h", []bool{false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			since, args, err := ParseSignature(tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSince, since)
			require.Len(t, args, len(tt.wantTypes))
			for i, a := range args {
				assert.Equal(t, ArgType(tt.wantTypes[i]), a.Type)
				assert.Equal(t, tt.nullable[i], a.Nullable)
			}
			assert.Equal(t, tt.sig, FormatSignature(since, args))
		})
	}
}

func TestParseSignatureErrors(t *testing.T) {
	for _, sig := range []string{"x", "?i", "??s", "u?", "?n", "?h"} {
		t.Run(sig, func(t *testing.T) {
			_, _, err := ParseSignature(sig)
			assert.ErrorIs(t, err, ErrBadSignature)
		})
	}
}

func TestInterfaceInit(t *testing.T) {
	callback := &Interface{Name: "test_callback", Version: 1}
	iface := &Interface{
		Name:    "test_thing",
		Version: 3,
		Requests: []Message{
			{Name: "frame", Signature: "n", Types: []*Interface{callback}},
			{Name: "attach", Signature: "?oii", Types: []*Interface{nil}},
			{Name: "late", Signature: "3h"},
		},
		Events: []Message{
			{Name: "enter", Signature: "o"},
		},
	}
	require.NoError(t, iface.Init())

	req, ok := iface.Request(0)
	require.True(t, ok)
	assert.Equal(t, callback, req.Args[0].Interface)
	assert.Equal(t, 0, req.NewIDIndex())

	req, ok = iface.Request(2)
	require.True(t, ok)
	assert.Equal(t, uint32(3), req.Since)
	assert.Equal(t, 1, req.FDCount())

	_, ok = iface.Request(3)
	assert.False(t, ok)

	ev, ok := iface.Event(0)
	require.True(t, ok)
	assert.Nil(t, ev.Args[0].Interface)
	assert.Equal(t, -1, ev.NewIDIndex())
}

func TestInterfaceInitRejectsDecreasingSince(t *testing.T) {
	iface := &Interface{
		Name:    "bad",
		Version: 2,
		Requests: []Message{
			{Name: "a", Signature: "2u"},
			{Name: "b", Signature: "u"},
		},
	}
	assert.ErrorIs(t, iface.Init(), ErrSinceOrder)
}

func TestInterfaceInitRejectsTypeMismatch(t *testing.T) {
	other := &Interface{Name: "other", Version: 1}
	iface := &Interface{
		Name:     "bad",
		Version:  1,
		Requests: []Message{{Name: "a", Signature: "u", Types: []*Interface{other}}},
	}
	assert.ErrorIs(t, iface.Init(), ErrTypeCount)
}

func TestInterfaceIs(t *testing.T) {
	a := &Interface{Name: "wl_shm", Version: 1}
	b := &Interface{Name: "wl_shm", Version: 2}
	c := &Interface{Name: "wl_seat", Version: 1}

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
	assert.False(t, a.Is(nil))
	var nilIface *Interface
	assert.True(t, nilIface.Is(nil))
}

func TestRegistry(t *testing.T) {
	a := &Interface{Name: "a", Version: 1}
	b := &Interface{Name: "b", Version: 1}

	r, err := NewRegistry(a)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	r2, err := r.With(b)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Len())
	assert.Equal(t, 1, r.Len())

	_, err = r2.With(a)
	assert.Error(t, err)

	var empty *Registry
	_, ok = empty.Lookup("a")
	assert.False(t, ok)
}
