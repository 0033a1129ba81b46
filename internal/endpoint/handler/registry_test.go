package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ json.RawMessage) (any, error) { return nil, nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Name: "echo", Kind: Cooperative, Fn: noop})

	h, ok := r.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", h.Name)
	assert.Equal(t, Cooperative, h.Kind)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	v1 := func(_ context.Context, _ json.RawMessage) (any, error) { return "v1", nil }
	v2 := func(_ context.Context, _ json.RawMessage) (any, error) { return "v2", nil }

	r.Register(Handler{Name: "hello", Kind: Cooperative, Fn: v1})
	r.Register(Handler{Name: "hello", Kind: Cooperative, Fn: v2})

	h, ok := r.Lookup("hello")
	require.True(t, ok)
	got, err := h.Fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(Handler{Name: name, Kind: Cooperative, Fn: noop})
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.List())
}

func TestRegistry_Deregister(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Name: "echo", Kind: Cooperative, Fn: noop})
	r.Deregister("echo")
	r.Deregister("echo") // absent name is a no-op

	_, ok := r.Lookup("echo")
	assert.False(t, ok)
}

func TestRegistry_SwapModule(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Name: "builtin", Kind: Cooperative, Fn: noop})
	r.SwapModule("demo", []Handler{
		{Name: "hello", Kind: Cooperative, Fn: noop},
		{Name: "bye", Kind: Cooperative, Fn: noop},
	})

	assert.Equal(t, []string{"bye", "hello"}, r.ModuleNames("demo"))

	// New manifest dropped "bye"; it must be deregistered.
	r.SwapModule("demo", []Handler{{Name: "hello", Kind: Cooperative, Fn: noop}})
	assert.Equal(t, []string{"hello"}, r.ModuleNames("demo"))
	_, ok := r.Lookup("bye")
	assert.False(t, ok)

	// Other modules' handlers are untouched.
	_, ok = r.Lookup("builtin")
	assert.True(t, ok)

	// Swapping to nil removes the module entirely.
	r.SwapModule("demo", nil)
	assert.Empty(t, r.ModuleNames("demo"))
}
