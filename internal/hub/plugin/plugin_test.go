package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/hub/router"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

func TestLoad_RegistersAdminCommands(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ops.json"), []byte(`{
		"handlers": [{"name": "motd", "static": {"text": "welcome"}}]
	}`), 0o644))

	reg := registry.New()
	r := router.New(reg, router.Options{})
	l := NewLoader(dir, r)

	loaded := l.Load()
	assert.Equal(t, map[string][]string{"ops": {"motd"}}, loaded)
	assert.Equal(t, loaded, l.Modules())
	assert.Contains(t, r.AdminCommands(), "motd")

	// The command answers like any other admin builtin.
	ch := make(chan *protocol.Envelope, 1)
	admin := registry.NewPeer(registry.RoleAdmin, nil)
	admin.SendFn = func(data []byte) error {
		env, err := protocol.Decode(data, 0)
		require.NoError(t, err)
		ch <- env
		return nil
	}
	reg.AddAdmin(admin)

	env, err := protocol.New(protocol.TypeCommand, "req-1", protocol.CommandPayload{Command: "motd"})
	require.NoError(t, err)
	r.HandleAdminCommand(admin, env)

	select {
	case got := <-ch:
		var resp protocol.Response
		require.NoError(t, got.DecodePayload(&resp))
		require.True(t, resp.Success)
		assert.JSONEq(t, `{"text": "welcome"}`, string(resp.Data))
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}

func TestLoad_EmptyDirDisabled(t *testing.T) {
	r := router.New(registry.New(), router.Options{})
	l := NewLoader("", r)
	assert.Nil(t, l.Load())
	assert.Empty(t, l.Modules())
}

func TestLoad_ReloadReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"handlers": [{"name": "motd", "static": "v1"}]
	}`), 0o644))

	r := router.New(registry.New(), router.Options{})
	l := NewLoader(dir, r)
	l.Load()

	require.NoError(t, os.WriteFile(path, []byte(`{
		"handlers": [{"name": "motd", "static": "v2"}, {"name": "extra", "static": 1}]
	}`), 0o644))
	loaded := l.Load()
	assert.ElementsMatch(t, []string{"motd", "extra"}, loaded["ops"])
	assert.Contains(t, r.AdminCommands(), "extra")
}

func TestAdapt_BoundsContext(t *testing.T) {
	fn := adapt(func(ctx context.Context, _ json.RawMessage) (any, error) {
		_, ok := ctx.Deadline()
		return ok, nil
	})
	got, err := fn(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got, "exec handlers run under a bounded context")
}
