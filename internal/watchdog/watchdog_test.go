package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionfab/sessionfab/internal/endpoint/restart"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests use /bin/sh")
	}
}

func newSupervisor(t *testing.T, workDir string, argv ...string) *Supervisor {
	t.Helper()
	s, err := New(Options{
		Argv:        argv,
		WorkDir:     workDir,
		RespawnWait: time.Millisecond,
		Window:      time.Minute,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsEmptyArgv(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRun_CleanExitStops(t *testing.T) {
	requireSh(t)
	s := newSupervisor(t, t.TempDir(), "/bin/sh", "-c", "exit 0")
	require.NoError(t, s.Run(context.Background()))
}

func TestRun_CrashLoopHitsRespawnCap(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	s := newSupervisor(t, dir, "/bin/sh", "-c", "exit 1")
	s.opts.MaxRespawns = 2

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
}

func TestRun_SentinelTriggersRespawn(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	// First run writes a sentinel and exits cleanly; the respawn sees the
	// marker and stops without a sentinel.
	script := `if [ -f ran ]; then exit 0; fi; touch ran; printf '{"argv":[]}' > ` + restart.SentinelName + `; exit 0`
	s := newSupervisor(t, dir, "/bin/sh", "-c", script)

	require.NoError(t, s.Run(context.Background()))
	_, err := os.Stat(marker)
	assert.NoError(t, err, "endpoint must have been respawned")
}

func TestRun_SentinelArgvReplacesCommand(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()

	// The sentinel redirects the respawn to a different argv that leaves a
	// marker and stops.
	script := `printf '{"argv":["/bin/sh","-c","touch swapped"]}' > ` + restart.SentinelName + `; exit 0`
	s := newSupervisor(t, dir, "/bin/sh", "-c", script)

	require.NoError(t, s.Run(context.Background()))
	_, err := os.Stat(filepath.Join(dir, "swapped"))
	assert.NoError(t, err)
}

func TestRun_ClearsStaleSentinel(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	require.NoError(t, restart.WriteSentinel(dir, "from a previous life"))

	s := newSupervisor(t, dir, "/bin/sh", "-c", "exit 0")
	require.NoError(t, s.Run(context.Background()))
	_, ok := restart.ReadSentinel(dir)
	assert.False(t, ok)
}

func TestAllowRespawn_RollingWindow(t *testing.T) {
	s := newSupervisor(t, t.TempDir(), "unused")
	s.opts.MaxRespawns = 2
	s.opts.Window = time.Hour

	assert.True(t, s.allowRespawn())
	assert.True(t, s.allowRespawn())
	assert.False(t, s.allowRespawn())

	// Entries outside the window stop counting.
	s.respawns = []time.Time{time.Now().Add(-2 * time.Hour), time.Now().Add(-2 * time.Hour)}
	assert.True(t, s.allowRespawn())
}
