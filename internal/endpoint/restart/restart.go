// Package restart implements the endpoint half of the watchdog protocol:
// the restart sentinel, the delayed shutdown, and self re-exec when no
// watchdog is supervising the process.
package restart

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sessionfab/sessionfab/internal/logging"
)

// SentinelName is the file whose presence tells the watchdog that the
// clean exit it just observed was a restart request.
const SentinelName = "restart.sentinel"

// SupervisedEnv is set in the endpoint's environment by the watchdog, so
// restart_client can default to the sentinel protocol when supervised.
const SupervisedEnv = "SESSIONFAB_SUPERVISED"

// Supervised reports whether a watchdog spawned this process.
func Supervised() bool {
	return os.Getenv(SupervisedEnv) != ""
}

// Sentinel is the sentinel file contents.
type Sentinel struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	Argv        []string  `json:"argv"`
}

// SentinelPath returns the sentinel location within dir.
func SentinelPath(dir string) string {
	return filepath.Join(dir, SentinelName)
}

// WriteSentinel records a restart request, preserving the original
// argument vector for the watchdog's respawn.
func WriteSentinel(dir, reason string) error {
	data, err := json.MarshalIndent(Sentinel{
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
		Argv:        os.Args,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(SentinelPath(dir), data, 0o640)
}

// ReadSentinel loads and removes the sentinel. ok is false when none
// exists.
func ReadSentinel(dir string) (Sentinel, bool) {
	data, err := os.ReadFile(SentinelPath(dir))
	if err != nil {
		return Sentinel{}, false
	}
	_ = os.Remove(SentinelPath(dir))
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return Sentinel{}, true
	}
	return s, true
}

// Schedule arranges a restart after delay. notify runs just before the
// process goes down (used to flush a RESTARTING event to the hub). With a
// watchdog, the endpoint writes the sentinel and exits cleanly; without
// one it re-execs itself with the original argument vector.
func Schedule(delay time.Duration, useWatchdog bool, reason, workDir string, notify func()) {
	log := slog.With(logging.LoggerKey, "restart")
	time.AfterFunc(delay, func() {
		log.Info("restarting", "use_watchdog", useWatchdog, "reason", reason)
		if notify != nil {
			notify()
		}
		if useWatchdog {
			if err := WriteSentinel(workDir, reason); err != nil {
				log.Error("write restart sentinel", "error", err)
			}
			os.Exit(0)
		}
		if err := ReExec(); err != nil {
			log.Error("re-exec failed", "error", err)
			os.Exit(1)
		}
	})
}

// ReExec spawns a fresh copy of this process with the original argv and
// environment, then exits the current one.
func ReExec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	_, err = os.StartProcess(exe, os.Args, &os.ProcAttr{
		Dir:   wd,
		Env:   os.Environ(),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return fmt.Errorf("start replacement process: %w", err)
	}
	os.Exit(0)
	return nil
}
