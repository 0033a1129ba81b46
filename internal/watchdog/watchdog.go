// Package watchdog supervises an endpoint process: it respawns it after a
// crash or a sentinel-marked clean exit, with a cap on respawn frequency.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/sessionfab/sessionfab/internal/endpoint/restart"
	"github.com/sessionfab/sessionfab/internal/logging"
)

// Options configures the supervisor.
type Options struct {
	Argv        []string      // endpoint argument vector, argv[0] is the binary
	WorkDir     string        // endpoint working directory (sentinel location)
	MaxRespawns int           // cap within Window; default 5
	Window      time.Duration // default 60s
	RespawnWait time.Duration // pause before a respawn; default 1s
}

// Supervisor runs the endpoint and restarts it per the watchdog protocol.
type Supervisor struct {
	opts     Options
	log      *slog.Logger
	respawns []time.Time
}

// New creates a supervisor.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("watchdog: empty argument vector")
	}
	if opts.MaxRespawns <= 0 {
		opts.MaxRespawns = 5
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	if opts.RespawnWait <= 0 {
		opts.RespawnWait = time.Second
	}
	return &Supervisor{
		opts: opts,
		log:  slog.With(logging.LoggerKey, "watchdog"),
	}, nil
}

// Run supervises until the endpoint exits cleanly without a sentinel or
// the respawn limit is exceeded. A stale sentinel from a previous run is
// cleared before the first spawn.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, ok := restart.ReadSentinel(s.opts.WorkDir); ok {
		s.log.Warn("cleared stale restart sentinel")
	}

	argv := s.opts.Argv
	for {
		s.log.Info("starting endpoint", "argv", argv)
		err := s.runOnce(ctx, argv)
		if ctx.Err() != nil {
			return nil
		}

		sentinel, requested := restart.ReadSentinel(s.opts.WorkDir)
		switch {
		case err == nil && !requested:
			s.log.Info("endpoint exited cleanly, stopping supervision")
			return nil
		case err == nil:
			s.log.Info("endpoint requested restart", "reason", sentinel.Reason)
			if len(sentinel.Argv) > 0 {
				argv = sentinel.Argv
			}
		default:
			s.log.Error("endpoint crashed", "error", err)
		}

		if !s.allowRespawn() {
			return fmt.Errorf("watchdog: %d respawns within %s, giving up",
				s.opts.MaxRespawns, s.opts.Window)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.RespawnWait):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = append(os.Environ(), restart.SupervisedEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}
	return cmd.Wait()
}

// allowRespawn enforces the rolling respawn cap.
func (s *Supervisor) allowRespawn() bool {
	now := time.Now()
	cutoff := now.Add(-s.opts.Window)
	kept := s.respawns[:0]
	for _, t := range s.respawns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.respawns = append(kept, now)
	return len(s.respawns) <= s.opts.MaxRespawns
}
