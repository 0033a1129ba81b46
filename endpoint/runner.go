// Package endpoint provides an exported entry point for running a fabric
// endpoint as a library (e.g. from the watchdog or tests).
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/sessionfab/sessionfab/internal/config"
	"github.com/sessionfab/sessionfab/internal/endpoint/builtin"
	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/endpoint/health"
	"github.com/sessionfab/sessionfab/internal/endpoint/hotreload"
	"github.com/sessionfab/sessionfab/internal/endpoint/hubclient"
	"github.com/sessionfab/sessionfab/internal/endpoint/scheduler"
	"github.com/sessionfab/sessionfab/internal/logging"
)

// RunConfig holds configuration for running an endpoint as a library.
type RunConfig struct {
	ConfigPath string // optional YAML config file
	HubURL     string // override for endpoint.hub_url
	Identity   string // override for endpoint.identity
	Version    string
}

// Run assembles the endpoint and blocks until ctx is cancelled or the hub
// evicts this identity in favour of a newer registration.
func Run(ctx context.Context, rc RunConfig) error {
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if rc.HubURL != "" {
		cfg.Endpoint.HubURL = rc.HubURL
	}
	if rc.Identity != "" {
		cfg.Endpoint.Identity = rc.Identity
	}

	logMgr, err := logging.NewManager(logging.Options{
		Dir:             cfg.Log.Dir,
		FileName:        "endpoint",
		MaxBytes:        cfg.Log.MaxBytes,
		Backups:         cfg.Log.Backups,
		RingSize:        cfg.Log.RingSize,
		CompressBackups: cfg.Log.CompressBackups,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = logMgr.Close() }()
	if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		logging.SetLevel(lvl)
	}
	logMgr.Install()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}

	reg := handler.NewRegistry()

	mon, err := health.NewMonitor(health.Options{
		SampleInterval: cfg.SampleInterval(),
		MaxMemoryBytes: cfg.Health.MaxMemoryBytes,
	})
	if err != nil {
		return fmt.Errorf("init health monitor: %w", err)
	}

	client := hubclient.New(hubclient.Options{
		HubURL:            cfg.Endpoint.HubURL + "/ws",
		Identity:          cfg.Endpoint.Identity,
		Version:           rc.Version,
		Capabilities:      reg.List,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxMessageBytes:   cfg.Transport.MaxMessageBytes,
	})

	sched := scheduler.New(reg, mon, client.Send, scheduler.Options{
		DefaultTimeout: cfg.DefaultTimeout(),
		PoolSize:       cfg.WorkerPool.Size,
	})
	client.OnCommand = sched.Dispatch

	configPath := rc.ConfigPath
	reload := hotreload.NewManager(hotreload.Options{
		Registry:   reg,
		PluginsDir: cfg.Endpoint.PluginsDir,
		ConfigPath: configPath,
		Debounce:   cfg.Debounce(),
		Initial:    cfg,
	})
	reload.SubscribeConfig(func(changes []config.Change, next *config.Config) {
		applyLiveChanges(changes, next, client, sched, mon, reload)
	})

	builtin.Register(builtin.Deps{
		Registry: reg,
		Health:   mon,
		Logs:     logMgr,
		Reload:   reload,
		Events:   client,
		WorkDir:  workDir,
		Version:  rc.Version,
	})

	// Error-level records become log_alert events on the hub connection.
	alert := func(rec logging.Record) {
		client.SendEvent("log_alert", rec)
	}
	logMgr.OnError.Store(&alert)

	slog.Info("endpoint starting",
		"identity", cfg.Endpoint.Identity, "hub", cfg.Endpoint.HubURL,
		"handlers", len(reg.List()), "version", rc.Version)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	if cfg.HotReload.Enabled {
		g.Go(func() error {
			return reload.Run(gctx)
		})
	}
	g.Go(func() error {
		bo := hubclient.NewBackoff(cfg.ReconnectInitial(), cfg.ReconnectMax(),
			cfg.Reconnect.Multiplier, cfg.Reconnect.Jitter)
		client.ConnectWithReconnect(gctx, bo)
		// Returns on ctx cancellation or graceful eviction; either way the
		// endpoint is done.
		cancel()
		return nil
	})

	return g.Wait()
}

// applyLiveChanges pushes live-safe config changes into the running
// subsystems. Non-live-safe keys were already flagged by the manager.
func applyLiveChanges(changes []config.Change, cfg *config.Config,
	client *hubclient.Client, sched *scheduler.Scheduler,
	mon *health.Monitor, reload *hotreload.Manager) {

	for _, ch := range changes {
		if !ch.LiveSafe {
			continue
		}
		switch ch.Key {
		case "heartbeat.interval_s":
			client.SetHeartbeatInterval(cfg.HeartbeatInterval())
		case "command.default_timeout_s":
			sched.SetDefaultTimeout(cfg.DefaultTimeout())
		case "health.sample_interval_s":
			mon.SetSampleInterval(cfg.SampleInterval())
		case "health.max_memory_bytes":
			mon.SetMaxMemory(cfg.Health.MaxMemoryBytes)
		case "log.level":
			if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
				logging.SetLevel(lvl)
			}
		case "hot_reload.debounce_ms":
			reload.SetDebounce(cfg.Debounce())
		}
		slog.Info("config change applied", "key", ch.Key, "old", ch.Old, "new", ch.New)
	}
}
