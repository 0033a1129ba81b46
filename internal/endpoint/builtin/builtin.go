// Package builtin registers the handler set every endpoint ships with:
// health, log management, hot reload, restart, and introspection.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/endpoint/health"
	"github.com/sessionfab/sessionfab/internal/endpoint/hotreload"
	"github.com/sessionfab/sessionfab/internal/endpoint/plugin"
	"github.com/sessionfab/sessionfab/internal/endpoint/restart"
	"github.com/sessionfab/sessionfab/internal/logging"
	"github.com/sessionfab/sessionfab/internal/protocol"
)

// EventRestarting is emitted to the hub just before a requested restart
// takes the process down.
const EventRestarting = "restarting"

// EventSender pushes an event envelope to the hub; satisfied by the hub
// client.
type EventSender interface {
	SendEvent(name string, data any)
}

// Deps are the endpoint subsystems the built-in handlers operate on.
type Deps struct {
	Registry *handler.Registry
	Health   *health.Monitor
	Logs     *logging.Manager
	Reload   *hotreload.Manager
	Events   EventSender
	WorkDir  string
	Version  string
}

// Register installs the built-in handlers into the registry.
func Register(deps Deps) {
	b := &builtins{deps: deps}
	for _, h := range []handler.Handler{
		{Name: "echo", Kind: handler.Cooperative, Fn: b.echo},
		{Name: "health_status", Kind: handler.Cooperative, Fn: b.healthStatus},
		{Name: "get_logs", Kind: handler.Cooperative, Fn: b.getLogs},
		{Name: "set_log_level", Kind: handler.Cooperative, Fn: b.setLogLevel},
		{Name: "get_log_stats", Kind: handler.Cooperative, Fn: b.getLogStats},
		{Name: "hot_reload", Kind: handler.Cooperative, Fn: b.hotReload},
		{Name: "restart_client", Kind: handler.Cooperative, Fn: b.restartClient},
		{Name: "list_handlers", Kind: handler.Cooperative, Fn: b.listHandlers},
	} {
		deps.Registry.Register(h)
	}
}

type builtins struct {
	deps Deps
}

func invalidParams(err error) error {
	return &protocol.HandlerError{
		Code:    protocol.CodeInvalidParams,
		Message: fmt.Sprintf("invalid parameters: %v", err),
	}
}

func decode(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return invalidParams(err)
	}
	return nil
}

// echo returns its parameters wrapped in a received field. Useful for
// connectivity checks.
func (b *builtins) echo(_ context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	return map[string]json.RawMessage{"received": params}, nil
}

func (b *builtins) healthStatus(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		History int `json:"history"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.History < 0 {
		return nil, invalidParams(fmt.Errorf("history must be >= 0, got %d", p.History))
	}

	out := map[string]any{
		"current": b.deps.Health.Collect(),
		"version": b.deps.Version,
	}
	if p.History > 0 {
		out["history"] = b.deps.Health.History(p.History)
	}
	return out, nil
}

func (b *builtins) getLogs(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Level  string  `json:"level"`
		Logger string  `json:"logger"`
		Name   string  `json:"name"`  // alias for logger
		SinceS float64 `json:"since_s"`
		Since  float64 `json:"since"` // alias for since_s
		Limit  int     `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Logger == "" {
		p.Logger = p.Name
	}
	if p.SinceS == 0 {
		p.SinceS = p.Since
	}
	if p.Limit < 0 || p.SinceS < 0 {
		return nil, invalidParams(fmt.Errorf("limit and since must be >= 0"))
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	filter := logging.Filter{LoggerContains: p.Logger, Limit: p.Limit}
	if p.Level != "" {
		lvl, err := logging.ParseLevel(p.Level)
		if err != nil {
			return nil, invalidParams(fmt.Errorf("unknown level %q", p.Level))
		}
		filter.MinLevel = &lvl
	}
	if p.SinceS > 0 {
		filter.Since = time.Now().Add(-time.Duration(p.SinceS * float64(time.Second)))
	}

	records := b.deps.Logs.Ring().Snapshot(filter)
	return map[string]any{
		"records": records,
		"count":   len(records),
	}, nil
}

func (b *builtins) setLogLevel(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Level  string `json:"level"`
		Logger string `json:"logger"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if p.Level == "" {
		if p.Logger == "" {
			return nil, invalidParams(fmt.Errorf("level is required"))
		}
		// Empty level with a logger clears the per-logger override.
		b.deps.Logs.ClearLoggerLevel(p.Logger)
		return map[string]any{
			"logger":          p.Logger,
			"effective_level": b.deps.Logs.EffectiveLevel(p.Logger).String(),
		}, nil
	}

	lvl, err := logging.ParseLevel(p.Level)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("unknown level %q", p.Level))
	}
	if p.Logger == "" {
		b.deps.Logs.SetLevel(lvl)
		slog.Info("global log level changed", "level", lvl.String())
	} else {
		b.deps.Logs.SetLoggerLevel(p.Logger, lvl)
		slog.Info("logger level changed", "target", p.Logger, "level", lvl.String())
	}
	return map[string]any{
		"logger":          p.Logger,
		"effective_level": b.deps.Logs.EffectiveLevel(p.Logger).String(),
	}, nil
}

func (b *builtins) getLogStats(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"counts":       b.deps.Logs.Stats(),
		"global_level": logging.GetLevel().String(),
	}, nil
}

func (b *builtins) hotReload(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Action string `json:"action"`
		Module string `json:"module"`
		Target string `json:"target"` // alias for module
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Action == "" {
		p.Action = "status"
	}
	if p.Module == "" {
		p.Module = p.Target
	}

	switch p.Action {
	case "status":
		return b.deps.Reload.Status(), nil

	case "reload_module":
		if p.Module == "" {
			return nil, invalidParams(fmt.Errorf("reload_module requires a module name"))
		}
		path, ok := b.deps.Reload.ModulePath(p.Module)
		if !ok {
			// Not loaded yet; try the conventional manifest location.
			path = filepath.Join(b.deps.Reload.Status().PluginsDir, p.Module+plugin.ManifestExt)
		}
		names, err := b.deps.Reload.ReloadModule(path)
		if err != nil {
			return nil, &protocol.HandlerError{
				Code:    protocol.CodeReloadFailed,
				Message: fmt.Sprintf("reload module %s: %v", p.Module, err),
			}
		}
		return map[string]any{"module": p.Module, "handlers": names}, nil

	case "reload_all":
		return map[string]any{"modules": b.deps.Reload.ReloadAllModules()}, nil

	case "reload_config":
		changes, err := b.deps.Reload.ReloadConfig()
		if err != nil {
			return nil, &protocol.HandlerError{
				Code:    protocol.CodeReloadFailed,
				Message: fmt.Sprintf("reload config: %v", err),
			}
		}
		return map[string]any{
			"changes":          changes,
			"restart_required": b.deps.Reload.RestartRequired(),
		}, nil

	default:
		return nil, invalidParams(fmt.Errorf("unknown action %q", p.Action))
	}
}

func (b *builtins) restartClient(_ context.Context, params json.RawMessage) (any, error) {
	p := struct {
		DelayS      float64 `json:"delay_s"`
		UseWatchdog *bool   `json:"use_watchdog"`
		Reason      string  `json:"reason"`
	}{DelayS: 1}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.DelayS < 0 {
		return nil, invalidParams(fmt.Errorf("delay_s must be >= 0"))
	}

	useWatchdog := restart.Supervised()
	if p.UseWatchdog != nil {
		useWatchdog = *p.UseWatchdog
	}
	delay := time.Duration(p.DelayS * float64(time.Second))

	// The response goes out before the delay elapses, so the admin sees the
	// acknowledgement instead of a dropped connection.
	restart.Schedule(delay, useWatchdog, p.Reason, b.deps.WorkDir, func() {
		if b.deps.Events != nil {
			b.deps.Events.SendEvent(EventRestarting, map[string]any{
				"reason":       p.Reason,
				"use_watchdog": useWatchdog,
			})
		}
	})

	return map[string]any{
		"restarting_in_s": delay.Seconds(),
		"use_watchdog":    useWatchdog,
	}, nil
}

func (b *builtins) listHandlers(_ context.Context, _ json.RawMessage) (any, error) {
	type entry struct {
		Name            string  `json:"name"`
		Kind            string  `json:"kind"`
		Module          string  `json:"module,omitempty"`
		DefaultTimeoutS float64 `json:"default_timeout_s,omitempty"`
	}
	var out []entry
	for _, name := range b.deps.Registry.List() {
		h, ok := b.deps.Registry.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, entry{
			Name:            h.Name,
			Kind:            string(h.Kind),
			Module:          h.Module,
			DefaultTimeoutS: h.DefaultTimeout.Seconds(),
		})
	}
	return map[string]any{"handlers": out, "count": len(out)}, nil
}
