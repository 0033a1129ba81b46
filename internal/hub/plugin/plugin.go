// Package plugin extends the hub's admin command surface from the same
// manifest format endpoints use. Loaded commands run on the hub itself;
// a failing manifest is logged and skipped so one bad plugin cannot take
// the surface down.
package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	endpointplugin "github.com/sessionfab/sessionfab/internal/endpoint/plugin"
	"github.com/sessionfab/sessionfab/internal/hub/registry"
	"github.com/sessionfab/sessionfab/internal/hub/router"
	"github.com/sessionfab/sessionfab/internal/logging"
)

const execTimeout = 30 * time.Second

// Loader loads admin-command plugins from a directory and registers them
// with the router. The router keeps last-registered semantics, so a
// reload simply re-registers every command it finds.
type Loader struct {
	dir    string
	router *router.Router
	log    *slog.Logger

	mu      sync.Mutex
	modules map[string][]string // module -> command names
}

// NewLoader creates a loader; dir may be empty to disable hub plugins.
func NewLoader(dir string, r *router.Router) *Loader {
	return &Loader{
		dir:     dir,
		router:  r,
		log:     slog.With(logging.LoggerKey, "hubplugin"),
		modules: make(map[string][]string),
	}
}

// Load scans the plugin directory and registers every command it finds.
// Returns module -> command names.
func (l *Loader) Load() map[string][]string {
	if l.dir == "" {
		return nil
	}

	loaded := make(map[string][]string)
	for _, mod := range endpointplugin.LoadDir(l.dir) {
		var names []string
		for _, h := range mod.Handlers {
			l.router.RegisterAdminCommand(h.Name, adapt(h.Fn))
			names = append(names, h.Name)
		}
		loaded[mod.Name] = names
		l.log.Info("hub plugin loaded", "module", mod.Name, "commands", names)
	}

	l.mu.Lock()
	l.modules = loaded
	l.mu.Unlock()
	return loaded
}

// Modules returns the currently loaded module -> command names.
func (l *Loader) Modules() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.modules))
	for name, cmds := range l.modules {
		out[name] = append([]string(nil), cmds...)
	}
	return out
}

// adapt bridges an endpoint-style handler func into an admin command.
// Exec handlers get a bounded context since the router has no per-command
// deadline for hub-side work.
func adapt(fn func(ctx context.Context, params json.RawMessage) (any, error)) router.AdminFunc {
	return func(_ *registry.Peer, params json.RawMessage) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), execTimeout)
		defer cancel()
		return fn(ctx, params)
	}
}
