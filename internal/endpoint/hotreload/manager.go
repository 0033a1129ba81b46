// Package hotreload watches the plugin directory and the configuration
// file, debounces filesystem events, and applies reloads atomically:
// a reload that fails leaves the previous handlers or config in place.
package hotreload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionfab/sessionfab/internal/config"
	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/endpoint/plugin"
	"github.com/sessionfab/sessionfab/internal/logging"
)

// ConfigSubscriber receives validated config changes. Subscribers apply
// live-safe changes; the manager records a restart-required flag for the
// rest.
type ConfigSubscriber func(changes []config.Change, cfg *config.Config)

// Options configures a Manager.
type Options struct {
	Registry   *handler.Registry
	PluginsDir string
	ConfigPath string // empty when no config file is in use
	Debounce   time.Duration
	Initial    *config.Config
}

// Status is the hot_reload {action: status} payload.
type Status struct {
	Enabled         bool                `json:"enabled"`
	PluginsDir      string              `json:"plugins_dir"`
	ConfigPath      string              `json:"config_path,omitempty"`
	Modules         map[string][]string `json:"modules"`
	RestartRequired bool                `json:"restart_required"`
}

// Manager owns the three reload axes: watched module reload, watched
// config reload, and on-demand reload through the hot_reload command.
type Manager struct {
	registry   *handler.Registry
	pluginsDir string
	configPath string
	debounce   atomic.Int64 // nanoseconds
	log        *slog.Logger

	mu          sync.Mutex
	modules     map[string]*plugin.Module // module name -> loaded unit
	moduleFiles map[string]string         // manifest path -> module name
	cfg         *config.Config
	subscribers []ConfigSubscriber

	restartRequired atomic.Bool
	watching        atomic.Bool
}

// NewManager loads the plugin directory once and returns the manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		registry:    opts.Registry,
		pluginsDir:  opts.PluginsDir,
		configPath:  opts.ConfigPath,
		log:         slog.With(logging.LoggerKey, "hotreload"),
		modules:     make(map[string]*plugin.Module),
		moduleFiles: make(map[string]string),
		cfg:         opts.Initial,
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	m.debounce.Store(int64(opts.Debounce))

	for _, mod := range plugin.LoadDir(opts.PluginsDir) {
		m.install(mod)
	}
	return m
}

// SubscribeConfig registers a subscriber for config change events.
// Must be called before Run.
func (m *Manager) SubscribeConfig(fn ConfigSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetDebounce applies a live config change to the debounce window.
func (m *Manager) SetDebounce(d time.Duration) {
	if d > 0 {
		m.debounce.Store(int64(d))
	}
}

// Config returns the current configuration snapshot.
func (m *Manager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// RestartRequired reports whether a non-live-safe change was seen.
func (m *Manager) RestartRequired() bool {
	return m.restartRequired.Load()
}

// Run watches the plugin directory and config file until ctx is cancelled.
// Filesystem events are debounced per path to collapse editor
// write-and-rename sequences into a single reload.
func (m *Manager) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(m.pluginsDir); err != nil {
		m.log.Warn("watch plugins dir", "dir", m.pluginsDir, "error", err)
	}
	if m.configPath != "" {
		// Watch the directory: editors replace the file by rename, which
		// drops a watch on the file itself.
		if err := watcher.Add(filepath.Dir(m.configPath)); err != nil {
			m.log.Warn("watch config dir", "path", m.configPath, "error", err)
		}
	}

	m.watching.Store(true)
	defer m.watching.Store(false)

	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	fired := make(chan string, 16)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			if !m.watched(path) {
				continue
			}
			d := time.Duration(m.debounce.Load())
			if t, ok := timers[path]; ok {
				t.Reset(d)
			} else {
				p := path
				timers[path] = time.AfterFunc(d, func() {
					select {
					case fired <- p:
					case <-ctx.Done():
					}
				})
			}

		case path := <-fired:
			delete(timers, path)
			m.handleChange(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watcher error", "error", err)
		}
	}
}

// watched filters events down to the config file and plugin manifests.
func (m *Manager) watched(path string) bool {
	if m.configPath != "" && path == filepath.Clean(m.configPath) {
		return true
	}
	dir := filepath.Dir(path)
	return dir == filepath.Clean(m.pluginsDir) && strings.HasSuffix(path, plugin.ManifestExt)
}

func (m *Manager) handleChange(path string) {
	if m.configPath != "" && path == filepath.Clean(m.configPath) {
		if changes, err := m.ReloadConfig(); err != nil {
			m.log.Error("config reload failed, keeping previous config", "error", err)
		} else if len(changes) > 0 {
			m.log.Info("config reloaded", "changes", len(changes))
		}
		return
	}
	if _, err := m.ReloadModule(path); err != nil {
		m.log.Error("module reload failed, keeping previous handlers", "path", path, "error", err)
	}
}

// ReloadModule reloads one manifest. A vanished manifest deregisters its
// module. Returns the handler names now owned by the module.
func (m *Manager) ReloadModule(path string) ([]string, error) {
	path = filepath.Clean(path)
	mod, err := plugin.LoadFile(path)
	if err != nil {
		m.mu.Lock()
		name, tracked := m.moduleFiles[path]
		m.mu.Unlock()
		if tracked && !fileExists(path) {
			m.remove(path, name)
			m.log.Info("module removed", "module", name)
			return nil, nil
		}
		return nil, err
	}

	m.install(mod)
	names := m.registry.ModuleNames(mod.Name)
	m.log.Info("module reloaded", "module", mod.Name, "handlers", names)
	return names, nil
}

// ReloadAllModules rescans the plugin directory. Modules whose manifests
// disappeared are deregistered; failing manifests keep their old handlers.
func (m *Manager) ReloadAllModules() map[string][]string {
	found := make(map[string]bool)
	for _, mod := range plugin.LoadDir(m.pluginsDir) {
		m.install(mod)
		found[mod.Path] = true
	}

	m.mu.Lock()
	var gone []string
	for path := range m.moduleFiles {
		if !found[path] && !fileExists(path) {
			gone = append(gone, path)
		}
	}
	m.mu.Unlock()
	for _, path := range gone {
		m.mu.Lock()
		name := m.moduleFiles[path]
		m.mu.Unlock()
		m.remove(path, name)
	}

	return m.Modules()
}

// ReloadConfig reloads and validates the config file, publishes the diff
// to subscribers, and records the restart-required flag for non-live-safe
// changes. A config that fails validation is not applied.
func (m *Manager) ReloadConfig() ([]config.Change, error) {
	if m.configPath == "" {
		return nil, fmt.Errorf("no config file configured")
	}
	next, err := config.Load(m.configPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.cfg
	changes := config.Diff(prev, next)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	m.cfg = next
	subs := make([]ConfigSubscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range changes {
		if !ch.LiveSafe {
			m.restartRequired.Store(true)
			m.log.Warn("config change requires restart", "key", ch.Key)
		}
	}
	for _, fn := range subs {
		fn(changes, next)
	}
	return changes, nil
}

// ModulePath returns the manifest path backing a loaded module.
func (m *Manager) ModulePath(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[name]
	if !ok {
		return "", false
	}
	return mod.Path, true
}

// Modules returns module name -> registered handler names.
func (m *Manager) Modules() map[string][]string {
	m.mu.Lock()
	names := make([]string, 0, len(m.modules))
	for name := range m.modules {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string][]string, len(names))
	for _, name := range names {
		out[name] = m.registry.ModuleNames(name)
	}
	return out
}

// Status reports the manager's view for the hot_reload status action.
func (m *Manager) Status() Status {
	return Status{
		Enabled:         m.watching.Load(),
		PluginsDir:      m.pluginsDir,
		ConfigPath:      m.configPath,
		Modules:         m.Modules(),
		RestartRequired: m.restartRequired.Load(),
	}
}

func (m *Manager) install(mod *plugin.Module) {
	m.registry.SwapModule(mod.Name, mod.Handlers)
	m.mu.Lock()
	m.modules[mod.Name] = mod
	m.moduleFiles[mod.Path] = mod.Name
	m.mu.Unlock()
}

func (m *Manager) remove(path, name string) {
	m.registry.SwapModule(name, nil)
	m.mu.Lock()
	delete(m.modules, name)
	delete(m.moduleFiles, path)
	m.mu.Unlock()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
