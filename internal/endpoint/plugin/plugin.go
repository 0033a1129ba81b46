// Package plugin loads handler modules from manifest files. A module is an
// explicit unit: a JSON manifest declaring named handlers, each either a
// static responder or a subprocess invocation. Reload is "parse new
// manifest, atomically swap the module's registry entries" — a manifest
// that fails to parse leaves the previous handlers in place.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sessionfab/sessionfab/internal/endpoint/handler"
	"github.com/sessionfab/sessionfab/internal/logging"
)

// ManifestExt is the plugin manifest file extension.
const ManifestExt = ".json"

// Manifest is the on-disk plugin format.
type Manifest struct {
	Module   string            `json:"module"`
	Handlers []HandlerManifest `json:"handlers"`
}

// HandlerManifest declares one handler. Exactly one of Exec and Static
// must be set. Exec handlers are blocking; static handlers cooperative.
type HandlerManifest struct {
	Name     string          `json:"name"`
	TimeoutS float64         `json:"timeout_s,omitempty"`
	Exec     []string        `json:"exec,omitempty"`
	Static   json.RawMessage `json:"static,omitempty"`
}

// Module is a loaded plugin unit.
type Module struct {
	Name     string
	Path     string
	Handlers []handler.Handler
}

// LoadFile parses a manifest into a module. The module name defaults to
// the file base name.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	if manifest.Module == "" {
		manifest.Module = strings.TrimSuffix(filepath.Base(path), ManifestExt)
	}
	if len(manifest.Handlers) == 0 {
		return nil, fmt.Errorf("manifest %s declares no handlers", filepath.Base(path))
	}

	mod := &Module{Name: manifest.Module, Path: path}
	seen := make(map[string]bool)
	for _, hm := range manifest.Handlers {
		if hm.Name == "" {
			return nil, fmt.Errorf("manifest %s: handler without name", filepath.Base(path))
		}
		if seen[hm.Name] {
			return nil, fmt.Errorf("manifest %s: duplicate handler %q", filepath.Base(path), hm.Name)
		}
		seen[hm.Name] = true

		h, err := buildHandler(manifest.Module, hm)
		if err != nil {
			return nil, err
		}
		mod.Handlers = append(mod.Handlers, h)
	}
	return mod, nil
}

func buildHandler(module string, hm HandlerManifest) (handler.Handler, error) {
	h := handler.Handler{
		Name:   hm.Name,
		Module: module,
	}
	if hm.TimeoutS > 0 {
		h.DefaultTimeout = time.Duration(hm.TimeoutS * float64(time.Second))
	}

	switch {
	case len(hm.Exec) > 0 && hm.Static != nil:
		return handler.Handler{}, fmt.Errorf("handler %q: exec and static are mutually exclusive", hm.Name)
	case len(hm.Exec) > 0:
		h.Kind = handler.Blocking
		h.Fn = execFunc(hm.Name, hm.Exec)
	case hm.Static != nil:
		static := hm.Static
		h.Kind = handler.Cooperative
		h.Fn = func(ctx context.Context, _ json.RawMessage) (any, error) {
			return static, nil
		}
	default:
		return handler.Handler{}, fmt.Errorf("handler %q: needs exec or static", hm.Name)
	}
	return h, nil
}

// execFunc runs the argv as a subprocess with the params JSON on stdin.
// Stdout is returned as JSON data when parseable, otherwise wrapped as
// {"output": <text>}.
func execFunc(name string, argv []string) handler.Func {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		if len(params) > 0 {
			cmd.Stdin = bytes.NewReader(params)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("handler %s: %s", name, msg)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if json.Valid(out) && len(out) > 0 {
			return json.RawMessage(out), nil
		}
		return map[string]string{"output": string(out)}, nil
	}
}

// LoadDir loads every manifest in dir. A failing manifest is logged and
// skipped; the rest load. A missing directory yields no modules.
func LoadDir(dir string) []*Module {
	log := slog.With(logging.LoggerKey, "plugin")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("read plugins dir", "dir", dir, "error", err)
		}
		return nil
	}

	var modules []*Module
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ManifestExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		mod, err := LoadFile(path)
		if err != nil {
			log.Error("load plugin", "path", path, "error", err)
			continue
		}
		modules = append(modules, mod)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })
	return modules
}
