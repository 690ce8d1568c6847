package solver

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"platesolve/internal/config"
	"platesolve/internal/logging"
)

// Registry holds the backends by name in registration order.
type Registry struct {
	backends map[string]Backend
	order    []string
	logger   *slog.Logger
}

// NewRegistry registers the three engines. Each gets its own temp
// subdirectory and runner; config blocks missing from cfg are seeded with
// the backend defaults so a saved config lists every framework.
func NewRegistry(cfg *config.Solver, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{backends: make(map[string]Backend), logger: opts.Logger}

	base := opts.TempDir
	if cfg != nil && cfg.TempDir != "" {
		base = cfg.TempDir
	}
	if cfg != nil && cfg.WorkDir != "" {
		opts.WorkDir = cfg.WorkDir
	}
	perBackend := func(name string) Options {
		o := opts
		if base != "" {
			o.TempDir = filepath.Join(base, name)
		}
		return o
	}

	r.Register(NewAstap(perBackend(AstapName)))
	r.Register(NewAstrometry(perBackend(AstrometryName)))
	r.Register(NewWatney(perBackend(WatneyName)))

	if cfg != nil {
		r.Apply(cfg)
	}
	return r
}

// Register a backend.
func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	if _, exists := r.backends[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

// Get returns the backend for name.
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Names lists registered backends in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Apply pushes the config blocks into the backends and seeds missing ones.
func (r *Registry) Apply(cfg *config.Solver) {
	if cfg.Frameworks == nil {
		cfg.Frameworks = make(map[string]config.Backend)
	}
	for _, name := range r.order {
		b := r.backends[name]
		block, ok := cfg.Frameworks[name]
		if !ok {
			block = b.DefaultConfig()
			cfg.Frameworks[name] = block
		}
		b.SetConfig(block)
	}
}

// ToolStatus reports whether a backend can be started.
type ToolStatus struct {
	Framework string `json:"framework"`
	Device    string `json:"device"`
	Program   bool   `json:"program"`
	Index     bool   `json:"index"`
	AppPath   string `json:"appPath"`
	IndexPath string `json:"indexPath"`
}

// Available is true when both program and index were found.
func (s ToolStatus) Available() bool { return s.Program && s.Index }

// Status checks one backend.
func (r *Registry) Status(name string) (ToolStatus, error) {
	b, ok := r.backends[name]
	if !ok {
		return ToolStatus{}, fmt.Errorf("unknown framework %q", name)
	}
	c := b.Config()
	st := ToolStatus{
		Framework: name,
		Device:    c.DeviceName,
		Program:   b.CheckAvailabilityProgram(c.AppPath),
		Index:     b.CheckAvailabilityIndex(c.IndexPath),
		AppPath:   c.AppPath,
		IndexPath: c.IndexPath,
	}
	logging.LogToolStatus(r.logger, name, st.Program, "program", c.AppPath)
	logging.LogToolStatus(r.logger, name, st.Index, "index", c.IndexPath)
	return st, nil
}

// StatusAll checks every backend in registration order.
func (r *Registry) StatusAll() []ToolStatus {
	out := make([]ToolStatus, 0, len(r.order))
	for _, name := range r.order {
		st, _ := r.Status(name)
		out = append(out, st)
	}
	return out
}
