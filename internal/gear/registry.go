// Package gear loads Gear manifests from a directory and keeps a live
// registry of the sandbox.Supervisor each one is dispatched through,
// hot-reloading on file changes (§4.6, §9.1).
//
// This package deliberately does not redefine the manifest/permission data
// model: internal/sandbox already owns GearManifest, Permissions,
// ResourceLimits, and ActionSpec per §3/§4.6, and internal/sandbox.Supervisor
// already implements the signed-envelope IPC round trip. gear.Registry is a
// thin loader and lookup table on top of that, grounded on
// tools/file/executor.go and tools/git/executor.go's "one executor per tool,
// constructed once at startup" idiom from the teacher, generalized to load
// N tool definitions from a manifest directory instead of one hardcoded Go
// type per tool.
package gear

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"axis.run/meridian/internal/sandbox"
)

// entry bundles one Gear's manifest with the Supervisor built to dispatch
// to it.
type entry struct {
	manifest   *sandbox.GearManifest
	supervisor *sandbox.Supervisor
}

// Keys supplies the signing material every loaded Supervisor is built with.
// Axis uses one sandbox-scoped keypair per process rather than per-Gear
// keys, matching §4.6's "IPC" description, which names a single signing
// identity for the parent.
type Keys struct {
	SignerID    string
	SigningKey  ed25519.PrivateKey
	ChildPublic ed25519.PublicKey
	Workspace   string
	ToolVersion string
	SecretsDir  string
}

// Registry is the live set of loaded Gears, keyed by manifest ID.
type Registry struct {
	keys   Keys
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New builds an empty Registry. Call Load (and optionally Watch) to
// populate it.
func New(keys Keys, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{keys: keys, logger: logger, entries: make(map[string]entry)}
}

// Load reads every *.yaml/*.yml file in dir as a GearManifest, validates it,
// and (re)builds the Registry's entry set atomically. A manifest that fails
// to parse or validate is logged and skipped rather than aborting the whole
// load, so one bad file doesn't take every Gear down.
func (r *Registry) Load(dir string) error {
	files, err := manifestFiles(dir)
	if err != nil {
		return fmt.Errorf("gear: list manifest dir %s: %w", dir, err)
	}

	next := make(map[string]entry, len(files))
	for _, path := range files {
		m, err := loadManifest(path)
		if err != nil {
			r.logger.Warn("skipping invalid gear manifest", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		sup := sandbox.NewSupervisor(m, r.keys.Workspace, r.keys.ToolVersion, r.keys.SigningKey, r.keys.ChildPublic, r.keys.SignerID)
		next[m.ID] = entry{manifest: m, supervisor: sup}
	}

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	r.logger.Info("gear registry loaded", slog.Int("count", len(next)), slog.String("dir", dir))
	return nil
}

func loadManifest(path string) (*sandbox.GearManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var m sandbox.GearManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func manifestFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ToolNames returns every loaded Gear's ID, sorted, in the shape of
// pipeline.Config.ToolNames. lifecycle.Build does not pass it there: the
// orchestrator is built before the registry, so its fast-path check runs
// with no tool names.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for id := range r.entries {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// HasTools reports whether any Gear is currently loaded. lifecycle.Build
// does not pass it to pipeline.Config.HasTools, which stays false.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) > 0
}

// Supervisor returns the Supervisor for gearID, or nil if no such Gear is
// loaded.
func (r *Registry) Supervisor(gearID string) *sandbox.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[gearID]
	if !ok {
		return nil
	}
	return e.supervisor
}

// Manifest returns the GearManifest for gearID, or nil if no such Gear is
// loaded.
func (r *Registry) Manifest(gearID string) *sandbox.GearManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[gearID]
	if !ok {
		return nil
	}
	return e.manifest
}
