// Package sandbox isolates Gear tool executions in child processes with
// declared filesystem, network, and environment limits, and validates their
// signed responses (§4.6).
//
// Grounded on tools/file/executor.go's validatePath (prefix-containment
// against a resolved root) and tools/git/executor.go/decision.go's
// "declare an allowed command surface, refuse anything else" idiom,
// generalized to doublestar glob matching and OS-specific profile
// construction instead of a single hardcoded root.
package sandbox

import (
	"fmt"
	"time"
)

// ResourceLimits bounds what a sandboxed child process may consume.
type ResourceLimits struct {
	MaxMemoryBytes int64         `yaml:"maxMemoryBytes"`
	MaxCPUSeconds  int           `yaml:"maxCpuSeconds"`
	MaxWallClock   time.Duration `yaml:"maxWallClock"`
}

// ActionSpec declares one action a Gear exposes, with its parameter shape.
type ActionSpec struct {
	Name       string         `yaml:"name"`
	Parameters map[string]any `yaml:"parameters"`
}

// Permissions is the declared permission surface for a Gear: what
// filesystem paths, network domains, environment variables, and secrets it
// may touch, and whether it may invoke a shell.
type Permissions struct {
	FilesystemRead  []string `yaml:"filesystemRead"`
	FilesystemWrite []string `yaml:"filesystemWrite"`
	NetworkDomains  []string `yaml:"networkDomains"`
	EnvVars         []string `yaml:"envVars"`
	Secrets         []string `yaml:"secrets"`
	Shell           bool     `yaml:"shell"`
}

// GearManifest is the declarative permission/action contract for one
// sandboxed tool, loaded from YAML, hot-reloadable (§9.1).
type GearManifest struct {
	ID          string         `yaml:"id"`
	EntryPoint  string         `yaml:"entryPoint"`
	Actions     []ActionSpec   `yaml:"actions"`
	Permissions Permissions    `yaml:"permissions"`
	Limits      ResourceLimits `yaml:"limits"`
}

// Validate checks a manifest for the basic structural requirements the
// supervisor assumes before building any sandbox profile.
func (m *GearManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("sandbox: manifest missing id")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("sandbox: manifest %s missing entryPoint", m.ID)
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("sandbox: manifest %s declares no actions", m.ID)
	}
	return nil
}

// HasAction reports whether the manifest declares the named action.
func (m *GearManifest) HasAction(name string) bool {
	for _, a := range m.Actions {
		if a.Name == name {
			return true
		}
	}
	return false
}
