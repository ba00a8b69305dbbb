// Package config loads lab configuration: a lab.yaml file in the lab root,
// overlaid by .env-file and environment-variable overrides, validated before
// the core ever sees it. Configuration is loaded once and passed into the
// orchestrator explicitly; nothing in the core reads ambient process state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SharedStorage configures the lab-wide shared mount.
type SharedStorage struct {
	Enabled    bool   `yaml:"enabled"`
	MountPoint string `yaml:"mount_point"`
}

// Lab is the lab-level configuration.
type Lab struct {
	// Name scopes every node's physical identifier.
	Name string `yaml:"name" validate:"required"`

	// Backend selects the virtualization backend. Unknown values fail
	// closed at backend construction.
	Backend string `yaml:"backend" validate:"required,oneof=incus docker qemu"`

	// RequiresNodes are shared nodes this lab depends on but does not
	// own. They live outside the lab's name scope.
	RequiresNodes []string `yaml:"requires_nodes"`

	// SharedStorage configures the shared mount added to every node.
	SharedStorage SharedStorage `yaml:"shared_storage"`

	// StorageDir is where the qemu backend keeps its sidecar files.
	// Defaults to <root>/.labforge/vms.
	StorageDir string `yaml:"storage_dir"`

	// User is recorded as the operator in manifests and run records.
	User string `yaml:"user"`

	// Protected marks a lab whose nodes must not be removed; enforced by
	// plan admission policy.
	Protected bool `yaml:"protected"`
}

// envOverrides maps environment keys to their config fields. Values found in
// the process environment win over the .env file, which wins over lab.yaml.
var envOverrides = map[string]func(*Lab, string){
	"LABFORGE_BACKEND":     func(l *Lab, v string) { l.Backend = v },
	"LABFORGE_USER":        func(l *Lab, v string) { l.User = v },
	"LABFORGE_STORAGE_DIR": func(l *Lab, v string) { l.StorageDir = v },
}

var labValidator = validator.New()

// Load reads and validates the lab configuration rooted at root.
func Load(root string) (*Lab, error) {
	cfg := &Lab{
		Backend: "incus",
		SharedStorage: SharedStorage{
			Enabled:    true,
			MountPoint: "/lab/shared",
		},
		User: defaultUser(),
	}

	path := filepath.Join(root, "lab.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyOverrides(cfg, parseEnvFile(filepath.Join(root, ".env")))
	applyOverrides(cfg, processEnv())

	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(root, ".labforge", "vms")
	}

	if err := labValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid lab config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration back to lab.yaml (used by init scaffolding).
func Save(root string, cfg *Lab) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "lab.yaml"), data, 0o644)
}

func applyOverrides(cfg *Lab, values map[string]string) {
	for key, apply := range envOverrides {
		if value, ok := values[key]; ok && value != "" {
			apply(cfg, value)
		}
	}
}

// parseEnvFile reads a KEY=VALUE .env file. A missing file is not an error.
func parseEnvFile(path string) map[string]string {
	values := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return values
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return values
}

func processEnv() map[string]string {
	values := map[string]string{}
	for key := range envOverrides {
		if value, ok := os.LookupEnv(key); ok {
			values[key] = value
		}
	}
	return values
}

func defaultUser() string {
	if user := os.Getenv("SUDO_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}
