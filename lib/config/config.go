// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package config loads service configuration from a single YAML file
// specified by:
//   - MOSS_SERVICE_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment
// variables never override file values; the only expansion performed
// is ${HOME} and similar path variables for portability.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a service instance.
type Config struct {
	// Instance identifies this deployment to peers and in issued
	// tokens.
	Instance InstanceConfig `yaml:"instance"`

	// Listen configures the public HTTP listener.
	Listen ListenConfig `yaml:"listen"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`
}

// InstanceConfig identifies the deployment.
type InstanceConfig struct {
	// ID names the instance in tokens it issues (the iss claim).
	ID string `yaml:"id"`

	// Description is free-form operator text shown to peers.
	Description string `yaml:"description"`

	// URL is the externally reachable base URL advertised during
	// pairing. Must be set for pairing to work; peers call back here.
	URL string `yaml:"url"`

	// Role is the function this instance fills: hub, builder, or
	// repository-manager.
	Role string `yaml:"role"`

	// AdminName and AdminEmail identify the operator to peers.
	AdminName  string `yaml:"admin_name"`
	AdminEmail string `yaml:"admin_email"`
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Address is the host:port to bind. Default: :8080.
	Address string `yaml:"address"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for instance data.
	Root string `yaml:"root"`

	// State holds the signing seed and keypair. Created 0700.
	State string `yaml:"state"`

	// Database is the sqlite database path.
	Database string `yaml:"database"`
}

// Default returns the default configuration, used as a base before
// loading the config file. The file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "state", "moss-service")

	return &Config{
		Listen: ListenConfig{
			Address: ":8080",
		},
		Paths: PathsConfig{
			Root:     defaultRoot,
			State:    filepath.Join(defaultRoot, "state"),
			Database: filepath.Join(defaultRoot, "service.db"),
		},
	}
}

// Load loads configuration from the MOSS_SERVICE_CONFIG environment
// variable. Fails when the variable is unset; there is no discovery.
func Load() (*Config, error) {
	path := os.Getenv("MOSS_SERVICE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("MOSS_SERVICE_CONFIG environment variable not set; " +
			"set it to the path of your service.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over
// the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"MOSS_ROOT": c.Paths.Root,
		"HOME":      os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["MOSS_ROOT"] = c.Paths.Root

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Database = expandVars(c.Paths.Database, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Instance.ID == "" {
		errs = append(errs, fmt.Errorf("instance.id is required"))
	}
	switch c.Instance.Role {
	case "hub", "builder", "repository-manager":
	default:
		errs = append(errs, fmt.Errorf("instance.role must be hub, builder, or repository-manager"))
	}
	if c.Instance.URL != "" {
		if parsed, err := url.Parse(c.Instance.URL); err != nil || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("instance.url %q is not a valid URL", c.Instance.URL))
		}
	}
	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if missing. The
// state directory holds key material and is created private.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.Root, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Root, err)
	}
	if err := os.MkdirAll(c.Paths.State, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.State, err)
	}
	if dir := filepath.Dir(c.Paths.Database); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
