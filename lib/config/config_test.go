// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: summit-prod
  url: https://summit.serpentos.com
  role: hub
listen:
  address: ":9000"
paths:
  root: /var/lib/summit
  state: /var/lib/summit/state
  database: /var/lib/summit/summit.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Instance.ID != "summit-prod" {
		t.Errorf("instance.id = %q", cfg.Instance.ID)
	}
	if cfg.Listen.Address != ":9000" {
		t.Errorf("listen.address = %q", cfg.Listen.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: avalanche-1
  role: builder
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Listen.Address != ":8080" {
		t.Errorf("listen.address = %q, want default :8080", cfg.Listen.Address)
	}
	if cfg.Paths.Database == "" {
		t.Error("paths.database default missing")
	}
}

func TestVariableExpansion(t *testing.T) {
	path := writeConfig(t, `
instance:
  id: vessel-1
  role: repository-manager
paths:
  root: /srv/vessel
  state: ${MOSS_ROOT}/state
  database: ${MOSS_ROOT}/vessel.db
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.State != "/srv/vessel/state" {
		t.Errorf("paths.state = %q", cfg.Paths.State)
	}
	if cfg.Paths.Database != "/srv/vessel/vessel.db" {
		t.Errorf("paths.database = %q", cfg.Paths.Database)
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := Default()
	cfg.Instance.ID = "x"
	cfg.Instance.Role = "dancer"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an unknown role")
	}
	if !strings.Contains(err.Error(), "role") {
		t.Errorf("error %q does not mention role", err)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("MOSS_SERVICE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without MOSS_SERVICE_CONFIG")
	}
}
