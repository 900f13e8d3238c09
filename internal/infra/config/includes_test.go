package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "gateway.yaml", `
gateway:
  auth:
    type: static
    tokens:
      - token: "from-include"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "gateway.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Gateway.Auth.Tokens) != 1 || cfg.Gateway.Auth.Tokens[0].Token != "from-include" {
		t.Errorf("token not loaded from include: %+v", cfg.Gateway.Auth.Tokens)
	}
}

func TestIncludesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	subdir := filepath.Join(dir, "conf.d")
	if err := os.Mkdir(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, subdir, "storage.yaml", `
storage:
  data_dir: "/srv/agentd"
`)
	writeConfigFile(t, subdir, "providers.yaml", `
providers:
  client_name: "custom"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataDir != "/srv/agentd" {
		t.Errorf("DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Providers.ClientName != "custom" {
		t.Errorf("ClientName = %q", cfg.Providers.ClientName)
	}
}

func TestIncludesMainFileWins(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", `
logger:
  level: "debug"
  format: "json"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "base.yaml"
logger:
  level: "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Format = %q, want json", cfg.Logger.Format)
	}
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "leaf.yaml", `
providers:
  client_name: "leaf"
`)
	writeConfigFile(t, dir, "mid.yaml", `
includes:
  - "leaf.yaml"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "mid.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.ClientName != "leaf" {
		t.Errorf("ClientName = %q, want leaf", cfg.Providers.ClientName)
	}
}

func TestIncludesCircular(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `
includes:
  - "b.yaml"
`)
	writeConfigFile(t, dir, "b.yaml", `
includes:
  - "a.yaml"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "a.yaml"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestIncludesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "missing.yaml"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestIncludesEmptyGlob(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "conf.d/*.yaml"
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("empty glob should not fail: %v", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, dir, "outside.yaml", "logger:\n  level: debug\n")
	path := writeConfigFile(t, sub, "config.yaml", `
includes:
  - "../outside.yaml"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestIncludesSharedFileInTwoBranches(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "common.yaml", "providers:\n  client_name: \"shared\"\n")
	writeConfigFile(t, dir, "a.yaml", "includes:\n  - \"common.yaml\"\n")
	writeConfigFile(t, dir, "b.yaml", "includes:\n  - \"common.yaml\"\n")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"a.yaml\"\n  - \"b.yaml\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("a file included from two branches is not a cycle: %v", err)
	}
	if cfg.Providers.ClientName != "shared" {
		t.Errorf("ClientName = %q", cfg.Providers.ClientName)
	}
}

func TestIncludesDepthLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < maxIncludeDepth+1; i++ {
		writeConfigFile(t, dir, fmt.Sprintf("l%d.yaml", i), fmt.Sprintf("includes:\n  - \"l%d.yaml\"\n", i+1))
	}
	writeConfigFile(t, dir, fmt.Sprintf("l%d.yaml", maxIncludeDepth+1), "")
	path := writeConfigFile(t, dir, "config.yaml", "includes:\n  - \"l0.yaml\"\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "nested deeper") {
		t.Fatalf("expected depth error, got %v", err)
	}
}
