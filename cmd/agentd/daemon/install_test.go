package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func testConfig(t *testing.T) ServiceConfig {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot determine executable: %v", err)
	}
	root := t.TempDir()
	return ServiceConfig{
		Name:       "agentd",
		BinaryPath: exe,
		ConfigPath: "/etc/agentd/config.yaml",
		DataDir:    filepath.Join(root, "data"),
		User:       "agentd",
		LogDir:     filepath.Join(root, "logs"),
		HomeDir:    root,
	}
}

// fakeCommands records invocations and answers from a table keyed by the
// joined command line.
func fakeCommands(t *testing.T, answers map[string]string, failing ...string) *[]string {
	t.Helper()
	var calls []string
	prev := command
	command = func(name string, args ...string) ([]byte, error) {
		line := strings.Join(append([]string{name}, args...), " ")
		calls = append(calls, line)
		for _, f := range failing {
			if line == f {
				return []byte("boom"), errors.New("exit status 1")
			}
		}
		return []byte(answers[line]), nil
	}
	t.Cleanup(func() { command = prev })
	return &calls
}

func TestSystemdTemplateRender(t *testing.T) {
	cfg := ServiceConfig{
		Name:       "agentd",
		BinaryPath: "/usr/local/bin/agentd",
		ConfigPath: "/etc/agentd/config.yaml",
		DataDir:    "/var/lib/agentd",
		User:       "agentd",
		LogDir:     "/var/log/agentd",
		HomeDir:    "/home/agentd",
		EnvFile:    "/etc/agentd/env",
	}

	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		t.Fatalf("RenderSystemdUnit: %v", err)
	}

	checks := []string{
		"[Unit]",
		"Description=agentd actor host",
		"ExecStart=/usr/local/bin/agentd serve --config /etc/agentd/config.yaml",
		"WorkingDirectory=/var/lib/agentd",
		"User=agentd",
		"StandardOutput=append:/var/log/agentd/agentd.log",
		"Environment=AGENTD_DATA_DIR=/var/lib/agentd\nEnvironmentFile=-/etc/agentd/env\nNoNewPrivileges=true",
		"ReadWritePaths=/var/lib/agentd /var/log/agentd",
		"WantedBy=multi-user.target",
	}
	for _, check := range checks {
		if !strings.Contains(content, check) {
			t.Errorf("systemd unit missing %q:\n%s", check, content)
		}
	}
}

func TestSystemdTemplateWithoutEnvFile(t *testing.T) {
	content, err := RenderSystemdUnit(ServiceConfig{Name: "agentd", DataDir: "/d", LogDir: "/l"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(content, "EnvironmentFile") {
		t.Errorf("unexpected EnvironmentFile:\n%s", content)
	}
	if !strings.Contains(content, "Environment=AGENTD_DATA_DIR=/d\nNoNewPrivileges=true") {
		t.Errorf("directives not on separate lines:\n%s", content)
	}
}

func TestLaunchdTemplateRender(t *testing.T) {
	cfg := ServiceConfig{
		Name:       "agentd",
		BinaryPath: "/usr/local/bin/agentd",
		ConfigPath: "/Users/test/.config/agentd/config.yaml",
		DataDir:    "/Users/test/.local/share/agentd/data",
		LogDir:     "/Users/test/.local/share/agentd/logs",
		HomeDir:    "/Users/test",
	}

	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		t.Fatalf("RenderLaunchdPlist: %v", err)
	}

	checks := []string{
		"<string>dev.agentd.agentd</string>",
		"<string>/usr/local/bin/agentd</string>\n        <string>serve</string>",
		"/Users/test/.config/agentd/config.yaml",
		"RunAtLoad",
		"KeepAlive",
		"/Users/test/.local/share/agentd/logs/agentd.log",
	}
	for _, check := range checks {
		if !strings.Contains(content, check) {
			t.Errorf("launchd plist missing %q:\n%s", check, content)
		}
	}
}

func TestServiceConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "agentd" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.BinaryPath == "" || cfg.User == "" || cfg.HomeDir == "" {
		t.Errorf("defaults incomplete: %+v", cfg)
	}
	if !strings.HasPrefix(cfg.DataDir, cfg.HomeDir) {
		t.Errorf("DataDir %q not under home %q", cfg.DataDir, cfg.HomeDir)
	}
}

func TestServiceConfigValidation(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "notexec")
	if err := os.WriteFile(notExec, []byte("#!/bin/sh"), 0o644); err != nil {
		t.Fatal(err)
	}
	valid := testConfig(t)

	tests := []struct {
		name    string
		cfg     ServiceConfig
		wantErr string
	}{
		{"empty name", ServiceConfig{}, "name is required"},
		{"name with slash", ServiceConfig{Name: "a/b"}, "must not contain"},
		{"empty binary", ServiceConfig{Name: "test"}, "binary path is required"},
		{"missing binary", ServiceConfig{Name: "test", BinaryPath: "/nonexistent/binary"}, "/nonexistent/binary"},
		{"not executable", ServiceConfig{Name: "test", BinaryPath: notExec}, "not executable"},
		{"relative config", ServiceConfig{Name: "test", BinaryPath: valid.BinaryPath, ConfigPath: "config.yaml"}, "must be absolute"},
		{"valid", valid, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestInstallSystemdWritesUnitAndEnables(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("systemd install only runs on linux")
	}
	systemdDir = t.TempDir()
	t.Cleanup(func() { systemdDir = "/etc/systemd/system" })
	calls := fakeCommands(t, nil)

	cfg := testConfig(t)
	if err := Install(cfg); err != nil {
		t.Fatalf("Install: %v", err)
	}

	unit, err := os.ReadFile(filepath.Join(systemdDir, "agentd.service"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(unit), "ExecStart="+cfg.BinaryPath+" serve") {
		t.Errorf("unit content:\n%s", unit)
	}
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
	want := []string{"systemctl daemon-reload", "systemctl enable --now agentd"}
	if strings.Join(*calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", *calls, want)
	}
}

func TestInstallSystemdReportsCommandFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("systemd install only runs on linux")
	}
	systemdDir = t.TempDir()
	t.Cleanup(func() { systemdDir = "/etc/systemd/system" })
	fakeCommands(t, nil, "systemctl enable --now agentd")

	err := Install(testConfig(t))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected command output in error, got %v", err)
	}
}

func TestUninstallSystemd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("systemd only")
	}
	systemdDir = t.TempDir()
	t.Cleanup(func() { systemdDir = "/etc/systemd/system" })
	calls := fakeCommands(t, nil)

	unit := filepath.Join(systemdDir, "agentd.service")
	if err := os.WriteFile(unit, []byte("[Unit]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Uninstall("agentd"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(unit); !os.IsNotExist(err) {
		t.Errorf("unit file still present: %v", err)
	}
	if len(*calls) != 2 {
		t.Errorf("calls = %v", *calls)
	}
	// A second uninstall is a no-op.
	if err := Uninstall("agentd"); err != nil {
		t.Errorf("second Uninstall: %v", err)
	}
}

func TestStatusSystemd(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("systemd only")
	}
	fakeCommands(t, map[string]string{
		"systemctl is-active agentd":                       "active\n",
		"systemctl show --property=MainPID --value agentd": "4242\n",
	})
	st, err := Status("agentd")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.PID != 4242 {
		t.Errorf("status = %+v", st)
	}

	fakeCommands(t, map[string]string{"systemctl is-active agentd": "inactive\n"})
	st, err = Status("agentd")
	if err != nil {
		t.Fatal(err)
	}
	if st.Running || st.PID != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestParseLaunchdPID(t *testing.T) {
	out := "{\n\t\"LimitLoadToSessionType\" = \"Aqua\";\n\t\"Label\" = \"dev.agentd.agentd\";\n\t\"PID\" = 812;\n};\n"
	if got := parseLaunchdPID(out); got != 812 {
		t.Errorf("parseLaunchdPID = %d, want 812", got)
	}
	if got := parseLaunchdPID("{\n\t\"Label\" = \"x\";\n};"); got != 0 {
		t.Errorf("parseLaunchdPID without PID = %d", got)
	}
}

func TestInstallUnsupportedPlatform(t *testing.T) {
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		t.Skip("skipping on supported platform")
	}
	err := Install(testConfig(t))
	if err == nil || !strings.Contains(err.Error(), "unsupported platform") {
		t.Errorf("unexpected error: %v", err)
	}
}
