// Package daemon installs agentd as a systemd unit or a launchd agent.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// ServiceConfig holds parameters for service installation.
type ServiceConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	DataDir    string
	User       string
	LogDir     string
	HomeDir    string

	// EnvFile, when set, is loaded by the service manager. It is where
	// AGENTD_CONFIG_KEY belongs when the config holds encrypted tokens.
	EnvFile string
}

// ServiceStatus holds the status of an installed service.
type ServiceStatus struct {
	Running bool
	PID     int
}

// labelPrefix namespaces the launchd job label.
const labelPrefix = "dev.agentd."

// systemdDir and command are replaced in tests.
var systemdDir = "/etc/systemd/system"

var command = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DefaultConfig returns a ServiceConfig with auto-detected defaults.
func DefaultConfig() ServiceConfig {
	name := "agentd"
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/agentd"
	}

	username, homeDir := "root", "/root"
	if u, err := user.Current(); err == nil {
		username, homeDir = u.Username, u.HomeDir
	}

	share := filepath.Join(homeDir, ".local", "share", name)
	return ServiceConfig{
		Name:       name,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".config", name, "config.yaml"),
		DataDir:    filepath.Join(share, "data"),
		User:       username,
		LogDir:     filepath.Join(share, "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks the ServiceConfig for correctness.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t\n") {
		return fmt.Errorf("service name %q must not contain slashes or spaces", c.Name)
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	if c.ConfigPath != "" && !filepath.IsAbs(c.ConfigPath) {
		return fmt.Errorf("config path %q must be absolute", c.ConfigPath)
	}
	return nil
}

// Install writes and starts the service on the current platform.
func Install(cfg ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, dir := range []string{cfg.LogDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall stops and removes the service on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status returns the service status on the current platform.
func Status(name string) (*ServiceStatus, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func render(name, text string, cfg ServiceConfig) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description={{.Name}} actor host
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve --config {{.ConfigPath}}
WorkingDirectory={{.DataDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=30
StandardOutput=append:{{.LogDir}}/{{.Name}}.log
StandardError=append:{{.LogDir}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}
Environment=AGENTD_DATA_DIR={{.DataDir}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
NoNewPrivileges=true
ProtectSystem=strict
ReadWritePaths={{.DataDir}} {{.LogDir}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg ServiceConfig) (string, error) {
	return render("systemd", systemdTemplate, cfg)
}

func unitPath(name string) string {
	return filepath.Join(systemdDir, name+".service")
}

func installSystemd(cfg ServiceConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(unitPath(cfg.Name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", "--now", cfg.Name},
	} {
		if out, err := command(args[0], args[1:]...); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), bytes.TrimSpace(out), err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	// Best effort: the unit may already be stopped or never enabled.
	command("systemctl", "disable", "--now", name)
	if err := os.Remove(unitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	command("systemctl", "daemon-reload")
	return nil
}

func statusSystemd(name string) (*ServiceStatus, error) {
	out, _ := command("systemctl", "is-active", name)
	status := &ServiceStatus{Running: strings.TrimSpace(string(out)) == "active"}
	if !status.Running {
		return status, nil
	}
	if out, err := command("systemctl", "show", "--property=MainPID", "--value", name); err == nil {
		status.PID, _ = strconv.Atoi(strings.TrimSpace(string(out)))
	}
	return status, nil
}

// --- launchd ---

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + labelPrefix + `{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
        <key>AGENTD_DATA_DIR</key>
        <string>{{.DataDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg ServiceConfig) (string, error) {
	return render("launchd", launchdTemplate, cfg)
}

func plistPath(home, name string) string {
	return filepath.Join(home, "Library", "LaunchAgents", labelPrefix+name+".plist")
}

func installLaunchd(cfg ServiceConfig) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}
	path := plistPath(cfg.HomeDir, cfg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if out, err := command("launchctl", "load", "-w", path); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", bytes.TrimSpace(out), err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	path := plistPath(home, name)
	command("launchctl", "unload", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func statusLaunchd(name string) (*ServiceStatus, error) {
	out, err := command("launchctl", "list", labelPrefix+name)
	if err != nil {
		return &ServiceStatus{}, nil
	}
	return &ServiceStatus{Running: true, PID: parseLaunchdPID(string(out))}, nil
}

// parseLaunchdPID reads the "PID" = N; line of `launchctl list <label>`.
func parseLaunchdPID(out string) int {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.Trim(strings.TrimSpace(key), `"`) != "PID" {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(value), ";"))
		if err == nil {
			return pid
		}
	}
	return 0
}
