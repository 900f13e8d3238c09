package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"agentd/internal/adapter/store"
	"agentd/internal/infra/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on your setup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDoctor(cmd.OutOrStdout(), configPath())
	},
}

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results to w.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Data directory", Fn: checkDataDir},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Public URL", Fn: checkPublicURL},
		{Name: "Provider egress", Fn: checkProviderEgress},
		{Name: "Audit log", Fn: checkAuditLog},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Fprintln(w, "agentd doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Fprintln(w, "\nFix the FAIL issues above before starting agentd.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Fprintln(w, "\nagentd should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(w, "\nAll checks passed! agentd is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile reports whether the config loaded. A missing file is
// only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values named above",
			}
		}
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkDataDir verifies actor databases can be created.
func checkDataDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	dir := cfg.Storage.DataDir
	if dir == store.MemoryPath {
		return CheckResult{
			Status:  StatusWarn,
			Message: "storage is in memory; actor state is lost on restart",
			Fix:     "Set storage.data_dir to a directory",
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Set storage.data_dir to a writable directory",
		}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Fix the directory permissions or change storage.data_dir",
		}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is writable", dir)}
}

// checkGatewayAddr tries to bind the gateway address.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.Gateway.Addr)}
}

// checkGatewayAuth warns about an open gateway on a non-loopback address.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Gateway.Auth.Type == "static" {
		for _, t := range cfg.Gateway.Auth.Tokens {
			if len(t.Token) < 16 {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("token %q is shorter than 16 characters", t.Name),
					Fix:     "Use long random tokens; 'agentd secret encrypt' stores them encrypted",
				}
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("static auth with %d token(s)", len(cfg.Gateway.Auth.Tokens)),
		}
	}
	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if isLoopback(host) {
		return CheckResult{Status: StatusPass, Message: "no auth, gateway bound to loopback"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "gateway has no auth and is reachable from the network; every client is an admin",
		Fix:     "Set gateway.auth.type: static with tokens",
	}
}

// checkPublicURL verifies OAuth callbacks can reach this server.
func checkPublicURL(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	u, err := url.Parse(cfg.Server.PublicURL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid public_url: %v", err)}
	}
	if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not https; OAuth codes will cross the network in clear text", cfg.Server.PublicURL),
			Fix:     "Serve agentd behind TLS and set server.public_url to the https origin",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("OAuth callbacks return to %s", cfg.Server.PublicURL),
	}
}

func checkProviderEgress(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Providers.BlockPrivateNetworks {
		return CheckResult{Status: StatusPass, Message: "private and loopback provider URLs are blocked"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: "observers can point providers at internal addresses",
		Fix:     "Set providers.block_private_networks: true unless you run local MCP servers",
	}
}

func checkAuditLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Audit.Path == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "audit log disabled",
			Fix:     "Set audit.path to record auth failures and destroys",
		}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Change audit.path to a writable location",
		}
	}
	f, err := os.OpenFile(cfg.Audit.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Audit.Path, err),
			Fix:     "Change audit.path to a writable location",
		}
	}
	f.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("writing to %s", cfg.Audit.Path)}
}

// checkDiskSpace checks available disk space in the data directory.
func checkDiskSpace(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Storage.DataDir == store.MemoryPath {
		return CheckResult{Status: StatusPass, Message: "no data directory, space check skipped"}
	}
	absDir, _ := filepath.Abs(cfg.Storage.DataDir)
	if info, err := os.Stat(absDir); err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "data directory does not exist yet, space check skipped"}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(lines) < 2 || len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available, usePercent := fields[3], fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move storage.data_dir to another partition",
		}
	case pct >= 85:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
