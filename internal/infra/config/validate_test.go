package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validationErrors(t *testing.T, cfg *Config) []string {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

func containsError(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestValidateTable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"public url relative", func(c *Config) { c.Server.PublicURL = "/agents" }, "server.public_url"},
		{"public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }, "server.public_url"},
		{"shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "server.shutdown_timeout"},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"client name", func(c *Config) { c.Providers.ClientName = "" }, "providers.client_name"},
		{"dial timeout", func(c *Config) { c.Providers.DialTimeout = 0 }, "providers.dial_timeout"},
		{"breaker failures", func(c *Config) { c.Providers.CircuitBreaker.MaxFailures = 0 }, "max_failures"},
		{"success url", func(c *Config) { c.Providers.SuccessURL = "done" }, "providers.success_url"},
		{"gateway addr", func(c *Config) { c.Gateway.Addr = "localhost" }, "gateway.addr"},
		{"auth type", func(c *Config) { c.Gateway.Auth.Type = "oauth" }, "gateway.auth.type"},
		{"static without tokens", func(c *Config) { c.Gateway.Auth.Type = "static" }, "gateway.auth.tokens"},
		{"empty token", func(c *Config) {
			c.Gateway.Auth = AuthConfig{Type: "static", Tokens: []TokenConfig{{Name: "x"}}}
		}, "tokens[0].token"},
		{"unknown role", func(c *Config) {
			c.Gateway.Auth = AuthConfig{Type: "static", Tokens: []TokenConfig{{Token: "t", Name: "x", Roles: []string{"root"}}}}
		}, "tokens[0].roles[0]"},
		{"message size", func(c *Config) { c.Gateway.MaxMessageBytes = 0 }, "max_message_bytes"},
		{"send buffer", func(c *Config) { c.Gateway.SendBuffer = 0 }, "send_buffer"},
		{"rate without burst", func(c *Config) { c.Gateway.RateLimit = RateLimitConfig{MessagesPerSecond: 5} }, "rate_limit.burst"},
		{"trusted proxy", func(c *Config) { c.Gateway.TrustedProxies = []string{"proxy.local"} }, "trusted_proxies[0]"},
		{"log level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }, "tracer.exporter"},
		{"sample ratio", func(c *Config) { c.Tracer.SampleRatio = 1.5 }, "tracer.sample_ratio"},
		{"audit size", func(c *Config) { c.Audit = AuditConfig{Path: "a.jsonl", MaxSize: "huge"} }, "audit.max_size"},
		{"audit age", func(c *Config) { c.Audit = AuditConfig{Path: "a.jsonl", MaxAge: -time.Hour} }, "audit.max_age"},
		{"audit retention without path", func(c *Config) { c.Audit.MaxAge = time.Hour }, "audit.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			errs := validationErrors(t, cfg)
			if !containsError(errs, tt.want) {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestValidateScheduledTasks(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Tasks = []ScheduledTaskConfig{
		{Name: "ok-cron", Actor: "counter/main", Method: "tick", Schedule: "*/5 * * * *"},
		{Name: "ok-every", Actor: "counter/main", Method: "tick", Schedule: "@hourly"},
		{Name: "ok-delay", Actor: "counter/main", Method: "tick", Schedule: "90s"},
	}
	if errs := validationErrors(t, cfg); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	cfg.Scheduler.Tasks = []ScheduledTaskConfig{
		{Actor: "counter", Schedule: "not a schedule"},
		{Name: "neg", Actor: "a/b", Method: "m", Schedule: (-time.Second).String()},
	}
	errs := validationErrors(t, cfg)
	for _, want := range []string{
		"tasks[0].name", "tasks[0].actor", "tasks[0].method",
		"tasks[0].schedule \"not a schedule\"", "tasks[1].schedule duration",
	} {
		if !containsError(errs, want) {
			t.Errorf("errors %v do not mention %q", errs, want)
		}
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.DataDir = ""
	cfg.Logger.Level = "loud"
	cfg.Gateway.SendBuffer = -1
	if errs := validationErrors(t, cfg); len(errs) != 3 {
		t.Errorf("want 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"100B", 100, false},
		{"10KB", 10 << 10, false},
		{"5mb", 5 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-1MB", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
