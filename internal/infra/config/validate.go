package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"agentd/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateStorage(cfg, ve)
	validateScheduler(cfg, ve)
	validateProviders(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	u, err := url.Parse(cfg.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if cfg.Storage.DataDir == "" {
		ve.Add("storage.data_dir must not be empty")
	}
}

// cronParser matches the five-field syntax the scheduler accepts.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *Config, ve *ValidationError) {
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		class, name, ok := strings.Cut(t.Actor, "/")
		if !ok || class == "" || name == "" {
			ve.Add("scheduler.tasks[%d].actor %q must be <class>/<name>", i, t.Actor)
		}
		if t.Method == "" {
			ve.Add("scheduler.tasks[%d].method is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
			continue
		}
		if d, err := time.ParseDuration(t.Schedule); err == nil {
			if d <= 0 {
				ve.Add("scheduler.tasks[%d].schedule duration must be > 0", i)
			}
			continue
		}
		if _, err := cronParser.Parse(t.Schedule); err != nil {
			ve.Add("scheduler.tasks[%d].schedule %q is neither a duration nor a cron expression", i, t.Schedule)
		}
	}
}

func validateProviders(cfg *Config, ve *ValidationError) {
	p := cfg.Providers
	if p.ClientName == "" {
		ve.Add("providers.client_name must not be empty")
	}
	if p.DialTimeout <= 0 {
		ve.Add("providers.dial_timeout must be > 0")
	}
	if p.CircuitBreaker.MaxFailures == 0 {
		ve.Add("providers.circuit_breaker.max_failures must be > 0")
	}
	if p.CircuitBreaker.Timeout < 0 || p.CircuitBreaker.Interval < 0 {
		ve.Add("providers.circuit_breaker durations must not be negative")
	}
	for field, v := range map[string]string{"success_url": p.SuccessURL, "error_url": p.ErrorURL} {
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err != nil || u.Scheme == "" {
			ve.Add("providers.%s %q must be an absolute URL", field, v)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	switch g.Auth.Type {
	case "":
	case "static":
		if len(g.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty for static auth")
		}
		for i, t := range g.Auth.Tokens {
			if t.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
			for j, r := range t.Roles {
				if !domain.Role(r).Valid() {
					ve.Add("gateway.auth.tokens[%d].roles[%d] %q is not a known role", i, j, r)
				}
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want \"static\" or empty)", g.Auth.Type)
	}
	if g.MaxMessageBytes <= 0 {
		ve.Add("gateway.max_message_bytes must be > 0")
	}
	if g.SendBuffer <= 0 {
		ve.Add("gateway.send_buffer must be > 0")
	}
	if g.WriteTimeout <= 0 {
		ve.Add("gateway.write_timeout must be > 0")
	}
	if g.RateLimit.MessagesPerSecond < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must not be negative")
	}
	if g.RateLimit.MessagesPerSecond > 0 && g.RateLimit.Burst == 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when a rate is set")
	}
	if g.HTTPRateLimit.RequestsPerMin < 0 || g.HTTPRateLimit.Burst < 0 {
		ve.Add("gateway.http_rate_limit values must not be negative")
	}
	for i, p := range g.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("gateway.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want noop or stdout)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be between 0 and 1", r)
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must not be negative")
	}
	if _, err := ParseSize(a.MaxSize); err != nil {
		ve.Add("audit.max_size %q is invalid", a.MaxSize)
	}
	if a.Path == "" && (a.MaxAge > 0 || a.MaxSize != "") {
		ve.Add("audit retention is set but audit.path is empty")
	}
}

// ParseSize parses a byte size such as "100MB" or "1GB". An empty string
// is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: invalid number", s)
	}
	return n * multiplier, nil
}
