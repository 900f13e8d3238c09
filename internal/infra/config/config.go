package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Providers ProvidersConfig `yaml:"providers"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Audit     AuditConfig     `yaml:"audit"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// PublicURL is the externally reachable origin. OAuth callbacks are
	// built from it, so it must match what providers redirect browsers to.
	PublicURL       string        `yaml:"public_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds actor storage settings.
type StorageConfig struct {
	// DataDir holds one SQLite file per actor instance. ":memory:" keeps
	// everything in memory.
	DataDir string `yaml:"data_dir"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Tasks []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig seeds a recurring task on an actor at startup.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Actor    string `yaml:"actor"`    // "<class>/<name>"
	Method   string `yaml:"method"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Payload  string `yaml:"payload,omitempty"`
}

// ProvidersConfig holds MCP provider connection settings.
type ProvidersConfig struct {
	ClientName  string        `yaml:"client_name"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// SuccessURL and ErrorURL, when set, receive the browser after an OAuth
	// callback instead of the built-in page.
	SuccessURL     string               `yaml:"success_url,omitempty"`
	ErrorURL       string               `yaml:"error_url,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// BlockPrivateNetworks refuses provider URLs that resolve to loopback,
	// private or link-local addresses.
	BlockPrivateNetworks bool `yaml:"block_private_networks"`
}

// CircuitBreakerConfig holds per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr            string          `yaml:"addr"`
	Auth            AuthConfig      `yaml:"auth"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	SendBuffer      int             `yaml:"send_buffer"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	HTTPRateLimit   HTTPLimitConfig `yaml:"http_rate_limit"`
	TrustedProxies  []string        `yaml:"trusted_proxies,omitempty"`

	// AllowedOrigins are host patterns accepted in the Origin header of
	// WebSocket upgrades, in addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig limits inbound frames per observer connection.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// HTTPLimitConfig limits upgrade and callback requests per client IP.
type HTTPLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuditConfig holds the gateway audit trail settings. An empty Path
// disables auditing.
type AuditConfig struct {
	Path    string        `yaml:"path,omitempty"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
	MaxSize string        `yaml:"max_size,omitempty"` // e.g. "100MB"
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "noop" or "stdout"

	// Output is the file the stdout exporter appends to; empty means stdout.
	Output string `yaml:"output,omitempty"`

	// SampleRatio is the fraction of root spans recorded. Zero records all.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentd/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentd", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Providers: ProvidersConfig{
			ClientName:  "agentd",
			DialTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr:            ":8090",
			MaxMessageBytes: 1 << 20,
			SendBuffer:      64,
			WriteTimeout:    10 * time.Second,
			RateLimit: RateLimitConfig{
				MessagesPerSecond: 20,
				Burst:             40,
			},
			HTTPRateLimit: HTTPLimitConfig{
				RequestsPerMin: 120,
				Burst:          30,
			},
			AllowedOrigins: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncludeWalker(absPath).apply(cfg); err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("AGENTD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("AGENTD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTD_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("AGENTD_GATEWAY_RATE_LIMIT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.RateLimit.MessagesPerSecond = n
		}
	}
	if v := os.Getenv("AGENTD_PROVIDERS_CLIENT_NAME"); v != "" {
		cfg.Providers.ClientName = v
	}
	if v := os.Getenv("AGENTD_PROVIDERS_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Providers.DialTimeout = d
		}
	}
	if v := os.Getenv("AGENTD_PROVIDERS_BLOCK_PRIVATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Providers.BlockPrivateNetworks = b
		}
	}
	if v := os.Getenv("AGENTD_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("AGENTD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTD_TRUSTED_PROXIES"); v != "" {
		cfg.Gateway.TrustedProxies = splitAndTrim(v, ",")
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
