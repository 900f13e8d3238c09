package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentd/internal/adapter/mcptransport"
	"agentd/internal/adapter/store"
	"agentd/internal/usecase/actor"
)

// Config holds integration test configuration from environment
type Config struct {
	TestTimeout time.Duration
	SkipSlow    bool
	Verbose     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
		Verbose:     os.Getenv("INTEGRATION_VERBOSE") == "1",
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewLogger discards output unless INTEGRATION_VERBOSE=1.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg.Verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewHost builds a host whose actors persist to SQLite files under dir and
// dial real MCP servers. Reusing dir across hosts simulates a restart.
func NewHost(t *testing.T, cfg *Config, dir string, classes ...actor.Class) *actor.Host {
	t.Helper()
	logger := NewLogger(cfg)
	h := actor.NewHost(actor.Options{
		CallbackBase: "http://127.0.0.1:1",
		ClientName:   "agentd-integration",
	}, actor.HostDeps{
		OpenStore: func(class, name string) (actor.Store, error) {
			if err := os.MkdirAll(filepath.Join(dir, class), 0o700); err != nil {
				return nil, err
			}
			return store.Open(filepath.Join(dir, class, name+".db"))
		},
		Dialer:      mcptransport.NewDialer(10*time.Second, logger),
		Authorizers: mcptransport.NewAuthorizer,
		Logger:      logger,
	})
	for _, c := range classes {
		if err := h.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	return h
}
