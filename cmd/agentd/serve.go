package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/adapter/gateway"
	"agentd/internal/adapter/mcptransport"
	"agentd/internal/adapter/store"
	"agentd/internal/domain"
	"agentd/internal/infra/config"
	"agentd/internal/infra/logger"
	"agentd/internal/infra/middleware"
	"agentd/internal/infra/tracer"
	"agentd/internal/security"
	"agentd/internal/usecase"
	"agentd/internal/usecase/actor"
	"agentd/internal/usecase/eventbus"
	"agentd/internal/usecase/provider"
	"agentd/internal/usecase/scheduling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the actor host and WebSocket gateway",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return run(cmd.Context(), cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	if err := rt.SeedTasks(ctx); err != nil {
		return fmt.Errorf("seed tasks: %w", err)
	}
	go rt.enforceAuditRetention(ctx, time.Hour)

	log.Info("agentd starting",
		"version", version,
		"addr", cfg.Gateway.Addr,
		"public_url", cfg.Server.PublicURL,
		"data_dir", cfg.Storage.DataDir,
		"classes", rt.host.Classes(),
		"auth", cfg.Gateway.Auth.Type != "",
		"audit", rt.audit != nil,
	)

	if err := rt.gateway.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// runtime is the wired server: one actor host behind one gateway.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	host    *actor.Host
	gateway *gateway.Server
	audit   *security.FileAuditLogger
}

// newRuntime builds every component from cfg and registers the built-in
// actor classes. Nothing is started.
func newRuntime(cfg *config.Config, log *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log}

	rt.bus = eventbus.New(log)
	rt.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("event", "type", e.Type, "actor", e.ActorID)
	})

	var dialOpts []mcptransport.DialerOption
	if cfg.Providers.BlockPrivateNetworks {
		dialOpts = append(dialOpts,
			mcptransport.WithURLGuard(security.ValidateURL),
			mcptransport.WithRoundTripper(security.NewGuardedTransport()),
		)
	}

	rt.host = actor.NewHost(actor.Options{
		CallbackBase: strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		ClientName:   cfg.Providers.ClientName,
		Breaker: provider.BreakerConfig{
			MaxFailures: cfg.Providers.CircuitBreaker.MaxFailures,
			Timeout:     cfg.Providers.CircuitBreaker.Timeout,
			Interval:    cfg.Providers.CircuitBreaker.Interval,
		},
	}, actor.HostDeps{
		OpenStore:   storeOpener(cfg.Storage.DataDir),
		StoreExists: storeExists(cfg.Storage.DataDir),
		Dialer:      mcptransport.NewDialer(cfg.Providers.DialTimeout, log, dialOpts...),
		Authorizers: mcptransport.NewAuthorizer,
		Bus:         rt.bus,
		Logger:      log,
	})
	for _, c := range builtinClasses() {
		if err := rt.host.Register(c); err != nil {
			return nil, fmt.Errorf("register class %s: %w", c.Name, err)
		}
	}

	var auditLog domain.AuditLogger
	if cfg.Audit.Path != "" {
		fa, err := newAuditLogger(cfg.Audit)
		if err != nil {
			return nil, err
		}
		rt.audit = fa
		auditLog = fa
	}

	var auth gateway.Authenticator
	if cfg.Gateway.Auth.Type == "static" {
		entries := make([]gateway.TokenEntry, len(cfg.Gateway.Auth.Tokens))
		for i, t := range cfg.Gateway.Auth.Tokens {
			entries[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name, Roles: t.Roles}
		}
		auth = gateway.NewStaticTokenAuth(entries)
	}

	g := cfg.Gateway
	rt.gateway = gateway.NewServer(gateway.Config{
		Addr:              g.Addr,
		AllowedOrigins:    g.AllowedOrigins,
		MaxMessageBytes:   g.MaxMessageBytes,
		SendBuffer:        g.SendBuffer,
		WriteTimeout:      g.WriteTimeout,
		MessagesPerSecond: g.RateLimit.MessagesPerSecond,
		MessageBurst:      g.RateLimit.Burst,
		HTTPLimit: middleware.RateLimitConfig{
			RequestsPerMin: g.HTTPRateLimit.RequestsPerMin,
			Burst:          g.HTTPRateLimit.Burst,
			TrustedProxies: g.TrustedProxies,
		},
		SuccessURL: cfg.Providers.SuccessURL,
		ErrorURL:   cfg.Providers.ErrorURL,
		Version:    version,
	}, gateway.Deps{
		Host:       rt.host,
		Auth:       auth,
		Authorizer: &usecase.RBACAuthorizer{},
		Audit:      auditLog,
		Logger:     log,
	})
	return rt, nil
}

func newAuditLogger(cfg config.AuditConfig) (*security.FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	fa, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	maxSize, err := config.ParseSize(cfg.MaxSize)
	if err != nil {
		fa.Close()
		return nil, fmt.Errorf("audit.max_size: %w", err)
	}
	if cfg.MaxAge > 0 || maxSize > 0 {
		fa.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
	}
	return fa, nil
}

// storeOpener places each instance in <dataDir>/<class>/<name>.db.
func storeOpener(dataDir string) actor.OpenStore {
	return func(class, name string) (actor.Store, error) {
		if dataDir == store.MemoryPath {
			return openStore(store.MemoryPath)
		}
		dir := filepath.Join(dataDir, class)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return openStore(filepath.Join(dir, name+".db"))
	}
}

// storeExists reports whether storeOpener has created the instance's file.
// In-memory instances never outlive the process, so none exist on disk.
func storeExists(dataDir string) actor.StoreExists {
	return func(class, name string) bool {
		if dataDir == store.MemoryPath {
			return false
		}
		info, err := os.Stat(filepath.Join(dataDir, class, name+".db"))
		return err == nil && info.Mode().IsRegular()
	}
}

func openStore(path string) (actor.Store, error) {
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SeedTasks installs the configured recurring tasks. A task is keyed by
// its name in the payload, so restarts do not duplicate it; a changed
// schedule replaces the stored one.
func (rt *runtime) SeedTasks(ctx context.Context) error {
	for _, tc := range rt.cfg.Scheduler.Tasks {
		class, name, _ := strings.Cut(tc.Actor, "/")
		a, err := rt.host.Get(ctx, class, name)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		err = a.Do(ctx, func(ctx context.Context) error {
			return seedTask(ctx, a, tc)
		})
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
	}
	return nil
}

type seededPayload struct {
	Task string          `json:"task"`
	Data json.RawMessage `json:"data,omitempty"`
}

func seedTask(ctx context.Context, a *actor.Actor, tc config.ScheduledTaskConfig) error {
	// A bare duration repeats as an "@every" descriptor.
	expr := strings.TrimSpace(tc.Schedule)
	if d, err := time.ParseDuration(expr); err == nil {
		expr = "@every " + d.String()
	}

	existing, err := a.ListSchedules(ctx, domain.TaskFilter{Kind: domain.TaskCron})
	if err != nil {
		return err
	}
	for _, t := range existing {
		var p seededPayload
		if json.Unmarshal(t.Payload, &p) != nil || p.Task != tc.Name {
			continue
		}
		if t.Method == tc.Method && t.Cron == expr {
			return nil
		}
		if _, err := a.CancelSchedule(ctx, t.ID); err != nil {
			return err
		}
	}

	payload := seededPayload{Task: tc.Name}
	if tc.Payload != "" {
		if !json.Valid([]byte(tc.Payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload.Data = json.RawMessage(tc.Payload)
	}
	task, err := a.Schedule(ctx, scheduling.Cron(expr), tc.Method, payload)
	if err != nil {
		return err
	}
	a.Logger().Info("seeded scheduled task", "task", tc.Name, "id", task.ID, "next", task.FireAt)
	return nil
}

// enforceAuditRetention trims the audit log once at start and then every
// interval until ctx is done.
func (rt *runtime) enforceAuditRetention(ctx context.Context, interval time.Duration) {
	if rt.audit == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		removed, err := rt.audit.EnforceRetention(ctx)
		if err != nil {
			rt.log.Warn("audit retention", "error", err)
		} else if removed > 0 {
			rt.log.Info("audit retention", "removed", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the gateway, unloads every actor and flushes the bus.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.gateway.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := rt.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}
	rt.bus.Close()
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	return errors.Join(errs...)
}
