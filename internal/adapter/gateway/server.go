// Package gateway exposes actor instances to WebSocket observers and
// receives OAuth redirects for their providers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"agentd/internal/domain"
	"agentd/internal/infra/middleware"
	"agentd/internal/usecase/actor"
)

// Config holds gateway settings.
type Config struct {
	Addr string

	// AllowedOrigins are Origin host patterns accepted on upgrade in
	// addition to same-origin requests.
	AllowedOrigins    []string
	MaxMessageBytes   int64
	SendBuffer        int
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	HTTPLimit         middleware.RateLimitConfig

	// SuccessURL and ErrorURL receive the browser after an OAuth callback.
	// When empty a small HTML page is rendered instead.
	SuccessURL string
	ErrorURL   string
	Version    string
}

// Deps are the gateway's collaborators. Auth, Authorizer and Audit are
// optional: without Auth every client is an anonymous admin.
type Deps struct {
	Host       *actor.Host
	Auth       Authenticator
	Authorizer domain.Authorizer
	Audit      domain.AuditLogger
	Logger     *slog.Logger
}

// Server is the observer gateway.
type Server struct {
	cfg        Config
	host       *actor.Host
	auth       Authenticator
	authorizer domain.Authorizer
	audit      domain.AuditLogger
	logger     *slog.Logger
	limiter    *middleware.IPLimiter
	metrics    *Metrics
	started    time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	conns     sync.Map // conn id -> *clientConn
	handlers  sync.WaitGroup
	cancel    context.CancelFunc
}

// NewServer creates a gateway server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		host:       deps.Host,
		auth:       deps.Auth,
		authorizer: deps.Authorizer,
		audit:      deps.Audit,
		logger:     logger.With("component", "gateway"),
		limiter:    middleware.NewIPLimiter(ctx, cfg.HTTPLimit),
		metrics:    &Metrics{},
		started:    time.Now(),
		cancel:     cancel,
	}
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /agents/{class}/{name}/ws", s.limiter.Middleware(http.HandlerFunc(s.handleUpgrade)))
	mux.Handle("DELETE /agents/{class}/{name}", s.limiter.Middleware(http.HandlerFunc(s.handleDestroy)))
	mux.Handle("GET /agents/{class}/{name}/callback/{provider}",
		middleware.SecurityHeaders(s.limiter.Middleware(http.HandlerFunc(s.handleCallback))))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

// Start listens on the configured address. Blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every observer and shuts the HTTP server down, waiting for
// connection handlers until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.conns.Range(func(_, value any) bool {
		value.(*clientConn).Close("server shutting down")
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	var err error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}

	waited := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Metrics exposes the gateway counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// admit authenticates r and checks perm, writing the error response and
// an audit entry when either fails.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, perm domain.Permission, resource string) (*ClientInfo, bool) {
	info := anonymous
	if s.auth != nil {
		var err error
		info, err = s.auth.Authenticate(requestToken(r))
		if err != nil {
			s.metrics.AuthFailures.Add(1)
			s.recordAudit(r.Context(), domain.AuditAuthFailed, "", resource, string(perm), "denied")
			s.logger.Warn("gateway auth failed", "remote", middleware.ClientIP(r, s.cfg.HTTPLimit.TrustedProxies), "path", r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return nil, false
		}
	}
	if s.authorizer != nil {
		if err := s.authorizer.Authorize(r.Context(), info.Roles, perm); err != nil {
			s.recordAudit(r.Context(), domain.AuditAccessDenied, info.Name, resource, string(perm), "denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return nil, false
		}
	}
	return info, true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	class, name := r.PathValue("class"), r.PathValue("name")
	resource := class + "/" + name
	info, ok := s.admit(w, r, domain.PermActorObserve, resource)
	if !ok {
		return
	}

	a, err := s.host.Get(r.Context(), class, name)
	if err != nil {
		s.logger.Warn("actor unavailable", "actor", resource, "error", err, "code", domain.ErrorCodeOf(err))
		http.Error(w, http.StatusText(statusFor(err)), statusFor(err))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	s.handlers.Add(1)
	defer s.handlers.Done()

	cc := newClientConn(ws, map[string]string{
		"client":    info.Name,
		"remote_ip": middleware.ClientIP(r, s.cfg.HTTPLimit.TrustedProxies),
	}, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.metrics)
	s.conns.Store(cc.id, cc)
	s.metrics.ConnectionsTotal.Add(1)
	s.metrics.ConnectionsActive.Add(1)
	defer func() {
		s.conns.Delete(cc.id)
		s.metrics.ConnectionsActive.Add(-1)
	}()

	go cc.writeLoop()

	ctx := domain.ContextWithConnID(r.Context(), cc.id)
	if err := a.Connect(ctx, cc); err != nil {
		s.logger.Warn("observer rejected", "actor", resource, "conn_id", cc.id, "error", err)
		cc.closeWith(closeCodeFor(err), closeReasonFor(err))
		<-cc.writerDone
		return
	}
	s.recordAudit(ctx, domain.AuditObserverConnect, info.Name, resource, "connect", "success")
	s.logger.Info("observer connected", "actor", resource, "conn_id", cc.id, "client", info.Name)

	s.readLoop(ctx, a, cc)

	a.Disconnect(context.Background(), cc)
	cc.closeWith(websocket.StatusNormalClosure, "")
	<-cc.writerDone
	s.logger.Info("observer disconnected", "actor", resource, "conn_id", cc.id)
}

// readLoop feeds inbound text frames to the actor one at a time. A rate
// limit delays reading, which pushes back on the peer through TCP.
func (s *Server) readLoop(ctx context.Context, a *actor.Actor, cc *clientConn) {
	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.MessageBurst, 1))
	}
	for {
		typ, data, err := cc.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 {
				s.logger.Debug("observer read ended", "conn_id", cc.id, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			cc.closeWith(websocket.StatusUnsupportedData, "text frames only")
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.metrics.MessagesReceived.Add(1)

		if err := a.HandleMessage(ctx, cc, data); err != nil {
			s.logger.Warn("observer message failed", "conn_id", cc.id, "error", err, "code", domain.ErrorCodeOf(err))
			cc.closeWith(closeCodeFor(err), closeReasonFor(err))
			return
		}
	}
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	class, name := r.PathValue("class"), r.PathValue("name")
	resource := class + "/" + name
	info, ok := s.admit(w, r, domain.PermActorDestroy, resource)
	if !ok {
		return
	}
	if err := s.host.Destroy(r.Context(), class, name); err != nil {
		s.logger.Warn("destroy failed", "actor", resource, "error", err)
		s.recordAudit(r.Context(), domain.AuditActorDestroy, info.Name, resource, "destroy", "error")
		http.Error(w, http.StatusText(statusFor(err)), statusFor(err))
		return
	}
	s.recordAudit(r.Context(), domain.AuditActorDestroy, info.Name, resource, "destroy", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordAudit(ctx context.Context, typ domain.AuditEventType, client, resource, action, outcome string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Client:   client,
		Resource: resource,
		Action:   action,
		Outcome:  outcome,
	})
	if err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrGatewayAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidOAuthState):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrActorDestroyed):
		return http.StatusGone
	case errors.Is(err, domain.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func closeCodeFor(err error) websocket.StatusCode {
	if errors.Is(err, domain.ErrActorDestroyed) {
		return websocket.StatusGoingAway
	}
	return websocket.StatusInternalError
}

func closeReasonFor(err error) string {
	if errors.Is(err, domain.ErrActorDestroyed) {
		return "actor destroyed"
	}
	return "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
