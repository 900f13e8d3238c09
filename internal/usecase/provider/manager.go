// Package provider manages an actor's outbound MCP provider connections:
// their durable identity, OAuth authorization, capability discovery and the
// aggregated catalog observers see.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

const subsystem = "provider"

// Config holds the per-actor settings of a Manager.
type Config struct {
	ActorID string
	// CallbackBase is the public origin OAuth redirects come back to.
	CallbackBase string
	// CallbackPath is the actor's callback route without the provider id.
	CallbackPath string
	// ClientName is used for dynamic client registration and initialize.
	ClientName    string
	ClientVersion string
	Breaker       BreakerConfig
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store       domain.ProviderStore
	Auth        domain.AuthStore
	Dialer      Dialer
	Authorizers AuthorizerFactory
	Hub         domain.Broadcaster
	Bus         domain.EventBus
	Logger      *slog.Logger
}

// AddRequest describes a provider to connect to. ClientID and ClientSecret
// are set for providers with a pre-registered client.
type AddRequest struct {
	Name         string                 `json:"name"`
	URL          string                 `json:"url"`
	Options      domain.ProviderOptions `json:"options"`
	ClientID     string                 `json:"client_id,omitempty"`
	ClientSecret string                 `json:"client_secret,omitempty"`
}

// AddResult reports where a new connection ended up. A failed connection is
// a result, not an error.
type AddResult struct {
	ID      string               `json:"id"`
	State   domain.ProviderState `json:"state"`
	AuthURL string               `json:"auth_url,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// ResumeResult is the outcome of one re-attempted connection.
type ResumeResult struct {
	ID    string               `json:"id"`
	State domain.ProviderState `json:"state"`
	Error string               `json:"error,omitempty"`
}

type conn struct {
	row     domain.ProviderConnection
	gen     uint64
	client  Client
	catalog *catalog
	breaker *toolBreaker
}

// Manager owns every provider connection of one actor.
type Manager struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu    sync.Mutex
	conns map[string]*conn
}

// NewManager creates a Manager. Call Resume to restore persisted connections.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ClientName == "" {
		cfg.ClientName = "agentd"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		now:   time.Now,
		conns: make(map[string]*conn),
	}
}

// Add persists a new provider connection and attempts it.
func (m *Manager) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	ctx, span := tracer.StartSpan(ctx, "provider.add",
		trace.WithAttributes(tracer.StringAttr("provider.url", req.URL)),
	)
	defer span.End()

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return AddResult{}, domain.NewSubSystemError(subsystem, "provider.Add", domain.ErrInvalidInput,
			fmt.Sprintf("server url %q", req.URL))
	}
	opts := req.Options
	switch opts.Transport {
	case "":
		opts.Transport = domain.TransportStreamableHTTP
	case domain.TransportStreamableHTTP, domain.TransportSSE:
	default:
		return AddResult{}, domain.NewSubSystemError(subsystem, "provider.Add", domain.ErrInvalidInput,
			fmt.Sprintf("transport %q", opts.Transport))
	}

	id := ulid.Make().String()
	callback, err := url.JoinPath(m.cfg.CallbackBase, m.cfg.CallbackPath, id)
	if err != nil {
		return AddResult{}, domain.NewSubSystemError(subsystem, "provider.Add", domain.ErrInvalidInput, "callback url")
	}
	name := req.Name
	if name == "" {
		name = u.Host
	}
	now := m.now().UTC()
	row := domain.ProviderConnection{
		ID:          id,
		Name:        name,
		ServerURL:   req.URL,
		State:       domain.ProviderConnecting,
		ClientID:    req.ClientID,
		CallbackURL: callback,
		Options:     opts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.deps.Store.SaveProvider(ctx, row); err != nil {
		tracer.RecordError(span, err)
		return AddResult{}, domain.WrapOp("provider.Add", err)
	}
	if req.ClientSecret != "" {
		tokens := NewOAuthStore(m.deps.Auth, m.cfg.ActorID, id, req.ClientID)
		if err := tokens.SaveClientSecret(ctx, req.ClientSecret); err != nil {
			tracer.RecordError(span, err)
			return AddResult{}, domain.WrapOp("provider.Add", err)
		}
	}

	m.mu.Lock()
	m.conns[id] = &conn{row: row}
	m.mu.Unlock()
	m.emitState(ctx, row)

	row = m.connect(ctx, id)
	m.Broadcast(ctx)

	m.deps.Logger.Info("provider added", "provider", id, "url", req.URL, "state", row.State)
	tracer.SetOK(span)
	return AddResult{ID: id, State: row.State, AuthURL: authURLOf(row), Error: row.Error}, nil
}

// Resume loads every persisted provider row and re-attempts all of them in
// parallel with their stored client ids and tokens. The aggregated view is
// broadcast once, after every attempt settled.
func (m *Manager) Resume(ctx context.Context) ([]ResumeResult, error) {
	rows, err := m.deps.Store.ListProviders(ctx)
	if err != nil {
		return nil, domain.WrapOp("provider.Resume", err)
	}

	m.mu.Lock()
	for _, row := range rows {
		if _, ok := m.conns[row.ID]; !ok {
			m.conns[row.ID] = &conn{row: row}
		}
	}
	m.mu.Unlock()

	results := make([]ResumeResult, len(rows))
	var wg sync.WaitGroup
	for i, row := range rows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := m.connect(ctx, row.ID)
			results[i] = ResumeResult{ID: row.ID, State: out.State, Error: out.Error}
		}()
	}
	wg.Wait()

	m.Broadcast(ctx)
	m.deps.Logger.Info("providers resumed", "count", len(rows))
	return results, nil
}

// Reconnect drops the current session of a provider and attempts it again.
func (m *Manager) Reconnect(ctx context.Context, id string) (AddResult, error) {
	if _, err := m.Get(id); err != nil {
		return AddResult{}, err
	}
	row := m.connect(ctx, id)
	m.Broadcast(ctx)
	return AddResult{ID: id, State: row.State, AuthURL: authURLOf(row), Error: row.Error}, nil
}

// Disconnect closes a provider session but keeps its row, client id and
// tokens so that it can be resumed later.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return notFound("provider.Disconnect", id)
	}
	c.gen++
	cl := c.client
	c.client, c.catalog, c.breaker = nil, nil, nil
	c.row.State = domain.ProviderDisconnected
	c.row.Error = ""
	c.row.UpdatedAt = m.now().UTC()
	row := c.row
	err := m.deps.Store.SaveProvider(ctx, row)
	m.mu.Unlock()

	closeClient(cl, m.deps.Logger)
	if err != nil {
		return domain.WrapOp("provider.Disconnect", err)
	}
	m.emitState(ctx, row)
	m.Broadcast(ctx)
	return nil
}

// Remove closes a provider and deletes its row and every auth record.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return notFound("provider.Remove", id)
	}
	c.gen++
	cl := c.client
	delete(m.conns, id)
	m.mu.Unlock()

	closeClient(cl, m.deps.Logger)
	if err := m.deps.Store.DeleteProvider(ctx, id); err != nil && !errors.Is(err, domain.ErrProviderNotFound) {
		return domain.WrapOp("provider.Remove", err)
	}
	if err := m.deps.Auth.DeleteAuth(ctx, m.cfg.ActorID, id); err != nil {
		return domain.WrapOp("provider.Remove", err)
	}

	m.emit(ctx, domain.EventProviderRemoved, map[string]string{"provider_id": id})
	m.Broadcast(ctx)
	m.deps.Logger.Info("provider removed", "provider", id)
	return nil
}

// Get returns the current row of a provider.
func (m *Manager) Get(id string) (domain.ProviderConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return domain.ProviderConnection{}, notFound("provider.Get", id)
	}
	return c.row, nil
}

// View returns the aggregated, namespaced catalog of every provider.
func (m *Manager) View() domain.ProviderView {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		cp := *c
		conns = append(conns, &cp)
	}
	m.mu.Unlock()
	return buildView(conns)
}

// Broadcast pushes the aggregated view to every observer.
func (m *Manager) Broadcast(ctx context.Context) {
	if m.deps.Hub == nil {
		return
	}
	data, err := json.Marshal(domain.ProvidersEnvelope{Type: domain.EnvelopeProviders, Providers: m.View()})
	if err != nil {
		m.deps.Logger.Error("encode provider view", "error", err)
		return
	}
	m.deps.Hub.Broadcast(ctx, data)
}

// Close ends every session without touching persisted rows.
func (m *Manager) Close() {
	m.mu.Lock()
	var clients []Client
	for _, c := range m.conns {
		c.gen++
		if c.client != nil {
			clients = append(clients, c.client)
		}
		c.client, c.catalog, c.breaker = nil, nil, nil
	}
	m.mu.Unlock()
	for _, cl := range clients {
		closeClient(cl, m.deps.Logger)
	}
}

// connect runs one full connection attempt: dial, initialize, discover.
// A newer attempt or a removal discards the results of an older one.
func (m *Manager) connect(ctx context.Context, id string) domain.ProviderConnection {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return domain.ProviderConnection{}
	}
	c.gen++
	gen := c.gen
	old := c.client
	c.client, c.catalog, c.breaker = nil, nil, nil
	m.mu.Unlock()
	closeClient(old, m.deps.Logger)

	row, ok := m.transition(ctx, id, gen, func(r *domain.ProviderConnection) {
		r.State = domain.ProviderConnecting
		r.Error = ""
	})
	if !ok {
		return row
	}

	tokens := NewOAuthStore(m.deps.Auth, m.cfg.ActorID, id, row.ClientID)
	target := Target{ProviderID: id, URL: row.ServerURL, Options: row.Options}
	if row.ClientID != "" || tokens.HasToken(ctx) {
		cfg := m.oauthConfig(row, tokens.ClientSecret(ctx), tokens)
		target.OAuth = &cfg
	}

	cl, err := m.deps.Dialer.Dial(ctx, target)
	var init *mcp.InitializeResult
	if err == nil {
		init, err = cl.Initialize(ctx, m.initializeRequest())
	}
	if err != nil {
		closeClient(cl, m.deps.Logger)
		if isAuthRequired(err) {
			return m.authorize(ctx, id, gen)
		}
		return m.fail(ctx, id, gen, err)
	}

	if _, ok := m.transition(ctx, id, gen, func(r *domain.ProviderConnection) {
		r.State = domain.ProviderDiscovering
	}); !ok {
		closeClient(cl, m.deps.Logger)
		return m.current(id)
	}

	cat := discover(ctx, cl, init, m.deps.Logger.With("provider", id))

	m.mu.Lock()
	c, ok = m.conns[id]
	if !ok || c.gen != gen {
		m.mu.Unlock()
		closeClient(cl, m.deps.Logger)
		m.deps.Logger.Debug("stale discovery discarded", "provider", id)
		return m.current(id)
	}
	c.client = cl
	c.catalog = cat
	c.breaker = newBreaker(id, m.cfg.Breaker, m.deps.Logger)
	c.row.State = domain.ProviderReady
	c.row.AuthURL = ""
	c.row.Error = ""
	c.row.UpdatedAt = m.now().UTC()
	row = c.row
	if err := m.deps.Store.SaveProvider(ctx, row); err != nil {
		m.deps.Logger.Error("persist provider row", "provider", id, "error", err)
	}
	m.mu.Unlock()

	m.emitState(ctx, row)
	m.deps.Logger.Info("provider ready", "provider", id,
		"tools", len(cat.tools), "prompts", len(cat.prompts), "resources", len(cat.resources))
	return row
}

// authorize moves a provider to authenticating and produces the URL the
// user must visit. Pending PKCE material of an earlier attempt is reused so
// that an authorization survives disconnects.
func (m *Manager) authorize(ctx context.Context, id string, gen uint64) domain.ProviderConnection {
	row := m.current(id)
	clientID := row.ClientID
	tokens := NewOAuthStore(m.deps.Auth, m.cfg.ActorID, id, clientID)

	if row.AuthURL != "" {
		if _, _, ok := tokens.Pending(ctx); ok {
			row, _ = m.transition(ctx, id, gen, func(r *domain.ProviderConnection) {
				r.State = domain.ProviderAuthenticating
			})
			return row
		}
	}

	secret := tokens.ClientSecret(ctx)
	az := m.deps.Authorizers(row.ServerURL, m.oauthConfig(row, secret, tokens))
	if clientID == "" {
		name := row.Options.ClientName
		if name == "" {
			name = m.cfg.ClientName
		}
		if err := az.Register(ctx, name); err != nil {
			return m.fail(ctx, id, gen, fmt.Errorf("register client: %w", err))
		}
		clientID, secret = az.ClientID(), az.ClientSecret()
		tokens = NewOAuthStore(m.deps.Auth, m.cfg.ActorID, id, clientID)
	}

	verifier, err := transport.GenerateCodeVerifier()
	if err != nil {
		return m.fail(ctx, id, gen, err)
	}
	nonce, err := transport.GenerateState()
	if err != nil {
		return m.fail(ctx, id, gen, err)
	}
	state := FormatState(nonce, stateKey(clientID, id))
	authURL, err := az.AuthorizationURL(ctx, state, transport.GenerateCodeChallenge(verifier))
	if err != nil {
		return m.fail(ctx, id, gen, fmt.Errorf("authorization url: %w", err))
	}
	if err := tokens.SavePending(ctx, secret, verifier, nonce); err != nil {
		return m.fail(ctx, id, gen, err)
	}

	row, _ = m.transition(ctx, id, gen, func(r *domain.ProviderConnection) {
		r.State = domain.ProviderAuthenticating
		r.ClientID = clientID
		r.AuthURL = authURL
		r.Error = ""
	})
	m.deps.Logger.Info("provider requires authorization", "provider", id, "client_id", clientID)
	return row
}

// HandleCallback completes an authorization: it checks the state parameter
// against the stored client id and nonce, exchanges the code, then connects.
func (m *Manager) HandleCallback(ctx context.Context, id, code, state string) (domain.ProviderConnection, error) {
	ctx, span := tracer.StartSpan(ctx, "provider.callback",
		trace.WithAttributes(tracer.StringAttr("provider.id", id)),
	)
	defer span.End()

	row, err := m.Get(id)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ProviderConnection{}, err
	}
	nonce, key, ok := ParseState(state)
	if !ok {
		return row, invalidState("malformed state")
	}
	if key != stateKey(row.ClientID, id) {
		return row, invalidState("client id mismatch")
	}
	if code == "" {
		return row, invalidState("missing code")
	}

	tokens := NewOAuthStore(m.deps.Auth, m.cfg.ActorID, id, row.ClientID)
	verifier, pendingNonce, ok := tokens.Pending(ctx)
	if !ok || pendingNonce != nonce {
		return row, invalidState("unknown nonce")
	}

	az := m.deps.Authorizers(row.ServerURL, m.oauthConfig(row, tokens.ClientSecret(ctx), tokens))
	if err := az.Exchange(ctx, code, state, verifier); err != nil {
		tracer.RecordError(span, err)
		m.deps.Logger.Warn("code exchange failed", "provider", id, "error", err)
		return row, domain.NewSubSystemError(subsystem, "provider.HandleCallback", domain.ErrProviderError, err.Error())
	}
	if err := tokens.ClearPending(ctx); err != nil {
		m.deps.Logger.Error("clear pending authorization", "provider", id, "error", err)
	}

	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		c.row.AuthURL = ""
	}
	m.mu.Unlock()

	row = m.connect(ctx, id)
	m.Broadcast(ctx)
	tracer.SetOK(span)
	return row, nil
}

// transition mutates and persists a row if gen is still the current attempt.
func (m *Manager) transition(ctx context.Context, id string, gen uint64, mutate func(*domain.ProviderConnection)) (domain.ProviderConnection, bool) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return domain.ProviderConnection{}, false
	}
	if c.gen != gen {
		row := c.row
		m.mu.Unlock()
		return row, false
	}
	mutate(&c.row)
	c.row.UpdatedAt = m.now().UTC()
	row := c.row
	if err := m.deps.Store.SaveProvider(ctx, row); err != nil {
		m.deps.Logger.Error("persist provider row", "provider", id, "error", err)
	}
	m.mu.Unlock()

	m.emitState(ctx, row)
	return row, true
}

func (m *Manager) fail(ctx context.Context, id string, gen uint64, cause error) domain.ProviderConnection {
	m.deps.Logger.Warn("provider connection failed", "provider", id, "error", cause)
	row, _ := m.transition(ctx, id, gen, func(r *domain.ProviderConnection) {
		r.State = domain.ProviderFailed
		r.Error = cause.Error()
	})
	return row
}

func (m *Manager) current(id string) domain.ProviderConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		return c.row
	}
	return domain.ProviderConnection{}
}

func (m *Manager) oauthConfig(row domain.ProviderConnection, secret string, tokens transport.TokenStore) transport.OAuthConfig {
	return transport.OAuthConfig{
		ClientID:     row.ClientID,
		ClientSecret: secret,
		RedirectURI:  row.CallbackURL,
		Scopes:       row.Options.Scopes,
		TokenStore:   tokens,
		PKCEEnabled:  true,
	}
}

func (m *Manager) initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    m.cfg.ClientName,
		Version: m.cfg.ClientVersion,
	}
	return req
}

func (m *Manager) emitState(ctx context.Context, row domain.ProviderConnection) {
	m.emit(ctx, domain.EventProviderState, map[string]string{
		"provider_id": row.ID,
		"state":       string(row.State),
	})
}

func (m *Manager) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(ctx, domain.NewEvent(eventType, m.cfg.ActorID, payload))
}

// isAuthRequired reports whether a dial or initialize error means the
// provider wants the user to authorize first.
func isAuthRequired(err error) bool {
	return errors.Is(err, transport.ErrOAuthAuthorizationRequired) ||
		errors.Is(err, transport.ErrUnauthorized) ||
		errors.Is(err, domain.ErrAuthorizationRequired)
}

func authURLOf(row domain.ProviderConnection) string {
	if row.State == domain.ProviderAuthenticating {
		return row.AuthURL
	}
	return ""
}

func closeClient(cl Client, logger *slog.Logger) {
	if cl == nil {
		return
	}
	if err := cl.Close(); err != nil {
		logger.Debug("provider client close", "error", err)
	}
}

func notFound(op, id string) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrProviderNotFound, fmt.Sprintf("provider %q", id))
}

func invalidState(detail string) error {
	return domain.NewSubSystemError(subsystem, "provider.HandleCallback", domain.ErrInvalidOAuthState, detail)
}
