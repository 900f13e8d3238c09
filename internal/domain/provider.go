package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ProviderState is a step of the provider connection state machine.
type ProviderState string

const (
	ProviderAuthenticating ProviderState = "authenticating"
	ProviderConnecting     ProviderState = "connecting"
	ProviderDiscovering    ProviderState = "discovering"
	ProviderReady          ProviderState = "ready"
	ProviderFailed         ProviderState = "failed"
	ProviderDisconnected   ProviderState = "disconnected"
)

// Provider transports.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// ProviderOptions is the serialized transport configuration of a provider.
type ProviderOptions struct {
	Transport  string            `json:"transport,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ClientName string            `json:"client_name,omitempty"`
	Scopes     []string          `json:"scopes,omitempty"`
}

// ProviderConnection is the persisted identity of one provider connection.
// ClientID survives disconnects so a resumed connection never re-registers.
type ProviderConnection struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ServerURL   string          `json:"server_url"`
	State       ProviderState   `json:"state"`
	ClientID    string          `json:"client_id,omitempty"`
	AuthURL     string          `json:"auth_url,omitempty"`
	CallbackURL string          `json:"callback_url"`
	Options     ProviderOptions `json:"options"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ProviderStore persists provider connection rows.
type ProviderStore interface {
	SaveProvider(ctx context.Context, p ProviderConnection) error
	GetProvider(ctx context.Context, id string) (*ProviderConnection, error)
	ListProviders(ctx context.Context) ([]ProviderConnection, error)
	DeleteProvider(ctx context.Context, id string) error
}

// AuthRecord is the OAuth material of one (actor, provider, client) triple.
// Token is an opaque JSON document owned by the transport.
type AuthRecord struct {
	ActorID      string          `json:"actor_id"`
	ProviderID   string          `json:"provider_id"`
	ClientID     string          `json:"client_id"`
	ClientSecret string          `json:"client_secret,omitempty"`
	Token        json.RawMessage `json:"token,omitempty"`
	CodeVerifier string          `json:"code_verifier,omitempty"`
	StateNonce   string          `json:"state_nonce,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AuthStore persists AuthRecords.
type AuthStore interface {
	LoadAuth(ctx context.Context, actorID, providerID, clientID string) (*AuthRecord, error)
	SaveAuth(ctx context.Context, rec AuthRecord) error
	// DeleteAuth removes every record of the provider.
	DeleteAuth(ctx context.Context, actorID, providerID string) error
}

// ProviderTool is a namespaced tool in the aggregated view.
type ProviderTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ProviderID  string          `json:"provider_id"`
}

// ProviderPrompt is a namespaced prompt in the aggregated view.
type ProviderPrompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ProviderID  string `json:"provider_id"`
}

// ProviderResource is a namespaced resource in the aggregated view.
type ProviderResource struct {
	Name       string `json:"name"`
	URI        string `json:"uri"`
	MIMEType   string `json:"mimeType,omitempty"`
	ProviderID string `json:"provider_id"`
}

// ProviderResourceTemplate is a namespaced resource template in the aggregated view.
type ProviderResourceTemplate struct {
	Name        string `json:"name"`
	URITemplate string `json:"uriTemplate"`
	ProviderID  string `json:"provider_id"`
}

// ProviderSummary is the per-provider entry of the aggregated view.
type ProviderSummary struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	ServerURL    string        `json:"server_url"`
	State        ProviderState `json:"state"`
	AuthURL      string        `json:"auth_url,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ProviderView is the namespaced union of every ready provider's catalog.
type ProviderView struct {
	Servers           []ProviderSummary          `json:"servers"`
	Tools             []ProviderTool             `json:"tools"`
	Prompts           []ProviderPrompt           `json:"prompts"`
	Resources         []ProviderResource         `json:"resources"`
	ResourceTemplates []ProviderResourceTemplate `json:"resourceTemplates"`
}
