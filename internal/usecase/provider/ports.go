package provider

import (
	"context"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"agentd/internal/domain"
)

// Client is the part of an MCP client session the manager drives.
// *client.Client from mcp-go satisfies it.
type Client interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListToolsByPage(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResourcesByPage(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ListResourceTemplatesByPage(ctx context.Context, request mcp.ListResourceTemplatesRequest) (*mcp.ListResourceTemplatesResult, error)
	ListPromptsByPage(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	Close() error
}

// Target is everything needed to open a session to one provider.
// OAuth is nil when no token material exists yet.
type Target struct {
	ProviderID string
	URL        string
	Options    domain.ProviderOptions
	OAuth      *transport.OAuthConfig
}

// Dialer opens started, uninitialized client sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Client, error)
}

// Authorizer performs the authorization-code flow steps for one provider.
type Authorizer interface {
	// Register performs dynamic client registration.
	Register(ctx context.Context, clientName string) error
	ClientID() string
	ClientSecret() string
	// AuthorizationURL builds the URL the user must visit.
	AuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error)
	// Exchange trades the code for tokens and saves them in the config's TokenStore.
	Exchange(ctx context.Context, code, state, codeVerifier string) error
}

// AuthorizerFactory builds an Authorizer for the provider at serverURL.
type AuthorizerFactory func(serverURL string, cfg transport.OAuthConfig) Authorizer
