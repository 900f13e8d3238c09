package mcptransport

import (
	"context"
	"net/url"

	"github.com/mark3labs/mcp-go/client/transport"

	"agentd/internal/usecase/provider"
)

// Authorizer runs the authorization-code flow through mcp-go's OAuthHandler.
// Server metadata is discovered from the provider's origin.
type Authorizer struct {
	handler *transport.OAuthHandler
}

var _ provider.Authorizer = (*Authorizer)(nil)

// NewAuthorizer is a provider.AuthorizerFactory.
func NewAuthorizer(serverURL string, cfg transport.OAuthConfig) provider.Authorizer {
	h := transport.NewOAuthHandler(cfg)
	h.SetBaseURL(origin(serverURL))
	return &Authorizer{handler: h}
}

// Register performs dynamic client registration under clientName.
func (a *Authorizer) Register(ctx context.Context, clientName string) error {
	return a.handler.RegisterClient(ctx, clientName)
}

// ClientID returns the registered or configured client id.
func (a *Authorizer) ClientID() string { return a.handler.GetClientID() }

// ClientSecret returns the client secret, empty for public clients.
func (a *Authorizer) ClientSecret() string { return a.handler.GetClientSecret() }

// AuthorizationURL builds the URL the user visits to grant access.
func (a *Authorizer) AuthorizationURL(ctx context.Context, state, codeChallenge string) (string, error) {
	return a.handler.GetAuthorizationURL(ctx, state, codeChallenge)
}

// Exchange trades the code for a token. The handler is rebuilt per callback,
// so the expected state is restored from the callback itself after the
// caller verified it against the stored nonce.
func (a *Authorizer) Exchange(ctx context.Context, code, state, codeVerifier string) error {
	a.handler.SetExpectedState(state)
	return a.handler.ProcessAuthorizationResponse(ctx, code, state, codeVerifier)
}

func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
