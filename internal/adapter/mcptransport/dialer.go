// Package mcptransport opens MCP client sessions over HTTP with mcp-go and
// drives the OAuth authorization-code flow against provider servers.
package mcptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"agentd/internal/domain"
	"agentd/internal/usecase/provider"
)

// defaultTimeout bounds every HTTP request a session makes.
const defaultTimeout = 30 * time.Second

// Dialer opens streamable-http or SSE sessions.
type Dialer struct {
	httpClient *http.Client
	guard      func(rawURL string) error
	logger     *slog.Logger
}

var _ provider.Dialer = (*Dialer)(nil)

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithRoundTripper replaces the HTTP transport used by every session.
func WithRoundTripper(rt http.RoundTripper) DialerOption {
	return func(d *Dialer) { d.httpClient.Transport = rt }
}

// WithURLGuard rejects provider URLs before any connection is made.
func WithURLGuard(guard func(rawURL string) error) DialerOption {
	return func(d *Dialer) { d.guard = guard }
}

// NewDialer creates a Dialer. A zero timeout uses the default.
func NewDialer(timeout time.Duration, logger *slog.Logger, opts ...DialerOption) *Dialer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &Dialer{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial creates and starts a client for target. The session is not initialized.
func (d *Dialer) Dial(ctx context.Context, target provider.Target) (provider.Client, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	if d.guard != nil {
		if err = d.guard(target.URL); err != nil {
			return nil, err
		}
	}

	switch target.Options.Transport {
	case "", domain.TransportStreamableHTTP:
		opts := []transport.StreamableHTTPCOption{
			transport.WithHTTPBasicClient(d.httpClient),
		}
		if len(target.Options.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(target.Options.Headers))
		}
		if target.OAuth != nil {
			opts = append(opts, transport.WithHTTPOAuth(*target.OAuth))
		}
		t, tErr := transport.NewStreamableHTTP(target.URL, opts...)
		if tErr != nil {
			return nil, fmt.Errorf("create http transport: %w", tErr)
		}
		c = mcpclient.NewClient(t)
	case domain.TransportSSE:
		opts := []transport.ClientOption{
			transport.WithHTTPClient(d.httpClient),
		}
		if len(target.Options.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(target.Options.Headers))
		}
		if target.OAuth != nil {
			opts = append(opts, transport.WithOAuth(*target.OAuth))
		}
		t, tErr := transport.NewSSE(target.URL, opts...)
		if tErr != nil {
			return nil, fmt.Errorf("create sse transport: %w", tErr)
		}
		c = mcpclient.NewClient(t)
	default:
		return nil, fmt.Errorf("unsupported transport %q", target.Options.Transport)
	}

	if err = c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("start %s client: %w", transportName(target), err)
	}
	d.logger.Debug("provider session started", "provider", target.ProviderID,
		"transport", transportName(target), "oauth", target.OAuth != nil)
	return c, nil
}

func transportName(t provider.Target) string {
	if t.Options.Transport == "" {
		return domain.TransportStreamableHTTP
	}
	return t.Options.Transport
}
