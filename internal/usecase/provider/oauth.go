package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"

	"agentd/internal/domain"
)

// OAuthStore persists the OAuth material of one provider connection keyed by
// (actor, provider, client). It is the mcp-go TokenStore of the session, so
// tokens refreshed by the transport land in the actor's database.
type OAuthStore struct {
	store      domain.AuthStore
	actorID    string
	providerID string
	clientID   string
	now        func() time.Time
}

var _ transport.TokenStore = (*OAuthStore)(nil)

// NewOAuthStore returns the store for one (actor, provider, client) triple.
func NewOAuthStore(store domain.AuthStore, actorID, providerID, clientID string) *OAuthStore {
	return &OAuthStore{store: store, actorID: actorID, providerID: providerID, clientID: clientID, now: time.Now}
}

// GetToken implements transport.TokenStore.
func (s *OAuthStore) GetToken(ctx context.Context) (*transport.Token, error) {
	rec, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil || len(rec.Token) == 0 {
		return nil, transport.ErrNoToken
	}
	var tok transport.Token
	if err := json.Unmarshal(rec.Token, &tok); err != nil {
		return nil, domain.WrapOp("OAuthStore.GetToken", err)
	}
	return &tok, nil
}

// SaveToken implements transport.TokenStore.
func (s *OAuthStore) SaveToken(ctx context.Context, token *transport.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return domain.WrapOp("OAuthStore.SaveToken", err)
	}
	return s.update(ctx, func(rec *domain.AuthRecord) { rec.Token = data })
}

// HasToken reports whether an access token has been stored.
func (s *OAuthStore) HasToken(ctx context.Context) bool {
	tok, err := s.GetToken(ctx)
	return err == nil && tok.AccessToken != ""
}

// ClientSecret returns the stored client secret of a registered client.
func (s *OAuthStore) ClientSecret(ctx context.Context) string {
	rec, err := s.load(ctx)
	if err != nil || rec == nil {
		return ""
	}
	return rec.ClientSecret
}

// SavePending records the registration and PKCE material of an
// authorization that is waiting for its callback.
func (s *OAuthStore) SavePending(ctx context.Context, clientSecret, verifier, nonce string) error {
	return s.update(ctx, func(rec *domain.AuthRecord) {
		rec.ClientSecret = clientSecret
		rec.CodeVerifier = verifier
		rec.StateNonce = nonce
	})
}

// Pending returns the verifier and nonce of an outstanding authorization.
func (s *OAuthStore) Pending(ctx context.Context) (verifier, nonce string, ok bool) {
	rec, err := s.load(ctx)
	if err != nil || rec == nil || rec.CodeVerifier == "" || rec.StateNonce == "" {
		return "", "", false
	}
	return rec.CodeVerifier, rec.StateNonce, true
}

// ClearPending forgets the verifier and nonce once the code was exchanged.
func (s *OAuthStore) ClearPending(ctx context.Context) error {
	return s.update(ctx, func(rec *domain.AuthRecord) {
		rec.CodeVerifier = ""
		rec.StateNonce = ""
	})
}

func (s *OAuthStore) load(ctx context.Context) (*domain.AuthRecord, error) {
	rec, err := s.store.LoadAuth(ctx, s.actorID, s.providerID, s.clientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *OAuthStore) update(ctx context.Context, mutate func(*domain.AuthRecord)) error {
	rec, err := s.load(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &domain.AuthRecord{ActorID: s.actorID, ProviderID: s.providerID, ClientID: s.clientID}
	}
	mutate(rec)
	rec.UpdatedAt = s.now().UTC()
	return s.store.SaveAuth(ctx, *rec)
}

// FormatState builds the OAuth state parameter "<nonce>.<key>". The key is
// the client id, or the provider id when the provider registered no client.
func FormatState(nonce, key string) string {
	return nonce + "." + key
}

// ParseState splits a state parameter produced by FormatState.
func ParseState(state string) (nonce, key string, ok bool) {
	nonce, key, ok = strings.Cut(state, ".")
	if !ok || nonce == "" || key == "" {
		return "", "", false
	}
	return nonce, key, true
}

func stateKey(clientID, providerID string) string {
	if clientID != "" {
		return clientID
	}
	return providerID
}

// SaveClientSecret records the secret of a pre-registered client.
func (s *OAuthStore) SaveClientSecret(ctx context.Context, secret string) error {
	return s.update(ctx, func(rec *domain.AuthRecord) { rec.ClientSecret = secret })
}
