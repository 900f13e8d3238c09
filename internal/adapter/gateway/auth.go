package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"agentd/internal/domain"
)

// ClientInfo identifies an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []domain.Role
}

// anonymous is the client used when the gateway runs without auth.
var anonymous = &ClientInfo{Name: "anonymous", Roles: []domain.Role{domain.RoleAdmin}}

// Authenticator resolves a presented token to a client.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted static token as written in config.
type TokenEntry struct {
	Token string
	Name  string
	Roles []string
}

// StaticTokenAuth matches tokens by SHA-256 digest so that every
// comparison has the same length and runs in constant time.
type StaticTokenAuth struct {
	digests [][sha256.Size]byte
	clients []*ClientInfo
}

// NewStaticTokenAuth builds an authenticator from config entries. Unknown
// role names are dropped; an entry left without roles gets the user role.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{
		digests: make([][sha256.Size]byte, 0, len(entries)),
		clients: make([]*ClientInfo, 0, len(entries)),
	}
	for _, e := range entries {
		roles := domain.ParseRoles(e.Roles)
		if len(roles) == 0 {
			roles = []domain.Role{domain.RoleUser}
		}
		a.digests = append(a.digests, sha256.Sum256([]byte(e.Token)))
		a.clients = append(a.clients, &ClientInfo{Name: e.Name, Roles: roles})
	}
	return a
}

func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	sum := sha256.Sum256([]byte(token))
	match := -1
	for i := range s.digests {
		if subtle.ConstantTimeCompare(sum[:], s.digests[i][:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return nil, domain.ErrGatewayAuthFailed
	}
	return s.clients[match], nil
}

// requestToken reads a bearer token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
