// Package usecase holds cross-cutting policy shared by the gateway and the
// actor host.
package usecase

import (
	"context"

	"agentd/internal/domain"
)

// RBACAuthorizer authorizes against the fixed role table in domain.
type RBACAuthorizer struct{}

var _ domain.Authorizer = (*RBACAuthorizer)(nil)

// Authorize returns domain.ErrForbidden unless one of roles grants perm.
func (a *RBACAuthorizer) Authorize(_ context.Context, roles []domain.Role, perm domain.Permission) error {
	for _, role := range roles {
		if role.Grants(perm) {
			return nil
		}
	}
	return domain.ErrForbidden
}
