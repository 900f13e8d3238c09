package domain

import "context"

// Role names a gateway client's level of access.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleUser     Role = "user"
	RoleViewer   Role = "viewer"
)

// Permission is a gateway action subject to authorization.
type Permission string

const (
	// PermActorObserve allows attaching to an actor and sending it frames.
	PermActorObserve Permission = "actor:observe"
	PermActorDestroy Permission = "actor:destroy"
	PermStatusView   Permission = "status:view"
)

var grants = map[Role]map[Permission]bool{
	RoleAdmin:    {PermActorObserve: true, PermActorDestroy: true, PermStatusView: true},
	RoleOperator: {PermActorObserve: true, PermStatusView: true},
	RoleUser:     {PermActorObserve: true},
	RoleViewer:   {PermStatusView: true},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := grants[r]
	return ok
}

// Grants reports whether r carries perm. Unknown roles carry nothing.
func (r Role) Grants(perm Permission) bool {
	return grants[r][perm]
}

// ParseRoles keeps the known roles among names, in order.
func ParseRoles(names []string) []Role {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		if r := Role(n); r.Valid() {
			roles = append(roles, r)
		}
	}
	return roles
}

// Authorizer decides whether a set of roles may perform perm.
type Authorizer interface {
	Authorize(ctx context.Context, roles []Role, perm Permission) error
}
