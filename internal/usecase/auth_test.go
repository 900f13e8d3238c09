package usecase

import (
	"context"
	"errors"
	"testing"

	"agentd/internal/domain"
)

func TestRBACAuthorizerRolePermissions(t *testing.T) {
	a := &RBACAuthorizer{}
	ctx := context.Background()

	tests := []struct {
		name    string
		roles   []domain.Role
		perm    domain.Permission
		allowed bool
	}{
		{"admin can destroy", []domain.Role{domain.RoleAdmin}, domain.PermActorDestroy, true},
		{"admin can observe", []domain.Role{domain.RoleAdmin}, domain.PermActorObserve, true},
		{"operator can observe", []domain.Role{domain.RoleOperator}, domain.PermActorObserve, true},
		{"operator can view status", []domain.Role{domain.RoleOperator}, domain.PermStatusView, true},
		{"operator cannot destroy", []domain.Role{domain.RoleOperator}, domain.PermActorDestroy, false},
		{"user can observe", []domain.Role{domain.RoleUser}, domain.PermActorObserve, true},
		{"user cannot view status", []domain.Role{domain.RoleUser}, domain.PermStatusView, false},
		{"viewer cannot observe", []domain.Role{domain.RoleViewer}, domain.PermActorObserve, false},
		{"viewer can view status", []domain.Role{domain.RoleViewer}, domain.PermStatusView, true},
		{"any role grants", []domain.Role{domain.RoleViewer, domain.RoleUser}, domain.PermActorObserve, true},
		{"no roles", nil, domain.PermStatusView, false},
		{"unknown role", []domain.Role{"root"}, domain.PermActorObserve, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(ctx, tt.roles, tt.perm)
			if tt.allowed && err != nil {
				t.Errorf("expected allowed, got %v", err)
			}
			if !tt.allowed && !errors.Is(err, domain.ErrForbidden) {
				t.Errorf("expected ErrForbidden, got %v", err)
			}
		})
	}
}

func TestParseRolesDropsUnknown(t *testing.T) {
	got := domain.ParseRoles([]string{"viewer", "root", "admin", ""})
	want := []domain.Role{domain.RoleViewer, domain.RoleAdmin}
	if len(got) != len(want) {
		t.Fatalf("ParseRoles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseRoles[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
