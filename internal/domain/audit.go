package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditAuthFailed      AuditEventType = "auth_failed"
	AuditAccessDenied    AuditEventType = "access_denied"
	AuditObserverConnect AuditEventType = "observer_connect"
	AuditActorDestroy    AuditEventType = "actor_destroy"
	AuditOAuthCallback   AuditEventType = "oauth_callback"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`

	// Who did what to which actor, and how it ended.
	Client   string `json:"client,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
