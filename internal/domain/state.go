package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StateRecord is the single persisted state value of an actor instance.
// Changed distinguishes "never set" from "set to an empty value".
type StateRecord struct {
	Value     json.RawMessage `json:"value"`
	Changed   bool            `json:"changed"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StateStore persists the actor's state value.
type StateStore interface {
	// LoadState returns ErrNotFound when nothing has been persisted yet.
	LoadState(ctx context.Context) (*StateRecord, error)
	SaveState(ctx context.Context, rec StateRecord) error
}

// Origin identifies what caused a change or invocation.
// The zero value means the change was internal (timer, startup, server code).
type Origin struct {
	ConnID string
}

// Internal reports whether the origin is not an observer connection.
func (o Origin) Internal() bool { return o.ConnID == "" }

// String renders the origin for logs.
func (o Origin) String() string {
	if o.Internal() {
		return "internal"
	}
	return o.ConnID
}

// OriginConn returns the origin for a change triggered by connection id.
func OriginConn(id string) Origin { return Origin{ConnID: id} }
