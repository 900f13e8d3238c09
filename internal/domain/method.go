package domain

import (
	"context"
	"encoding/json"
)

// Invocation carries the caller context and positional arguments of a method call.
type Invocation struct {
	Origin Origin
	Args   []json.RawMessage
}

// Arg decodes positional argument i into v. A missing argument leaves v untouched.
func (inv Invocation) Arg(i int, v any) error {
	if i < 0 || i >= len(inv.Args) {
		return nil
	}
	if err := json.Unmarshal(inv.Args[i], v); err != nil {
		return NewDomainError("Invocation.Arg", ErrRPCInvalidPayload, err.Error())
	}
	return nil
}

// MethodTable is the set of actor methods reachable by name from inside the actor.
// It ignores the callable allowlist, which only guards the observer RPC surface.
type MethodTable interface {
	HasMethod(name string) bool
	Invoke(ctx context.Context, name string, inv Invocation) (any, error)
}
