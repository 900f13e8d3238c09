package actor

import (
	"context"
	"encoding/json"

	"agentd/internal/domain"
	"agentd/internal/usecase/rpc"
)

// Behavior is the user code of an actor class. Every hook runs inside the
// actor's turn, so hooks may use the Actor freely but must not call its
// entry points (HandleMessage, Connect, Disconnect, HandleCallback, Destroy).
type Behavior interface {
	// Methods registers the actor's methods. Only methods registered as
	// Callable or Streaming are reachable by observers.
	Methods(a *Actor, r *rpc.Registry)
	OnStart(ctx context.Context, a *Actor) error
	OnConnect(ctx context.Context, a *Actor, conn domain.Connection) error
	OnClose(ctx context.Context, a *Actor, conn domain.Connection)
	// OnMessage receives every frame that is neither a state update nor an RPC call.
	OnMessage(ctx context.Context, a *Actor, conn domain.Connection, data []byte) error
	OnStateUpdate(ctx context.Context, a *Actor, state json.RawMessage, origin domain.Origin)
	// OnError sees every error raised by an entry point. Returning nil
	// swallows it; a returned error is handed back to the transport.
	OnError(ctx context.Context, a *Actor, err error) error
}

// BaseBehavior provides no-op hooks. Embed it and override what you need.
type BaseBehavior struct{}

func (BaseBehavior) Methods(*Actor, *rpc.Registry) {}

func (BaseBehavior) OnStart(context.Context, *Actor) error { return nil }

func (BaseBehavior) OnConnect(context.Context, *Actor, domain.Connection) error { return nil }

func (BaseBehavior) OnClose(context.Context, *Actor, domain.Connection) {}

func (BaseBehavior) OnMessage(context.Context, *Actor, domain.Connection, []byte) error { return nil }

func (BaseBehavior) OnStateUpdate(context.Context, *Actor, json.RawMessage, domain.Origin) {}

// OnError logs the error and returns it unchanged.
func (BaseBehavior) OnError(_ context.Context, a *Actor, err error) error {
	a.Logger().Error("actor error", "error", err, "code", domain.ErrorCodeOf(err))
	return err
}

// Class describes one kind of actor. New returns the behavior of a fresh
// instance; InitialState seeds its state on first read.
type Class struct {
	Name         string
	InitialState json.RawMessage
	New          func() Behavior
}
