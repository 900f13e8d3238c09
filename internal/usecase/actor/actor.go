// Package actor composes an addressable, stateful actor instance out of the
// state, scheduling, RPC and provider components, and serializes every
// entry point into one turn at a time.
package actor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/clock"
	"agentd/internal/infra/tracer"
	"agentd/internal/usecase/provider"
	"agentd/internal/usecase/rpc"
	"agentd/internal/usecase/scheduling"
	"agentd/internal/usecase/statesync"
)

// Store is the durable storage of one actor instance.
type Store interface {
	domain.StateStore
	domain.TaskStore
	domain.ProviderStore
	domain.AuthStore
	// Destroy drops every table and closes the store.
	Destroy(ctx context.Context) error
	Close() error
}

// Options are host-wide settings applied to every actor.
type Options struct {
	// CallbackBase is the public origin OAuth redirects return to.
	CallbackBase string
	ClientName   string
	Breaker      provider.BreakerConfig
}

// Deps are the collaborators of one actor instance.
type Deps struct {
	Store       Store
	Dialer      provider.Dialer
	Authorizers provider.AuthorizerFactory
	Bus         domain.EventBus
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Actor is one live actor instance.
type Actor struct {
	class    string
	name     string
	behavior Behavior
	store    Store
	bus      domain.EventBus
	logger   *slog.Logger

	hub        *statesync.Hub
	state      *statesync.Manager
	registry   *rpc.Registry
	dispatcher *rpc.Dispatcher
	scheduler  *scheduling.Scheduler
	providers  *provider.Manager

	// turn serializes entry points. Nothing reachable from inside a turn
	// takes it again.
	turn      sync.Mutex
	closed    bool
	onDestroy func()
}

// New builds an actor instance of class named name. Call Start before use.
func New(class Class, name string, opts Options, deps Deps) *Actor {
	a := &Actor{
		class:    class.Name,
		name:     name,
		behavior: class.New(),
		store:    deps.Store,
		bus:      deps.Bus,
	}
	id := a.ID()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a.logger = logger.With("actor", id)

	a.hub = statesync.NewHub(a.logger)
	stateOpts := []statesync.ManagerOption{
		statesync.WithUpdateHook(a.stateUpdated),
	}
	if len(class.InitialState) > 0 {
		stateOpts = append(stateOpts, statesync.WithInitialState(class.InitialState))
	}
	if deps.Bus != nil {
		stateOpts = append(stateOpts, statesync.WithEventBus(deps.Bus, id))
	}
	a.state = statesync.NewManager(deps.Store, a.hub, a.logger, stateOpts...)

	a.registry = rpc.NewRegistry()
	a.behavior.Methods(a, a.registry)
	a.dispatcher = rpc.NewDispatcher(a.registry, a.logger)
	a.dispatcher.OnComplete(func(ctx context.Context, p domain.RPCCompletedPayload) {
		a.emit(ctx, domain.EventRPCCompleted, p)
	})

	schedOpts := []scheduling.Option{scheduling.WithWakeFunc(a.wake)}
	if deps.Clock != nil {
		schedOpts = append(schedOpts, scheduling.WithClock(deps.Clock))
	}
	if deps.Bus != nil {
		schedOpts = append(schedOpts, scheduling.WithEventBus(deps.Bus, id))
	}
	a.scheduler = scheduling.New(deps.Store, a.registry, a.logger, schedOpts...)

	a.providers = provider.NewManager(provider.Config{
		ActorID:      id,
		CallbackBase: opts.CallbackBase,
		CallbackPath: CallbackPath(class.Name, name),
		ClientName:   opts.ClientName,
		Breaker:      opts.Breaker,
	}, provider.Deps{
		Store:       deps.Store,
		Auth:        deps.Store,
		Dialer:      deps.Dialer,
		Authorizers: deps.Authorizers,
		Hub:         a.hub,
		Bus:         deps.Bus,
		Logger:      a.logger,
	})
	return a
}

// CallbackPath is the route OAuth providers redirect to, without the
// trailing provider id.
func CallbackPath(class, name string) string {
	return "/agents/" + url.PathEscape(class) + "/" + url.PathEscape(name) + "/callback"
}

// ID is "<class>/<name>".
func (a *Actor) ID() string { return a.class + "/" + a.name }

func (a *Actor) Class() string        { return a.class }
func (a *Actor) Name() string         { return a.name }
func (a *Actor) Logger() *slog.Logger { return a.logger }

// Start re-arms the wake timer from persisted tasks, resumes every
// persisted provider and runs OnStart.
func (a *Actor) Start(ctx context.Context) error {
	a.turn.Lock()
	defer a.turn.Unlock()

	ctx, span := tracer.StartSpan(ctx, "actor.start", trace.WithAttributes(tracer.ActorAttr(a.ID())))
	defer span.End()

	if err := a.scheduler.Start(ctx); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("actor.Start", err)
	}
	results, err := a.providers.Resume(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("actor.Start", err)
	}
	span.SetAttributes(tracer.IntAttr("actor.providers", len(results)))
	for _, r := range results {
		if r.State == domain.ProviderFailed {
			a.logger.Warn("provider did not resume", "provider", r.ID, "error", r.Error)
		}
	}
	if err := a.behavior.OnStart(ctx, a); err != nil {
		return domain.WrapOp("actor.Start", err)
	}
	a.emit(ctx, domain.EventActorStarted, nil)
	a.logger.Info("actor started", "providers", len(results))
	return nil
}

// Connect attaches an observer and sends it the current state and
// provider view.
func (a *Actor) Connect(ctx context.Context, conn domain.Connection) error {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return domain.NewDomainError("actor.Connect", domain.ErrActorDestroyed, a.ID())
	}

	// Materialize the initial state before the observer joins so that it
	// receives the value once.
	if _, err := a.state.State(ctx); err != nil {
		return a.fail(ctx, err)
	}
	a.hub.Add(conn)
	if err := a.state.Snapshot(ctx, conn); err != nil {
		a.hub.Remove(conn.ID())
		return a.fail(ctx, err)
	}
	data, err := json.Marshal(domain.ProvidersEnvelope{Type: domain.EnvelopeProviders, Providers: a.providers.View()})
	if err == nil {
		err = conn.Send(ctx, data)
	}
	if err != nil {
		a.hub.Remove(conn.ID())
		return a.fail(ctx, err)
	}
	if err := a.behavior.OnConnect(ctx, a, conn); err != nil {
		return a.fail(ctx, err)
	}

	a.emit(ctx, domain.EventObserverConnected, map[string]string{"conn_id": conn.ID()})
	a.logger.Debug("observer connected", "conn_id", conn.ID(), "observers", a.hub.Len())
	return nil
}

// Disconnect detaches an observer.
func (a *Actor) Disconnect(ctx context.Context, conn domain.Connection) {
	a.turn.Lock()
	defer a.turn.Unlock()

	if !a.hub.Remove(conn.ID()) {
		return
	}
	a.behavior.OnClose(ctx, a, conn)
	a.emit(ctx, domain.EventObserverDisconnected, map[string]string{"conn_id": conn.ID()})
	a.logger.Debug("observer disconnected", "conn_id", conn.ID(), "observers", a.hub.Len())
}

// HandleMessage processes one inbound text frame: state updates go to the
// state manager, RPC calls to the dispatcher and anything else to OnMessage.
func (a *Actor) HandleMessage(ctx context.Context, conn domain.Connection, data []byte) error {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return domain.NewDomainError("actor.HandleMessage", domain.ErrActorDestroyed, a.ID())
	}

	in := domain.DecodeInbound(data)
	var err error
	switch in.Kind {
	case domain.EnvelopeState:
		err = a.state.SetState(ctx, in.State, domain.OriginConn(conn.ID()))
	case domain.EnvelopeRPC:
		err = a.dispatcher.Dispatch(ctx, conn, in.RPC)
	default:
		err = a.behavior.OnMessage(ctx, a, conn, data)
	}
	if err != nil {
		return a.fail(ctx, err)
	}
	return nil
}

// HandleCallback completes a provider's OAuth authorization.
func (a *Actor) HandleCallback(ctx context.Context, providerID, code, state string) (domain.ProviderConnection, error) {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return domain.ProviderConnection{}, domain.NewDomainError("actor.HandleCallback", domain.ErrActorDestroyed, a.ID())
	}
	return a.providers.HandleCallback(ctx, providerID, code, state)
}

// Do runs fn inside a turn. Server code uses it to reach the in-turn API
// (Schedule, SetState, Providers) from outside a hook.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return domain.NewDomainError("actor.Do", domain.ErrActorDestroyed, a.ID())
	}
	return fn(ctx)
}

// Destroy stops the actor and deletes all of its durable data.
func (a *Actor) Destroy(ctx context.Context) error {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return nil
	}
	a.shutdown("actor destroyed")

	if err := a.store.Destroy(ctx); err != nil {
		return domain.WrapOp("actor.Destroy", err)
	}
	a.state.Forget()
	a.emit(ctx, domain.EventActorDestroyed, nil)
	a.logger.Info("actor destroyed")
	if a.onDestroy != nil {
		a.onDestroy()
	}
	return nil
}

// Unload stops the actor and closes its store, keeping durable data.
func (a *Actor) Unload() error {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return nil
	}
	a.shutdown("actor unloaded")
	return a.store.Close()
}

func (a *Actor) shutdown(reason string) {
	a.closed = true
	a.scheduler.Stop()
	a.providers.Close()
	for _, c := range a.hub.Connections() {
		a.hub.Remove(c.ID())
		if closer, ok := c.(domain.Closer); ok {
			if err := closer.Close(reason); err != nil {
				a.logger.Debug("close observer", "conn_id", c.ID(), "error", err)
			}
		}
	}
}

// wake runs due tasks inside a turn. It is the scheduler's timer callback.
func (a *Actor) wake() {
	a.turn.Lock()
	defer a.turn.Unlock()
	if a.closed {
		return
	}
	ctx := context.Background()
	if err := a.scheduler.Wake(ctx); err != nil {
		_ = a.fail(ctx, err)
	}
}

func (a *Actor) stateUpdated(ctx context.Context, value json.RawMessage, origin domain.Origin) {
	a.behavior.OnStateUpdate(ctx, a, value, origin)
}

func (a *Actor) fail(ctx context.Context, err error) error {
	a.emit(ctx, domain.EventActorError, map[string]string{"error": err.Error()})
	return a.behavior.OnError(ctx, a, err)
}

func (a *Actor) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, domain.NewEvent(eventType, a.ID(), payload))
}
