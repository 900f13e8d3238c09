// Package statesync owns an actor's authoritative state value, persists it
// and replicates it to attached observers.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agentd/internal/domain"
)

// UpdateHook observes every accepted state change.
type UpdateHook func(ctx context.Context, value json.RawMessage, origin domain.Origin)

// Manager is the State & Sync Manager of one actor instance.
type Manager struct {
	mu      sync.Mutex
	store   domain.StateStore
	hub     domain.Broadcaster
	initial json.RawMessage
	current json.RawMessage
	loaded  bool

	onUpdate UpdateHook
	bus      domain.EventBus
	actorID  string
	now      func() time.Time
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInitialState sets the value returned and persisted on the first read of a fresh actor.
func WithInitialState(v json.RawMessage) ManagerOption {
	return func(m *Manager) { m.initial = v }
}

// WithUpdateHook sets the hook invoked after every SetState.
func WithUpdateHook(h UpdateHook) ManagerOption {
	return func(m *Manager) { m.onUpdate = h }
}

// WithEventBus publishes state.changed events for actorID.
func WithEventBus(bus domain.EventBus, actorID string) ManagerOption {
	return func(m *Manager) { m.bus, m.actorID = bus, actorID }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager persisting through store and broadcasting through hub.
func NewManager(store domain.StateStore, hub domain.Broadcaster, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, hub: hub, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current value. On the first read of an actor that has
// never stored a value, the configured initial value is persisted and
// broadcast as an internal change. Without an initial value State returns nil.
func (m *Manager) State(ctx context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	if m.loaded {
		v := m.current
		m.mu.Unlock()
		return v, nil
	}
	rec, err := m.store.LoadState(ctx)
	switch {
	case err == nil && rec.Changed:
		m.current, m.loaded = rec.Value, true
		m.mu.Unlock()
		return rec.Value, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		m.mu.Unlock()
		return nil, domain.WrapOp("statesync.State", err)
	}
	initial := m.initial
	m.mu.Unlock()

	if initial == nil {
		return nil, nil
	}
	if err := m.SetState(ctx, initial, domain.Origin{}); err != nil {
		return nil, err
	}
	return initial, nil
}

// SetState replaces the whole state value, persists it and broadcasts
// {type:"state"} to every observer except the originating one. The update
// hook runs for every origin, including internal ones.
func (m *Manager) SetState(ctx context.Context, value json.RawMessage, origin domain.Origin) error {
	if value == nil {
		value = json.RawMessage("null")
	}
	if !json.Valid(value) {
		return domain.NewDomainError("statesync.SetState", domain.ErrInvalidInput, "state is not valid JSON")
	}

	m.mu.Lock()
	rec := domain.StateRecord{Value: value, Changed: true, UpdatedAt: m.now().UTC()}
	if err := m.store.SaveState(ctx, rec); err != nil {
		m.mu.Unlock()
		return domain.WrapOp("statesync.SetState", err)
	}
	m.current, m.loaded = value, true
	m.mu.Unlock()

	m.broadcast(ctx, value, origin)

	if m.bus != nil {
		m.bus.Publish(ctx, domain.NewEvent(domain.EventStateChanged, m.actorID, map[string]any{
			"origin": origin.String(),
		}))
	}
	if m.onUpdate != nil {
		m.onUpdate(ctx, value, origin)
	}
	return nil
}

// Snapshot sends the current state to a single observer. Nothing is sent
// when the actor has no state.
func (m *Manager) Snapshot(ctx context.Context, c domain.Connection) error {
	v, err := m.State(ctx)
	if err != nil || v == nil {
		return err
	}
	data, err := json.Marshal(domain.StateEnvelope{Type: domain.EnvelopeState, State: v})
	if err != nil {
		return domain.WrapOp("statesync.Snapshot", err)
	}
	return c.Send(ctx, data)
}

// Forget drops the cached value so the next State reads the store.
func (m *Manager) Forget() {
	m.mu.Lock()
	m.current, m.loaded = nil, false
	m.mu.Unlock()
}

func (m *Manager) broadcast(ctx context.Context, value json.RawMessage, origin domain.Origin) {
	data, err := json.Marshal(domain.StateEnvelope{Type: domain.EnvelopeState, State: value})
	if err != nil {
		m.logger.Warn("state broadcast encode failed", "error", err)
		return
	}
	if origin.Internal() {
		m.hub.Broadcast(ctx, data)
		return
	}
	m.hub.Broadcast(ctx, data, origin.ConnID)
}
