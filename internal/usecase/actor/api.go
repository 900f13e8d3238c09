package actor

import (
	"context"
	"encoding/json"

	"agentd/internal/domain"
	"agentd/internal/usecase/provider"
	"agentd/internal/usecase/rpc"
	"agentd/internal/usecase/scheduling"
)

// The methods below are meant for behaviors and run inside the caller's turn.

// State returns the actor's current state value.
func (a *Actor) State(ctx context.Context) (json.RawMessage, error) {
	return a.state.State(ctx)
}

// SetState replaces the state value and broadcasts it to every observer.
func (a *Actor) SetState(ctx context.Context, value any) error {
	raw, err := toRaw(value)
	if err != nil {
		return domain.NewDomainError("actor.SetState", domain.ErrInvalidInput, err.Error())
	}
	return a.state.SetState(ctx, raw, domain.Origin{})
}

// Schedule persists a task that calls method with payload at when.
func (a *Actor) Schedule(ctx context.Context, when scheduling.When, method string, payload any) (*domain.ScheduledTask, error) {
	raw, err := toRaw(payload)
	if err != nil {
		return nil, domain.NewDomainError("actor.Schedule", domain.ErrInvalidInput, err.Error())
	}
	return a.scheduler.Schedule(ctx, when, method, raw)
}

// CancelSchedule removes a pending task. It reports whether one existed.
func (a *Actor) CancelSchedule(ctx context.Context, id string) (bool, error) {
	return a.scheduler.Cancel(ctx, id)
}

// GetSchedule returns a pending task.
func (a *Actor) GetSchedule(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return a.scheduler.Get(ctx, id)
}

// ListSchedules returns the pending tasks matching filter.
func (a *Actor) ListSchedules(ctx context.Context, filter domain.TaskFilter) ([]domain.ScheduledTask, error) {
	return a.scheduler.List(ctx, filter)
}

// Providers returns the actor's provider connection manager.
func (a *Actor) Providers() *provider.Manager { return a.providers }

// Methods describes the methods observers may call.
func (a *Actor) Methods() []rpc.MethodInfo { return a.registry.Describe() }

// Connections returns the attached observers ordered by id.
func (a *Actor) Connections() []domain.Connection { return a.hub.Connections() }

// Broadcast sends a raw frame to every observer not listed in exclude.
func (a *Actor) Broadcast(ctx context.Context, data []byte, exclude ...string) {
	a.hub.Broadcast(ctx, data, exclude...)
}

func toRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	return json.Marshal(v)
}
