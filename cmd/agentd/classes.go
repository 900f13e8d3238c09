package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"agentd/internal/domain"
	"agentd/internal/usecase/actor"
	"agentd/internal/usecase/provider"
	"agentd/internal/usecase/rpc"
	"agentd/internal/usecase/scheduling"
)

// builtinClasses are registered on every host.
func builtinClasses() []actor.Class {
	return []actor.Class{
		{
			Name:         "assistant",
			InitialState: json.RawMessage(`{"notes":[],"ticks":0}`),
			New:          func() actor.Behavior { return &assistant{} },
		},
	}
}

type assistantState struct {
	Notes    []string `json:"notes"`
	Ticks    int      `json:"ticks"`
	LastTask string   `json:"lastTask,omitempty"`
}

// assistant is a general-purpose actor: it keeps notes in its state,
// manages MCP providers for its observers and schedules its own methods.
type assistant struct {
	actor.BaseBehavior
}

func (b *assistant) Methods(a *actor.Actor, r *rpc.Registry) {
	r.Callable("echo", func(_ context.Context, inv domain.Invocation) (any, error) {
		var v json.RawMessage
		if err := inv.Arg(0, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, rpc.Meta{Description: "returns its argument"})

	r.Callable("addNote", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var text string
		if err := inv.Arg(0, &text); err != nil {
			return nil, err
		}
		if text == "" {
			return nil, domain.NewDomainError("addNote", domain.ErrInvalidInput, "note text is required")
		}
		st, err := loadState(ctx, a)
		if err != nil {
			return nil, err
		}
		st.Notes = append(st.Notes, text)
		return len(st.Notes), a.SetState(ctx, st)
	}, rpc.Meta{Description: "appends a note to the shared state"})

	r.Callable("methods", func(context.Context, domain.Invocation) (any, error) {
		return a.Methods(), nil
	}, rpc.Meta{Description: "lists callable methods"})

	b.providerMethods(a, r)
	b.scheduleMethods(a, r)

	r.Streaming("countdown", func(ctx context.Context, s *rpc.Stream, inv domain.Invocation) error {
		n := 3
		if err := inv.Arg(0, &n); err != nil {
			return err
		}
		if n < 0 || n > 100 {
			return domain.NewDomainError("countdown", domain.ErrInvalidInput, "n must be between 0 and 100")
		}
		for i := n; i > 0; i-- {
			if err := s.Send(ctx, i); err != nil {
				return err
			}
		}
		return s.End(ctx, "done")
	}, rpc.Meta{Description: "streams n down to 1"})

	// tick is the target of configured recurring tasks.
	r.Define("tick", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var p seededPayload
		if err := inv.Arg(0, &p); err != nil {
			return nil, err
		}
		st, err := loadState(ctx, a)
		if err != nil {
			return nil, err
		}
		st.Ticks++
		st.LastTask = p.Task
		return nil, a.SetState(ctx, st)
	})
}

func (b *assistant) providerMethods(a *actor.Actor, r *rpc.Registry) {
	r.Callable("addProvider", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var req provider.AddRequest
		if err := inv.Arg(0, &req); err != nil {
			return nil, err
		}
		return a.Providers().Add(ctx, req)
	}, rpc.Meta{Description: "connects an MCP server"})

	r.Callable("removeProvider", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var id string
		if err := inv.Arg(0, &id); err != nil {
			return nil, err
		}
		return nil, a.Providers().Remove(ctx, id)
	}, rpc.Meta{Description: "disconnects an MCP server and forgets its credentials"})

	r.Callable("reconnectProvider", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var id string
		if err := inv.Arg(0, &id); err != nil {
			return nil, err
		}
		return a.Providers().Reconnect(ctx, id)
	}, rpc.Meta{Description: "re-attempts a failed or disconnected MCP server"})

	r.Callable("listProviders", func(context.Context, domain.Invocation) (any, error) {
		return a.Providers().View(), nil
	}, rpc.Meta{Description: "returns the merged provider catalog"})

	r.Callable("callTool", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var name string
		var args json.RawMessage
		if err := inv.Arg(0, &name); err != nil {
			return nil, err
		}
		if err := inv.Arg(1, &args); err != nil {
			return nil, err
		}
		return a.Providers().CallTool(ctx, name, args)
	}, rpc.Meta{Description: "calls a namespaced provider tool"})

	r.Callable("readResource", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var providerID, uri string
		if err := inv.Arg(0, &providerID); err != nil {
			return nil, err
		}
		if err := inv.Arg(1, &uri); err != nil {
			return nil, err
		}
		return a.Providers().ReadResource(ctx, providerID, uri)
	}, rpc.Meta{Description: "reads a provider resource"})

	r.Callable("getPrompt", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var name string
		var args map[string]string
		if err := inv.Arg(0, &name); err != nil {
			return nil, err
		}
		if err := inv.Arg(1, &args); err != nil {
			return nil, err
		}
		return a.Providers().GetPrompt(ctx, name, args)
	}, rpc.Meta{Description: "renders a namespaced provider prompt"})
}

func (b *assistant) scheduleMethods(a *actor.Actor, r *rpc.Registry) {
	r.Callable("schedule", func(ctx context.Context, inv domain.Invocation) (any, error) {
		if len(inv.Args) < 2 {
			return nil, domain.NewDomainError("schedule", domain.ErrInvalidInput, "want (when, method, payload)")
		}
		when, err := scheduling.ParseWhen(inv.Args[0])
		if err != nil {
			return nil, domain.NewDomainError("schedule", domain.ErrInvalidInput, err.Error())
		}
		var method string
		if err := inv.Arg(1, &method); err != nil {
			return nil, err
		}
		// Observers may only schedule what they could call directly.
		if !slices.ContainsFunc(a.Methods(), func(m rpc.MethodInfo) bool { return m.Name == method }) {
			return nil, fmt.Errorf("method %q %w", method, domain.ErrNotCallable)
		}
		var payload json.RawMessage
		if err := inv.Arg(2, &payload); err != nil {
			return nil, err
		}
		return a.Schedule(ctx, when, method, payload)
	}, rpc.Meta{Description: "schedules a callable method: when is seconds, an RFC 3339 time or a cron expression"})

	r.Callable("cancelSchedule", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var id string
		if err := inv.Arg(0, &id); err != nil {
			return nil, err
		}
		return a.CancelSchedule(ctx, id)
	}, rpc.Meta{Description: "cancels a scheduled task"})

	r.Callable("listSchedules", func(ctx context.Context, inv domain.Invocation) (any, error) {
		var kind domain.TaskKind
		if err := inv.Arg(0, &kind); err != nil {
			return nil, err
		}
		return a.ListSchedules(ctx, domain.TaskFilter{Kind: kind})
	}, rpc.Meta{Description: "lists pending tasks, optionally of one kind"})
}

func loadState(ctx context.Context, a *actor.Actor) (assistantState, error) {
	var st assistantState
	raw, err := a.State(ctx)
	if err != nil {
		return st, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &st); err != nil {
			return st, domain.NewDomainError("assistant.state", domain.ErrInvalidInput, err.Error())
		}
	}
	return st, nil
}
