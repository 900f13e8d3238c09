package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
	"agentd/internal/infra/tracer"
)

// CallTool routes a namespaced tool call to its provider. Arguments are
// checked against the tool's declared input schema first.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, "provider.call_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	providerID, tool, ok := SplitName(name)
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "provider.CallTool", domain.ErrInvalidInput,
			fmt.Sprintf("tool name %q is not namespaced", name))
	}

	m.mu.Lock()
	c, err := m.readyLocked("provider.CallTool", providerID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cl, breaker := c.client, c.breaker
	def, found := c.catalog.tool(tool)
	schema := c.catalog.schemas[tool]
	m.mu.Unlock()

	if !found {
		return nil, domain.NewSubSystemError(subsystem, "provider.CallTool", domain.ErrNotFound,
			fmt.Sprintf("tool %q", name))
	}

	arguments := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, domain.NewSubSystemError(subsystem, "provider.CallTool", domain.ErrToolArguments,
				"arguments must be a JSON object")
		}
	}
	if err := validateArguments(schema, arguments); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "provider.CallTool", domain.ErrToolArguments, err.Error())
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = def.Name
	req.Params.Arguments = arguments
	res, err := breaker.Execute(func() (*mcp.CallToolResult, error) {
		return cl.CallTool(ctx, req)
	})
	if err != nil {
		err = breakerError(providerID, err)
		tracer.RecordError(span, err)
		return nil, domain.NewSubSystemError(subsystem, "provider.CallTool", domain.ErrProviderError, err.Error())
	}
	tracer.SetOK(span)
	return res, nil
}

// GetPrompt renders a namespaced prompt.
func (m *Manager) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	providerID, prompt, ok := SplitName(name)
	if !ok {
		return nil, domain.NewSubSystemError(subsystem, "provider.GetPrompt", domain.ErrInvalidInput,
			fmt.Sprintf("prompt name %q is not namespaced", name))
	}
	cl, err := m.readyClient("provider.GetPrompt", providerID)
	if err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = prompt
	req.Params.Arguments = args
	res, err := cl.GetPrompt(ctx, req)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "provider.GetPrompt", domain.ErrProviderError, err.Error())
	}
	return res, nil
}

// ReadResource reads a resource from the given provider.
func (m *Manager) ReadResource(ctx context.Context, providerID, uri string) (*mcp.ReadResourceResult, error) {
	cl, err := m.readyClient("provider.ReadResource", providerID)
	if err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := cl.ReadResource(ctx, req)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "provider.ReadResource", domain.ErrProviderError, err.Error())
	}
	return res, nil
}

func (m *Manager) readyClient(op, providerID string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.readyLocked(op, providerID)
	if err != nil {
		return nil, err
	}
	return c.client, nil
}

func (m *Manager) readyLocked(op, providerID string) (*conn, error) {
	c, ok := m.conns[providerID]
	if !ok {
		return nil, notFound(op, providerID)
	}
	if c.row.State != domain.ProviderReady || c.client == nil {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrProviderNotReady,
			fmt.Sprintf("provider %q is %s", providerID, c.row.State))
	}
	return c, nil
}
