package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"agentd/internal/domain"
)

// namePrefix starts every namespaced catalog name.
const namePrefix = "mcp_"

// Namespace prefixes a provider item name with its provider id so that
// items of different providers never collide.
func Namespace(providerID, name string) string {
	return namePrefix + providerID + "_" + name
}

// SplitName reverses Namespace. Provider ids never contain "_".
func SplitName(namespaced string) (providerID, name string, ok bool) {
	rest, found := strings.CutPrefix(namespaced, namePrefix)
	if !found {
		return "", "", false
	}
	providerID, name, ok = strings.Cut(rest, "_")
	if !ok || providerID == "" || name == "" {
		return "", "", false
	}
	return providerID, name, true
}

// catalog is what one discovery pass learned about a provider.
type catalog struct {
	instructions string
	tools        []mcp.Tool
	rawSchemas   map[string]json.RawMessage
	schemas      map[string]*jsonschema.Schema
	prompts      []mcp.Prompt
	resources    []mcp.Resource
	templates    []mcp.ResourceTemplate
}

func (c *catalog) tool(name string) (mcp.Tool, bool) {
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

// discover lists every capability the provider advertised in parallel.
// A list that fails is logged and left empty; discovery itself never fails.
func discover(ctx context.Context, cl Client, init *mcp.InitializeResult, logger *slog.Logger) *catalog {
	cat := &catalog{
		rawSchemas: make(map[string]json.RawMessage),
		schemas:    make(map[string]*jsonschema.Schema),
	}
	if init == nil {
		return cat
	}
	cat.instructions = init.Instructions
	caps := init.Capabilities

	var wg sync.WaitGroup
	run := func(kind string, advertised bool, fetch func() error) {
		if !advertised {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fetch(); err != nil {
				logger.Warn("provider list failed", "kind", kind, "error", err)
			}
		}()
	}

	run("tools", caps.Tools != nil, func() error {
		tools, err := collectPages(ctx, func(ctx context.Context, cursor mcp.Cursor) ([]mcp.Tool, mcp.Cursor, error) {
			req := mcp.ListToolsRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListToolsByPage(ctx, req)
			if err != nil {
				return nil, "", err
			}
			return res.Tools, res.NextCursor, nil
		})
		cat.tools = tools
		return err
	})
	run("prompts", caps.Prompts != nil, func() error {
		prompts, err := collectPages(ctx, func(ctx context.Context, cursor mcp.Cursor) ([]mcp.Prompt, mcp.Cursor, error) {
			req := mcp.ListPromptsRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListPromptsByPage(ctx, req)
			if err != nil {
				return nil, "", err
			}
			return res.Prompts, res.NextCursor, nil
		})
		cat.prompts = prompts
		return err
	})
	run("resources", caps.Resources != nil, func() error {
		resources, err := collectPages(ctx, func(ctx context.Context, cursor mcp.Cursor) ([]mcp.Resource, mcp.Cursor, error) {
			req := mcp.ListResourcesRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListResourcesByPage(ctx, req)
			if err != nil {
				return nil, "", err
			}
			return res.Resources, res.NextCursor, nil
		})
		cat.resources = resources
		return err
	})
	run("resource templates", caps.Resources != nil, func() error {
		templates, err := collectPages(ctx, func(ctx context.Context, cursor mcp.Cursor) ([]mcp.ResourceTemplate, mcp.Cursor, error) {
			req := mcp.ListResourceTemplatesRequest{}
			req.Params.Cursor = cursor
			res, err := cl.ListResourceTemplatesByPage(ctx, req)
			if err != nil {
				return nil, "", err
			}
			return res.ResourceTemplates, res.NextCursor, nil
		})
		cat.templates = templates
		return err
	})
	wg.Wait()

	for _, t := range cat.tools {
		raw, err := toolSchema(t)
		if err != nil {
			logger.Warn("tool schema unreadable", "tool", t.Name, "error", err)
			continue
		}
		cat.rawSchemas[t.Name] = raw
		schema, err := compileSchema(raw)
		if err != nil {
			logger.Warn("tool schema rejected", "tool", t.Name, "error", err)
			continue
		}
		cat.schemas[t.Name] = schema
	}
	return cat
}

// collectPages follows pagination cursors until the provider stops
// returning one. A repeated cursor ends the walk.
func collectPages[T any](ctx context.Context, fetch func(context.Context, mcp.Cursor) ([]T, mcp.Cursor, error)) ([]T, error) {
	var (
		all    []T
		cursor mcp.Cursor
		seen   = make(map[mcp.Cursor]bool)
	)
	for {
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == "" || seen[next] {
			return all, nil
		}
		seen[next] = true
		cursor = next
	}
}

// buildView assembles the aggregated, namespaced view of every provider.
// Only ready providers contribute catalog items.
func buildView(conns []*conn) domain.ProviderView {
	sort.Slice(conns, func(i, j int) bool {
		if !conns[i].row.CreatedAt.Equal(conns[j].row.CreatedAt) {
			return conns[i].row.CreatedAt.Before(conns[j].row.CreatedAt)
		}
		return conns[i].row.ID < conns[j].row.ID
	})

	view := domain.ProviderView{
		Servers:           []domain.ProviderSummary{},
		Tools:             []domain.ProviderTool{},
		Prompts:           []domain.ProviderPrompt{},
		Resources:         []domain.ProviderResource{},
		ResourceTemplates: []domain.ProviderResourceTemplate{},
	}
	for _, c := range conns {
		row := c.row
		summary := domain.ProviderSummary{
			ID:        row.ID,
			Name:      row.Name,
			ServerURL: row.ServerURL,
			State:     row.State,
			Error:     row.Error,
		}
		if row.State == domain.ProviderAuthenticating {
			summary.AuthURL = row.AuthURL
		}
		if row.State != domain.ProviderReady || c.catalog == nil {
			view.Servers = append(view.Servers, summary)
			continue
		}
		cat := c.catalog
		summary.Instructions = cat.instructions
		view.Servers = append(view.Servers, summary)

		for _, t := range cat.tools {
			view.Tools = append(view.Tools, domain.ProviderTool{
				Name:        Namespace(row.ID, t.Name),
				Description: t.Description,
				InputSchema: cat.rawSchemas[t.Name],
				ProviderID:  row.ID,
			})
		}
		for _, p := range cat.prompts {
			view.Prompts = append(view.Prompts, domain.ProviderPrompt{
				Name:        Namespace(row.ID, p.Name),
				Description: p.Description,
				ProviderID:  row.ID,
			})
		}
		for _, r := range cat.resources {
			view.Resources = append(view.Resources, domain.ProviderResource{
				Name:       Namespace(row.ID, r.Name),
				URI:        r.URI,
				MIMEType:   r.MIMEType,
				ProviderID: row.ID,
			})
		}
		for _, t := range cat.templates {
			tpl := ""
			if t.URITemplate != nil && t.URITemplate.Template != nil {
				tpl = t.URITemplate.Raw()
			}
			view.ResourceTemplates = append(view.ResourceTemplates, domain.ProviderResourceTemplate{
				Name:        Namespace(row.ID, t.Name),
				URITemplate: tpl,
				ProviderID:  row.ID,
			})
		}
	}
	return view
}
