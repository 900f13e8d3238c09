package provider

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
)

// toolSchema returns the raw input schema a provider declared for a tool.
func toolSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	return json.Marshal(t.InputSchema)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

func validateArguments(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	result := schema.Validate(args)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
