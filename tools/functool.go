package tools

import (
	"context"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/invopop/jsonschema"
)

// Func is the typed implementation of a tool
type Func[I any] func(ctx context.Context, input *I) (string, error)

// FuncTool adapts a typed function to ITool and IMCPTool,
// the parameters schema is derived from I.
type FuncTool[I any] struct {
	name        string
	description string
	params      *jsonschema.Schema
	fn          Func[I]
}

var _ IMCPTool = (*FuncTool[struct{}])(nil)

// NewFuncTool returns a tool, I must be a struct
func NewFuncTool[I any](name, description string, fn Func[I]) (*FuncTool[I], error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	if fn == nil {
		return nil, errors.Errorf("tool %s: function is required", name)
	}
	sc, err := schema.New(reflect.TypeFor[I]())
	if err != nil {
		return nil, errors.WithMessagef(err, "tool %s", name)
	}
	return &FuncTool[I]{
		name:        name,
		description: description,
		params:      sc.Parameters,
		fn:          fn,
	}, nil
}

// MustFuncTool is like NewFuncTool but panics on error
func MustFuncTool[I any](name, description string, fn Func[I]) *FuncTool[I] {
	t, err := NewFuncTool(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool[I]) Name() string {
	return t.name
}

func (t *FuncTool[I]) Description() string {
	return t.description
}

func (t *FuncTool[I]) Parameters() *jsonschema.Schema {
	return t.params
}

// Run executes the function with decoded input
func (t *FuncTool[I]) Run(ctx context.Context, input *I) (string, error) {
	return t.fn(ctx, input)
}

// Call decodes the JSON arguments and runs the function.
// Quoted numbers and booleans are accepted.
func (t *FuncTool[I]) Call(ctx context.Context, arguments string) (string, error) {
	var input I
	if err := DecodeArguments(arguments, &input); err != nil {
		return "", errors.WithMessagef(err, "tool %s", t.name)
	}
	return t.fn(ctx, &input)
}

// RegisterMCP registers the tool with an MCP server
func (t *FuncTool[I]) RegisterMCP(registrator McpServerRegistrator) error {
	return registrator.RegisterTool(t.name, t.description, func(ctx context.Context, input I) (*mcp.ToolResponse, error) {
		out, err := t.fn(ctx, &input)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResponse(mcp.NewTextContent(out)), nil
	})
}

// RegisterMCP registers every tool that can be served over MCP,
// it fails on the first tool that is not an IMCPTool.
func RegisterMCP(registrator McpServerRegistrator, list ...ITool) error {
	for _, tool := range list {
		mt, ok := tool.(IMCPTool)
		if !ok {
			return errors.Errorf("tool %s cannot be served over MCP", tool.Name())
		}
		if err := mt.RegisterMCP(registrator); err != nil {
			return errors.WithMessagef(err, "tool %s", tool.Name())
		}
	}
	return nil
}
