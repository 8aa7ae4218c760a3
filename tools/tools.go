package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bububa/ljson"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/x/slices"
	"github.com/invopop/jsonschema"
)

//go:generate mockgen -source=tools.go -destination=../mocks/mocktools/tools_mock.gen.go -package mocktools

// McpServerRegistrator is implemented by mcp.Server
type McpServerRegistrator interface {
	RegisterTool(name string, description string, handler any) error
}

// ITool is a tool the agent can offer to the model.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	Description() string
	// Parameters returns the JSON schema of the arguments object.
	Parameters() *jsonschema.Schema

	// Call executes the tool with the JSON arguments produced by the model.
	// If the tool fails to parse the input, it should return an error marked
	// with chatmodel.ErrInvalidArguments.
	Call(ctx context.Context, arguments string) (string, error)
}

// Callback receives tool events
type Callback interface {
	OnToolStart(ctx context.Context, tool ITool, input string)
	OnToolEnd(ctx context.Context, tool ITool, input string, output string)
	OnToolError(ctx context.Context, tool ITool, input string, err error)
}

// IMCPTool is a tool that can be served by an MCP server
type IMCPTool interface {
	ITool
	RegisterMCP(registrator McpServerRegistrator) error
}

// DecodeArguments decodes the JSON arguments produced by the model into v.
// Text and backticks around the object are trimmed, empty arguments leave v unchanged.
// The arguments must be complete JSON, then quoted numbers and booleans are accepted.
func DecodeArguments(arguments string, v any) error {
	raw := strings.TrimSpace(arguments)
	if raw == "" || raw == "null" {
		return nil
	}
	bs := llmutils.CleanJSON(llmutils.BytesTrimBackticks([]byte(raw)))
	if !json.Valid(bs) {
		return errors.Mark(errors.Errorf("invalid JSON arguments: %s", slices.StringUpto(raw, 256)), chatmodel.ErrInvalidArguments)
	}
	// ljson repairs broken JSON, so it only runs on valid input
	if err := ljson.Unmarshal(bs, v); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to unmarshal arguments"), chatmodel.ErrInvalidArguments)
	}
	return nil
}

type toolDescription struct {
	Name        string `json:"Name" yaml:"Name"`
	Description string `json:"Description" yaml:"Description"`
}

type toolsDescription struct {
	Tools []toolDescription `json:"Tools" yaml:"Tools"`
}

// GetDescriptions returns the names and descriptions of the tools
// as a JSON block for a system prompt
func GetDescriptions(list ...ITool) string {
	var d toolsDescription
	for _, tool := range list {
		d.Tools = append(d.Tools, toolDescription{
			Name:        tool.Name(),
			Description: tool.Description(),
		})
	}
	return "```json\n" + llmutils.ToJSONIndent(d) + "\n```"
}

// Names returns the names of the tools
func Names(list ...ITool) []string {
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name())
	}
	return names
}
