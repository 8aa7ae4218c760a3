package registry

import (
	"context"
	"encoding/json"

	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

// registryTool exposes a registry entry as tools.ITool
type registryTool struct {
	r      *Registry
	name   string
	desc   string
	params *jsonschema.Schema
}

var _ tools.ITool = (*registryTool)(nil)

// Tools returns the registered tools in registration order.
// Calls are routed through the registry to the owning provider.
func (r *Registry) Tools() []tools.ITool {
	list := r.ListAll()
	res := make([]tools.ITool, 0, len(list))
	for _, e := range list {
		res = append(res, &registryTool{
			r:      r,
			name:   e.Tool.Name,
			desc:   e.Tool.Description,
			params: toolParameters(e.Tool.Name, e.Tool.InputSchema),
		})
	}
	return res
}

func toolParameters(name string, raw json.RawMessage) *jsonschema.Schema {
	empty := &jsonschema.Schema{Type: "object"}
	if len(raw) == 0 {
		return empty
	}
	sc, err := schema.FromAny(raw)
	if err != nil {
		logger.KV(xlog.WARNING,
			"tool", name,
			"reason", "invalid_schema",
			"err", err.Error(),
		)
		return empty
	}
	return sc
}

func (t *registryTool) Name() string {
	return t.name
}

func (t *registryTool) Description() string {
	return t.desc
}

func (t *registryTool) Parameters() *jsonschema.Schema {
	return t.params
}

// Call returns the text of the tool response,
// any failure is returned as an error classified by chatmodel.Kind
func (t *registryTool) Call(ctx context.Context, arguments string) (string, error) {
	res, err := t.r.Call(ctx, t.name, json.RawMessage(arguments))
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
