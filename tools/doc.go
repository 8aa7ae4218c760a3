// Package tools defines the tool abstraction offered to the model by the agent loop.
// Tools discovered from MCP providers are exposed through this interface by the registry.
package tools
