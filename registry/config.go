package registry

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/timeutil"
)

// TransportKind specifies how a provider is reached
type TransportKind string

const (
	// TransportStdio starts the provider as a subprocess and speaks over its stdin/stdout
	TransportStdio TransportKind = "stdio"
	// TransportHTTP posts requests to the provider URL
	TransportHTTP TransportKind = "http"
)

// Normalize maps the accepted aliases to the canonical kind
func (k TransportKind) Normalize() TransportKind {
	switch k {
	case "pipe", "stdio":
		return TransportStdio
	case "http", "streamable_http", "streamable-http":
		return TransportHTTP
	}
	return k
}

// ProviderConfig describes one tool provider
type ProviderConfig struct {
	// Name of the provider, unique in a registry
	Name string `json:"name" yaml:"name" toml:"name" validate:"required"`
	// Transport is stdio (alias pipe) or http (alias streamable_http)
	Transport TransportKind `json:"transport" yaml:"transport" toml:"transport" validate:"required,oneof=stdio pipe http streamable_http streamable-http"`

	// Command to start, for stdio
	Command string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	// Args of the command, for stdio
	Args []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	// Env is added to the environment of the command, for stdio
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`

	// URL of the MCP endpoint, for http
	URL string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty" validate:"omitempty,url"`
	// Headers are sent verbatim with every request, for http
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`

	// Timeout for each request, the default is 30s
	Timeout timeutil.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// Validate checks the fields required by the transport
func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	switch c.Transport.Normalize() {
	case TransportStdio:
		if c.Command == "" {
			return errors.Errorf("provider %s: command is required for stdio transport", c.Name)
		}
	case TransportHTTP:
		if c.URL == "" {
			return errors.Errorf("provider %s: url is required for http transport", c.Name)
		}
	default:
		return errors.Errorf("provider %s: unsupported transport: %q", c.Name, c.Transport)
	}
	if c.Timeout < 0 {
		return errors.Errorf("provider %s: negative timeout", c.Name)
	}
	return nil
}
