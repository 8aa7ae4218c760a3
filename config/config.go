// Package config loads the settings of the agent: the model backends,
// the MCP providers and the dispatch loop limits.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/assistants"
	"github.com/effective-security/mcpagent/pkg/llmfactory"
	"github.com/effective-security/mcpagent/pkg/timeutil"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
	"github.com/subosito/gotenv"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "config")

const (
	// DefaultModel is the DashScope model used when DASHSCOPE_MODEL is not set
	DefaultModel = "qwen-turbo"
	// DefaultTemperature is the sampling temperature of DashScope models
	DefaultTemperature = 0.7
	// DefaultModelTimeout is the deadline of one model request
	DefaultModelTimeout = 30 * time.Second
	// DefaultAgentName is the name of the assistant
	DefaultAgentName = "mcpagent"
	// DefaultSystemPrompt is used when the agent has no system prompt configured
	DefaultSystemPrompt = "You are a helpful assistant. Use the available tools to answer the question."

	// DefaultWeatherToken is the bearer token sent to the default weather provider
	DefaultWeatherToken = "YOUR_TOKEN"

	// DashScopeProvider is the name of the provider created from the environment
	DashScopeProvider = "dashscope"
)

// Environment variables read by Load
const (
	EnvDashScopeModel   = "DASHSCOPE_MODEL"
	EnvDashScopeAPIKey  = "DASHSCOPE_API_KEY"
	EnvDashScopeBaseURL = "DASHSCOPE_BASE_URL"
)

// Config is the configuration of the agent
type Config struct {
	// LLM specifies the model backends
	LLM llmfactory.Config `json:"llm" yaml:"llm" toml:"llm"`
	// MCPServers are the tool providers, the order defines the order of discovery
	MCPServers []*registry.ProviderConfig `json:"mcp_servers" yaml:"mcp_servers" toml:"mcp_servers" validate:"dive"`
	// Agent specifies the dispatch loop
	Agent Agent `json:"agent" yaml:"agent" toml:"agent"`
}

// Agent specifies the assistant that answers the queries
type Agent struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	// SystemPrompt is a template, rendered with the prompt inputs
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	// PromptInputs are the values of the system prompt template
	PromptInputs map[string]any `json:"prompt_inputs,omitempty" yaml:"prompt_inputs,omitempty" toml:"prompt_inputs,omitempty"`
	// Model is the preferred model, the default model of the default provider is used when empty
	Model string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	// MaxTurns is the limit of model calls for one query
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty" toml:"max_turns,omitempty" validate:"gte=0"`
	// MaxToolCalls is the limit of tool calls for one query
	MaxToolCalls int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty" toml:"max_tool_calls,omitempty" validate:"gte=0"`
}

// DefaultProviders returns the math provider started from PATH
// and the weather provider on localhost with the runtime headers
func DefaultProviders() []*registry.ProviderConfig {
	return []*registry.ProviderConfig{
		{
			Name:      "math",
			Transport: registry.TransportStdio,
			Command:   "mathserver",
		},
		{
			Name:      "weather",
			Transport: registry.TransportHTTP,
			URL:       "http://localhost:8000/mcp/",
			Headers: map[string]string{
				"Authorization":   "Bearer " + DefaultWeatherToken,
				"X-Custom-Header": "custom-value",
			},
		},
	}
}

// Load loads the .env files, then the config file.
// An empty file name returns the defaults.
// Supported formats are YAML, JSON and TOML.
func Load(file string, envFiles ...string) (*Config, error) {
	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := new(Config)
	if file != "" {
		var err error
		switch strings.ToLower(filepath.Ext(file)) {
		case ".toml":
			err = loadTOML(file, cfg)
		default:
			err = configloader.UnmarshalAndExpand(file, cfg)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load config: %s", file)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads the environment files, the existing variables are not overridden.
// With no files, .env in the current folder is loaded if present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	for _, f := range files {
		if err := gotenv.Load(f); err != nil {
			return errors.Wrapf(err, "failed to load env file: %s", f)
		}
		logger.KV(xlog.DEBUG, "status", "env_loaded", "file", f)
	}
	return nil
}

func loadTOML(file string, cfg *Config) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = toml.Decode(os.ExpandEnv(string(b)), cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// SetDefaults fills the missing values.
// Without configured model backends, a DashScope provider is created from the environment.
func (c *Config) SetDefaults() {
	if len(c.LLM.Providers) == 0 {
		c.LLM.Providers = []*llmfactory.ProviderConfig{DashScopeFromEnv()}
	}
	for _, p := range c.LLM.Providers {
		if p.Timeout == 0 {
			p.Timeout = timeutil.Duration(DefaultModelTimeout)
		}
		if strings.EqualFold(p.OpenAI.APIType, "DASHSCOPE") {
			if p.Temperature == nil {
				temp := DefaultTemperature
				p.Temperature = &temp
			}
			if _, ok := p.ExtraBody["enable_thinking"]; !ok {
				if p.ExtraBody == nil {
					p.ExtraBody = map[string]any{}
				}
				p.ExtraBody["enable_thinking"] = false
			}
		}
		if p.DefaultModel == "" && len(p.AvailableModels) > 0 {
			p.DefaultModel = p.AvailableModels[0]
		}
	}
	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = c.LLM.Providers[0].Name
	}

	if len(c.MCPServers) == 0 {
		c.MCPServers = DefaultProviders()
	}
	for _, s := range c.MCPServers {
		if s.Timeout == 0 {
			s.Timeout = timeutil.Duration(registry.DefaultTimeout)
		}
	}

	c.Agent.Name = values.StringsCoalesce(c.Agent.Name, DefaultAgentName)
	c.Agent.SystemPrompt = values.StringsCoalesce(c.Agent.SystemPrompt, DefaultSystemPrompt)
	c.Agent.MaxTurns = values.NumbersCoalesce(c.Agent.MaxTurns, assistants.DefaultMaxTurns)
	c.Agent.MaxToolCalls = values.NumbersCoalesce(c.Agent.MaxToolCalls, assistants.DefaultMaxToolCalls)
}

// DashScopeFromEnv returns the DashScope provider described by
// DASHSCOPE_MODEL, DASHSCOPE_API_KEY and DASHSCOPE_BASE_URL
func DashScopeFromEnv() *llmfactory.ProviderConfig {
	model := values.StringsCoalesce(os.Getenv(EnvDashScopeModel), DefaultModel)
	temp := DefaultTemperature
	return &llmfactory.ProviderConfig{
		Name:            DashScopeProvider,
		Token:           os.Getenv(EnvDashScopeAPIKey),
		DefaultModel:    model,
		AvailableModels: []string{model},
		OpenAI: llmfactory.OpenAIConfig{
			APIType: "DASHSCOPE",
			BaseURL: values.StringsCoalesce(os.Getenv(EnvDashScopeBaseURL), llmfactory.DashScopeBaseURL),
		},
		Temperature: &temp,
		Timeout:     timeutil.Duration(DefaultModelTimeout),
		ExtraBody:   map[string]any{"enable_thinking": false},
	}
}

// Validate checks the tags of the config, the names of the providers
// and the fields required by each transport
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithStack(err)
	}

	names := map[string]bool{}
	for _, p := range c.LLM.Providers {
		if names[p.Name] {
			return errors.Errorf("duplicate llm provider: %s", p.Name)
		}
		names[p.Name] = true
	}
	if c.LLM.DefaultProvider != "" && !names[c.LLM.DefaultProvider] {
		return errors.Errorf("default llm provider not found: %s", c.LLM.DefaultProvider)
	}

	servers := map[string]bool{}
	for _, s := range c.MCPServers {
		if servers[s.Name] {
			return errors.Errorf("duplicate mcp server: %s", s.Name)
		}
		servers[s.Name] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AssistantOptions returns the options of the dispatch loop
func (c *Config) AssistantOptions() []assistants.Option {
	opts := []assistants.Option{
		assistants.WithMaxTurns(c.Agent.MaxTurns),
		assistants.WithMaxToolCalls(c.Agent.MaxToolCalls),
	}
	if len(c.Agent.PromptInputs) > 0 {
		opts = append(opts, assistants.WithPromptInput(c.Agent.PromptInputs))
	}
	return opts
}
