package assistants

import (
	"maps"
	"slices"

	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
)

const (
	// DefaultMaxTurns is the number of model calls allowed in one Run.
	DefaultMaxTurns = 10
	// DefaultMaxToolCalls is the number of tool calls allowed in one Run.
	DefaultMaxToolCalls = 50
	// DefaultMaxContentSize is the size limit in bytes of the conversation sent to the model.
	DefaultMaxContentSize = 1024 * 1024
	// DefaultMaxRetries is the number of attempts when the model returns no choices.
	DefaultMaxRetries = 3
)

// Option is a function that can be used to modify the behavior of the Agent Config.
type Option func(*Config)

type Config struct {
	// Model is the model to use in an LLM call.
	Model    string
	modelSet bool

	// MaxTokens is the maximum number of tokens to generate to use in an LLM call.
	MaxTokens    int
	maxTokensSet bool

	// Temperature is the temperature for sampling to use in an LLM call, between 0 and 2.
	Temperature    float64
	temperatureSet bool

	// StopWords is a list of words to stop on to use in an LLM call.
	StopWords    []string
	stopWordsSet bool

	// TopP is the cumulative probability for top-p sampling in an LLM call.
	TopP    float64
	toppSet bool

	// Seed is a seed for deterministic sampling in an LLM call.
	Seed    int
	seedSet bool

	// ToolChoice is the choice of tool to use, it can either be "none", "auto" (the default behavior),
	// "required", or a specific tool as described in the llms.ToolChoice type.
	ToolChoice    any
	toolChoiceSet bool

	// ExtraBody is merged into the request body of OpenAI compatible backends.
	ExtraBody map[string]any

	// CallbackHandler is the callback handler for the Assistant
	CallbackHandler Callback

	//
	// Below are the options for the Agent, not related to LLM call
	//

	// MaxTurns is the number of model calls allowed in one Run.
	MaxTurns int
	// MaxToolCalls is the number of tool calls allowed in one Run.
	MaxToolCalls int
	// MaxLength is the size limit in bytes of the conversation sent to the model.
	MaxLength int

	PromptInput map[string]any
	Examples    chatmodel.FewShotExamples
}

func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		MaxTurns:     DefaultMaxTurns,
		MaxToolCalls: DefaultMaxToolCalls,
		MaxLength:    DefaultMaxContentSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Apply returns a copy of the config with the options applied.
func (c *Config) Apply(opts ...Option) *Config {
	cfg := *c
	cfg.StopWords = slices.Clone(c.StopWords)
	cfg.ExtraBody = maps.Clone(c.ExtraBody)
	cfg.PromptInput = maps.Clone(c.PromptInput)
	cfg.Examples = slices.Clone(c.Examples)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithExamples is an option that allows to specify the few-shot examples for the system prompt.
func WithExamples(examples chatmodel.FewShotExamples) Option {
	return func(o *Config) {
		o.Examples = examples
	}
}

// WithPromptInput is an option that allows the user to specify the system prompt input.
func WithPromptInput(input map[string]any) Option {
	return func(o *Config) {
		o.PromptInput = input
	}
}

// WithMaxTurns sets the number of model calls allowed in one Run.
func WithMaxTurns(turns int) Option {
	return func(o *Config) {
		o.MaxTurns = turns
	}
}

// WithMaxToolCalls sets the number of tool calls allowed in one Run.
func WithMaxToolCalls(calls int) Option {
	return func(o *Config) {
		o.MaxToolCalls = calls
	}
}

// WithMaxLength sets the size limit of the conversation in bytes.
func WithMaxLength(maxLength int) Option {
	return func(o *Config) {
		o.MaxLength = maxLength
	}
}

// WithModel is an option for LLM.Call.
func WithModel(model string) Option {
	return func(o *Config) {
		o.Model = model
		o.modelSet = true
	}
}

// WithMaxTokens is an option for LLM.Call.
func WithMaxTokens(maxTokens int) Option {
	return func(o *Config) {
		o.MaxTokens = maxTokens
		o.maxTokensSet = true
	}
}

// WithTemperature is an option for LLM.Call.
func WithTemperature(temperature float64) Option {
	return func(o *Config) {
		o.Temperature = temperature
		o.temperatureSet = true
	}
}

// WithTopP	will add an option to use top-p sampling for LLM.Call.
func WithTopP(topP float64) Option {
	return func(o *Config) {
		o.TopP = topP
		o.toppSet = true
	}
}

// WithSeed will add an option to use deterministic sampling for LLM.Call.
func WithSeed(seed int) Option {
	return func(o *Config) {
		o.Seed = seed
		o.seedSet = true
	}
}

// WithStopWords is an option for setting the stop words for LLM.Call.
func WithStopWords(stopWords []string) Option {
	return func(o *Config) {
		o.StopWords = stopWords
		o.stopWordsSet = true
	}
}

// WithToolChoice is an option for LLM.Call.
func WithToolChoice(choice any) Option {
	return func(o *Config) {
		o.ToolChoice = choice
		o.toolChoiceSet = true
	}
}

// WithExtraBody is an option for LLM.Call, for example
// {"enable_thinking": false} for DashScope.
func WithExtraBody(extra map[string]any) Option {
	return func(o *Config) {
		o.ExtraBody = extra
	}
}

// WithCallback allows setting a custom Callback Handler.
func WithCallback(callbackHandler Callback) Option {
	return func(o *Config) {
		o.CallbackHandler = callbackHandler
	}
}

// GetCallOptions returns the LLM call options for the values that were set.
func (c *Config) GetCallOptions(tools ...llms.Tool) []llms.CallOption {
	var chainCallOption []llms.CallOption
	if c.modelSet {
		chainCallOption = append(chainCallOption, llms.WithModel(c.Model))
	}
	if c.maxTokensSet {
		chainCallOption = append(chainCallOption, llms.WithMaxTokens(c.MaxTokens))
	}
	if c.temperatureSet {
		chainCallOption = append(chainCallOption, llms.WithTemperature(c.Temperature))
	}
	if c.stopWordsSet {
		chainCallOption = append(chainCallOption, llms.WithStopWords(c.StopWords))
	}
	if c.toppSet {
		chainCallOption = append(chainCallOption, llms.WithTopP(c.TopP))
	}
	if c.seedSet {
		chainCallOption = append(chainCallOption, llms.WithSeed(c.Seed))
	}
	if len(tools) > 0 {
		chainCallOption = append(chainCallOption, llms.WithTools(tools))
		if c.toolChoiceSet {
			chainCallOption = append(chainCallOption, llms.WithToolChoice(c.ToolChoice))
		}
	}
	if len(c.ExtraBody) > 0 {
		chainCallOption = append(chainCallOption, llms.WithExtraBody(c.ExtraBody))
	}
	return chainCallOption
}
