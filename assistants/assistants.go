package assistants

import (
	"context"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "assistants")

//go:generate mockgen -source=assistants.go -destination=../mocks/mockassistants/assistants_mock.gen.go -package mockassistants

type IAssistant interface {
	// Name returns the name of the Assistant.
	Name() string
	// Description returns the description of the Assistant, to be used in the prompt of other Assistants or LLMs.
	// Should not exceed LLM model limit.
	Description() string
	// FormatPrompt returns the system prompt for the values.
	FormatPrompt(values map[string]any) (prompts.PromptValue, error)
	GetPromptInputVariables() []string

	// Call runs the dispatch loop and returns the final response of the model.
	Call(ctx context.Context, input *CallInput) (*llms.ContentResponse, error)
}

// Callback receives the events of the dispatch loop
type Callback interface {
	tools.Callback
	OnAssistantStart(ctx context.Context, agent IAssistant, input string)
	OnAssistantEnd(ctx context.Context, agent IAssistant, input string, resp *llms.ContentResponse, messages []llms.Message)
	OnAssistantError(ctx context.Context, agent IAssistant, input string, err error, messages []llms.Message)
	OnAssistantLLMCallStart(ctx context.Context, agent IAssistant, llm llms.Model, payload []llms.Message)
	OnAssistantLLMCallEnd(ctx context.Context, agent IAssistant, llm llms.Model, resp *llms.ContentResponse)
	OnToolNotFound(ctx context.Context, agent IAssistant, tool string)
}

// CallInput is the input of one Run
type CallInput struct {
	// Input is the user message.
	Input string
	// PromptInputs are merged with the configured prompt input
	// to render the system prompt.
	PromptInputs map[string]any
	// Messages are appended after the user message,
	// for example to continue a previous conversation.
	Messages []llms.Message
	// Options override the Assistant config for this call.
	Options []Option
}

// Result is the outcome of one Run
type Result struct {
	// Answer is the final text of the model.
	Answer string
	// Response is the final model response.
	Response *llms.ContentResponse
	// Messages is the conversation, including the final answer.
	Messages []llms.Message
	// Turns is the number of model calls.
	Turns int
	// ToolCalls is the number of executed tool calls.
	ToolCalls int
}

// Call executes the assistant with the user message and returns the final response.
func Call(
	ctx context.Context,
	assistant IAssistant,
	input string,
	promptInputs map[string]any,
	options ...Option,
) (*llms.ContentResponse, error) {
	return assistant.Call(ctx, &CallInput{
		Input:        input,
		PromptInputs: promptInputs,
		Options:      options,
	})
}
