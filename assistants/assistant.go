package assistants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/sourcegraph/conc/iter"
)

// ProvidePromptInputsFunc returns extra system prompt inputs for the user message.
type ProvidePromptInputsFunc func(ctx context.Context, input string) (map[string]any, error)

// Assistant runs the dispatch loop: it asks the model for a decision,
// executes the requested tool calls and feeds the results back
// until the model produces a final answer.
//
// The Assistant holds no per-run state, Run is safe for concurrent use.
type Assistant struct {
	LLM llms.Model

	toolsByName map[string]tools.ITool
	toolsNames  []string
	tools       []tools.ITool
	llmToolDefs []llms.Tool

	cfg         *Config
	name        string
	description string
	sysprompt   prompts.FormatPrompter
	onPrompt    ProvidePromptInputsFunc
}

var _ IAssistant = (*Assistant)(nil)

// NewAssistant returns an Assistant for the model.
// The system prompt is optional.
func NewAssistant(
	llmModel llms.Model,
	sysprompt prompts.FormatPrompter,
	options ...Option) *Assistant {
	return &Assistant{
		cfg:         NewConfig(options...),
		LLM:         llmModel,
		sysprompt:   sysprompt,
		name:        "Generic Assistant",
		description: "An AI assistant that answers questions using the available tools.",
	}
}

func (a *Assistant) GetCallConfig(opts ...Option) *Config {
	return a.cfg.Apply(opts...)
}

func (a *Assistant) GetCallback() Callback {
	return a.cfg.CallbackHandler
}

// WithName sets the name of the Agent, used in logs and metrics.
func (a *Assistant) WithName(name string) *Assistant {
	a.name = name
	return a
}

// WithDescription sets the description of the Agent.
func (a *Assistant) WithDescription(description string) *Assistant {
	a.description = description
	return a
}

// Name returns the name of the Agent.
func (a *Assistant) Name() string {
	return a.name
}

// Description returns the description of the Agent.
func (a *Assistant) Description() string {
	return a.description
}

func (a *Assistant) GetTools() []tools.ITool {
	return a.tools
}

// WithTools adds new tools to the Assistant,
// existing tools are not replaced.
func (a *Assistant) WithTools(list ...tools.ITool) *Assistant {
	if a.toolsByName == nil {
		a.toolsByName = make(map[string]tools.ITool)
	}
	for _, tool := range list {
		name := tool.Name()
		if a.toolsByName[name] != nil {
			logger.KV(xlog.WARNING,
				"assistant", a.name,
				"status", "duplicate_tool_ignored",
				"tool", name,
			)
			continue
		}
		a.toolsByName[name] = tool
		a.toolsNames = append(a.toolsNames, name)
		a.tools = append(a.tools, tool)
		a.llmToolDefs = append(a.llmToolDefs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        name,
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}

	return a
}

func (a *Assistant) WithPromptInputProvider(cb ProvidePromptInputsFunc) *Assistant {
	a.onPrompt = cb
	return a
}

func (a *Assistant) FormatPrompt(promptInputs map[string]any) (prompts.PromptValue, error) {
	if a.sysprompt == nil {
		return prompts.StringPromptValue(""), nil
	}
	return a.sysprompt.FormatPrompt(prompts.MergeInputs(a.cfg.PromptInput, promptInputs))
}

func (a *Assistant) GetPromptInputVariables() []string {
	if a.sysprompt == nil {
		return nil
	}
	return a.sysprompt.GetInputVariables()
}

// systemMessages renders the system prompt, nil if the Assistant has none.
func (a *Assistant) systemMessages(ctx context.Context, cfg *Config, input string, promptInputs map[string]any) ([]llms.Message, error) {
	if a.sysprompt == nil {
		return nil, nil
	}
	if a.onPrompt != nil {
		extra, err := a.onPrompt(ctx, input)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to get prompt inputs")
		}
		promptInputs = prompts.MergeInputs(promptInputs, extra)
	}

	promptValue, err := a.sysprompt.FormatPrompt(prompts.MergeInputs(cfg.PromptInput, promptInputs))
	if err != nil {
		return nil, err
	}

	if chat, ok := promptValue.(prompts.ChatPromptValue); ok {
		return chat.Messages(), nil
	}
	systemPrompt := strings.TrimRight(promptValue.String(), "\n")
	return []llms.Message{llms.MessageFromTextParts(llms.RoleSystem, systemPrompt)}, nil
}

// Call runs the dispatch loop and returns the final model response.
func (a *Assistant) Call(ctx context.Context, input *CallInput) (*llms.ContentResponse, error) {
	res, err := a.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Run runs the dispatch loop for the user message.
// Tool failures are returned to the model as tool results,
// a model failure stops the loop with chatmodel.ErrModelBackend,
// and reaching the turn limit stops it with chatmodel.ErrMaxTurnsExceeded.
func (a *Assistant) Run(ctx context.Context, input *CallInput) (*Result, error) {
	started := time.Now()
	defer metricskey.PerfAssistantCall.MeasureSince(started, a.Name())

	ctx = chatmodel.EnsureChatContext(ctx)
	// create a per call config
	cfg := a.GetCallConfig(input.Options...)

	callback := cfg.CallbackHandler
	if callback != nil {
		callback.OnAssistantStart(ctx, a, input.Input)
	}

	res, messages, err := a.run(ctx, cfg, input)
	if err != nil {
		metricskey.StatsAssistantCallsFailed.IncrCounter(1, a.Name())
		logger.ContextKV(ctx, xlog.DEBUG,
			"assistant", a.name,
			"status", "failed",
			"kind", chatmodel.Kind(err),
			"err", err.Error(),
		)
		if callback != nil {
			callback.OnAssistantError(ctx, a, input.Input, err, messages)
		}
		return nil, err
	}
	metricskey.StatsAssistantCallsSucceeded.IncrCounter(1, a.Name())
	if callback != nil {
		callback.OnAssistantEnd(ctx, a, input.Input, res.Response, messages)
	}
	return res, nil
}

func (a *Assistant) run(ctx context.Context, cfg *Config, input *CallInput) (*Result, []llms.Message, error) {
	chatID := chatmodel.GetChatID(ctx)
	if chatID == "" {
		return nil, nil, errors.WithStack(chatmodel.ErrInvalidChatContext)
	}

	messageHistory, err := a.systemMessages(ctx, cfg, input.Input, input.PromptInputs)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to format system prompt")
	}
	for _, example := range cfg.Examples {
		messageHistory = append(messageHistory,
			llms.MessageFromTextParts(llms.RoleHuman, example.Prompt),
			llms.MessageFromTextParts(llms.RoleAI, example.Completion),
		)
	}
	if input.Input != "" {
		messageHistory = append(messageHistory, llms.MessageFromTextParts(llms.RoleHuman, input.Input))
	}
	messageHistory = append(messageHistory, input.Messages...)
	if len(messageHistory) == 0 {
		return nil, nil, errors.Errorf("assistant %s: input is required", a.name)
	}

	if len(a.llmToolDefs) > 0 {
		prov := a.LLM.GetProviderType()
		if !prov.Supports(llms.CapabilityFunctionCalling) {
			return nil, messageHistory, errors.Errorf("assistant %s: the LLM does not support function calling", a.name)
		}
	}
	callOpts := cfg.GetCallOptions(a.llmToolDefs...)

	assistantName := a.Name()
	modelName := a.LLM.GetName()

	maxTurns := values.NumbersCoalesce(cfg.MaxTurns, DefaultMaxTurns)
	bytesLimit := uint64(values.NumbersCoalesce(cfg.MaxLength, DefaultMaxContentSize))
	toolsLimit := values.NumbersCoalesce(cfg.MaxToolCalls, DefaultMaxToolCalls)

	var resp *llms.ContentResponse
	turns := 0
	retryCount := 0
	totalToolExecuted := 0

	for {
		if err = ctx.Err(); err != nil {
			return nil, messageHistory, errors.WithStack(err)
		}
		if turns >= maxTurns {
			return nil, messageHistory, errors.Mark(
				errors.Errorf("assistant %s: no final answer after %d turns", assistantName, turns),
				chatmodel.ErrMaxTurnsExceeded)
		}
		bytesSent := llmutils.CountMessagesContentSize(messageHistory)
		if bytesSent > bytesLimit {
			return nil, messageHistory, errors.Mark(
				errors.Errorf("assistant %s: the content size exceeded limit", assistantName),
				chatmodel.ErrMaxTurnsExceeded)
		}

		turns++
		metricskey.StatsAssistantTurns.IncrCounter(1, assistantName)

		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnAssistantLLMCallStart(ctx, a, a.LLM, messageHistory)
		}

		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messageHistory)), assistantName, modelName)
		metricskey.StatsLLMBytesSent.IncrCounter(float64(bytesSent), assistantName, modelName)

		resp, err = a.LLM.GenerateContent(ctx, messageHistory, callOpts...)
		if err != nil {
			return nil, messageHistory, errors.Mark(
				errors.Wrapf(err, "assistant %s: model %s failed", assistantName, modelName),
				chatmodel.ErrModelBackend)
		}
		if resp == nil {
			resp = &llms.ContentResponse{}
		}

		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnAssistantLLMCallEnd(ctx, a, a.LLM, resp)
		}

		bytesReceived := llmutils.CountResponseContentSize(resp)
		metricskey.StatsLLMBytesReceived.IncrCounter(float64(bytesReceived), assistantName, modelName)
		metricskey.StatsLLMBytesTotal.IncrCounter(float64(bytesSent+bytesReceived), assistantName, modelName)

		tokensIn, tokensOut, tokensTotal := llmutils.CountTokens(resp)
		metricskey.StatsLLMInputTokens.IncrCounter(float64(tokensIn), assistantName, modelName)
		metricskey.StatsLLMOutputTokens.IncrCounter(float64(tokensOut), assistantName, modelName)
		metricskey.StatsLLMTotalTokens.IncrCounter(float64(tokensTotal), assistantName, modelName)

		// Check for empty response and retry if needed
		if len(resp.Choices) == 0 {
			retryCount++
			if retryCount >= DefaultMaxRetries {
				logger.ContextKV(ctx, xlog.ERROR,
					"assistant", assistantName,
					"status", "max_retries_exceeded",
					"input", slices.StringUpto(input.Input, 64),
					"retry_count", retryCount,
				)
				return nil, messageHistory, errors.Mark(
					errors.Errorf("assistant %s: LLM returned empty response after %d retries", assistantName, retryCount),
					chatmodel.ErrModelBackend)
			}
			metricskey.StatsAssistantCallsRetried.IncrCounter(1, assistantName)
			logger.ContextKV(ctx, xlog.WARNING,
				"assistant", assistantName,
				"status", "retrying_empty_response",
				"retry_count", retryCount,
			)
			continue
		}
		retryCount = 0

		var toolExecuted int
		toolExecuted, messageHistory = a.executeToolCalls(ctx, cfg, messageHistory, resp)
		if toolExecuted == 0 {
			break
		}
		totalToolExecuted += toolExecuted
		if totalToolExecuted >= toolsLimit {
			return nil, messageHistory, errors.Mark(
				errors.Errorf("assistant %s: the tool calls limit is exceeded", assistantName),
				chatmodel.ErrMaxTurnsExceeded)
		}
	}

	result := resp.Choices[0].Content
	if len(resp.Choices) > 1 {
		// Handle multiple choices by combining their content
		var combinedContent strings.Builder
		for i, choice := range resp.Choices {
			if i > 0 {
				combinedContent.WriteString("\n\n")
			}
			combinedContent.WriteString(choice.Content)
		}
		result = combinedContent.String()
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"assistant", assistantName,
		"chat_id", chatID,
		"status", "final_answer",
		"turns", turns,
		"tool_calls", totalToolExecuted,
		"answer", slices.StringUpto(result, 64),
	)

	messageHistory = append(messageHistory, llms.MessageFromTextParts(llms.RoleAI, result))

	return &Result{
		Answer:    result,
		Response:  resp,
		Messages:  messageHistory,
		Turns:     turns,
		ToolCalls: totalToolExecuted,
	}, messageHistory, nil
}

// toolCallResult is the outcome of one tool call of a turn
type toolCallResult struct {
	content string
	isError bool
}

// executeToolCalls executes the tool calls of the response concurrently,
// the results are appended to the message history in the order of the calls.
func (a *Assistant) executeToolCalls(ctx context.Context, cfg *Config, messageHistory []llms.Message, resp *llms.ContentResponse) (int, []llms.Message) {
	var toolCalls []llms.ToolCall

	for _, choice := range resp.Choices {
		var choiceToolCalls []llms.ToolCall
		for _, toolCall := range choice.ToolCalls {
			if toolCall.FunctionCall == nil {
				continue
			}
			if toolCall.ID == "" {
				toolCall.ID = fmt.Sprintf("%s_%d", toolCall.FunctionCall.Name, len(toolCalls)+len(choiceToolCalls))
			}
			toolCall.Type = values.StringsCoalesce(toolCall.Type, "function")
			choiceToolCalls = append(choiceToolCalls, toolCall)

			logger.ContextKV(ctx, xlog.DEBUG,
				"assistant", a.name,
				"status", "tool_call_found",
				"tool_call_id", toolCall.ID,
				"tool_call_name", toolCall.FunctionCall.Name,
			)
		}

		if len(choiceToolCalls) == 0 {
			continue
		}
		toolCalls = append(toolCalls, choiceToolCalls...)
		messageHistory = append(messageHistory, llms.MessageFromToolCalls(llms.RoleAI, choiceToolCalls...))
	}

	if len(toolCalls) == 0 {
		return 0, messageHistory
	}

	mapper := iter.Mapper[llms.ToolCall, toolCallResult]{MaxGoroutines: len(toolCalls)}
	results := mapper.Map(toolCalls, func(tc *llms.ToolCall) toolCallResult {
		return a.callTool(ctx, cfg, *tc)
	})

	for i, tc := range toolCalls {
		result := results[i]
		logger.ContextKV(ctx, xlog.DEBUG,
			"assistant", a.name,
			"status", "tool_call_response",
			"tool_call_id", tc.ID,
			"tool_name", tc.FunctionCall.Name,
			"is_error", result.isError,
			"content_length", len(result.content),
		)
		messageHistory = append(messageHistory, llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       tc.FunctionCall.Name,
			Content:    result.content,
			IsError:    result.isError,
		}))
	}

	return len(toolCalls), messageHistory
}

// lookupTool returns the tool with the exact name,
// otherwise the only tool whose name matches ignoring case
func (a *Assistant) lookupTool(name string) tools.ITool {
	if tool := a.toolsByName[name]; tool != nil {
		return tool
	}
	var found tools.ITool
	for n, tool := range a.toolsByName {
		if strings.EqualFold(n, name) {
			if found != nil {
				return nil
			}
			found = tool
		}
	}
	return found
}

// callTool executes one tool call, any failure is described in the result
func (a *Assistant) callTool(ctx context.Context, cfg *Config, tc llms.ToolCall) (res toolCallResult) {
	toolName := tc.FunctionCall.Name
	toolArgs := tc.FunctionCall.Arguments

	tool := a.lookupTool(toolName)
	if tool == nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, toolName)
		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnToolNotFound(ctx, a, toolName)
		}
		availableTools := strings.Join(a.toolsNames, ", ")
		logger.ContextKV(ctx, xlog.WARNING,
			"assistant", a.name,
			"status", "tool_not_found",
			"tool_name", toolName,
			"available_tools", availableTools,
		)
		err := errors.Mark(
			errors.Errorf("unknown tool: %s, available tools: %s", toolName, availableTools),
			chatmodel.ErrUnknownTool)
		return toolCallResult{content: chatmodel.Describe(err), isError: true}
	}

	defer func() {
		if r := recover(); r != nil {
			err := errors.Mark(errors.Errorf("tool %s panicked: %v", toolName, r), chatmodel.ErrToolExecution)
			logger.ContextKV(ctx, xlog.ERROR,
				"assistant", a.name,
				"status", "tool_panic",
				"tool_name", toolName,
				"err", err.Error(),
			)
			if cfg.CallbackHandler != nil {
				cfg.CallbackHandler.OnToolError(ctx, tool, toolArgs, err)
			}
			res = toolCallResult{content: chatmodel.Describe(err), isError: true}
		}
	}()

	if cfg.CallbackHandler != nil {
		cfg.CallbackHandler.OnToolStart(ctx, tool, toolArgs)
	}

	output, err := tool.Call(ctx, toolArgs)
	if err != nil {
		if chatmodel.Kind(err) == "Error" {
			err = errors.Mark(err, chatmodel.ErrToolExecution)
		}
		logger.ContextKV(ctx, xlog.WARNING,
			"assistant", a.name,
			"status", "tool_call_failed",
			"tool_name", toolName,
			"kind", chatmodel.Kind(err),
			"err", err.Error(),
		)
		if cfg.CallbackHandler != nil {
			cfg.CallbackHandler.OnToolError(ctx, tool, toolArgs, err)
		}
		return toolCallResult{content: chatmodel.Describe(err), isError: true}
	}

	if cfg.CallbackHandler != nil {
		cfg.CallbackHandler.OnToolEnd(ctx, tool, toolArgs, output)
	}
	return toolCallResult{content: output}
}
