// Package openai implements llms.Model over the OpenAI chat completions API.
// Any compatible endpoint works, DashScope compatible mode included.
package openai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/xlog"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "openai")

// ErrEmptyResponse is returned when the API returns no choices.
var ErrEmptyResponse = errors.New("empty response")

// LLM is a chat model served by an OpenAI compatible endpoint
type LLM struct {
	client openai.Client
	opts   *options
}

var _ llms.Model = (*LLM)(nil)

// New returns a new OpenAI LLM.
func New(opts ...Option) (*LLM, error) {
	o := newOptions(opts...)
	if o.token == "" {
		return nil, errors.Errorf("missing API token, set %s", tokenEnvVarName)
	}

	ro := []option.RequestOption{
		option.WithAPIKey(o.token),
		option.WithBaseURL(o.baseURL),
		option.WithRequestTimeout(o.timeout),
		option.WithMaxRetries(o.maxRetries),
	}
	if o.organization != "" {
		ro = append(ro, option.WithOrganization(o.organization))
	}
	if o.httpClient != nil {
		ro = append(ro, option.WithHTTPClient(o.httpClient))
	}

	return &LLM{
		client: openai.NewClient(ro...),
		opts:   o,
	}, nil
}

// GetProviderType implements the Model interface.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GetName implements the Model interface.
func (o *LLM) GetName() string {
	return o.opts.model
}

// GenerateContent implements the Model interface.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)

	params, err := o.chatParams(messages, opts)
	if err != nil {
		return nil, err
	}

	var ro []option.RequestOption
	for k, v := range o.opts.extraBody {
		if _, ok := opts.ExtraBody[k]; !ok {
			ro = append(ro, option.WithJSONSet(k, v))
		}
	}
	for k, v := range opts.ExtraBody {
		ro = append(ro, option.WithJSONSet(k, v))
	}

	result, err := o.client.Chat.Completions.New(ctx, *params, ro...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			logger.ContextKV(ctx, xlog.ERROR,
				"model", params.Model,
				"status", apiErr.StatusCode,
				"err", apiErr.Message,
			)
		}
		return nil, errors.Wrapf(err, "chat completion failed")
	}
	if len(result.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choices := make([]*llms.ContentChoice, len(result.Choices))
	for i, c := range result.Choices {
		choices[i] = &llms.ContentChoice{
			Content:    c.Message.Content,
			StopReason: c.FinishReason,
			GenerationInfo: map[string]any{
				"InputTokens":  result.Usage.PromptTokens,
				"OutputTokens": result.Usage.CompletionTokens,
				"TotalTokens":  result.Usage.TotalTokens,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choices[i].ToolCalls = append(choices[i].ToolCalls, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}
	return &llms.ContentResponse{Choices: choices}, nil
}

func (o *LLM) chatParams(messages []llms.Message, opts *llms.CallOptions) (*openai.ChatCompletionNewParams, error) {
	model := opts.Model
	if model == "" {
		model = o.opts.model
	}

	params := &openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
	}

	for _, m := range messages {
		list, err := messageParams(m)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, list...)
	}

	temperature := opts.Temperature
	if temperature == nil {
		temperature = o.opts.temperature
	}
	if temperature != nil {
		params.Temperature = openai.Float(*temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.TopP > 0 {
		params.TopP = openai.Float(opts.TopP)
	}
	if opts.Seed != 0 {
		params.Seed = openai.Int(int64(opts.Seed))
	}
	if opts.N > 0 {
		params.N = openai.Int(int64(opts.N))
	}
	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopWords}
	}

	for _, tool := range opts.Tools {
		t, err := toolParam(tool)
		if err != nil {
			return nil, err
		}
		params.Tools = append(params.Tools, t)
	}
	if choice, ok := opts.ToolChoice.(string); ok && choice != "" && len(params.Tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(choice)}
	}

	return params, nil
}

func messageParams(m llms.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llms.RoleSystem:
		return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(m.GetText())}, nil
	case llms.RoleHuman:
		return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(m.GetText())}, nil
	case llms.RoleAI:
		calls := m.ToolCalls()
		if len(calls) == 0 {
			return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(m.GetText())}, nil
		}
		msg := openai.ChatCompletionAssistantMessageParam{}
		if text := m.GetText(); text != "" {
			msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
		}
		for _, tc := range calls {
			if tc.FunctionCall == nil {
				return nil, errors.Errorf("tool call %s has no function", tc.ID)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.FunctionCall.Name,
						Arguments: tc.FunctionCall.Arguments,
					},
				},
			})
		}
		return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &msg}}, nil
	case llms.RoleTool:
		// every tool response is a separate message
		var list []openai.ChatCompletionMessageParamUnion
		for _, p := range m.Parts {
			resp, ok := p.(llms.ToolCallResponse)
			if !ok {
				return nil, errors.Errorf("expected part of type ToolCallResponse for role %v, got %T", m.Role, p)
			}
			list = append(list, openai.ToolMessage(resp.Content, resp.ToolCallID))
		}
		return list, nil
	}
	return nil, errors.Wrapf(llms.ErrUnexpectedRole, "role %q", m.Role)
}

func toolParam(t llms.Tool) (openai.ChatCompletionToolUnionParam, error) {
	if t.Type != "function" || t.Function == nil {
		return openai.ChatCompletionToolUnionParam{}, errors.Errorf("tool type %v not supported", t.Type)
	}

	def := openai.FunctionDefinitionParam{
		Name: t.Function.Name,
	}
	if desc := strings.TrimSpace(t.Function.Description); desc != "" {
		def.Description = openai.String(desc)
	}
	if t.Function.Strict {
		def.Strict = openai.Bool(true)
	}
	if t.Function.Parameters != nil {
		js, err := json.Marshal(t.Function.Parameters)
		if err != nil {
			return openai.ChatCompletionToolUnionParam{}, errors.Wrapf(err, "tool %s: invalid parameters", t.Function.Name)
		}
		var params openai.FunctionParameters
		if err = json.Unmarshal(js, &params); err != nil {
			return openai.ChatCompletionToolUnionParam{}, errors.Wrapf(err, "tool %s: invalid parameters", t.Function.Name)
		}
		def.Parameters = params
	}
	return openai.ChatCompletionFunctionTool(def), nil
}
