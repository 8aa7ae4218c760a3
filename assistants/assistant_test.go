package assistants_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/assistants"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/mcp/transport/stdio"
	"github.com/effective-security/mcpagent/mocks/mockllms"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/pkg/timeutil"
	"github.com/effective-security/mcpagent/registry"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/calculator"
	"github.com/effective-security/mcpagent/tools/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const providerEnv = "MCPAGENT_ASSISTANTS_PROVIDER"

// TestMain turns the test binary into a stdio math provider when asked
func TestMain(m *testing.M) {
	if os.Getenv(providerEnv) == "math" {
		server := mcp.NewServer(stdio.NewServerTransport(), mcp.WithName("Math"))
		if err := tools.RegisterMCP(server, calculator.Tools()...); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		if err := server.Serve(); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		<-server.Done()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func toolCall(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

// toolResponses returns the tool results at the end of the conversation
func toolResponses(messages []llms.Message) []llms.ToolCallResponse {
	var res []llms.ToolCallResponse
	for i := len(messages) - 1; i >= 0 && messages[i].Role == llms.RoleTool; i-- {
		for _, p := range messages[i].Parts {
			if tr, ok := p.(llms.ToolCallResponse); ok {
				res = append([]llms.ToolCallResponse{tr}, res...)
			}
		}
	}
	return res
}

func newModel(ctrl *gomock.Controller, fn func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error)) *mockllms.MockModel {
	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("qwen-turbo").AnyTimes()
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
			return fn(messages, llms.NewCallOptions(options...))
		}).AnyTimes()
	return m
}

// mathModel asks for add(3,5), then multiply(result,12), then answers
func mathModel(t *testing.T, ctrl *gomock.Controller) *mockllms.MockModel {
	return newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		assert.Len(t, opts.Tools, 2)
		assert.Equal(t, "qwen-turbo", opts.Model)

		results := toolResponses(messages)
		if len(results) == 0 {
			assert.Equal(t, "what's (3 + 5) x 12?", llmutils.FindLastUserQuestion(messages))
			return llmutils.NewToolCallsResponse(toolCall("call_1", "add", `{"a":3,"b":5}`)), nil
		}
		last := results[len(results)-1]
		require.False(t, last.IsError, last.Content)
		switch last.Name {
		case "add":
			return llmutils.NewToolCallsResponse(toolCall("call_2", "multiply", fmt.Sprintf(`{"a":%s,"b":12}`, last.Content))), nil
		case "multiply":
			return llmutils.NewContentResponse("(3 + 5) x 12 = " + last.Content), nil
		}
		return nil, errors.Newf("unexpected tool %s", last.Name)
	})
}

func TestAssistantScenarioMath(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	r, err := registry.Connect(ctx, []*registry.ProviderConfig{
		{
			Name:      "math",
			Transport: "pipe",
			Command:   os.Args[0],
			Args:      []string{"-test.run=^$"},
			Env:       map[string]string{providerEnv: "math"},
			Timeout:   timeutil.Duration(10 * time.Second),
		},
	}, nil)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, r.Close())
	}()

	sysprompt := prompts.NewPromptTemplate("You are a {{.role}}. Use the tools.", []string{"role"})
	a := assistants.NewAssistant(mathModel(t, ctrl), sysprompt,
		assistants.WithModel("qwen-turbo"),
		assistants.WithPromptInput(map[string]any{"role": "calculator"}),
	).
		WithName("math").
		WithTools(r.Tools()...)

	res, err := a.Run(ctx, &assistants.CallInput{Input: "what's (3 + 5) x 12?"})
	require.NoError(t, err)
	assert.Contains(t, res.Answer, "96")
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, 2, res.ToolCalls)

	// system, human, call add, result, call multiply, result, answer
	require.Len(t, res.Messages, 7)
	assert.Equal(t, llms.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "You are a calculator. Use the tools.", res.Messages[0].GetText())
	assert.Equal(t, llms.RoleAI, res.Messages[6].Role)
	assert.Equal(t, "(3 + 5) x 12 = 96", res.Messages[6].GetText())

	var results []string
	for _, msg := range res.Messages {
		for _, p := range msg.Parts {
			if tr, ok := p.(llms.ToolCallResponse); ok {
				results = append(results, tr.Name+"="+tr.Content)
			}
		}
	}
	assert.Equal(t, []string{"add=8", "multiply=96"}, results)
}

func TestAssistantScenarioWeather(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()

	var lock sync.Mutex
	var seen []weather.RequestHeaders
	tool, err := weather.New()
	require.NoError(t, err)
	tool.WithObserver(func(_ context.Context, h weather.RequestHeaders) {
		lock.Lock()
		defer lock.Unlock()
		seen = append(seen, h)
	})

	srvTransport := httptransport.NewHTTPTransport("/mcp/")
	server := mcp.NewServer(srvTransport, mcp.WithName("Weather"))
	require.NoError(t, tool.RegisterMCP(server))
	require.NoError(t, server.Serve())
	defer func() { _ = server.Close() }()

	ts := httptest.NewServer(srvTransport.Handler())
	defer ts.Close()

	r, err := registry.Connect(ctx, []*registry.ProviderConfig{
		{
			Name:      "weather",
			Transport: "streamable_http",
			URL:       ts.URL + "/mcp/",
			Headers:   map[string]string{"Authorization": "Bearer T"},
		},
	}, nil)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, r.Close())
	}()

	model := newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		require.Len(t, opts.Tools, 1)
		assert.Equal(t, weather.ToolName, opts.Tools[0].Function.Name)

		results := toolResponses(messages)
		if len(results) == 0 {
			return llmutils.NewToolCallsResponse(toolCall("call_1", weather.ToolName, `{"location":"NYC"}`)), nil
		}
		return llmutils.NewContentResponse("The forecast: " + results[0].Content), nil
	})

	a := assistants.NewAssistant(model, nil).WithTools(r.Tools()...)
	resp, err := assistants.Call(ctx, a, "what is the weather in NYC?", nil)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "The forecast: "+weather.Forecast, resp.Choices[0].Content)

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "Bearer T", seen[0].Authorization)
}

type textArgs struct {
	Text string `json:"text"`
}

func TestAssistantToolErrorsAreFolded(t *testing.T) {
	ctrl := gomock.NewController(t)

	fail := tools.MustFuncTool("fail", "Always fails", func(_ context.Context, in *textArgs) (string, error) {
		return "", errors.New("boom")
	})
	panicky := tools.MustFuncTool("panicky", "Panics", func(_ context.Context, in *textArgs) (string, error) {
		panic("oops")
	})

	turn := 0
	model := newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		turn++
		if turn == 1 {
			return llmutils.NewToolCallsResponse(
				toolCall("c1", "fail", `{"text":"x"}`),
				toolCall("c2", "divide", `{"a":1,"b":0}`),
				toolCall("c3", "add", `{"a":"x"`),
				toolCall("c4", "panicky", `{}`),
				toolCall("c5", "ADD", `{"a":1,"b":2}`),
			), nil
		}

		results := toolResponses(messages)
		require.Len(t, results, 5)
		ids := make([]string, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.ToolCallID)
		}
		assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, ids)

		assert.True(t, results[0].IsError)
		assert.Equal(t, "ToolExecutionError: boom", results[0].Content)
		assert.True(t, results[1].IsError)
		assert.True(t, strings.HasPrefix(results[1].Content, "UnknownToolError: unknown tool: divide"), results[1].Content)
		assert.True(t, results[2].IsError)
		assert.True(t, strings.HasPrefix(results[2].Content, "InvalidArguments: "), results[2].Content)
		assert.True(t, results[3].IsError)
		assert.Contains(t, results[3].Content, "ToolExecutionError: tool panicky panicked: oops")
		assert.False(t, results[4].IsError)
		assert.Equal(t, "3", results[4].Content)

		return llmutils.NewContentResponse("recovered"), nil
	})

	a := assistants.NewAssistant(model, nil).
		WithTools(calculator.Tools()...).
		WithTools(fail, panicky)

	res, err := a.Run(context.Background(), &assistants.CallInput{Input: "try everything"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Answer)
	assert.Equal(t, 5, res.ToolCalls)
	assert.Equal(t, 2, res.Turns)
}

func TestAssistantParallelToolCalls(t *testing.T) {
	ctrl := gomock.NewController(t)

	var started sync.WaitGroup
	started.Add(2)
	barrier := func(_ context.Context, in *textArgs) (string, error) {
		started.Done()
		done := make(chan struct{})
		go func() {
			started.Wait()
			close(done)
		}()
		select {
		case <-done:
			return in.Text, nil
		case <-time.After(5 * time.Second):
			return "", errors.New("tool calls are not concurrent")
		}
	}

	model := newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		results := toolResponses(messages)
		if len(results) == 0 {
			return llmutils.NewToolCallsResponse(
				toolCall("", "first", `{"text":"one"}`),
				toolCall("", "second", `{"text":"two"}`),
			), nil
		}
		var parts []string
		for _, r := range results {
			parts = append(parts, r.ToolCallID+":"+r.Content)
		}
		return llmutils.NewContentResponse(strings.Join(parts, ",")), nil
	})

	a := assistants.NewAssistant(model, nil).WithTools(
		tools.MustFuncTool("first", "First", barrier),
		tools.MustFuncTool("second", "Second", barrier),
	)
	res, err := a.Run(context.Background(), &assistants.CallInput{Input: "both"})
	require.NoError(t, err)
	assert.Equal(t, "first_0:one,second_1:two", res.Answer)
}

func TestAssistantMaxTurns(t *testing.T) {
	ctrl := gomock.NewController(t)

	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("qwen-turbo").AnyTimes()
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(llmutils.NewToolCallsResponse(toolCall("c", "add", `{"a":1,"b":1}`)), nil).
		Times(3)

	a := assistants.NewAssistant(m, nil, assistants.WithMaxTurns(3)).WithTools(calculator.Tools()...)
	_, err := a.Run(context.Background(), &assistants.CallInput{Input: "loop forever"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chatmodel.ErrMaxTurnsExceeded))
	assert.Equal(t, "MaxTurnsExceeded", chatmodel.Kind(err))

	// per call options override the limit
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(llmutils.NewToolCallsResponse(toolCall("c", "add", `{"a":1,"b":1}`)), nil).
		Times(1)
	_, err = a.Run(context.Background(), &assistants.CallInput{
		Input:   "loop forever",
		Options: []assistants.Option{assistants.WithMaxTurns(1)},
	})
	assert.Equal(t, "MaxTurnsExceeded", chatmodel.Kind(err))
}

func TestAssistantToolCallsLimit(t *testing.T) {
	ctrl := gomock.NewController(t)

	model := newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		return llmutils.NewToolCallsResponse(
			toolCall("c1", "add", `{"a":1,"b":1}`),
			toolCall("c2", "add", `{"a":1,"b":1}`),
		), nil
	})

	a := assistants.NewAssistant(model, nil, assistants.WithMaxToolCalls(3)).WithTools(calculator.Tools()...)
	_, err := a.Run(context.Background(), &assistants.CallInput{Input: "loop"})
	require.Error(t, err)
	assert.Equal(t, "MaxTurnsExceeded", chatmodel.Kind(err))
	assert.Contains(t, err.Error(), "tool calls limit")
}

func TestAssistantModelError(t *testing.T) {
	ctrl := gomock.NewController(t)

	backendErr := errors.New("401 invalid api key")
	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("qwen-turbo").AnyTimes()
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, backendErr).Times(1)

	a := assistants.NewAssistant(m, nil).WithName("failing")
	_, err := a.Run(context.Background(), &assistants.CallInput{Input: "hi"})
	require.Error(t, err)
	assert.Equal(t, "ModelBackendError", chatmodel.Kind(err))
	assert.True(t, errors.Is(err, backendErr))
	assert.Equal(t, "assistant failing: model qwen-turbo failed: 401 invalid api key", err.Error())
}

func TestAssistantEmptyResponse(t *testing.T) {
	ctrl := gomock.NewController(t)

	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("qwen-turbo").AnyTimes()

	t.Run("retried", func(t *testing.T) {
		gomock.InOrder(
			m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).Return(&llms.ContentResponse{}, nil),
			m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).Return(llmutils.NewContentResponse("hello"), nil),
		)
		a := assistants.NewAssistant(m, nil)
		res, err := a.Run(context.Background(), &assistants.CallInput{Input: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Answer)
		assert.Equal(t, 2, res.Turns)
	})

	t.Run("exhausted", func(t *testing.T) {
		m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil).Times(assistants.DefaultMaxRetries)
		a := assistants.NewAssistant(m, nil)
		_, err := a.Run(context.Background(), &assistants.CallInput{Input: "hi"})
		require.Error(t, err)
		assert.Equal(t, "ModelBackendError", chatmodel.Kind(err))
	})
}

func TestAssistantInput(t *testing.T) {
	ctrl := gomock.NewController(t)

	var got []llms.Message
	model := newModel(ctrl, func(messages []llms.Message, opts *llms.CallOptions) (*llms.ContentResponse, error) {
		got = messages
		assert.Empty(t, opts.Tools)
		return llmutils.NewContentResponse("done"), nil
	})

	sysprompt := prompts.NewChatPromptTemplate([]prompts.MessageFormatter{
		prompts.NewSystemMessagePromptTemplate("You help {{.user}} on {{.day}}.", []string{"user", "day"}),
	})
	a := assistants.NewAssistant(model, sysprompt,
		assistants.WithPromptInput(map[string]any{"user": "Bob"}),
		assistants.WithExamples([]chatmodel.FewShotExample{{Prompt: "1+1?", Completion: "2"}}),
	).WithPromptInputProvider(func(_ context.Context, input string) (map[string]any, error) {
		return map[string]any{"day": "Monday"}, nil
	})
	assert.Equal(t, []string{"user", "day"}, a.GetPromptInputVariables())

	_, err := a.Run(context.Background(), &assistants.CallInput{
		Input:    "question",
		Messages: []llms.Message{llms.MessageFromTextParts(llms.RoleHuman, "follow up")},
	})
	require.NoError(t, err)

	texts := make([]string, 0, len(got))
	for _, m := range got {
		texts = append(texts, string(m.Role)+":"+m.GetText())
	}
	assert.Equal(t, []string{
		"system:You help Bob on Monday.",
		"human:1+1?",
		"ai:2",
		"human:question",
		"human:follow up",
	}, texts)

	// missing prompt variable
	a = assistants.NewAssistant(model, sysprompt)
	_, err = a.Run(context.Background(), &assistants.CallInput{Input: "question"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, prompts.ErrNeedVariables))

	// nothing to send
	a = assistants.NewAssistant(model, nil)
	_, err = a.Run(context.Background(), &assistants.CallInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is required")
}

func TestAssistantCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)

	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("qwen-turbo").AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := assistants.NewAssistant(m, nil)
	_, err := a.Run(ctx, &assistants.CallInput{Input: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
