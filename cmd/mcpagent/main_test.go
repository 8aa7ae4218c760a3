package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/mcp/transport/httptransport"
	"github.com/effective-security/mcpagent/mcp/transport/stdio"
	"github.com/effective-security/mcpagent/mocks/mockllms"
	"github.com/effective-security/mcpagent/pkg/llmfactory"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/calculator"
	"github.com/effective-security/mcpagent/tools/weather"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const providerEnv = "MCPAGENT_CMD_PROVIDER"

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
	color.NoColor = true
	os.Exit(m.Run())
}

// startWeather serves the weather tool and returns its URL
func startWeather(t *testing.T) string {
	tool, err := weather.New()
	require.NoError(t, err)

	tr := httptransport.NewHTTPTransport("/mcp/")
	server := mcp.NewServer(tr, mcp.WithName("Weather"))
	require.NoError(t, tool.RegisterMCP(server))
	require.NoError(t, server.Serve())
	ts := httptest.NewServer(tr.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = server.Close()
	})
	return ts.URL + "/mcp/"
}

func writeConfig(t *testing.T, weatherURL string) string {
	cfg := fmt.Sprintf(`
llm:
  providers:
    - name: fake
      default_model: fake-model
      open_ai:
        api_type: OPENAI
mcp_servers:
  - name: math
    transport: stdio
    command: %q
    args: ["-test.run=^$"]
    env:
      %s: math
  - name: weather
    transport: http
    url: %s
    headers:
      Authorization: Bearer T
agent:
  name: tester
  system_prompt: "You are {{ .role }}."
  prompt_inputs:
    role: a tester
`, os.Args[0], providerEnv, weatherURL)

	file := filepath.Join(t.TempDir(), "mcpagent.yaml")
	require.NoError(t, os.WriteFile(file, []byte(cfg), 0o600))
	return file
}

func useModel(t *testing.T, m llms.Model) {
	orig := llmfactory.NewLLM
	llmfactory.NewLLM = func(*llmfactory.ProviderConfig, ...string) (llms.Model, error) {
		return m, nil
	}
	t.Cleanup(func() { llmfactory.NewLLM = orig })
}

func toolCall(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:           id,
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
	}
}

// lastToolResponse returns the tool result at the end of the conversation
func lastToolResponse(messages []llms.Message) *llms.ToolCallResponse {
	if len(messages) == 0 || messages[len(messages)-1].Role != llms.RoleTool {
		return nil
	}
	for _, p := range messages[len(messages)-1].Parts {
		if tr, ok := p.(llms.ToolCallResponse); ok {
			return &tr
		}
	}
	return nil
}

// agentModel answers the sample queries with the tools
func agentModel(t *testing.T, ctrl *gomock.Controller) *mockllms.MockModel {
	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("fake-model").AnyTimes()
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, messages []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
			require.NotEmpty(t, messages)
			assert.Equal(t, "You are a tester.", messages[0].GetText())

			question := llmutils.FindLastUserQuestion(messages)
			last := lastToolResponse(messages)
			if last != nil {
				require.False(t, last.IsError, last.Content)
			}
			switch {
			case strings.Contains(question, "weather"):
				if last == nil {
					return llmutils.NewToolCallsResponse(toolCall("w1", weather.ToolName, `{"location":"NYC"}`)), nil
				}
				return llmutils.NewContentResponse(last.Content), nil
			case last == nil:
				return llmutils.NewToolCallsResponse(toolCall("m1", "add", `{"a":3,"b":5}`)), nil
			case last.Name == "add":
				return llmutils.NewToolCallsResponse(toolCall("m2", "multiply", fmt.Sprintf(`{"a":%s,"b":12}`, last.Content))), nil
			default:
				return llmutils.NewContentResponse("(3 + 5) x 12 = " + last.Content), nil
			}
		}).AnyTimes()
	return m
}

func TestRunDefaultQueries(t *testing.T) {
	ctrl := gomock.NewController(t)
	useModel(t, agentModel(t, ctrl))
	file := writeConfig(t, startWeather(t))

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "-c", file, "--transcript", "--stats"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	res := out.String()
	assert.Contains(t, res, "Query: what's (3 + 5) x 12?\nAnswer: (3 + 5) x 12 = 96\n")
	assert.Contains(t, res, "Query: what is the weather in NYC?\nAnswer: "+weather.Forecast+"\n")
	assert.Contains(t, res, "AI: call m1 add({\"a\":3,\"b\":5})\n")
	assert.Contains(t, res, "Tool: result m2 multiply [ok] 96\n")
	assert.Contains(t, res, "Tool: result w1 get_weather [ok] "+weather.Forecast+"\n")
	assert.Contains(t, res, "tools_calls: 2\n")
	assert.Contains(t, res, "assistant_llm_calls: 3\n")
}

func TestRunQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	useModel(t, agentModel(t, ctrl))
	file := writeConfig(t, startWeather(t))

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "-c", file, "--verbose", "what is the weather in Paris?"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Equal(t, "Query: what is the weather in Paris?\nAnswer: "+weather.Forecast+"\n", out.String())
	assert.Contains(t, errOut.String(), "*** Run Ended")
}

func TestRunModelError(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mockllms.NewMockModel(ctrl)
	m.EXPECT().GetProviderType().Return(llms.ProviderOpenAI).AnyTimes()
	m.EXPECT().GetName().Return("fake-model").AnyTimes()
	m.EXPECT().GenerateContent(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("401 invalid api key"))
	useModel(t, m)
	file := writeConfig(t, startWeather(t))

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "-c", file}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "ModelBackendError: assistant tester: model fake-model failed: 401 invalid api key\n")
	// the first failure stops the remaining queries
	assert.Equal(t, "Query: what's (3 + 5) x 12?\n", out.String())
}

func TestTools(t *testing.T) {
	file := writeConfig(t, startWeather(t))

	var out, errOut bytes.Buffer
	code := execute([]string{"tools", "-c", file, "--schema"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	res := out.String()
	assert.Contains(t, res, "math/add: Add two numbers\n")
	assert.Contains(t, res, "math/multiply: Multiply two numbers\n")
	assert.Contains(t, res, "weather/get_weather: Get weather for location.\n")
	assert.Contains(t, res, `"location"`)
	assert.Less(t, strings.Index(res, "math/add"), strings.Index(res, "weather/get_weather"))
}

func TestErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute([]string{"tools", "-c", "testdata/notfound.yaml"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error: failed to load config: testdata/notfound.yaml")

	errOut.Reset()
	code = execute([]string{"run", "--log-level", "loud"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), `unsupported log level: "loud"`)

	// the weather provider is not reachable
	file := writeConfig(t, "http://127.0.0.1:1/mcp/")
	errOut.Reset()
	code = execute([]string{"tools", "-c", file, "--debug"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "provider weather")
}
