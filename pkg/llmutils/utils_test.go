package llmutils_test

import (
	"strings"
	"testing"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/stretchr/testify/assert"
)

func Test_CleanJSON(t *testing.T) {
	llmOutput := "\n```json\n\n{\"city\": \"Paris\", \"country\": \"France\"}\n\n```\n\n"
	clean := llmutils.CleanJSON([]byte(llmOutput))

	expected := "{\"city\": \"Paris\", \"country\": \"France\"}"
	assert.Equal(t, expected, string(clean))

	llmOutput = "Here you go:\n```json\n\n[{\"city\": \"Paris\", \"country\": \"France\"}]\n```\n\n"
	clean = llmutils.CleanJSON([]byte(llmOutput))

	expected = "[{\"city\": \"Paris\", \"country\": \"France\"}]"
	assert.Equal(t, expected, string(clean))

	assert.Equal(t, "no json", string(llmutils.CleanJSON([]byte("no json"))))
}

func Test_TrimBackticks(t *testing.T) {
	expected := "{\"a\": 3, \"b\": 5}"

	assert.Equal(t, expected, llmutils.TrimBackticks("\n```json\n\n{\"a\": 3, \"b\": 5}\n\n```\n\n"))
	assert.Equal(t, expected, llmutils.TrimBackticks(expected))
	assert.Equal(t, expected, llmutils.TrimBackticks("\n```\n\n{\"a\": 3, \"b\": 5}\n\n```\n\n"))
	assert.Equal(t, expected, llmutils.TrimBackticks("\n```{\"a\": 3, \"b\": 5}\n\n```\n\n"))
}

func Test_FindLastUserQuestion(t *testing.T) {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, "You are a helpful assistant."),
		llms.MessageFromTextParts(llms.RoleHuman, "what's (3 + 5) x 12?"),
		llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{ID: "1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "add", Arguments: `{"a":3,"b":5}`}}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{ToolCallID: "1", Name: "add", Content: "8"}),
		llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{ToolCallID: "2", Name: "nope", Content: "UnknownToolError: unknown tool: nope", IsError: true}),
		llms.MessageFromTextParts(llms.RoleAI, "The answer is 96."),
	}

	assert.Equal(t, "what's (3 + 5) x 12?", llmutils.FindLastUserQuestion(msgs))
	assert.Empty(t, llmutils.FindLastUserQuestion(msgs[:1]))

	var buf strings.Builder
	llmutils.PrintMessages(&buf, msgs)
	exp := `System: You are a helpful assistant.
Human: what's (3 + 5) x 12?
AI: call 1 add({"a":3,"b":5})
Tool: result 1 add [ok] 8
Tool: result 2 nope [error] UnknownToolError: unknown tool: nope
AI: The answer is 96.
`
	assert.Equal(t, exp, buf.String())
}

func Test_EnsureNewline(t *testing.T) {
	assert.Equal(t, "", llmutils.EnsureEndsWithNewline(" \n"))
	assert.Equal(t, "Hello\n", llmutils.EnsureEndsWithNewline(" \nHello"))
	assert.Equal(t, "Hello\n", llmutils.EnsureEndsWithNewline("\nHello\n"))
	assert.Equal(t, "Hello\n", llmutils.EnsureEndsWithNewline("Hello\n\n\n"))
}

func Test_ToJSON(t *testing.T) {
	type Person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	p := Person{Name: "John", Age: 30}
	assert.Equal(t, `{"name":"John","age":30}`, llmutils.ToJSON(p))
	assert.Equal(t, "{\n\t\"name\": \"John\",\n\t\"age\": 30\n}", llmutils.ToJSONIndent(p))
}

func Test_ToYAML(t *testing.T) {
	type Person struct {
		Name string `yaml:"name"`
		Age  int    `yaml:"age"`
	}
	p := Person{Name: "John", Age: 30}
	assert.Equal(t, "name: John\nage: 30\n", llmutils.ToYAML(p))
}

func Test_ContentResponses(t *testing.T) {
	resp := llmutils.NewContentResponse("96")
	assert.Len(t, resp.Choices, 1)
	assert.Equal(t, "96", resp.Choices[0].Content)
	assert.Equal(t, uint64(2), llmutils.CountResponseContentSize(resp))

	call := llms.ToolCall{ID: "1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "add", Arguments: "{}"}}
	resp = llmutils.NewToolCallsResponse(call)
	assert.Equal(t, []llms.ToolCall{call}, resp.Choices[0].ToolCalls)
	assert.Equal(t, uint64(len("1")+len("function")+len("add")+len("{}")), llmutils.CountResponseContentSize(resp))
}

func Test_CountMessagesContentSize(t *testing.T) {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, "Hello"),
		llms.MessageFromTextParts(llms.RoleAI, "Hi there"),
	}
	size := llmutils.CountMessagesContentSize(msgs)
	assert.Equal(t, uint64(len("human")+len("Hello")+len("ai")+len("Hi there")), size)
}

func Test_CountTokens(t *testing.T) {
	resp := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{GenerationInfo: map[string]any{"InputTokens": 10, "OutputTokens": 5, "TotalTokens": 15}},
			{GenerationInfo: map[string]any{"InputTokens": int64(1), "OutputTokens": int64(2), "TotalTokens": int64(3)}},
		},
	}
	in, out, total := llmutils.CountTokens(resp)
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, int64(18), total)
}
