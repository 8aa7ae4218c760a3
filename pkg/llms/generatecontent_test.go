package llms_test

import (
	"encoding/json"
	"testing"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextParts(t *testing.T) {
	t.Parallel()
	mc := llms.MessageFromTextParts(llms.RoleHuman, "a", "b", "c")
	assert.Equal(t, llms.Message{
		Role:  llms.RoleHuman,
		Parts: []llms.ContentPart{llms.TextPart("a"), llms.TextPart("b"), llms.TextPart("c")},
	}, mc)
	assert.Equal(t, "a\nb\nc", mc.GetText())
	assert.Empty(t, mc.ToolCalls())
}

func Test_Message_JSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		msg     llms.Message
		js      string
		content string
	}{
		{
			"text",
			llms.MessageFromTextParts(llms.RoleHuman, "a", "b", "c"),
			`{"role":"human","parts":[{"type":"text","text":"a"},{"type":"text","text":"b"},{"type":"text","text":"c"}]}`,
			"a\nb\nc\n",
		},
		{
			"tool_call",
			llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{ID: "123", Type: "function", FunctionCall: &llms.FunctionCall{Name: "add", Arguments: `{"a":1,"b":2}`}}),
			`{"role":"ai","parts":[{"type":"tool_call","tool_call":{"id":"123","type":"function","function":{"name":"add","arguments":"{\"a\":1,\"b\":2}"}}}]}`,
			`Tool Call: {"id":"123","type":"function","function":{"name":"add","arguments":"{\"a\":1,\"b\":2}"}}` + "\n",
		},
		{
			"tool_response",
			llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{ToolCallID: "123", Name: "add", Content: "42"}),
			`{"role":"tool","parts":[{"type":"tool_response","tool_response":{"tool_call_id":"123","name":"add","content":"42"}}]}`,
			`Response: {"tool_call_id":"123","name":"add","content":"42"}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			js := llmutils.ToJSON(tt.msg)
			assert.Equal(t, tt.js, js)
			assert.Equal(t, tt.content, tt.msg.GetContent())

			var decoded llms.Message
			require.NoError(t, json.Unmarshal([]byte(js), &decoded))
			if diff := cmp.Diff(tt.msg, decoded); diff != "" {
				t.Errorf("decoded message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_Message_UnmarshalErrors(t *testing.T) {
	t.Parallel()
	var m llms.Message
	err := json.Unmarshal([]byte(`{"role":"robot","parts":[]}`), &m)
	require.Error(t, err)
	assert.ErrorIs(t, err, llms.ErrUnexpectedRole)

	err = json.Unmarshal([]byte(`{"role":"ai","parts":[{"type":"image"}]}`), &m)
	assert.EqualError(t, err, `unsupported content part: "image"`)
}

func Test_Message_ToolCalls(t *testing.T) {
	t.Parallel()
	calls := []llms.ToolCall{
		{ID: "1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "add", Arguments: `{"a":3,"b":5}`}},
		{ID: "2", Type: "function", FunctionCall: &llms.FunctionCall{Name: "multiply", Arguments: `{"a":8,"b":12}`}},
	}
	m := llms.MessageFromToolCalls(llms.RoleAI, calls...)
	assert.Equal(t, calls, m.ToolCalls())
	assert.Equal(t, "ToolCall: 1 (add), input: {\"a\":3,\"b\":5}", calls[0].String())
}
