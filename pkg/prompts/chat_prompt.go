package prompts

import (
	"strings"

	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
)

var _ PromptValue = ChatPromptValue{}

// ChatPromptValue is a prompt value that is a list of chat messages.
type ChatPromptValue []llms.Message

// String returns the chat message slice as a buffer string.
func (v ChatPromptValue) String() string {
	var buf strings.Builder
	llmutils.PrintMessages(&buf, v)
	return buf.String()
}

// Messages returns the ChatMessage slice.
func (v ChatPromptValue) Messages() []llms.Message {
	return v
}

// MessageFormatter formats values into chat messages
type MessageFormatter interface {
	FormatMessages(values map[string]any) ([]llms.Message, error)
	GetInputVariables() []string
}

// MessagePromptTemplate renders one message of a role
type MessagePromptTemplate struct {
	Role   llms.Role
	Prompt PromptTemplate
}

// NewSystemMessagePromptTemplate returns a system message template
func NewSystemMessagePromptTemplate(template string, inputVars []string) MessagePromptTemplate {
	return MessagePromptTemplate{Role: llms.RoleSystem, Prompt: NewPromptTemplate(template, inputVars)}
}

// NewHumanMessagePromptTemplate returns a human message template
func NewHumanMessagePromptTemplate(template string, inputVars []string) MessagePromptTemplate {
	return MessagePromptTemplate{Role: llms.RoleHuman, Prompt: NewPromptTemplate(template, inputVars)}
}

// NewAIMessagePromptTemplate returns an AI message template
func NewAIMessagePromptTemplate(template string, inputVars []string) MessagePromptTemplate {
	return MessagePromptTemplate{Role: llms.RoleAI, Prompt: NewPromptTemplate(template, inputVars)}
}

func (p MessagePromptTemplate) FormatMessages(values map[string]any) ([]llms.Message, error) {
	text, err := p.Prompt.Format(values)
	if err != nil {
		return nil, err
	}
	return []llms.Message{llms.MessageFromTextParts(p.Role, strings.TrimRight(text, "\n"))}, nil
}

func (p MessagePromptTemplate) GetInputVariables() []string {
	return p.Prompt.InputVariables
}

// ChatPromptTemplate renders a sequence of messages
type ChatPromptTemplate struct {
	Messages []MessageFormatter
}

var _ FormatPrompter = ChatPromptTemplate{}

// NewChatPromptTemplate returns a chat template of the messages
func NewChatPromptTemplate(messages []MessageFormatter) ChatPromptTemplate {
	return ChatPromptTemplate{Messages: messages}
}

// FormatPrompt renders every message in order
func (p ChatPromptTemplate) FormatPrompt(values map[string]any) (PromptValue, error) {
	var res ChatPromptValue
	for _, m := range p.Messages {
		msgs, err := m.FormatMessages(values)
		if err != nil {
			return nil, err
		}
		res = append(res, msgs...)
	}
	return res, nil
}

// GetInputVariables returns the input variables of all messages
func (p ChatPromptTemplate) GetInputVariables() []string {
	var lists [][]string
	for _, m := range p.Messages {
		lists = append(lists, m.GetInputVariables())
	}
	return mergeVariables(lists...)
}
