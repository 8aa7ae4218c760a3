package prompts

import (
	"maps"
	"slices"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
)

// ErrNeedVariables is returned when a value of an input variable is missing
var ErrNeedVariables = errors.New("missing key in input variables")

// PromptValue is the result of formatting a prompt
type PromptValue interface {
	String() string
	Messages() []llms.Message
}

// FormatPrompter formats a prompt from input values
type FormatPrompter interface {
	FormatPrompt(values map[string]any) (PromptValue, error)
	GetInputVariables() []string
}

// PromptTemplate is a text template with declared input variables
type PromptTemplate struct {
	// Template is the text/template source
	Template string
	// InputVariables must be present in the values passed to Format
	InputVariables []string
	// PartialVariables are defaults merged under the values
	PartialVariables map[string]any
}

var _ FormatPrompter = PromptTemplate{}

// NewPromptTemplate returns a new prompt template
func NewPromptTemplate(template string, inputVars []string) PromptTemplate {
	return PromptTemplate{
		Template:       template,
		InputVariables: inputVars,
	}
}

// Format renders the template
func (p PromptTemplate) Format(values map[string]any) (string, error) {
	resolved := MergeInputs(p.PartialVariables, values)
	for _, name := range p.InputVariables {
		if _, ok := resolved[name]; !ok {
			return "", errors.Wrapf(ErrNeedVariables, "%q", name)
		}
	}

	tmpl, err := template.New("prompt").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(p.Template)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse template")
	}

	var sb strings.Builder
	if err = tmpl.Execute(&sb, resolved); err != nil {
		return "", errors.Wrap(err, "failed to render template")
	}
	return sb.String(), nil
}

// FormatPrompt renders the template as a prompt value
func (p PromptTemplate) FormatPrompt(values map[string]any) (PromptValue, error) {
	s, err := p.Format(values)
	if err != nil {
		return nil, err
	}
	return StringPromptValue(s), nil
}

// GetInputVariables returns the input variables of the template
func (p PromptTemplate) GetInputVariables() []string {
	return p.InputVariables
}

// StringPromptValue is a prompt value of a single human message
type StringPromptValue string

func (v StringPromptValue) String() string {
	return string(v)
}

func (v StringPromptValue) Messages() []llms.Message {
	return []llms.Message{llms.MessageFromTextParts(llms.RoleHuman, string(v))}
}

// MergeInputs returns a new map with the values of the later maps taking precedence
func MergeInputs(inputs ...map[string]any) map[string]any {
	res := make(map[string]any)
	for _, m := range inputs {
		maps.Copy(res, m)
	}
	return res
}

func mergeVariables(lists ...[]string) []string {
	var res []string
	for _, list := range lists {
		for _, v := range list {
			if !slices.Contains(res, v) {
				res = append(res, v)
			}
		}
	}
	return res
}
