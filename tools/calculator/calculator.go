// Package calculator provides the arithmetic tools served by the math provider.
package calculator

import (
	"context"
	"strconv"

	"github.com/effective-security/mcpagent/tools"
)

// Args are the operands of a binary operation
type Args struct {
	A int `json:"a" yaml:"a" jsonschema:"title=a,description=First operand"`
	B int `json:"b" yaml:"b" jsonschema:"title=b,description=Second operand"`
}

// Add returns a+b
func Add(_ context.Context, in *Args) (string, error) {
	return strconv.Itoa(in.A + in.B), nil
}

// Multiply returns a*b
func Multiply(_ context.Context, in *Args) (string, error) {
	return strconv.Itoa(in.A * in.B), nil
}

// Tools returns add and multiply
func Tools() []tools.ITool {
	return []tools.ITool{
		tools.MustFuncTool("add", "Add two numbers", Add),
		tools.MustFuncTool("multiply", "Multiply two numbers", Multiply),
	}
}
