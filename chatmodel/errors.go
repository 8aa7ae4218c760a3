package chatmodel

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Error kinds surfaced by the tool dispatch stack.
// Use errors.Is to check the kind of an error returned by any package of this module.
var (
	// ErrConnection is returned when a transport to a tool provider cannot be established.
	ErrConnection = errors.New("connection error")
	// ErrTimeout is returned when a provider does not respond within the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned for calls outstanding when the connection is closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateTool is returned when two providers expose the same tool name.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrUnknownTool is returned when a call names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolExecution is returned when a provider reports a tool failure.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrInvalidArguments is returned when tool arguments do not match the input schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrModelBackend is returned when the model inference call fails.
	ErrModelBackend = errors.New("model backend error")
	// ErrMaxTurnsExceeded is returned when the dispatch loop reaches its turn limit.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")
)

var kinds = []struct {
	err  error
	name string
}{
	// order matters: more specific kinds first
	{ErrDuplicateTool, "DuplicateToolError"},
	{ErrUnknownTool, "UnknownToolError"},
	{ErrInvalidArguments, "InvalidArguments"},
	{ErrMaxTurnsExceeded, "MaxTurnsExceeded"},
	{ErrModelBackend, "ModelBackendError"},
	{ErrConnectionClosed, "ConnectionClosed"},
	{ErrTimeout, "TimeoutError"},
	{ErrConnection, "ConnectionError"},
	{ErrToolExecution, "ToolExecutionError"},
	{ErrFailedUnmarshalInput, "InvalidArguments"},
}

// Kind returns the name of the error kind, or "Error" if the error is not classified.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TimeoutError"
	}
	if errors.Is(err, context.Canceled) {
		return "Canceled"
	}
	return "Error"
}

// Describe returns the error prefixed with its kind,
// in the form folded back into the conversation.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return Kind(err) + ": " + err.Error()
}
