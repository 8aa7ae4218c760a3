// Package assistants implements the agent dispatch loop.
//
// An Assistant offers its tools to a model, executes the tool calls the model
// requests and feeds the results back to the model, until the model produces
// a final answer or the turn limit is reached.
package assistants
