// Package llms defines the provider neutral chat model interface used by the agent loop:
// messages made of content parts, tool definitions, tool calls and their responses.
//
// Provider adapters live in the subpackages, openai for OpenAI compatible
// endpoints such as DashScope, and anthropic for the Anthropic messages API.
package llms
