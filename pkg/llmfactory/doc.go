// Package llmfactory creates chat models from provider configuration,
// OpenAI compatible endpoints (DashScope included) and Anthropic.
package llmfactory
