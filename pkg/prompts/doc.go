// Package prompts renders prompt templates into the leading messages of a conversation.
// Templates use text/template syntax with the sprig function map.
package prompts
