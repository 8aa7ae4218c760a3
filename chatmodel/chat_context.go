package chatmodel

import (
	"context"
	"strconv"

	"github.com/effective-security/x/values"
	"github.com/effective-security/xdb/pkg/flake"
	"github.com/google/uuid"
)

// ChatContext identifies a conversation and the Run of the dispatch loop serving it.
type ChatContext interface {
	// GetChatID returns the ID of the conversation
	GetChatID() string
	// RunID identifies a single Run of the dispatch loop within the chat
	RunID() string
}

type chatIdentity struct {
	chatID string
	runID  string
}

func (c chatIdentity) GetChatID() string { return c.chatID }
func (c chatIdentity) RunID() string     { return c.runID }

// NewChatContext returns a chat context with a new run ID,
// a new chat ID is generated when chatID is empty.
func NewChatContext(chatID string) ChatContext {
	return chatIdentity{
		chatID: values.StringsCoalesce(chatID, NewChatID()),
		runID:  uuid.NewString(),
	}
}

type chatContextKey struct{}

// WithChatContext returns a new context with ChatContext value
func WithChatContext(ctx context.Context, chatCtx ChatContext) context.Context {
	return context.WithValue(ctx, chatContextKey{}, chatCtx)
}

// GetChatContext returns the ChatContext of ctx, or nil
func GetChatContext(ctx context.Context) ChatContext {
	v, _ := ctx.Value(chatContextKey{}).(ChatContext)
	return v
}

// GetChatID returns the chat ID of ctx, or empty string
func GetChatID(ctx context.Context) string {
	if c := GetChatContext(ctx); c != nil {
		return c.GetChatID()
	}
	return ""
}

// EnsureChatContext returns ctx when it has a ChatContext,
// otherwise a child context with a new chat.
func EnsureChatContext(ctx context.Context) context.Context {
	if GetChatContext(ctx) != nil {
		return ctx
	}
	return WithChatContext(ctx, NewChatContext(""))
}

// NewChatID returns a new flake ID
func NewChatID() string {
	return strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10)
}
