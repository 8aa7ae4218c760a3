package chatmodel

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatContext(t *testing.T) {
	t.Parallel()
	c := NewChatContext("cid")
	require.NotNil(t, c)
	assert.Equal(t, "cid", c.GetChatID())
	assert.NotEmpty(t, c.RunID())

	c2 := NewChatContext("")
	assert.NotEmpty(t, c2.GetChatID())
	assert.NotEqual(t, c.GetChatID(), c2.GetChatID())
	assert.NotEqual(t, c.RunID(), c2.RunID())
	assert.NotEqual(t, c2.GetChatID(), NewChatID())
}

func TestContextPlumbing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.Nil(t, GetChatContext(ctx))
	assert.Empty(t, GetChatID(ctx))

	c := NewChatContext("x")
	ctx = WithChatContext(ctx, c)
	assert.Equal(t, c, GetChatContext(ctx))
	assert.Equal(t, "x", GetChatID(ctx))

	assert.Equal(t, ctx, EnsureChatContext(ctx))
	ctx2 := EnsureChatContext(context.Background())
	assert.NotEmpty(t, GetChatID(ctx2))
}

func TestKind(t *testing.T) {
	t.Parallel()

	tcases := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{errors.New("plain"), "Error"},
		{errors.Mark(errors.New("dial tcp: refused"), ErrConnection), "ConnectionError"},
		{errors.Mark(errors.New("request timeout after 1s"), ErrTimeout), "TimeoutError"},
		{errors.Wrap(errors.Mark(errors.New("pipe closed"), ErrConnectionClosed), "call"), "ConnectionClosed"},
		{errors.WithStack(ErrDuplicateTool), "DuplicateToolError"},
		{errors.Wrapf(ErrUnknownTool, "tool %q", "x"), "UnknownToolError"},
		{errors.Mark(errors.New("boom"), ErrToolExecution), "ToolExecutionError"},
		{errors.Mark(errors.New("401"), ErrModelBackend), "ModelBackendError"},
		{errors.WithMessage(ErrMaxTurnsExceeded, "assistant"), "MaxTurnsExceeded"},
		{errors.Mark(errors.New("missing a"), ErrInvalidArguments), "InvalidArguments"},
		{errors.Wrap(context.DeadlineExceeded, "call"), "TimeoutError"},
		{context.Canceled, "Canceled"},
	}

	for _, tc := range tcases {
		assert.Equal(t, tc.kind, Kind(tc.err), "%v", tc.err)
	}

	err := errors.Mark(errors.New("original message"), ErrTimeout)
	assert.Equal(t, "original message", err.Error())

	assert.Empty(t, Describe(nil))
	assert.Equal(t, "UnknownToolError: unknown tool: divide",
		Describe(errors.Mark(errors.New("unknown tool: divide"), ErrUnknownTool)))
}
