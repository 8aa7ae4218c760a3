package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/mcpagent/assistants"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/tools"
)

var _ assistants.Callback = (*Scratchpad)(nil)

var TimeNowFn = time.Now

// RunStats are the counters of one run, between StartRun and EndRun
type RunStats struct {
	ChatID string `json:"chat_id" yaml:"chat_id"`
	RunID  string `json:"run_id" yaml:"run_id"`

	Duration                time.Duration `json:"duration" yaml:"duration"`
	TotalMessages           uint32        `json:"total_messages" yaml:"total_messages"`
	LLMBytesOut             uint64        `json:"llm_bytes_out" yaml:"llm_bytes_out"`
	LLMBytesIn              uint64        `json:"llm_bytes_in" yaml:"llm_bytes_in"`
	LLMInputTokens          uint64        `json:"llm_input_tokens" yaml:"llm_input_tokens"`
	LLMOutputTokens         uint64        `json:"llm_output_tokens" yaml:"llm_output_tokens"`
	LLMTotalTokens          uint64        `json:"llm_total_tokens" yaml:"llm_total_tokens"`
	AssistantCalls          uint32        `json:"assistant_calls" yaml:"assistant_calls"`
	AssistantCallsSucceeded uint32        `json:"assistant_calls_succeeded" yaml:"assistant_calls_succeeded"`
	AssistantCallsFailed    uint32        `json:"assistant_calls_failed" yaml:"assistant_calls_failed"`
	AssistantLLMCalls       uint32        `json:"assistant_llm_calls" yaml:"assistant_llm_calls"`
	ToolsCalls              uint32        `json:"tools_calls" yaml:"tools_calls"`
	ToolsCallsSucceeded     uint32        `json:"tools_calls_succeeded" yaml:"tools_calls_succeeded"`
	ToolsCallsFailed        uint32        `json:"tools_calls_failed" yaml:"tools_calls_failed"`
	ToolNotFound            uint32        `json:"tool_not_found" yaml:"tool_not_found"`
}

// Scratchpad records the events of the runs keyed by chat ID,
// and the transcript of each run.
type Scratchpad struct {
	runs map[string]*run
	mode Mode
	lock sync.Mutex
}

func NewScratchpad(mode Mode) *Scratchpad {
	return &Scratchpad{
		runs: make(map[string]*run),
		mode: mode,
	}
}

// StartRun starts recording for the chat of ctx,
// the returned context carries a ChatContext.
func (l *Scratchpad) StartRun(ctx context.Context) context.Context {
	ctx = chatmodel.EnsureChatContext(ctx)
	chatCtx := chatmodel.GetChatContext(ctx)

	r := &run{
		stats: RunStats{
			ChatID: chatCtx.GetChatID(),
			RunID:  chatCtx.RunID(),
		},
		chatCtx: chatCtx,
		started: TimeNowFn(),
	}

	l.lock.Lock()
	l.runs[chatCtx.GetChatID()] = r
	l.lock.Unlock()

	r.print("*** Run Started ***")
	return ctx
}

// EndRun stops recording and returns the stats and the transcript,
// nil if no run was started for the chat of ctx.
func (l *Scratchpad) EndRun(ctx context.Context) (*RunStats, []byte) {
	run := l.getRun(ctx)
	if run == nil {
		return nil, nil
	}

	stats := run.snapshot()
	stats.Duration = TimeNowFn().Sub(run.started)

	run.print(fmt.Sprintf("Assistant calls: %d, Failed: %d",
		stats.AssistantCalls,
		stats.AssistantCallsFailed,
	))
	run.print(fmt.Sprintf("Tool calls: %d, Failed: %d, Not Found: %d",
		stats.ToolsCalls,
		stats.ToolsCallsFailed,
		stats.ToolNotFound,
	))
	run.print(fmt.Sprintf("LLM calls: %d, Messages: %d, Bytes Out: %d, Bytes In: %d, Input Tokens: %d, Output Tokens: %d, Total Tokens: %d",
		stats.AssistantLLMCalls,
		stats.TotalMessages,
		stats.LLMBytesOut,
		stats.LLMBytesIn,
		stats.LLMInputTokens,
		stats.LLMOutputTokens,
		stats.LLMTotalTokens,
	))
	run.print(fmt.Sprintf("*** Run Ended. Duration: %s ***", stats.Duration))

	l.lock.Lock()
	delete(l.runs, run.chatCtx.GetChatID())
	l.lock.Unlock()

	return &stats, run.bytes()
}

func (l *Scratchpad) getRun(ctx context.Context) *run {
	chatCtx := chatmodel.GetChatContext(ctx)
	if chatCtx == nil {
		return nil
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	return l.runs[chatCtx.GetChatID()]
}

func (l *Scratchpad) OnAssistantStart(ctx context.Context, assistant assistants.IAssistant, input string) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.AssistantCalls, 1)
	run.print(assistant.Name(), "*** Assistant Start ***")
	run.print(assistant.Name(), "Input:", input)
}

func (l *Scratchpad) OnAssistantEnd(ctx context.Context, assistant assistants.IAssistant, input string, resp *llms.ContentResponse, messages []llms.Message) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.AssistantCallsSucceeded, 1)

	if l.mode == ModeVerbose {
		run.print(assistant.Name(), "Output:")
		for _, choice := range resp.Choices {
			if choice.Content != "" {
				run.print(choice.Content)
			}
		}
		run.printMessages(messages)
	}
	run.print(assistant.Name(), "*** Assistant End ***")
}

func (l *Scratchpad) OnAssistantError(ctx context.Context, assistant assistants.IAssistant, input string, err error, messages []llms.Message) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.AssistantCallsFailed, 1)
	run.print(assistant.Name(), "*** Error ***", chatmodel.Describe(err))
	if l.mode == ModeVerbose {
		run.printMessages(messages)
	}
}

func (l *Scratchpad) OnAssistantLLMCallStart(ctx context.Context, agent assistants.IAssistant, llm llms.Model, payload []llms.Message) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}

	atomic.AddUint64(&run.stats.LLMBytesOut, llmutils.CountMessagesContentSize(payload))
	atomic.AddUint32(&run.stats.AssistantLLMCalls, 1)
	count := uint32(len(payload))
	atomic.AddUint32(&run.stats.TotalMessages, count)

	run.print(agent.Name(), "*** LLM Call ***", fmt.Sprintf("%s model, %d messages", llm.GetName(), count))
}

func (l *Scratchpad) OnAssistantLLMCallEnd(ctx context.Context, agent assistants.IAssistant, llm llms.Model, resp *llms.ContentResponse) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}

	atomic.AddUint64(&run.stats.LLMBytesIn, llmutils.CountResponseContentSize(resp))
	tokensIn, tokensOut, tokensTotal := llmutils.CountTokens(resp)
	atomic.AddUint64(&run.stats.LLMInputTokens, uint64(tokensIn))
	atomic.AddUint64(&run.stats.LLMOutputTokens, uint64(tokensOut))
	atomic.AddUint64(&run.stats.LLMTotalTokens, uint64(tokensTotal))

	run.print(agent.Name(), "*** LLM Call End ***", fmt.Sprintf("%s model, %d input tokens, %d output tokens, %d total tokens", llm.GetName(), tokensIn, tokensOut, tokensTotal))
}

func (l *Scratchpad) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.ToolsCalls, 1)
	run.print(tool.Name(), "*** Tool Start ***")
	run.print(tool.Name(), "Input:", input)
}

func (l *Scratchpad) OnToolEnd(ctx context.Context, tool tools.ITool, input string, output string) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.ToolsCallsSucceeded, 1)
	if l.mode == ModeVerbose {
		run.print(tool.Name(), "Output:", output)
	}
	run.print(tool.Name(), "*** Tool End ***")
}

func (l *Scratchpad) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.ToolsCallsFailed, 1)
	run.print(tool.Name(), "*** Tool Error ***", chatmodel.Describe(err))
}

func (l *Scratchpad) OnToolNotFound(ctx context.Context, agent assistants.IAssistant, tool string) {
	run := l.getRun(ctx)
	if run == nil {
		return
	}
	atomic.AddUint32(&run.stats.ToolNotFound, 1)
	run.print(agent.Name(), "*** Tool Not Found ***", tool)
}

type run struct {
	chatCtx chatmodel.ChatContext
	w       bytes.Buffer
	started time.Time
	lock    sync.Mutex
	stats   RunStats
}

func (r *run) snapshot() RunStats {
	return RunStats{
		ChatID:                  r.stats.ChatID,
		RunID:                   r.stats.RunID,
		TotalMessages:           atomic.LoadUint32(&r.stats.TotalMessages),
		LLMBytesOut:             atomic.LoadUint64(&r.stats.LLMBytesOut),
		LLMBytesIn:              atomic.LoadUint64(&r.stats.LLMBytesIn),
		LLMInputTokens:          atomic.LoadUint64(&r.stats.LLMInputTokens),
		LLMOutputTokens:         atomic.LoadUint64(&r.stats.LLMOutputTokens),
		LLMTotalTokens:          atomic.LoadUint64(&r.stats.LLMTotalTokens),
		AssistantCalls:          atomic.LoadUint32(&r.stats.AssistantCalls),
		AssistantCallsSucceeded: atomic.LoadUint32(&r.stats.AssistantCallsSucceeded),
		AssistantCallsFailed:    atomic.LoadUint32(&r.stats.AssistantCallsFailed),
		AssistantLLMCalls:       atomic.LoadUint32(&r.stats.AssistantLLMCalls),
		ToolsCalls:              atomic.LoadUint32(&r.stats.ToolsCalls),
		ToolsCallsSucceeded:     atomic.LoadUint32(&r.stats.ToolsCallsSucceeded),
		ToolsCallsFailed:        atomic.LoadUint32(&r.stats.ToolsCallsFailed),
		ToolNotFound:            atomic.LoadUint32(&r.stats.ToolNotFound),
	}
}

func (r *run) bytes() []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return bytes.Clone(r.w.Bytes())
}

// print writes the entries to the run's output.
// The entries are written in the following format:
// timestamp chatID.runID entry entry\n
func (r *run) print(entries ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	ts := TimeNowFn().Format("2006-01-02 15:04:05")

	_, _ = r.w.WriteString(ts)
	_, _ = r.w.WriteString(" ")
	_, _ = r.w.WriteString(r.chatCtx.GetChatID())
	_, _ = r.w.WriteString(".")
	_, _ = r.w.WriteString(r.chatCtx.RunID())
	_, _ = r.w.WriteString(" ")

	for i, entry := range entries {
		if i > 0 {
			_, _ = r.w.WriteString(" ")
		}
		_, _ = r.w.WriteString(entry)
	}
	_, _ = r.w.WriteString("\n")
}

// printMessages writes the conversation, one line per message part
func (r *run) printMessages(messages []llms.Message) {
	r.lock.Lock()
	defer r.lock.Unlock()
	llmutils.PrintMessages(&r.w, messages)
}
