// Package registry aggregates the tools of several MCP providers into one namespace
// and routes calls to the provider that owns the tool.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/xeipuuv/gojsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "registry")

// Entry is a discovered tool and the provider that owns it
type Entry struct {
	Tool     mcp.ToolDescriptor
	Provider string

	conn   Connection
	schema *gojsonschema.Schema
}

// CallResult is the successful outcome of one tool call,
// failures are returned as errors classified by chatmodel.Kind
type CallResult struct {
	Provider string
	// Text is the text content of the response
	Text    string
	Content []*mcp.Content
}

// Registry is the union of the tools of the registered connections.
// It is safe for concurrent use, Register is expected to complete
// before the first Call.
type Registry struct {
	mu     sync.RWMutex
	conns  []Connection
	tools  map[string]*Entry
	folded map[string]*Entry
	order  []string
	closed bool
}

// New returns an empty registry
func New() *Registry {
	return &Registry{
		tools:  make(map[string]*Entry),
		folded: make(map[string]*Entry),
	}
}

// Connect dials every provider in order and registers its tools.
// On failure every connection opened so far is closed and no registry is returned.
func Connect(ctx context.Context, providers []*ProviderConfig, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = Dial
	}

	r := New()
	for _, cfg := range providers {
		conn, err := dial(ctx, cfg)
		if err != nil {
			return nil, closeOnError(r, err)
		}
		if err = r.Register(ctx, conn); err != nil {
			if cerr := conn.Close(); cerr != nil {
				err = errors.WithSecondaryError(err, cerr)
			}
			return nil, closeOnError(r, err)
		}
	}
	return r, nil
}

func closeOnError(r *Registry, err error) error {
	if cerr := r.Close(); cerr != nil {
		err = errors.WithSecondaryError(err, cerr)
	}
	return err
}

// Register lists the tools of conn and adds them to the registry.
// A tool name already owned by another provider fails with ErrDuplicateTool,
// in that case nothing is added and conn is not owned by the registry.
// Names that differ only in case are duplicates.
func (r *Registry) Register(ctx context.Context, conn Connection) error {
	provider := conn.Name()

	list, err := conn.ListTools(ctx)
	if err != nil {
		return errors.WithMessagef(err, "provider %s: failed to list tools", provider)
	}

	entries := make([]*Entry, 0, len(list))
	seen := make(map[string]string, len(list))
	for _, tool := range list {
		key := strings.ToLower(tool.Name)
		if prev, ok := seen[key]; ok {
			if prev == tool.Name {
				return errors.Mark(errors.Errorf("duplicate tool %q in provider %s", tool.Name, provider), chatmodel.ErrDuplicateTool)
			}
			return errors.Mark(errors.Errorf("tools %q and %q in provider %s differ only in case", prev, tool.Name, provider), chatmodel.ErrDuplicateTool)
		}
		seen[key] = tool.Name

		entry := &Entry{
			Tool:     tool,
			Provider: provider,
			conn:     conn,
		}
		if len(tool.InputSchema) > 0 {
			sc, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
			if err != nil {
				logger.ContextKV(ctx, xlog.WARNING,
					"provider", provider,
					"tool", tool.Name,
					"reason", "invalid_schema",
					"err", err.Error(),
				)
			} else {
				entry.schema = sc
			}
		}
		entries = append(entries, entry)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.Mark(errors.New("registry is closed"), chatmodel.ErrConnectionClosed)
	}
	for _, e := range entries {
		existing, ok := r.folded[strings.ToLower(e.Tool.Name)]
		if !ok {
			continue
		}
		if existing.Tool.Name == e.Tool.Name {
			return errors.Mark(
				errors.Errorf("tool %q is provided by both %s and %s", e.Tool.Name, existing.Provider, provider),
				chatmodel.ErrDuplicateTool)
		}
		return errors.Mark(
			errors.Errorf("tool %q of %s conflicts with %q of %s", e.Tool.Name, provider, existing.Tool.Name, existing.Provider),
			chatmodel.ErrDuplicateTool)
	}
	for _, e := range entries {
		r.tools[e.Tool.Name] = e
		r.folded[strings.ToLower(e.Tool.Name)] = e
		r.order = append(r.order, e.Tool.Name)
	}
	r.conns = append(r.conns, conn)

	logger.ContextKV(ctx, xlog.DEBUG,
		"provider", provider,
		"tools", len(entries),
	)
	return nil
}

// ListAll returns the tools in registration order
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, *r.tools[name])
	}
	return list
}

// Providers returns the names of the registered providers
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for _, c := range r.conns {
		names = append(names, c.Name())
	}
	return names
}

// Lookup returns the entry of the named tool
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Call validates the arguments against the tool schema and invokes the tool
// on its provider. A provider reported failure is returned as ErrToolExecution.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	closed := r.closed
	r.mu.RUnlock()

	if !ok {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, name)
		return nil, errors.Mark(errors.Errorf("unknown tool: %s", name), chatmodel.ErrUnknownTool)
	}
	if closed {
		return nil, errors.Mark(errors.Errorf("registry is closed: %s", name), chatmodel.ErrConnectionClosed)
	}

	args, err := normalizeArguments(arguments)
	if err != nil {
		return nil, errors.WithMessagef(err, "tool %s", name)
	}
	if err = entry.validate(args); err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := entry.conn.CallTool(ctx, name, args)
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		return nil, errors.WithMessagef(err, "provider %s", entry.Provider)
	}

	text := resp.Text()
	if resp.IsError {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		return nil, errors.Mark(errors.Errorf("tool %s failed: %s", name, text), chatmodel.ErrToolExecution)
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	return &CallResult{
		Provider: entry.Provider,
		Text:     text,
		Content:  resp.Content,
	}, nil
}

// Close closes every connection once, the first error is returned
// with the others attached as secondary errors
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.mu.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil {
			logger.KV(xlog.WARNING, "provider", c.Name(), "reason", "close", "err", cerr.Error())
			err = errors.CombineErrors(err, errors.WithMessagef(cerr, "provider %s", c.Name()))
		}
	}
	return err
}

func (e *Entry) validate(args json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	res, err := e.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "tool %s: failed to validate arguments", e.Tool.Name), chatmodel.ErrInvalidArguments)
	}
	if !res.Valid() {
		var list []string
		for _, re := range res.Errors() {
			list = append(list, re.String())
		}
		return errors.Mark(
			errors.Errorf("tool %s: invalid arguments: %s", e.Tool.Name, strings.Join(list, "; ")),
			chatmodel.ErrInvalidArguments)
	}
	return nil
}

// normalizeArguments returns a JSON object,
// text around the object is trimmed and empty arguments become {}
func normalizeArguments(arguments json.RawMessage) (json.RawMessage, error) {
	raw := bytes.TrimSpace(arguments)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if raw[0] != '{' {
		raw = llmutils.CleanJSON(llmutils.BytesTrimBackticks(raw))
	}
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil, errors.Mark(errors.Errorf("arguments must be a JSON object: %s", string(arguments)), chatmodel.ErrInvalidArguments)
	}
	return json.RawMessage(raw), nil
}
