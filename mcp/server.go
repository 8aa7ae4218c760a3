package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/bububa/ljson"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mcp/internal/protocol"
	"github.com/effective-security/mcpagent/mcp/transport"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp")

// Server serves registered tools over a transport.
//
// A tool handler is a function with one of the signatures
//
//	func(args T) (*ToolResponse, error)
//	func(ctx context.Context, args T) (*ToolResponse, error)
//
// where T is a struct describing the arguments. The input schema
// of the tool is generated from T, use `json` and `jsonschema` tags to shape it.
// A handler error is reported to the caller as a tool result with isError set.
type Server struct {
	transport       transport.Transport
	protocol        *protocol.Protocol
	name            string
	version         string
	instructions    *string
	paginationLimit *int

	mu      sync.RWMutex
	tools   map[string]*tool
	serving bool

	done     chan struct{}
	doneOnce sync.Once
}

type tool struct {
	Name            string
	Description     string
	Handler         func(context.Context, json.RawMessage) *toolResponseSent
	ToolInputSchema json.RawMessage
}

// toolResponseSent carries either the handler result or its error
type toolResponseSent struct {
	Response *ToolResponse
	Error    error
}

// MarshalJSON encodes the result as ToolResponse, handler errors become isError results
func (c toolResponseSent) MarshalJSON() ([]byte, error) {
	if c.Error != nil {
		return json.Marshal(NewToolErrorResponse(c.Error.Error()))
	}
	res := c.Response
	if res == nil {
		res = NewToolResponse()
	}
	if res.Content == nil {
		res = &ToolResponse{Content: []*Content{}, IsError: res.IsError}
	}
	return json.Marshal(res)
}

// ServerOptions configures the Server
type ServerOptions func(*Server)

// WithName sets the server name reported on initialize
func WithName(name string) ServerOptions {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported on initialize
func WithVersion(version string) ServerOptions {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the instructions reported on initialize
func WithInstructions(instructions string) ServerOptions {
	return func(s *Server) {
		s.instructions = &instructions
	}
}

// WithPaginationLimit sets the number of tools returned per tools/list page
func WithPaginationLimit(limit int) ServerOptions {
	return func(s *Server) {
		s.paginationLimit = &limit
	}
}

// NewServer returns a server over the transport
func NewServer(tr transport.Transport, options ...ServerOptions) *Server {
	s := &Server{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		name:      "mcpagent",
		version:   "1.0.0",
		tools:     make(map[string]*tool),
		done:      make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// RegisterTool registers a tool, replacing a tool with the same name
func (s *Server) RegisterTool(name string, description string, handler any) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if err := validateToolHandler(handler); err != nil {
		return errors.WithMessagef(err, "tool %s", name)
	}

	handlerType := reflect.TypeOf(handler)
	argsType := handlerType.In(handlerType.NumIn() - 1)
	sc, err := schema.New(argsType)
	if err != nil {
		return errors.WithMessagef(err, "tool %s", name)
	}

	s.mu.Lock()
	s.tools[name] = &tool{
		Name:            name,
		Description:     description,
		Handler:         createWrappedToolHandler(handler),
		ToolInputSchema: sc.JSON(),
	}
	serving := s.serving
	s.mu.Unlock()

	if serving {
		s.sendListChanged()
	}
	return nil
}

// DeregisterTool removes a tool
func (s *Server) DeregisterTool(name string) error {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	serving := s.serving
	s.mu.Unlock()

	if ok && serving {
		s.sendListChanged()
	}
	return nil
}

// CheckToolRegistered returns true if the tool is registered
func (s *Server) CheckToolRegistered(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

func (s *Server) sendListChanged() {
	if err := s.protocol.Notification("notifications/tools/list_changed", map[string]any{}); err != nil {
		logger.KV(xlog.DEBUG, "reason", "list_changed", "err", err.Error())
	}
}

// Serve connects the transport and starts serving requests
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("server is already serving")
	}
	s.serving = true
	s.mu.Unlock()

	pr := s.protocol
	pr.SetRequestHandler("initialize", s.handleInitialize)
	pr.SetRequestHandler("ping", s.handlePing)
	pr.SetRequestHandler("tools/list", s.handleListTools)
	pr.SetRequestHandler("tools/call", s.handleToolCalls)
	pr.SetNotificationHandler("notifications/initialized", func(*transport.BaseJSONRPCNotification) error {
		logger.KV(xlog.DEBUG, "status", "client_initialized")
		return nil
	})
	pr.OnClose = func() {
		s.doneOnce.Do(func() { close(s.done) })
	}

	return pr.Connect(context.Background(), s.transport)
}

// Done is closed when the transport is closed
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close closes the transport
func (s *Server) Close() error {
	return s.protocol.Close()
}

func (s *Server) handleInitialize(ctx context.Context, request *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params InitializeRequest
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal initialize params")
		}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol", params.ProtocolVersion,
	)

	return InitializeResponse{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: true},
		},
		ServerInfo: Implementation{
			Name:    s.name,
			Version: s.version,
		},
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handlePing(_ context.Context, _ *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	return map[string]any{}, nil
}

func (s *Server) handleListTools(ctx context.Context, request *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params baseListToolsRequestParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal arguments")
		}
	}

	s.mu.RLock()
	tools := make([]*tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t)
	}
	s.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})

	startPosition := 0
	if params.Cursor != nil {
		c, err := base64.StdEncoding.DecodeString(*params.Cursor)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode cursor")
		}
		cursor := string(c)
		startPosition = sort.Search(len(tools), func(i int) bool {
			return tools[i].Name > cursor
		})
	}

	endPosition := len(tools)
	if s.paginationLimit != nil && startPosition+*s.paginationLimit < endPosition {
		endPosition = startPosition + *s.paginationLimit
	}

	toolsToReturn := make([]ToolDescriptor, 0, endPosition-startPosition)
	for _, t := range tools[startPosition:endPosition] {
		toolsToReturn = append(toolsToReturn, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.ToolInputSchema,
		})
	}

	var nextCursor *string
	if endPosition < len(tools) && len(toolsToReturn) > 0 {
		c := base64.StdEncoding.EncodeToString([]byte(toolsToReturn[len(toolsToReturn)-1].Name))
		nextCursor = &c
	}

	return ToolsResponse{
		Tools:      toolsToReturn,
		NextCursor: nextCursor,
	}, nil
}

func (s *Server) handleToolCalls(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	params := baseCallToolRequestParams{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal arguments")
	}

	s.mu.RLock()
	t, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown tool: %s", params.Name)
	}

	logger.ContextKV(ctx, xlog.DEBUG, "tool", params.Name)

	return t.Handler(ctx, params.Arguments), nil
}

func validateToolHandler(handler any) error {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		return errors.New("handler must be a function")
	}

	switch handlerType.NumIn() {
	case 1:
	case 2:
		if handlerType.In(0) != reflect.TypeFor[context.Context]() {
			return errors.New("first argument of the handler must be context.Context")
		}
	default:
		return errors.New("handler must take (args) or (context.Context, args)")
	}

	argsType := handlerType.In(handlerType.NumIn() - 1)
	if argsType.Kind() == reflect.Pointer {
		argsType = argsType.Elem()
	}
	if argsType.Kind() != reflect.Struct {
		return errors.New("arguments of the handler must be a struct")
	}

	if handlerType.NumOut() != 2 ||
		handlerType.Out(0) != reflect.TypeFor[*ToolResponse]() ||
		handlerType.Out(1) != reflect.TypeFor[error]() {
		return errors.New("handler must return (*ToolResponse, error)")
	}
	return nil
}

// createWrappedToolHandler adapts a typed handler to raw JSON arguments.
// A panic in the handler is reported as an internal error.
func createWrappedToolHandler(userHandler any) func(context.Context, json.RawMessage) *toolResponseSent {
	handlerValue := reflect.ValueOf(userHandler)
	handlerType := handlerValue.Type()
	withContext := handlerType.NumIn() == 2
	argsType := handlerType.In(handlerType.NumIn() - 1)
	isPointer := argsType.Kind() == reflect.Pointer
	if isPointer {
		argsType = argsType.Elem()
	}

	return func(ctx context.Context, arguments json.RawMessage) (res *toolResponseSent) {
		defer func() {
			if r := recover(); r != nil {
				logger.ContextKV(ctx, xlog.ERROR, "reason", "panic", "err", r)
				res = &toolResponseSent{Error: errors.Errorf("internal error: %v", r)}
			}
		}()

		args := reflect.New(argsType)
		if len(arguments) > 0 && string(arguments) != "null" {
			// models tend to quote numbers and booleans, ljson accepts them
			if err := ljson.Unmarshal(arguments, args.Interface()); err != nil {
				return &toolResponseSent{Error: errors.Wrap(err, "failed to unmarshal tool arguments")}
			}
		}
		if !isPointer {
			args = args.Elem()
		}

		in := []reflect.Value{args}
		if withContext {
			in = []reflect.Value{reflect.ValueOf(ctx), args}
		}
		output := handlerValue.Call(in)

		var err error
		if e := output[1].Interface(); e != nil {
			err = e.(error)
		}
		if err != nil {
			return &toolResponseSent{Error: err}
		}
		resp, _ := output[0].Interface().(*ToolResponse)
		return &toolResponseSent{Response: resp}
	}
}
