package mcp

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ProtocolVersion is the MCP protocol revision implemented by this package
const ProtocolVersion = "2024-11-05"

type ContentType string

const (
	// ContentTypeText is a text content
	ContentTypeText ContentType = "text"
	// ContentTypeImage is an image content, base64 encoded
	ContentTypeImage ContentType = "image"
)

// TextContent is a text provided to or from an LLM
type TextContent struct {
	// The text content of the message.
	Text string `json:"text"`
}

// ImageContent is an image provided to or from an LLM
type ImageContent struct {
	// The base64-encoded image data.
	Data string `json:"data"`
	// The MIME type of the image.
	MimeType string `json:"mimeType"`
}

// Content is a union of the supported content kinds
type Content struct {
	Type         ContentType
	TextContent  *TextContent
	ImageContent *ImageContent
}

type contentWire struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (c *Content) MarshalJSON() ([]byte, error) {
	w := contentWire{Type: c.Type}
	switch c.Type {
	case ContentTypeText:
		if c.TextContent == nil {
			return nil, errors.New("text content is missing")
		}
		w.Text = c.TextContent.Text
	case ContentTypeImage:
		if c.ImageContent == nil {
			return nil, errors.New("image content is missing")
		}
		w.Data = c.ImageContent.Data
		w.MimeType = c.ImageContent.MimeType
	default:
		return nil, errors.Errorf("unknown content type: %q", c.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler,
// unknown content types are kept with their type only
func (c *Content) UnmarshalJSON(data []byte) error {
	var w contentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Type = w.Type
	switch w.Type {
	case ContentTypeText:
		c.TextContent = &TextContent{Text: w.Text}
	case ContentTypeImage:
		c.ImageContent = &ImageContent{Data: w.Data, MimeType: w.MimeType}
	}
	return nil
}

// NewTextContent creates a new text content
func NewTextContent(content string) *Content {
	return &Content{
		Type:        ContentTypeText,
		TextContent: &TextContent{Text: content},
	}
}

// NewImageContent creates a new image content
func NewImageContent(base64EncodedStringData string, mimeType string) *Content {
	return &Content{
		Type: ContentTypeImage,
		ImageContent: &ImageContent{
			Data:     base64EncodedStringData,
			MimeType: mimeType,
		},
	}
}

// ToolResponse is the result of a tool call
type ToolResponse struct {
	Content []*Content `json:"content"`
	// IsError is set when the tool reports a failure,
	// the Content then describes the error.
	IsError bool `json:"isError,omitempty"`
}

// NewToolResponse creates a new tool response
func NewToolResponse(content ...*Content) *ToolResponse {
	return &ToolResponse{
		Content: content,
	}
}

// NewToolErrorResponse creates a tool response that reports a failure
func NewToolErrorResponse(message string) *ToolResponse {
	return &ToolResponse{
		Content: []*Content{NewTextContent(message)},
		IsError: true,
	}
}

// Text returns the text blocks of the response joined by newlines
func (r *ToolResponse) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if c != nil && c.Type == ContentTypeText && c.TextContent != nil {
			parts = append(parts, c.TextContent.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolDescriptor describes a tool exposed by a server
type ToolDescriptor struct {
	// The name of the tool
	Name string `json:"name"`
	// A human-readable description of the tool
	Description string `json:"description,omitempty"`
	// A JSON Schema object defining the expected parameters for the tool
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsResponse is the result of tools/list
type ToolsResponse struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor *string          `json:"nextCursor,omitempty"`
}

// Implementation describes the name and version of an MCP implementation
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability is present if the server offers tools
type ToolsCapability struct {
	// Whether this server supports notifications for changes to the tool list.
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes the features supported by the server
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeRequest is the params of initialize
type InitializeRequest struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResponse is the result of initialize
type InitializeResponse struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    *string            `json:"instructions,omitempty"`
}

type baseCallToolRequestParams struct {
	// Name of the tool to call
	Name string `json:"name"`
	// Arguments to pass to the tool, an object
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type baseListToolsRequestParams struct {
	Cursor *string `json:"cursor,omitempty"`
}
