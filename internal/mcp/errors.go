package mcp

import (
	"encoding/json"
	"fmt"
)

// Tool error codes are snake_case strings so a calling agent can act on them
// without a lookup table.
const (
	ErrInvalidJSON  = "invalid_json"
	ErrInvalidParam = "invalid_param"
	ErrDuplicateID  = "duplicate_id"
	ErrUnknownTool  = "unknown_tool"
	ErrInternal     = "internal_error"
)

// StructuredError is embedded in the text of a failed tool result.
type StructuredError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Retry   string `json:"retry"`
	Param   string `json:"param,omitempty"`
}

// WithParam names the argument that caused the error.
func WithParam(p string) func(*StructuredError) {
	return func(se *StructuredError) { se.Param = p }
}

// StructuredErrorResult builds a tool result with isError set. Format:
//
//	Error: invalid_param - Fix the 'platform' argument and call again
//	{"error":"invalid_param","message":"...","retry":"...","param":"platform"}
func StructuredErrorResult(code, message, retry string, opts ...func(*StructuredError)) json.RawMessage {
	se := StructuredError{Error: code, Message: message, Retry: retry}
	for _, opt := range opts {
		opt(&se)
	}
	seJSON, _ := json.Marshal(se)
	text := fmt.Sprintf("Error: %s - %s\n%s", code, retry, seJSON)
	return safeMarshal(ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}, `{"content":[{"type":"text","text":"Internal error: failed to marshal result"}],"isError":true}`)
}

// TextResult builds a successful tool result holding a single text block.
func TextResult(text string) json.RawMessage {
	return safeMarshal(ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}, `{"content":[{"type":"text","text":"Internal error: failed to marshal result"}],"isError":true}`)
}

func safeMarshal(v any, fallback string) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fallback)
	}
	return data
}
