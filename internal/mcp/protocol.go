// Package mcp binds the lifecycle API and the session resource to JSON-RPC
// 2.0 in the shape MCP clients expect: four tools, one resource per scope
// and a resources/updated notification as the change cue.
package mcp

import (
	"bytes"
	"encoding/json"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC 2.0 request or notification. ID is kept
// raw so it can be echoed back byte for byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// gets no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

// validID reports whether the id is a string or number, as JSON-RPC requires
// for requests that expect a response.
func (r Request) validID() bool {
	id := bytes.TrimSpace(r.ID)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return false
	}
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	}
	return false
}

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-initiated JSON-RPC message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ResourceUpdatedNotification builds the change cue sent to viewers. It
// names the stale resource and carries no session data.
func ResourceUpdatedNotification(uri string) Notification {
	return Notification{
		JSONRPC: jsonrpcVersion,
		Method:  "notifications/resources/updated",
		Params:  map[string]string{"uri": uri},
	}
}

// ErrorResponse builds a JSON-RPC error response. A nil id is encoded as
// null.
func ErrorResponse(id json.RawMessage, code int, message string) Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

func resultResponse(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}
