package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/thinkwatch/backend/internal/lifecycle"
	"github.com/thinkwatch/backend/internal/resource"
	"github.com/thinkwatch/backend/internal/session"
)

const serverName = "thinkwatch"

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

const serverInstructions = "Call start_session when you begin working on a request and end_session when you finish. " +
	"Wrap every action that needs user approval in before_approval_gated_action / after_approval_gated_action."

// Caller identifies who sent a request: the viewer binding (empty for
// one-shot callers) and the scope derived from its credential.
type Caller struct {
	ViewerID string
	ScopeKey string
}

// Handler dispatches JSON-RPC requests to the lifecycle service and the
// resource reader. It holds no per-connection state.
type Handler struct {
	service *lifecycle.Service
	reader  *resource.Reader
	logger  *slog.Logger
	version string
}

func NewHandler(service *lifecycle.Service, reader *resource.Reader, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, reader: reader, logger: logger, version: version}
}

type methodHandler func(h *Handler, c Caller, req Request) Response

var methodHandlers = map[string]methodHandler{
	"initialize":     func(h *Handler, c Caller, req Request) Response { return h.handleInitialize(req) },
	"tools/list":     func(h *Handler, c Caller, req Request) Response { return h.handleToolsList(req) },
	"tools/call":     func(h *Handler, c Caller, req Request) Response { return h.handleToolsCall(c, req) },
	"resources/list": func(h *Handler, c Caller, req Request) Response { return h.handleResourcesList(c, req) },
	"resources/read": func(h *Handler, c Caller, req Request) Response { return h.handleResourcesRead(c, req) },
}

// Subscriptions are implicit: every bound viewer channel already receives
// cues for its scope, so subscribe and unsubscribe only acknowledge.
var staticResponses = map[string]string{
	"ping":                     `{}`,
	"resources/subscribe":      `{}`,
	"resources/unsubscribe":    `{}`,
	"resources/templates/list": `{"resourceTemplates":[]}`,
	"prompts/list":             `{"prompts":[]}`,
}

// HandleMessage decodes one JSON-RPC message and handles it. It returns nil
// for notifications.
func (h *Handler) HandleMessage(c Caller, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		resp := ErrorResponse(nil, CodeParseError, "Parse error: "+err.Error())
		return &resp
	}
	return h.Handle(c, req)
}

// Handle processes a request and returns its response, or nil for a
// notification.
func (h *Handler) Handle(c Caller, req Request) *Response {
	if req.IsNotification() {
		h.logger.Debug("notification received", "method", req.Method)
		return nil
	}
	if !req.validID() {
		resp := ErrorResponse(nil, CodeInvalidRequest, "Invalid Request: id must be a string or number")
		return &resp
	}
	if req.JSONRPC != jsonrpcVersion {
		resp := ErrorResponse(req.ID, CodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`)
		return &resp
	}

	if handler, ok := methodHandlers[req.Method]; ok {
		resp := handler(h, c, req)
		return &resp
	}
	if static, ok := staticResponses[req.Method]; ok {
		resp := resultResponse(req.ID, json.RawMessage(static))
		return &resp
	}

	resp := ErrorResponse(req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
	return &resp
}

func (h *Handler) handleInitialize(req Request) Response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := supportedProtocolVersions[len(supportedProtocolVersions)-1]
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	result := InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      ServerInfo{Name: serverName, Version: h.version},
		Capabilities: Capabilities{
			Resources: ResourcesCapability{Subscribe: true},
		},
		Instructions: serverInstructions,
	}
	data, _ := json.Marshal(result)
	return resultResponse(req.ID, data)
}

func (h *Handler) handleToolsList(req Request) Response {
	data, _ := json.Marshal(ToolsListResult{Tools: toolDefinitions()})
	return resultResponse(req.ID, data)
}

func (h *Handler) handleToolsCall(c Caller, req Request) Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, "Invalid params: "+err.Error())
	}
	return resultResponse(req.ID, h.callTool(c, params.Name, params.Arguments))
}

func (h *Handler) callTool(c Caller, name string, args json.RawMessage) json.RawMessage {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	var (
		ack string
		err error
	)
	switch name {
	case ToolStartSession:
		var in lifecycle.StartRequest
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidJSON(err)
		}
		ack, err = h.service.StartSession(c.ScopeKey, in)
	case ToolEndSession:
		var in lifecycle.EndRequest
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidJSON(err)
		}
		ack, err = h.service.EndSession(c.ScopeKey, in)
	case ToolBeforeApproval, ToolAfterApproval:
		var in struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return invalidJSON(err)
		}
		if name == ToolBeforeApproval {
			ack, err = h.service.MarkBeforeApproval(c.ScopeKey, in.SessionID)
		} else {
			ack, err = h.service.MarkAfterApproval(c.ScopeKey, in.SessionID)
		}
	default:
		return StructuredErrorResult(ErrUnknownTool, fmt.Sprintf("no tool named %q", name), "Call tools/list and use one of the listed names")
	}

	if err != nil {
		return h.toolError(name, err)
	}
	return TextResult(ack)
}

func (h *Handler) toolError(tool string, err error) json.RawMessage {
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return StructuredErrorResult(ErrInvalidParam, ve.Error(),
			fmt.Sprintf("Fix the '%s' argument and call again", ve.Field), WithParam(ve.Field))
	}
	var dup *session.DuplicateIDError
	if errors.As(err, &dup) {
		return StructuredErrorResult(ErrDuplicateID, dup.Error(),
			"Call start_session without session_id to get a fresh id", WithParam("session_id"))
	}
	h.logger.Error("tool call failed", "tool", tool, "error", err)
	return StructuredErrorResult(ErrInternal, err.Error(), "Do not retry")
}

func invalidJSON(err error) json.RawMessage {
	return StructuredErrorResult(ErrInvalidJSON, "arguments could not be decoded: "+err.Error(),
		"Send arguments as a JSON object matching the tool's input schema")
}

func (h *Handler) handleResourcesList(c Caller, req Request) Response {
	result := ResourcesListResult{Resources: []Resource{{
		URI:         resource.URI(c.ScopeKey),
		Name:        "sessions",
		Description: "Thinking sessions visible to this connection, most recent first",
		MimeType:    resource.MimeType,
	}}}
	data, _ := json.Marshal(result)
	return resultResponse(req.ID, data)
}

// handleResourcesRead serves the caller's own scope only. Any other URI,
// including another scope's, reads as an empty list so a caller cannot tell
// whether it exists.
func (h *Handler) handleResourcesRead(c Caller, req Request) Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "Invalid params: uri is required")
	}

	text := "[]"
	if scope, ok := resource.ScopeFromURI(params.URI); ok && scope == c.ScopeKey {
		data, err := h.reader.Read(scope)
		if err != nil {
			h.logger.Error("resource read failed", "uri", params.URI, "error", err)
			return ErrorResponse(req.ID, CodeInternalError, "Internal error")
		}
		text = string(data)
	}

	result := ResourcesReadResult{Contents: []ResourceContent{{
		URI:      params.URI,
		MimeType: resource.MimeType,
		Text:     text,
	}}}
	data, _ := json.Marshal(result)
	return resultResponse(req.ID, data)
}
