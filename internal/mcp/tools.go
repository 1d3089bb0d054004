package mcp

import (
	"github.com/thinkwatch/backend/internal/session"
)

// Tool names exposed to calling agents.
const (
	ToolStartSession   = "start_session"
	ToolEndSession     = "end_session"
	ToolBeforeApproval = "before_approval_gated_action"
	ToolAfterApproval  = "after_approval_gated_action"
)

func platformNames() []string {
	platforms := session.Platforms()
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return names
}

func sessionIDProperty(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"pattern":     "^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$",
	}
}

func toolDefinitions() []Tool {
	return []Tool{
		{
			Name:        ToolStartSession,
			Description: "Call when you begin thinking about a user request. Returns the session id to pass to the other tools.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":      map[string]any{"type": "string", "description": "Short human-readable label for the work", "maxLength": 200},
					"platform":   map[string]any{"type": "string", "enum": platformNames()},
					"project":    map[string]any{"type": "string", "description": "Project name or path"},
					"git_branch": map[string]any{"type": "string", "description": "Current git branch"},
					"session_id": sessionIDProperty("Optional id to reuse; repeating a start with the same id is harmless"),
				},
				"required": []string{"title", "platform"},
			},
		},
		{
			Name:        ToolEndSession,
			Description: "Call when you finish responding. Unknown session ids are ignored.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty("Id returned by start_session"),
					"status":     map[string]any{"type": "string", "enum": []string{"ok", "cancelled", "error"}},
					"error":      map[string]any{"type": "string", "description": "Failure message, only with status error"},
				},
				"required": []string{"session_id", "status"},
			},
		},
		{
			Name:        ToolBeforeApproval,
			Description: "Call right before an action that needs user approval, so the user can see you are waiting on them.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty("Id returned by start_session"),
				},
				"required": []string{"session_id"},
			},
		},
		{
			Name:        ToolAfterApproval,
			Description: "Call right after the approval-gated action was approved or rejected.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDProperty("Id returned by start_session"),
				},
				"required": []string{"session_id"},
			},
		},
	}
}
