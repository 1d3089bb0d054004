package lifecycle

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/thinkwatch/backend/internal/session"
)

const (
	maxTitleLen   = 200
	maxContextLen = 1024
	maxErrorLen   = 4096
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

func validateStart(req StartRequest) (session.Platform, error) {
	if strings.TrimSpace(req.Title) == "" {
		return "", &session.ValidationError{Field: "title", Reason: "required"}
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLen {
		return "", &session.ValidationError{Field: "title", Reason: "longer than 200 characters"}
	}
	platform, ok := session.ParsePlatform(req.Platform)
	if !ok {
		return "", &session.ValidationError{Field: "platform", Reason: "unknown platform " + quote(req.Platform)}
	}
	if utf8.RuneCountInString(req.Project) > maxContextLen {
		return "", &session.ValidationError{Field: "project", Reason: "too long"}
	}
	if utf8.RuneCountInString(req.GitBranch) > maxContextLen {
		return "", &session.ValidationError{Field: "git_branch", Reason: "too long"}
	}
	if err := validateSessionID(req.SessionID, false); err != nil {
		return "", err
	}
	return platform, nil
}

func validateEnd(req EndRequest) (session.Status, error) {
	if err := validateSessionID(req.SessionID, true); err != nil {
		return 0, err
	}
	status, ok := session.ParseStatus(req.Status)
	if !ok {
		return 0, &session.ValidationError{Field: "status", Reason: "must be one of ok, cancelled, error"}
	}
	if req.Error != "" && status != session.StatusError {
		return 0, &session.ValidationError{Field: "error", Reason: "only allowed with status error"}
	}
	if len(req.Error) > maxErrorLen {
		return 0, &session.ValidationError{Field: "error", Reason: "too long"}
	}
	return status, nil
}

func validateSessionID(id string, required bool) error {
	if id == "" {
		if required {
			return &session.ValidationError{Field: "session_id", Reason: "required"}
		}
		return nil
	}
	if !sessionIDPattern.MatchString(id) {
		return &session.ValidationError{Field: "session_id", Reason: "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'"}
	}
	return nil
}

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return "\"" + s + "\""
}
