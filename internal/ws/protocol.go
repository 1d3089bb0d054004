package ws

// Headers and query parameters of the HTTP transport.
const (
	// HeaderViewerID carries the viewer binding on POST /mcp. Its value is
	// allocated by initialize and echoed back on every response.
	HeaderViewerID = "Mcp-Session-Id"
	HeaderToken    = "X-Thinkwatch-Token"

	queryToken  = "token"
	queryViewer = "viewer"
)

const (
	maxBodyBytes    = 1 << 20
	maxViewerIDLen  = 128
	sendBufferSize  = 64
	readLimitBytes  = maxBodyBytes
	closeReasonFull = "too many connections"

	closeReasonRevoked = "credential revoked"
)

// HealthPayload is the body of GET /api/health.
type HealthPayload struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	RSSBytes      uint64       `json:"rss_bytes,omitempty"`
	CPUPercent    float64      `json:"cpu_percent,omitempty"`
	Scope         *ScopeHealth `json:"scope,omitempty"`
}

// ScopeHealth counts what the caller's own scope holds.
type ScopeHealth struct {
	Sessions    int `json:"sessions"`
	Active      int `json:"active"`
	Viewers     int `json:"viewers"`
	Connections int `json:"connections"`
}
