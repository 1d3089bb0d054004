// Package ws is the HTTP face of the process: JSON-RPC over POST /mcp, the
// viewer WebSocket channel and a couple of read-only REST endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/thinkwatch/backend/internal/fanout"
	"github.com/thinkwatch/backend/internal/mcp"
	"github.com/thinkwatch/backend/internal/resource"
	"github.com/thinkwatch/backend/internal/session"
	"github.com/thinkwatch/backend/internal/stats"
)

type Server struct {
	handler        *mcp.Handler
	hub            *fanout.Hub
	reader         *resource.Reader
	registry       *session.Registry
	broadcaster    *Broadcaster
	tracker        *stats.Tracker
	logger         *slog.Logger
	version        string
	started        time.Time
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu     sync.RWMutex
	tokens map[string]bool
}

// Deps groups the components a Server dispatches to.
type Deps struct {
	Handler     *mcp.Handler
	Hub         *fanout.Hub
	Reader      *resource.Reader
	Registry    *session.Registry
	Broadcaster *Broadcaster
	Stats       *stats.Tracker // optional
	Logger      *slog.Logger
	Version     string
}

func NewServer(deps Deps, allowedOrigins, authTokens []string) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		handler:        deps.Handler,
		hub:            deps.Hub,
		reader:         deps.Reader,
		registry:       deps.Registry,
		broadcaster:    deps.Broadcaster,
		tracker:        deps.Stats,
		logger:         logger,
		version:        deps.Version,
		started:        time.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.SetAuthTokens(authTokens)

	return s
}

// SetAuthTokens replaces the credential allow-list. An empty list accepts
// every credential, including none.
func (s *Server) SetAuthTokens(tokens []string) {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	s.mu.Lock()
	s.tokens = set
	s.mu.Unlock()

	if s.broadcaster != nil {
		if n := s.broadcaster.Revoke(s.allowed); n > 0 {
			s.logger.Info("disconnected viewers with revoked credentials", "count", n)
		}
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// Handler returns the routed handler wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
		return
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, mcp.ErrorResponse(nil, mcp.CodeParseError, "Parse error: "+err.Error()))
		return
	}

	// Viewer ids are allocated by initialize. Any other request naming an id
	// the hub does not know gets 404 so the client re-initializes.
	viewerID := r.Header.Get(HeaderViewerID)
	if len(viewerID) > maxViewerIDLen {
		http.Error(w, "viewer id too long", http.StatusBadRequest)
		return
	}
	if viewerID != "" {
		binding, found := s.hub.Lookup(viewerID)
		switch {
		case found && binding.ScopeKey != scope:
			s.bindFailed(w, &session.ScopeMismatchError{ViewerID: viewerID, Bound: binding.ScopeKey, Offered: scope})
			return
		case !found && req.Method != "initialize":
			http.Error(w, "unknown viewer", http.StatusNotFound)
			return
		case !found:
			viewerID = ""
		}
	}
	if viewerID == "" && req.Method == "initialize" {
		viewerID = uuid.NewString()
		if _, err := s.hub.Bind(viewerID, scope); err != nil {
			s.bindFailed(w, err)
			return
		}
	}
	if viewerID != "" {
		w.Header().Set(HeaderViewerID, viewerID)
	}

	resp := s.handler.Handle(mcp.Caller{ViewerID: viewerID, ScopeKey: scope}, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMCPDelete ends a viewer binding. Only the credential that owns the
// binding may end it.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	viewerID := r.Header.Get(HeaderViewerID)
	if viewerID == "" {
		http.Error(w, "missing "+HeaderViewerID, http.StatusBadRequest)
		return
	}
	binding, found := s.hub.Lookup(viewerID)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if binding.ScopeKey != scope {
		http.Error(w, "viewer bound to another credential", http.StatusForbidden)
		return
	}
	s.hub.Unbind(viewerID)
	s.logger.Debug("viewer unbound", "viewer", viewerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	viewerID := r.URL.Query().Get(queryViewer)
	if viewerID == "" {
		viewerID = r.Header.Get(HeaderViewerID)
	}
	if len(viewerID) > maxViewerIDLen {
		http.Error(w, "viewer id too long", http.StatusBadRequest)
		return
	}

	var (
		binding   fanout.Binding
		ephemeral bool
		err       error
	)
	if viewerID == "" {
		ephemeral = true
		binding, err = s.hub.Bind(uuid.NewString(), scope)
		if err != nil {
			s.bindFailed(w, err)
			return
		}
		viewerID = binding.ViewerID
	} else {
		var found bool
		binding, found = s.hub.Lookup(viewerID)
		if !found {
			http.Error(w, "unknown viewer", http.StatusNotFound)
			return
		}
		if binding.ScopeKey != scope {
			s.bindFailed(w, &session.ScopeMismatchError{ViewerID: viewerID, Bound: binding.ScopeKey, Offered: scope})
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, http.Header{HeaderViewerID: []string{viewerID}})
	if err != nil {
		s.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		if ephemeral {
			s.hub.Unbind(viewerID)
		}
		return
	}
	conn.SetReadLimit(readLimitBytes)

	cred := credential(r)
	c, err := s.broadcaster.AddClient(conn, binding, cred, ephemeral)
	if err != nil {
		s.logger.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
		reason := err.Error()
		if errors.Is(err, ErrTooManyConnections) {
			reason = closeReasonFull
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
			time.Now().Add(writeWait))
		conn.Close()
		if ephemeral {
			s.hub.Unbind(viewerID)
		}
		return
	}
	s.logger.Info("viewer connected", "viewer", viewerID, "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("viewer disconnected", "viewer", viewerID, "remote", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !s.allowed(cred) {
				s.broadcaster.disconnect(c, websocket.ClosePolicyViolation, closeReasonRevoked)
				return
			}
			if resp := s.handler.HandleMessage(c.caller, data); resp != nil {
				s.broadcaster.Reply(c, resp)
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.reader.Sessions(scope))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.tracker == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Stats(scope))
}

// handleHealth needs no credential. Session and viewer counts are only
// reported for the caller's own scope, and only when the caller is allowed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := HealthPayload{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}

	if scope, ok := s.authorize(r); ok {
		sh := &ScopeHealth{
			Viewers:     s.hub.ScopeViewerCount(scope),
			Connections: s.hub.SubscriberCount(scope),
		}
		for _, st := range s.registry.List(scope) {
			sh.Sessions++
			if !st.Ended() {
				sh.Active++
			}
		}
		payload.Scope = sh
	}

	if proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			payload.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(r.Context()); err == nil {
			payload.CPUPercent = cpu
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) bindFailed(w http.ResponseWriter, err error) {
	var mismatch *session.ScopeMismatchError
	if errors.As(err, &mismatch) {
		s.logger.Warn("viewer presented another credential", "viewer", mismatch.ViewerID)
		http.Error(w, "viewer bound to another credential", http.StatusForbidden)
		return
	}
	http.Error(w, "bind failed", http.StatusInternalServerError)
}

// credential extracts the caller's shared secret from the query string, the
// token header or a bearer Authorization header, in that order.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get(queryToken); tok != "" {
		return tok
	}
	if tok := r.Header.Get(HeaderToken); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// authorize resolves the caller's scope. With an allow-list configured, only
// listed credentials are accepted.
func (s *Server) authorize(r *http.Request) (string, bool) {
	cred := credential(r)
	if !s.allowed(cred) {
		return "", false
	}
	return session.ScopeKey(cred), true
}

func (s *Server) allowed(cred string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens) == 0 || s.tokens[cred]
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves handler on host:port until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *slog.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
