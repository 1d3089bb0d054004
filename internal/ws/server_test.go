package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thinkwatch/backend/internal/fanout"
	"github.com/thinkwatch/backend/internal/lifecycle"
	"github.com/thinkwatch/backend/internal/mcp"
	"github.com/thinkwatch/backend/internal/resource"
	"github.com/thinkwatch/backend/internal/session"
	"github.com/thinkwatch/backend/internal/stats"
	"github.com/thinkwatch/backend/internal/testutil"
)

type testServer struct {
	*httptest.Server
	srv      *Server
	hub      *fanout.Hub
	registry *session.Registry
	service  *lifecycle.Service
	tracker  *stats.Tracker
}

func newTestServer(t *testing.T, tokens ...string) *testServer {
	t.Helper()
	logger := testutil.DiscardLogger()
	registry := session.NewRegistry()
	hub := fanout.NewHub(logger)
	tracker := stats.NewTracker()
	service := lifecycle.NewService(registry, hub, tracker, logger)
	reader := resource.NewReader(registry, nil)
	broadcaster := NewBroadcaster(hub, 8, logger)
	srv := NewServer(Deps{
		Handler:     mcp.NewHandler(service, reader, logger, "test"),
		Hub:         hub,
		Reader:      reader,
		Registry:    registry,
		Broadcaster: broadcaster,
		Stats:       tracker,
		Logger:      logger,
		Version:     "test",
	}, nil, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	go tracker.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		broadcaster.Stop()
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv, hub: hub, registry: registry, service: service, tracker: tracker}
}

func (ts *testServer) post(t *testing.T, token, viewerID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if viewerID != "" {
		req.Header.Set(HeaderViewerID, viewerID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) mcp.Response {
	t.Helper()
	var out mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`

func startSessionBody(title string) string {
	return `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"start_session","arguments":{"title":"` +
		title + `","platform":"cursor"}}}`
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{"none", func(*http.Request) {}, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"header", func(r *http.Request) { r.Header.Set(HeaderToken, "hdr") }, "hdr"},
		{"basic ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, ""},
		{"query wins", func(r *http.Request) {
			r.URL.RawQuery = "token=q"
			r.Header.Set(HeaderToken, "hdr")
		}, "q"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			tt.setup(req)
			if got := credential(req); got != tt.want {
				t.Errorf("credential() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	open := &Server{allowedOrigins: map[string]bool{}, allowedHosts: map[string]bool{}}
	restricted := &Server{
		allowedOrigins: map[string]bool{"https://viewer.example": true},
		allowedHosts:   map[string]bool{"viewer.example": true},
	}

	tests := []struct {
		name   string
		srv    *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"localhost", open, "http://localhost:3000", true},
		{"loopback v6", open, "http://[::1]:3000", true},
		{"same host", open, "http://example.com", true},
		{"foreign", open, "https://evil.example", false},
		{"listed", restricted, "https://viewer.example", true},
		{"listed host other scheme", restricted, "http://viewer.example", true},
		{"localhost not listed", restricted, "http://localhost:3000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.srv.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestMCPInitializeAllocatesViewer(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "alpha", "", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	viewerID := resp.Header.Get(HeaderViewerID)
	if viewerID == "" {
		t.Fatal("initialize did not return a viewer id")
	}
	if out := decodeResponse(t, resp); out.Error != nil {
		t.Fatalf("initialize error: %+v", out.Error)
	}

	binding, ok := ts.hub.Lookup(viewerID)
	if !ok {
		t.Fatal("viewer not bound after initialize")
	}
	if binding.ScopeKey != session.ScopeKey("alpha") {
		t.Errorf("bound scope = %q, want scope of alpha", binding.ScopeKey)
	}
}

func TestMCPViewerCredentialMismatch(t *testing.T) {
	ts := newTestServer(t)

	viewerID := ts.post(t, "alpha", "", initializeBody).Header.Get(HeaderViewerID)

	resp := ts.post(t, "beta", viewerID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if binding, _ := ts.hub.Lookup(viewerID); binding.ScopeKey != session.ScopeKey("alpha") {
		t.Error("binding changed after mismatched credential")
	}
}

func TestMCPAllowList(t *testing.T) {
	ts := newTestServer(t, "alpha")

	if resp := ts.post(t, "", "", initializeBody); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credential: status = %d, want 401", resp.StatusCode)
	}
	if resp := ts.post(t, "beta", "", initializeBody); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unlisted credential: status = %d, want 401", resp.StatusCode)
	}
	if resp := ts.post(t, "alpha", "", initializeBody); resp.StatusCode != http.StatusOK {
		t.Errorf("listed credential: status = %d, want 200", resp.StatusCode)
	}

	ts.srv.SetAuthTokens(nil)
	if resp := ts.post(t, "", "", initializeBody); resp.StatusCode != http.StatusOK {
		t.Errorf("after clearing allow-list: status = %d, want 200", resp.StatusCode)
	}
}

func TestMCPNotificationAccepted(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "alpha", "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestMCPParseError(t *testing.T) {
	ts := newTestServer(t)

	out := decodeResponse(t, ts.post(t, "alpha", "", `{not json`))
	if out.Error == nil || out.Error.Code != mcp.CodeParseError {
		t.Errorf("error = %+v, want parse error", out.Error)
	}
}

func TestMCPMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestMCPDeleteUnbinds(t *testing.T) {
	ts := newTestServer(t)
	viewerID := ts.post(t, "alpha", "", initializeBody).Header.Get(HeaderViewerID)

	del := func(token string) int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(HeaderViewerID, viewerID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := del("beta"); code != http.StatusForbidden {
		t.Errorf("DELETE with other credential = %d, want 403", code)
	}
	if code := del("alpha"); code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", code)
	}
	if _, ok := ts.hub.Lookup(viewerID); ok {
		t.Error("viewer still bound after DELETE")
	}
	if code := del("alpha"); code != http.StatusNoContent {
		t.Errorf("second DELETE = %d, want 204", code)
	}
}

func TestSessionsEndpointIsScoped(t *testing.T) {
	ts := newTestServer(t)

	ts.post(t, "alpha", "", startSessionBody("mine"))
	ts.post(t, "beta", "", startSessionBody("theirs"))

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	req.Header.Set(HeaderToken, "alpha")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var views []resource.View
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Title != "mine" {
		t.Errorf("sessions = %+v, want only the caller's session", views)
	}
}

func getHealth(t *testing.T, ts *testServer, token string) HealthPayload {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	if token != "" {
		req.Header.Set(HeaderToken, token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health HealthPayload
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return health
}

func TestHealthCountsOnlyCallerScope(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "alpha", "", startSessionBody("one"))
	ts.post(t, "beta", "", startSessionBody("two"))
	ts.post(t, "beta", "", startSessionBody("three"))

	health := getHealth(t, ts, "alpha")
	if health.Status != "ok" || health.Scope == nil {
		t.Fatalf("health = %+v", health)
	}
	if health.Scope.Sessions != 1 || health.Scope.Active != 1 {
		t.Errorf("scope counts = %+v, want 1 session, 1 active", *health.Scope)
	}

	if anon := getHealth(t, ts, ""); anon.Scope == nil || anon.Scope.Sessions != 0 {
		t.Errorf("anonymous scope counts = %+v, want zero", anon.Scope)
	}
}

func TestHealthWithoutAllowedCredentialOmitsCounts(t *testing.T) {
	ts := newTestServer(t, "alpha")
	ts.post(t, "alpha", "", startSessionBody("one"))

	for _, token := range []string{"", "beta"} {
		health := getHealth(t, ts, token)
		if health.Status != "ok" {
			t.Errorf("token %q: status = %q", token, health.Status)
		}
		if health.Scope != nil {
			t.Errorf("token %q: scope counts leaked: %+v", token, *health.Scope)
		}
	}
	if health := getHealth(t, ts, "alpha"); health.Scope == nil || health.Scope.Sessions != 1 {
		t.Errorf("allowed caller counts = %+v", health.Scope)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "alpha", "", startSessionBody("one"))
	ts.post(t, "beta", "", startSessionBody("two"))

	fetch := func() stats.Stats {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/stats?token=alpha", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out stats.Stats
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := fetch(); got.TotalSessions == 1 {
			if got.SessionsPerPlatform["cursor"] != 1 {
				t.Errorf("SessionsPerPlatform = %v", got.SessionsPerPlatform)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stats for alpha never reached one session: %+v", fetch())
}

func dialViewer(t *testing.T, ts *testServer, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSViewerReceivesCues(t *testing.T) {
	ts := newTestServer(t)
	conn := dialViewer(t, ts, "token=alpha")

	if _, uri := readNotification(t, conn); uri != resource.URI(session.ScopeKey("alpha")) {
		t.Fatalf("initial cue uri = %s", uri)
	}

	ts.post(t, "alpha", "", startSessionBody("work"))
	if method, _ := readNotification(t, conn); method != "notifications/resources/updated" {
		t.Fatalf("method = %s, want resources/updated", method)
	}

	// Another scope's mutation must not reach this viewer.
	ts.post(t, "beta", "", startSessionBody("elsewhere"))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message for other scope: %s", data)
	}
}

func TestWSAcceptsRequests(t *testing.T) {
	ts := newTestServer(t)
	conn := dialViewer(t, ts, "token=alpha")
	readNotification(t, conn)

	req := `{"jsonrpc":"2.0","id":"r1","method":"resources/read","params":{"uri":"` +
		resource.URI(session.ScopeKey("alpha")) + `"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp mcp.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.ID) != `"r1"` || resp.Error != nil {
		t.Errorf("response = %s", data)
	}
}

func TestWSEphemeralViewerUnboundOnClose(t *testing.T) {
	ts := newTestServer(t)
	conn := dialViewer(t, ts, "token=alpha")
	readNotification(t, conn)

	if ts.hub.ViewerCount() != 1 {
		t.Fatalf("ViewerCount = %d, want 1", ts.hub.ViewerCount())
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.hub.ViewerCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ephemeral viewer still bound; ViewerCount = %d", ts.hub.ViewerCount())
}

func TestWSJoinsExistingViewer(t *testing.T) {
	ts := newTestServer(t)
	viewerID := ts.post(t, "alpha", "", initializeBody).Header.Get(HeaderViewerID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=beta&viewer=" + viewerID
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial with mismatched credential succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial error = %v, want 403", err)
	}

	conn := dialViewer(t, ts, "token=alpha&viewer="+viewerID)
	readNotification(t, conn)
	conn.Close()

	// A viewer bound over /mcp survives its WebSocket going away.
	time.Sleep(50 * time.Millisecond)
	if _, ok := ts.hub.Lookup(viewerID); !ok {
		t.Error("persistent viewer unbound when its socket closed")
	}
}

func TestMCPUnknownViewerNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "alpha", "invented-id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if _, ok := ts.hub.Lookup("invented-id"); ok {
		t.Error("request with an invented viewer id created a binding")
	}
}

func TestMCPDeletedViewerNotFound(t *testing.T) {
	ts := newTestServer(t)
	viewerID := ts.post(t, "alpha", "", initializeBody).Header.Get(HeaderViewerID)
	ts.hub.Unbind(viewerID)

	if resp := ts.post(t, "alpha", viewerID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after unbind = %d, want 404", resp.StatusCode)
	}
}

func TestMCPInitializeWithUnknownViewerAllocatesFresh(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "alpha", "invented-id", initializeBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := resp.Header.Get(HeaderViewerID)
	if got == "" || got == "invented-id" {
		t.Errorf("viewer id = %q, want a server-allocated id", got)
	}
	if _, ok := ts.hub.Lookup("invented-id"); ok {
		t.Error("initialize bound the client-chosen id")
	}
}

func TestWSUnknownViewerNotFound(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=alpha&viewer=invented-id"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with unknown viewer id succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dial error = %v, want 404", err)
	}
}

func TestWSRevokedCredentialDisconnected(t *testing.T) {
	ts := newTestServer(t, "alpha")
	conn := dialViewer(t, ts, "token=alpha")
	readNotification(t, conn)

	ts.srv.SetAuthTokens([]string{"beta"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read after revocation = %v, want policy violation close", err)
	}
	if resp := ts.post(t, "alpha", "", startSessionBody("late")); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("POST after revocation = %d, want 401", resp.StatusCode)
	}
	if n := len(ts.registry.List(session.ScopeKey("alpha"))); n != 0 {
		t.Errorf("revoked credential created %d session(s)", n)
	}
}

func TestWSMessageFromRevokedCredentialRejected(t *testing.T) {
	ts := newTestServer(t, "alpha")
	conn := dialViewer(t, ts, "token=alpha")
	readNotification(t, conn)

	// Swap the list without the disconnect sweep so the per-message check is
	// what stops the request.
	ts.srv.mu.Lock()
	ts.srv.tokens = map[string]bool{"beta": true}
	ts.srv.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(startSessionBody("sneaky"))); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read = %s, %v; want policy violation close", data, err)
	}
	if n := len(ts.registry.List(session.ScopeKey("alpha"))); n != 0 {
		t.Errorf("revoked credential created %d session(s) over the socket", n)
	}
}
