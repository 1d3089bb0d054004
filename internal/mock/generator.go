// Package mock drives the lifecycle API with a handful of fake agents so the
// viewer has something to show without a real client connected.
package mock

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/thinkwatch/backend/internal/lifecycle"
	"github.com/thinkwatch/backend/internal/session"
)

// Lifecycle is the subset of *lifecycle.Service the generator calls.
type Lifecycle interface {
	StartSession(scope string, req lifecycle.StartRequest) (string, error)
	EndSession(scope string, req lifecycle.EndRequest) (string, error)
	MarkBeforeApproval(scope, sessionID string) (string, error)
	MarkAfterApproval(scope, sessionID string) (string, error)
}

const (
	patternSteady   = "steady"
	patternApproval = "approval"
	patternError    = "error"
	patternCancel   = "cancel"

	cooldownTicks = 4
	maxJitter     = 3
)

type mockAgent struct {
	title    string
	platform session.Platform
	project  string
	branch   string
	pattern  string

	runFor      int // ticks from start to end
	approvalAt  int // tick of the before-approval mark, 0 for none
	approvalFor int // ticks the approval stays pending

	sessionID string
	age       int
	idle      int
	runs      int
}

type Generator struct {
	svc      Lifecycle
	scope    string
	logger   *slog.Logger
	interval time.Duration
	rng      *rand.Rand
	agents   []*mockAgent
	done     chan struct{}
}

// NewGenerator creates a generator that publishes into scope.
func NewGenerator(svc Lifecycle, scope string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		svc:      svc,
		scope:    scope,
		logger:   logger,
		interval: 500 * time.Millisecond,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		agents:   defaultAgents(),
	}
}

func defaultAgents() []*mockAgent {
	return []*mockAgent{
		{
			title: "Refactor session store", platform: session.PlatformClaudeCode,
			project: "/home/user/myproject", branch: "refactor/store",
			pattern: patternSteady, runFor: 24,
		},
		{
			title: "Add integration tests", platform: session.PlatformCursor,
			project: "/home/user/webapp", branch: "main",
			pattern: patternApproval, runFor: 20, approvalAt: 6, approvalFor: 8,
		},
		{
			title: "Debug flaky API handler", platform: session.PlatformVSCode,
			project: "/home/user/api-server",
			pattern: patternError, runFor: 14,
		},
		{
			title: "Migrate database schema", platform: session.PlatformCodex,
			project: "/home/user/database", branch: "feat/migrations",
			pattern: patternCancel, runFor: 18, approvalAt: 5,
		},
		{
			title: "Review library docs", platform: session.PlatformZed,
			project: "/home/user/library",
			pattern: patternApproval, runFor: 30, approvalAt: 12, approvalFor: 3,
		},
	}
}

// Start opens a session for every agent, then advances them on a ticker until
// ctx is cancelled. Sessions still running at that point end as cancelled;
// Wait blocks until they have.
func (g *Generator) Start(ctx context.Context) {
	for _, a := range g.agents {
		g.begin(a)
	}
	g.done = make(chan struct{})
	go g.run(ctx)
}

// Wait returns once the generator has stopped and recorded its final ends.
// It returns immediately if Start was never called.
func (g *Generator) Wait() {
	if g.done != nil {
		<-g.done
	}
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.stopAll()
			return
		case <-ticker.C:
			g.step()
		}
	}
}

func (g *Generator) step() {
	for _, a := range g.agents {
		g.advance(a)
	}
}

func (g *Generator) advance(a *mockAgent) {
	if a.sessionID == "" {
		a.idle++
		if a.idle >= cooldownTicks {
			g.begin(a)
		}
		return
	}

	a.age++
	switch {
	case a.age >= a.runFor:
		g.finish(a)
	case a.approvalAt > 0 && a.age == a.approvalAt:
		g.call("before approval", a, func() (string, error) {
			return g.svc.MarkBeforeApproval(g.scope, a.sessionID)
		})
	case a.approvalAt > 0 && a.pattern != patternCancel && a.age == a.approvalAt+a.approvalFor:
		g.call("after approval", a, func() (string, error) {
			return g.svc.MarkAfterApproval(g.scope, a.sessionID)
		})
	}
}

func (g *Generator) begin(a *mockAgent) {
	id, err := g.svc.StartSession(g.scope, lifecycle.StartRequest{
		Title:     a.title,
		Platform:  string(a.platform),
		Project:   a.project,
		GitBranch: a.branch,
	})
	if err != nil {
		g.logger.Warn("mock start failed", "title", a.title, "error", err)
		return
	}
	a.sessionID = id
	a.age = 0
	a.idle = 0
	if a.runs > 0 {
		a.runFor += g.rng.Intn(2*maxJitter+1) - maxJitter
		if a.runFor <= a.approvalAt+a.approvalFor {
			a.runFor = a.approvalAt + a.approvalFor + 1
		}
	}
	a.runs++
}

func (g *Generator) finish(a *mockAgent) {
	req := lifecycle.EndRequest{SessionID: a.sessionID, Status: "ok"}
	switch a.pattern {
	case patternError:
		req.Status = "error"
		req.Error = "mock: tool process exited with status 1"
	case patternCancel:
		req.Status = "cancelled"
	}
	g.call("end", a, func() (string, error) { return g.svc.EndSession(g.scope, req) })
	a.sessionID = ""
}

func (g *Generator) stopAll() {
	for _, a := range g.agents {
		if a.sessionID == "" {
			continue
		}
		req := lifecycle.EndRequest{SessionID: a.sessionID, Status: "cancelled"}
		g.call("end", a, func() (string, error) { return g.svc.EndSession(g.scope, req) })
		a.sessionID = ""
	}
}

func (g *Generator) call(op string, a *mockAgent, fn func() (string, error)) {
	if _, err := fn(); err != nil {
		g.logger.Warn("mock "+op+" failed", "session_id", a.sessionID, "error", err)
	}
}
