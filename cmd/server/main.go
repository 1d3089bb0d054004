package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/thinkwatch/backend/internal/config"
	"github.com/thinkwatch/backend/internal/eventlog"
	"github.com/thinkwatch/backend/internal/fanout"
	"github.com/thinkwatch/backend/internal/lifecycle"
	"github.com/thinkwatch/backend/internal/mcp"
	"github.com/thinkwatch/backend/internal/mock"
	"github.com/thinkwatch/backend/internal/resource"
	"github.com/thinkwatch/backend/internal/session"
	"github.com/thinkwatch/backend/internal/stats"
	"github.com/thinkwatch/backend/internal/ws"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		port         int
		host         string
		mockMode     bool
		eventLogPath string
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("thinkwatch", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flagSet.IntVar(&port, "port", 0, "override server port")
	flagSet.StringVar(&host, "host", "", "override listen host")
	flagSet.BoolVar(&mockMode, "mock", false, "drive demo sessions instead of waiting for agents")
	flagSet.StringVar(&eventLogPath, "event-log", "", "append session events as JSON lines to this file")
	flagSet.StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Println("thinkwatch", version)
		return nil
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if eventLogPath != "" {
		cfg.EventLog.Path = eventLogPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	events, err := openEventLog(cfg.EventLog.Path)
	if err != nil {
		return err
	}
	defer events.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := stats.NewTracker()
	go tracker.Run(ctx)

	registry := session.NewRegistry()
	hub := fanout.NewHub(logger.With("component", "fanout"))
	reader := resource.NewReader(registry, cfg.Privacy.NewPrivacyFilter())
	service := lifecycle.NewService(registry, hub, lifecycle.Sinks{events, tracker}, logger.With("component", "lifecycle"))
	handler := mcp.NewHandler(service, reader, logger.With("component", "mcp"), version)
	broadcaster := ws.NewBroadcaster(hub, cfg.Server.MaxConnections, logger.With("component", "ws"))
	defer broadcaster.Stop()

	server := ws.NewServer(ws.Deps{
		Handler:     handler,
		Hub:         hub,
		Reader:      reader,
		Registry:    registry,
		Broadcaster: broadcaster,
		Stats:       tracker,
		Logger:      logger.With("component", "http"),
		Version:     version,
	}, cfg.Server.AllowedOrigins, cfg.Server.AuthTokens)

	var retention atomic.Int64
	retention.Store(int64(cfg.Registry.Retention))
	go runJanitor(ctx, service, &retention, cfg.Registry.PruneInterval)

	if _, err := os.Stat(configPath); err == nil {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				applyConfig(next, reader, hub, server, &retention)
			})
			if err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	var gen *mock.Generator
	if mockMode {
		scope := mockScope(cfg.Server.AuthTokens)
		logger.Info("starting in mock mode", "uri", resource.URI(scope))
		gen = mock.NewGenerator(service, scope, logger.With("component", "mock"))
		gen.Start(ctx)
	}

	logger.Info("thinkwatch starting", "version", version, "event_log", events.Path())
	serveErr := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), logger)

	// The generator's final cancelled ends must reach the event log before
	// the deferred Close.
	stop()
	if gen != nil {
		gen.Wait()
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	logger.Info("shut down", "sessions", registry.Len(), "active", registry.ActiveCount())
	return nil
}

// applyConfig installs a reloaded config on the running components. A privacy
// change alters what every scope reads, so each watched scope is cued to
// re-read.
func applyConfig(next *config.Config, reader *resource.Reader, hub *fanout.Hub, server *ws.Server, retention *atomic.Int64) {
	if reader.SetPrivacy(next.Privacy.NewPrivacyFilter()) {
		for _, r := range hub.Resources() {
			hub.Notify(r.ScopeKey)
		}
	}
	server.SetAuthTokens(next.Server.AuthTokens)
	retention.Store(int64(next.Registry.Retention))
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openEventLog returns nil when no path is configured; a nil *eventlog.Log
// discards appends.
func openEventLog(path string) (*eventlog.Log, error) {
	if path == "" {
		return nil, nil
	}
	return eventlog.Open(path)
}

// mockScope publishes demo sessions where a viewer will look: the first
// configured token's scope, or the anonymous scope when auth is open.
func mockScope(tokens []string) string {
	if len(tokens) > 0 {
		return session.ScopeKey(tokens[0])
	}
	return session.AnonymousScope
}

// runJanitor prunes ended sessions older than the current retention. A zero
// retention keeps everything.
func runJanitor(ctx context.Context, service *lifecycle.Service, retention *atomic.Int64, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			keep := time.Duration(retention.Load())
			if keep <= 0 {
				continue
			}
			service.Prune(now.Add(-keep))
		}
	}
}
