package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/janode-go/janode"
	"github.com/janode-go/janode/handles/echotest"
	"github.com/janode-go/janode/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: ./janode.yaml)")
		logLevel   = flag.String("janode-log", "info", "log level: none|error|warning|info|verbose|debug")
		debugTx    = flag.Bool("debug-tx", false, "periodically log the transaction table size")
	)
	flag.Parse()

	initLogger(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *debugTx); err != nil {
		slog.Error("janodecli exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, debugTx bool) error {
	conn, err := janode.NewConnection(cfg.ToConfiguration())
	if err != nil {
		return fmt.Errorf("constructing connection: %w", err)
	}
	if debugTx {
		conn.EnableDebugLogging()
	}

	conn.On(janode.EventConnectionError, func(payload any) {
		slog.Error("connection failed unexpectedly", "error", payload)
	})

	if _, err := conn.Open(ctx); err != nil {
		return fmt.Errorf("opening connection: %w", err)
	}
	defer conn.Close(context.Background())

	session, err := conn.Create(ctx)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	slog.Info("session created", "session_id", session.ID())

	session.On(janode.EventSessionDestroyed, func(payload any) {
		slog.Info("session destroyed", "session_id", payload)
	})

	handle, err := session.Attach(ctx, janode.HandleDescriptor{
		Plugin:  echotest.Plugin,
		Factory: echotest.NewFactory(),
	})
	if err != nil {
		return fmt.Errorf("attaching echotest handle: %w", err)
	}
	slog.Info("handle attached", "handle_id", handle.ID())

	handle.On(janode.EventHandleWebRTCUp, func(any) {
		slog.Info("peer connection established", "handle_id", handle.ID())
	})
	handle.On(janode.EventHandleHangup, func(reason any) {
		slog.Info("peer connection hung up", "handle_id", handle.ID(), "reason", reason)
	})

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := handle.Detach(shutdownCtx); err != nil {
		slog.Warn("detach during shutdown failed", "error", err)
	}
	if err := session.Destroy(shutdownCtx); err != nil {
		slog.Warn("session destroy during shutdown failed", "error", err)
	}

	return nil
}

// initLogger sets the process-wide slog handler from --janode-log,
// accepting the `verb`/`warn` aliases. `verbose` and `debug` both map to
// slog.LevelDebug; verbose additionally tags records so a downstream log
// processor can distinguish the two without a fifth slog.Level.
func initLogger(level string) {
	verbose := false
	var lvl slog.Level

	switch level {
	case "none":
		lvl = slog.LevelError + 4
	case "error":
		lvl = slog.LevelError
	case "warning", "warn":
		lvl = slog.LevelWarn
	case "verbose", "verb":
		lvl = slog.LevelDebug
		verbose = true
	case "debug":
		lvl = slog.LevelDebug
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	if verbose {
		logger = logger.With("verbose", true)
	}
	slog.SetDefault(logger)
}
