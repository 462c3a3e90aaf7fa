package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webviewer-bridge/internal/config"
	mcpserver "webviewer-bridge/internal/mcp"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file layered over the workspace config")
	workspace := flag.String("workspace", "", "Workspace root containing .webviewer/ (default: search upward from cwd)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .webviewer/ workspace discovery")
	initDir := flag.String("init", "", "Create a .webviewer/ workspace in this directory and exit")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.Parse()

	if *initDir != "" {
		if err := config.InitWorkspace(*initDir); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("workspace initialized in %s", *initDir)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspace,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	a, err := buildApp(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	if err := a.startViewer(ctx); err != nil {
		log.Printf("failed to open web viewer: %v", err)
		a.close(context.Background())
		os.Exit(1)
	}
	if err := a.runInitialQuery(ctx); err != nil {
		log.Printf("initial query skipped: %v", err)
	}

	server, err := mcpserver.NewServer(cfg, a.runtime())
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting %s MCP SSE server on port %d", cfg.Server.Name, cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting %s MCP stdio server", cfg.Server.Name)
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Printf("server exited with error: %v", startErr)
	}
}
