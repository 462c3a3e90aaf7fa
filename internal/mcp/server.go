package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/browser"
	"webviewer-bridge/internal/config"
	"webviewer-bridge/internal/mangle"
	"webviewer-bridge/internal/query"
	"webviewer-bridge/internal/record"
	"webviewer-bridge/internal/recorder"
	"webviewer-bridge/internal/transport"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Runtime bundles the components the tools drive. Any of them may be nil;
// tools that need a missing one report it as a tool error.
type Runtime struct {
	Viewer    *browser.Manager
	Caller    *bridge.Caller
	Query     *query.Controller
	Transport transport.Transport
	Engine    *mangle.Engine
	Recorder  *recorder.Recorder
}

// Server wires the MCP runtime to the bridge, the controllers and the
// diagnostics engine.
type Server struct {
	cfg       config.Config
	rt        Runtime
	rows      *rowSet
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, rt Runtime) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	var recordOpts []record.Option
	if rt.Recorder != nil {
		recordOpts = append(recordOpts, record.WithRecorder(rt.Recorder))
	}

	server := &Server{
		cfg:       cfg,
		rt:        rt,
		rows:      newRowSet(rt.Transport, cfg.Query.GetUpdateLayout(), recordOpts...),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerAllTools() {
	// Viewer
	s.registerTool(&OpenViewerTool{viewer: s.rt.Viewer})

	// Query state
	s.registerTool(&QueryRunTool{query: s.rt.Query})
	s.registerTool(&QueryPageTool{query: s.rt.Query})
	s.registerTool(&QuerySortTool{query: s.rt.Query})
	s.registerTool(&QueryFilterTool{query: s.rt.Query})
	s.registerTool(&QueryLimitTool{query: s.rt.Query})
	s.registerTool(&QueryStateTool{query: s.rt.Query})

	// Record state
	s.registerTool(&RecordUpdateTool{query: s.rt.Query, rows: s.rows})
	s.registerTool(&RecordEditTool{query: s.rt.Query, rows: s.rows})
	s.registerTool(&RecordSaveTool{query: s.rt.Query, rows: s.rows})
	s.registerTool(&RecordDeleteTool{query: s.rt.Query, rows: s.rows})

	// Bridge
	s.registerTool(&PerformScriptTool{caller: s.rt.Caller, cfg: s.cfg.Bridge})
	s.registerTool(&BridgeLoggingTool{caller: s.rt.Caller})
	s.registerTool(&BridgeDiagnoseTool{caller: s.rt.Caller, engine: s.rt.Engine, recorder: s.rt.Recorder})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
