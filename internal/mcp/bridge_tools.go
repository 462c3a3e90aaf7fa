package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/browser"
	"webviewer-bridge/internal/config"
	"webviewer-bridge/internal/mangle"
	"webviewer-bridge/internal/recorder"
)

var errNoBridge = errors.New("host bridge not configured (web platform?)")

// diagnosticPredicates are the derived predicates bridge-diagnose reports.
var diagnosticPredicates = []string{
	"pending_call",
	"host_error",
	"retried_script",
	"stale_response",
	"viewer_error",
}

type OpenViewerTool struct {
	viewer *browser.Manager
}

func (t *OpenViewerTool) Name() string { return "open-viewer" }
func (t *OpenViewerTool) Description() string {
	return `Open (or reopen) the web viewer page in the controlled browser.

Starts or attaches to Chrome when needed. Bridge calls made while no viewer
is open wait for one, retrying at the configured interval.`
}
func (t *OpenViewerTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Viewer URL (defaults to browser.viewer_url)",
			},
		},
	}
}
func (t *OpenViewerTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.viewer == nil {
		return nil, errors.New("browser not configured")
	}
	if !t.viewer.IsConnected() {
		if err := t.viewer.Start(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := t.viewer.OpenViewer(ctx, getStringArg(args, "url")); err != nil {
		return nil, err
	}
	available, err := t.viewer.Available(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"control_url":      t.viewer.ControlURL(),
		"bridge_available": available,
	}, nil
}

type PerformScriptTool struct {
	caller *bridge.Caller
	cfg    config.BridgeConfig
}

func (t *PerformScriptTool) Name() string { return "perform-script" }
func (t *PerformScriptTool) Description() string {
	return `Call a host script through the bridge and wait for its callback.

The call is routed through the dispatcher script with a fresh callback
name. It waits for the host bridge if it is not yet available.

Returns: {result} with the decoded callback payload, or a tool error
carrying the host error code.`
}
func (t *PerformScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"script": map[string]interface{}{
				"type":        "string",
				"description": "Host script name",
			},
			"params": map[string]interface{}{
				"description": "Script parameter (any JSON value)",
			},
			"option": map[string]interface{}{
				"type":        "string",
				"description": "continue, halt, exit, resume, pause or suspend (or 0-5)",
			},
			"webviewer_name": map[string]interface{}{
				"type":        "string",
				"description": "Web viewer object name (defaults to bridge.webviewer_name)",
			},
		},
		"required": []string{"script"},
	}
}
func (t *PerformScriptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.caller == nil {
		return nil, errNoBridge
	}
	req := bridge.Request{
		Script:          getStringArg(args, "script"),
		Params:          args["params"],
		WebViewerName:   getStringArg(args, "webviewer_name"),
		PerformOnServer: getBoolArg(args, "perform_on_server", t.cfg.PerformOnServer),
	}
	if req.WebViewerName == "" {
		req.WebViewerName = t.cfg.WebViewerName
	}
	if raw := getStringArg(args, "option"); raw != "" {
		opt, err := bridge.ParseScriptOption(raw)
		if err != nil {
			return nil, err
		}
		req.Option = opt
	}

	result, err := t.caller.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return map[string]interface{}{"result": result}, nil
}

type BridgeLoggingTool struct {
	caller *bridge.Caller
}

func (t *BridgeLoggingTool) Name() string { return "bridge-logging" }
func (t *BridgeLoggingTool) Description() string {
	return `Turn per-call bridge logging on or off. Omit enabled to read the current setting.`
}
func (t *BridgeLoggingTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Whether to log each call and its result",
			},
		},
	}
}
func (t *BridgeLoggingTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.caller == nil {
		return nil, errNoBridge
	}
	if _, ok := args["enabled"]; ok {
		t.caller.SetLogging(getBoolArg(args, "enabled", t.caller.Logging()))
	}
	return map[string]interface{}{"logging_enabled": t.caller.Logging()}, nil
}

type BridgeDiagnoseTool struct {
	caller   *bridge.Caller
	engine   *mangle.Engine
	recorder *recorder.Recorder
}

func (t *BridgeDiagnoseTool) Name() string { return "bridge-diagnose" }
func (t *BridgeDiagnoseTool) Description() string {
	return `Summarize bridge health.

Reports caller counters, calls still waiting for a callback, host error
codes, scripts that had to wait for the bridge, discarded late query
results, viewer console errors, and the most recent call traces.`
}
func (t *BridgeDiagnoseTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"trace_limit": map[string]interface{}{
				"type":        "integer",
				"description": "Number of recent trace events to include (default 20)",
			},
		},
	}
}
func (t *BridgeDiagnoseTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	out := map[string]interface{}{}
	if t.caller != nil {
		out["stats"] = t.caller.Stats()
	}

	if t.engine != nil && t.engine.Ready() {
		for _, pred := range diagnosticPredicates {
			facts, err := t.engine.Evaluate(ctx, pred)
			if err != nil {
				out["diagnostics_error"] = err.Error()
				break
			}
			out[pred] = factArgs(facts)
		}
	}

	if t.recorder != nil {
		limit := getIntArg(args, "trace_limit", 20)
		if limit > 0 {
			events, err := t.recorder.Tail(limit)
			if err != nil {
				return nil, err
			}
			out["trace"] = events
			out["trace_path"] = t.recorder.Path()
		}
	}
	return out, nil
}
