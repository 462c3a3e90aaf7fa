package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"webviewer://about",
			"Web Viewer Bridge About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, active platform and bridge settings."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"webviewer://query/state",
			"Query State",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Current query controller snapshot."),
		),
		s.handleQueryStateResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"webviewer://trace{?limit}",
			"Call Trace",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Most recent bridge and controller trace events."),
		),
		s.handleTraceResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	platform := s.cfg.Query.Platform
	if platform == "" {
		platform = "filemaker"
	}
	payload := map[string]interface{}{
		"name":           s.cfg.Server.Name,
		"version":        s.cfg.Server.Version,
		"platform":       platform,
		"dispatcher":     s.cfg.Bridge.DispatcherScript,
		"webviewer_name": s.cfg.Bridge.WebViewerName,
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions/mutations.",
			"The web platform routes queries through the Data API instead of the host bridge.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleQueryStateResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.rt.Query == nil {
		return nil, errNoQuery
	}
	return jsonResource(request.Params.URI, snapshotPayload(s.rt.Query))
}

func (s *Server) handleTraceResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.rt.Recorder == nil {
		return nil, fmt.Errorf("trace recorder unavailable")
	}
	limit := 50
	if n, err := strconv.Atoi(argString(request.Params.Arguments["limit"])); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	events, err := s.rt.Recorder.Tail(limit)
	if err != nil {
		return nil, err
	}
	return jsonResource(request.Params.URI, map[string]interface{}{
		"path":   s.rt.Recorder.Path(),
		"limit":  limit,
		"count":  len(events),
		"events": events,
	})
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
