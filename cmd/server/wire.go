package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/browser"
	"webviewer-bridge/internal/config"
	"webviewer-bridge/internal/dataapi"
	"webviewer-bridge/internal/fm"
	"webviewer-bridge/internal/mangle"
	"webviewer-bridge/internal/mcp"
	"webviewer-bridge/internal/query"
	"webviewer-bridge/internal/recorder"
	"webviewer-bridge/internal/transport"
)

// app holds every long-lived component built from the config.
type app struct {
	cfg       config.Config
	engine    *mangle.Engine
	recorder  *recorder.Recorder
	viewer    *browser.Manager
	caller    *bridge.Caller
	dataAPI   *dataapi.Client
	transport transport.Transport
	query     *query.Controller
}

func buildApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}
	a.engine = engine

	if cfg.Bridge.TraceDir != "" {
		rec, err := recorder.NewRecorder(cfg.Bridge.TraceDir)
		if err != nil {
			return nil, fmt.Errorf("initialize trace recorder: %w", err)
		}
		if err := rec.Start("run-" + time.Now().Format("20060102-150405")); err != nil {
			return nil, fmt.Errorf("start trace recorder: %w", err)
		}
		a.recorder = rec
	}

	option, err := bridge.ParseScriptOption(cfg.Bridge.ScriptOption)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	viaBridge := &transport.Bridge{
		Script:          cfg.Query.Script,
		WebViewerName:   cfg.Bridge.WebViewerName,
		Option:          option,
		PerformOnServer: cfg.Bridge.PerformOnServer,
	}
	viaDataAPI := &transport.DataAPI{}

	if cfg.Query.IsWeb() {
		client, err := dataapi.New(dataapi.Config{
			Domain:   cfg.DataAPI.Domain,
			Database: cfg.DataAPI.Database,
			Version:  cfg.DataAPI.Version,
			Username: cfg.DataAPI.Username,
			Password: cfg.DataAPI.Password,
			Timeout:  cfg.DataAPI.GetTimeout(),
		})
		if err != nil {
			a.close(context.Background())
			return nil, fmt.Errorf("initialize data api client: %w", err)
		}
		a.dataAPI = client
		viaDataAPI.Client = client
	} else {
		a.viewer = browser.NewManager(cfg.Browser, engine)
		callerOpts := []bridge.Option{bridge.WithFacts(engine)}
		if a.recorder != nil {
			callerOpts = append(callerOpts, bridge.WithRecorder(a.recorder))
		}
		a.caller = bridge.NewCaller(a.viewer, bridge.Config{
			DispatcherScript: cfg.Bridge.GetDispatcherScript(),
			RetryInterval:    cfg.Bridge.GetRetryInterval(),
			DefaultOption:    option,
			Logging:          cfg.Bridge.LoggingEnabled,
		}, callerOpts...)
		viaBridge.Invoker = a.caller
	}

	a.transport = transport.Select(cfg.Query.Platform, viaBridge, viaDataAPI)

	queryOpts := []query.Option{query.WithFacts(engine)}
	if a.recorder != nil {
		queryOpts = append(queryOpts, query.WithRecorder(a.recorder))
	}
	a.query = query.New(a.transport, query.Config{
		Layout:   cfg.Query.Layout,
		Limit:    cfg.Query.GetLimit(),
		RowsPath: cfg.Query.RowsPath,
	}, queryOpts...)

	return a, nil
}

// runtime exposes the components to the MCP tools.
func (a *app) runtime() mcp.Runtime {
	return mcp.Runtime{
		Viewer:    a.viewer,
		Caller:    a.caller,
		Query:     a.query,
		Transport: a.transport,
		Engine:    a.engine,
		Recorder:  a.recorder,
	}
}

// startViewer launches or attaches to Chrome and opens the viewer page. It is
// a no-op on the web platform or when auto start is off.
func (a *app) startViewer(ctx context.Context) error {
	if a.viewer == nil {
		return nil
	}
	if !a.cfg.Browser.AutoStart {
		log.Printf("browser auto-start disabled; use open-viewer to launch/attach later")
		return nil
	}
	if err := a.viewer.Start(ctx); err != nil {
		return err
	}
	if _, err := a.viewer.OpenViewer(ctx, ""); err != nil {
		return err
	}
	return nil
}

// initialQuery builds the configured startup query, if any.
func initialQuery(cfg config.QueryConfig) (fm.QueryDescriptor, bool, error) {
	if cfg.InitialQuery == "" {
		return fm.QueryDescriptor{}, false, nil
	}
	desc, err := query.ParseTemplate(cfg.InitialQuery, cfg.Variables)
	if err != nil {
		return fm.QueryDescriptor{}, false, err
	}
	return desc, true, nil
}

// runInitialQuery issues the startup query in the background; on the bridge
// it waits until the host appears.
func (a *app) runInitialQuery(ctx context.Context) error {
	desc, ok, err := initialQuery(a.cfg.Query)
	if err != nil || !ok {
		return err
	}
	go func() {
		if err := a.query.Run(ctx, desc); err != nil {
			log.Printf("[query] initial query failed: %v", err)
			return
		}
		snap := a.query.Snapshot()
		log.Printf("[query] initial query ready: %d found, page %d/%d", snap.FoundCount, snap.PageNumber, snap.TotalPages)
	}()
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.viewer != nil {
		if err := a.viewer.Shutdown(ctx); err != nil {
			log.Printf("browser shutdown: %v", err)
		}
	}
	if a.dataAPI != nil {
		if err := a.dataAPI.Logout(ctx); err != nil {
			log.Printf("data api logout: %v", err)
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			log.Printf("trace recorder close: %v", err)
		}
	}
}
