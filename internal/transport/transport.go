// Package transport hides whether a request travels through the web viewer's
// host bridge or straight to the Data API. Controllers only see Transport.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/fm"
)

// PlatformWeb selects the Data API transport.
const PlatformWeb = "web"

// Transport performs one request and returns the response body with any Data
// API envelope removed.
type Transport interface {
	Perform(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, params map[string]any) (json.RawMessage, error)

func (f Func) Perform(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	return f(ctx, params)
}

// Invoker is satisfied by *bridge.Caller.
type Invoker interface {
	Invoke(ctx context.Context, req bridge.Request) (json.RawMessage, error)
}

// Bridge sends params to Script through the host bridge.
type Bridge struct {
	Invoker         Invoker
	Script          string
	WebViewerName   string
	Option          bridge.ScriptOption
	PerformOnServer bool
}

func (b *Bridge) Perform(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if b.Invoker == nil {
		return nil, errors.New("transport: bridge has no caller")
	}
	raw, err := b.Invoker.Invoke(ctx, bridge.Request{
		Script:          b.Script,
		Params:          params,
		WebViewerName:   b.WebViewerName,
		Option:          b.Option,
		PerformOnServer: b.PerformOnServer,
	})
	if err != nil {
		return nil, err
	}
	return fm.Unwrap(raw), nil
}

// Performer is satisfied by *dataapi.Client.
type Performer interface {
	Perform(ctx context.Context, params map[string]any) (json.RawMessage, error)
}

// DataAPI sends params to the Data API.
type DataAPI struct {
	Client Performer
}

func (d *DataAPI) Perform(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if d.Client == nil {
		return nil, errors.New("transport: data api is not configured")
	}
	raw, err := d.Client.Perform(ctx, params)
	if err != nil {
		return nil, err
	}
	return fm.Unwrap(raw), nil
}

// Select returns the Data API transport for the web platform and the bridge
// transport for anything else.
func Select(platform string, viaBridge, viaDataAPI Transport) Transport {
	if strings.EqualFold(strings.TrimSpace(platform), PlatformWeb) {
		return viaDataAPI
	}
	return viaBridge
}
