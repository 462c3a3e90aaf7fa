// Package browser hosts the web viewer page in Chrome and exposes it to the
// bridge as a Host.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"webviewer-bridge/internal/bridge"
	"webviewer-bridge/internal/config"
	"webviewer-bridge/internal/mangle"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Manager owns the Chrome instance and the single viewer page.
type Manager struct {
	cfg    config.BrowserConfig
	engine EngineSink

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	host       *PageHost
	controlURL string
}

func NewManager(cfg config.BrowserConfig, sink EngineSink) *Manager {
	return &Manager{cfg: cfg, engine: sink}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.page = nil
		m.host = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := parseFlag(raw)
			if name == "" {
				continue
			}
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

// OpenViewer navigates a fresh page to url (the configured viewer URL when
// empty) and returns a Host bound to it. Any previous viewer page is closed.
func (m *Manager) OpenViewer(ctx context.Context, url string) (*PageHost, error) {
	if url == "" {
		url = m.cfg.ViewerURL
	}
	if url == "" {
		url = "about:blank"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}
	if m.host != nil {
		_ = m.host.Close()
		m.host = nil
	}
	if m.page != nil {
		_ = m.page.Close()
		m.page = nil
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("[browser] warning: failed to set viewport: %v", err)
	}

	// The callback binding must exist before the viewer's own scripts run.
	host, err := NewPageHost(page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		_ = host.Close()
		_ = page.Close()
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}
	_ = page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).WaitLoad()

	m.page = page
	m.host = host
	m.streamConsole(ctx, page)
	log.Printf("[browser] viewer open at %s", url)
	return host, nil
}

// Host returns the current viewer host, if a viewer is open.
func (m *Manager) Host() (*PageHost, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.host, m.host != nil
}

// ErrNoViewer is returned by host operations while no viewer page is open.
var ErrNoViewer = errors.New("no viewer page open")

// Available reports whether the open viewer exposes the FileMaker object. With
// no viewer open the host is simply absent.
func (m *Manager) Available(ctx context.Context) (bool, error) {
	host, ok := m.Host()
	if !ok {
		return false, nil
	}
	return host.Available(ctx)
}

func (m *Manager) Install(ctx context.Context, name string, deliver bridge.DeliverFunc) error {
	host, ok := m.Host()
	if !ok {
		return ErrNoViewer
	}
	return host.Install(ctx, name, deliver)
}

func (m *Manager) Uninstall(ctx context.Context, name string) error {
	host, ok := m.Host()
	if !ok {
		return nil
	}
	return host.Uninstall(ctx, name)
}

func (m *Manager) Perform(ctx context.Context, script, param string, option bridge.ScriptOption) error {
	host, ok := m.Host()
	if !ok {
		return ErrNoViewer
	}
	return host.Perform(ctx, script, param, option)
}

var _ bridge.Host = (*Manager)(nil)

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes the viewer page and the underlying browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != nil {
		_ = m.host.Close()
		m.host = nil
	}
	if m.page != nil {
		_ = m.page.Close()
		m.page = nil
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// streamConsole mirrors the viewer's console into the log and, when an engine
// is attached, into viewer_console facts.
func (m *Manager) streamConsole(ctx context.Context, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(func(ev *proto.RuntimeConsoleAPICalled) {
		msg := stringifyConsoleArgs(ev.Args)
		log.Printf("[viewer] console.%s: %s", ev.Type, msg)
		if m.engine == nil {
			return
		}
		now := time.Now()
		if err := m.engine.AddFacts(ctx, []mangle.Fact{{
			Predicate: "viewer_console",
			Args:      []interface{}{string(ev.Type), msg},
			Timestamp: now,
		}}); err != nil {
			log.Printf("[viewer] console fact error: %v", err)
		}
	})
	go wait()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// parseFlag splits a command-line switch such as "--window-size=800,600".
func parseFlag(raw string) (name, val string, hasVal bool) {
	flagStr := strings.TrimLeft(strings.TrimSpace(raw), "-")
	return strings.Cut(flagStr, "=")
}
