package browser

import (
	"context"
	"fmt"
	"log"
	"sync"

	"webviewer-bridge/internal/bridge"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"
)

// BindingName is the page function every installed callback forwards to.
const BindingName = "__webviewerBridgeDeliver"

const (
	jsAvailable = `() => typeof FileMaker !== 'undefined' && typeof FileMaker.PerformScriptWithOption === 'function'`

	jsInstall = `(name, binding) => {
		const text = (v) => v === undefined || v === null ? '' : (typeof v === 'string' ? v : JSON.stringify(v));
		window[name] = (result, parameter, error) => {
			delete window[name];
			return window[binding]({name, result: text(result), parameter: text(parameter), error: text(error)});
		};
		return true;
	}`

	jsUninstall = `(name) => { delete window[name]; return true; }`

	jsPerform = `(script, param, option) => { FileMaker.PerformScriptWithOption(script, param, option); return true; }`
)

// PageHost adapts a rod page to bridge.Host. Callbacks are plain global
// functions on window that forward their three arguments to one exposed
// binding.
type PageHost struct {
	page *rod.Page
	stop func() error

	mu      sync.Mutex
	pending map[string]bridge.DeliverFunc
}

// NewPageHost exposes the delivery binding on page. The binding survives
// navigation, so it can be created before the viewer loads.
func NewPageHost(page *rod.Page) (*PageHost, error) {
	h := &PageHost{page: page, pending: make(map[string]bridge.DeliverFunc)}
	stop, err := page.Expose(BindingName, h.receive)
	if err != nil {
		return nil, fmt.Errorf("expose %s: %w", BindingName, err)
	}
	h.stop = stop
	return h, nil
}

func (h *PageHost) Available(ctx context.Context) (bool, error) {
	res, err := h.page.Context(ctx).Eval(jsAvailable)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (h *PageHost) Install(ctx context.Context, name string, deliver bridge.DeliverFunc) error {
	h.mu.Lock()
	h.pending[name] = deliver
	h.mu.Unlock()

	if _, err := h.page.Context(ctx).Eval(jsInstall, name, BindingName); err != nil {
		h.mu.Lock()
		delete(h.pending, name)
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *PageHost) Uninstall(ctx context.Context, name string) error {
	h.mu.Lock()
	delete(h.pending, name)
	h.mu.Unlock()

	_, err := h.page.Context(ctx).Eval(jsUninstall, name)
	return err
}

func (h *PageHost) Perform(ctx context.Context, script, param string, option bridge.ScriptOption) error {
	_, err := h.page.Context(ctx).Eval(jsPerform, script, param, string(option))
	return err
}

// Pending returns the number of installed callbacks not yet invoked.
func (h *PageHost) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close removes the exposed binding.
func (h *PageHost) Close() error {
	if h.stop == nil {
		return nil
	}
	return h.stop()
}

// receive runs for every call of the exposed binding.
func (h *PageHost) receive(v gson.JSON) (interface{}, error) {
	name := v.Get("name").Str()

	h.mu.Lock()
	deliver, ok := h.pending[name]
	delete(h.pending, name)
	h.mu.Unlock()

	if !ok {
		log.Printf("[viewer] callback %s has no pending call", name)
		return nil, nil
	}
	deliver(v.Get("result").Str(), v.Get("parameter").Str(), v.Get("error").Str())
	return nil, nil
}

var _ bridge.Host = (*PageHost)(nil)
