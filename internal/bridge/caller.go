package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"webviewer-bridge/internal/correlation"
	"webviewer-bridge/internal/mangle"
	"webviewer-bridge/internal/recorder"
	"webviewer-bridge/internal/registry"
)

// DefaultRetryInterval is the fixed wait between attempts while the host
// bridge object is absent.
const DefaultRetryInterval = time.Second

const maxMintAttempts = 5

// Request is one script call.
type Request struct {
	Script          string
	Params          any
	WebViewerName   string
	Option          ScriptOption // empty uses the caller default
	PerformOnServer bool
}

// payload is the JSON handed to the dispatcher script.
type payload struct {
	Script          string `json:"script"`
	Params          any    `json:"params"`
	CallbackName    string `json:"callbackName"`
	WebViewerName   string `json:"webviewerName"`
	PerformOnServer bool   `json:"performOnServer"`
}

// TokenSource mints correlation tokens.
type TokenSource interface {
	Mint() correlation.Token
}

// Recorder receives call traces.
type Recorder interface {
	Log(eventType, token string, data interface{})
}

// FactSink receives diagnostic facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Config tunes a Caller.
type Config struct {
	DispatcherScript string
	RetryInterval    time.Duration
	DefaultOption    ScriptOption
	Logging          bool
}

// Option customizes a Caller.
type Option func(*Caller)

// WithRegistry shares a registry between callers.
func WithRegistry(r *registry.Registry) Option {
	return func(c *Caller) { c.registry = r }
}

// WithTokens replaces the token minter.
func WithTokens(t TokenSource) Option {
	return func(c *Caller) { c.tokens = t }
}

// WithRecorder attaches a call trace recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Caller) { c.recorder = r }
}

// WithFacts attaches a diagnostics fact sink.
func WithFacts(f FactSink) Option {
	return func(c *Caller) { c.facts = f }
}

// WithLogger replaces the standard logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

// Stats is a point-in-time view of caller activity.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	InFlight  int64 `json:"in_flight"`
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Caller turns host script invocations into blocking request/response calls.
type Caller struct {
	host     Host
	registry *registry.Registry
	tokens   TokenSource
	recorder Recorder
	facts    FactSink
	logger   *log.Logger

	dispatcher    string
	retryInterval time.Duration
	defaultOption ScriptOption
	logging       atomic.Bool

	waiting   atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewCaller builds a Caller over host.
func NewCaller(host Host, cfg Config, opts ...Option) *Caller {
	c := &Caller{
		host:          host,
		dispatcher:    cfg.DispatcherScript,
		retryInterval: cfg.RetryInterval,
		defaultOption: cfg.DefaultOption,
	}
	if c.dispatcher == "" {
		c.dispatcher = DefaultDispatcherScript
	}
	if c.retryInterval <= 0 {
		c.retryInterval = DefaultRetryInterval
	}
	if !c.defaultOption.Valid() {
		c.defaultOption = OptionSuspend
	}
	c.logging.Store(cfg.Logging)

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.registry == nil {
		c.registry = registry.New(c.logger)
	}
	if c.tokens == nil {
		c.tokens = correlation.NewMinter()
	}
	return c
}

// SetLogging toggles per-call logging.
func (c *Caller) SetLogging(enabled bool) { c.logging.Store(enabled) }

// Logging reports whether per-call logging is on.
func (c *Caller) Logging() bool { return c.logging.Load() }

// Registry exposes the registry pending calls are tracked in.
func (c *Caller) Registry() *registry.Registry { return c.registry }

// Stats returns current counters.
func (c *Caller) Stats() Stats {
	return Stats{
		Waiting:   c.waiting.Load(),
		InFlight:  c.inFlight.Load(),
		Pending:   c.registry.Pending(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
	}
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Invoke runs req.Script through the dispatcher and blocks until the host
// calls back or ctx is done. While the host bridge is absent the whole
// invocation is retried every RetryInterval.
func (c *Caller) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Script == "" {
		return nil, fmt.Errorf("%w: script", ErrMissingParameter)
	}
	if req.WebViewerName == "" {
		return nil, fmt.Errorf("%w: webviewer name", ErrMissingParameter)
	}
	option := req.Option
	if option == "" {
		option = c.defaultOption
	}
	if !option.Valid() {
		return nil, fmt.Errorf("invalid script option %q", option)
	}

	start := time.Now()
	attempts, err := c.awaitHost(ctx, req.Script)
	if err != nil {
		return nil, err
	}

	done := make(chan outcome, 1)
	token, err := c.register(func(p json.RawMessage, err error) {
		done <- outcome{payload: p, err: err}
	})
	if err != nil {
		return nil, err
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	if err := c.host.Install(ctx, token, c.deliverer(token)); err != nil {
		c.registry.Remove(token)
		return nil, fmt.Errorf("install callback %s: %w", token, err)
	}

	body, err := json.Marshal(payload{
		Script:          req.Script,
		Params:          req.Params,
		CallbackName:    token,
		WebViewerName:   req.WebViewerName,
		PerformOnServer: req.PerformOnServer,
	})
	if err != nil {
		c.abandon(ctx, token)
		return nil, fmt.Errorf("encode parameters for %s: %w", req.Script, err)
	}

	c.emit(ctx, mangle.Fact{Predicate: "call_dispatched", Args: []interface{}{token, req.Script}})
	if err := c.host.Perform(ctx, c.dispatcher, string(body), option); err != nil {
		c.abandon(ctx, token)
		c.finish(ctx, token, req, attempts, start, nil, err)
		return nil, fmt.Errorf("perform %s: %w", req.Script, err)
	}

	select {
	case out := <-done:
		c.finish(ctx, token, req, attempts, start, out.payload, out.err)
		return out.payload, out.err
	case <-ctx.Done():
		c.abandon(ctx, token)
		c.finish(ctx, token, req, attempts, start, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// awaitHost polls Available until the host bridge exists, returning the number
// of attempts made.
func (c *Caller) awaitHost(ctx context.Context, script string) (int, error) {
	for attempt := 1; ; attempt++ {
		ok, err := c.host.Available(ctx)
		if err != nil {
			return attempt, fmt.Errorf("probe host bridge: %w", err)
		}
		if ok {
			return attempt, nil
		}

		c.logger.Printf("[bridge] host bridge absent, retrying %s in %v (attempt %d)", script, c.retryInterval, attempt)
		c.emit(ctx, mangle.Fact{Predicate: "call_waiting", Args: []interface{}{script, attempt}})
		if c.recorder != nil {
			c.recorder.Log(recorder.EventBridgeWaiting, "", map[string]interface{}{"script": script, "attempt": attempt})
		}

		c.waiting.Add(1)
		timer := time.NewTimer(c.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.waiting.Add(-1)
			return attempt, ctx.Err()
		case <-timer.C:
			c.waiting.Add(-1)
		}
	}
}

// register mints a token and stores cont under it, re-minting on collision.
func (c *Caller) register(cont registry.Continuation) (string, error) {
	var lastErr error
	for i := 0; i < maxMintAttempts; i++ {
		token := c.tokens.Mint().Name
		err := c.registry.Register(token, cont)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, registry.ErrDuplicateToken) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("mint correlation token: %w", lastErr)
}

// deliverer builds the function the host callback forwards to. Deliveries
// after the first are ignored.
func (c *Caller) deliverer(token string) DeliverFunc {
	return func(result, _, errPayload string) {
		if !c.registry.Has(token) {
			c.duplicate(token)
			return
		}
		p, err := DecodeCallback(result, errPayload)
		var settled bool
		if err != nil {
			settled = c.registry.Reject(token, err)
		} else {
			settled = c.registry.Resolve(token, p)
		}
		if !settled {
			c.duplicate(token)
		}
	}
}

func (c *Caller) duplicate(token string) {
	c.logger.Printf("[bridge] duplicate callback for %s ignored", token)
	c.emit(context.Background(), mangle.Fact{Predicate: "duplicate_callback", Args: []interface{}{token}})
	if c.recorder != nil {
		c.recorder.Log(recorder.EventDuplicate, token, nil)
	}
}

// abandon drops a call whose callback will never be awaited.
func (c *Caller) abandon(ctx context.Context, token string) {
	c.registry.Remove(token)
	if err := c.host.Uninstall(context.WithoutCancel(ctx), token); err != nil {
		c.logger.Printf("[bridge] uninstall %s: %v", token, err)
	}
}

func (c *Caller) finish(ctx context.Context, token string, req Request, attempts int, start time.Time, result json.RawMessage, err error) {
	trace := recorder.CallTrace{
		Script:     req.Script,
		Params:     req.Params,
		Result:     result,
		Attempts:   attempts,
		DurationMs: time.Since(start).Milliseconds(),
	}

	status := "ok"
	var hostErr *HostError
	var malformed *MalformedResponseError
	switch {
	case err == nil:
		c.completed.Add(1)
	case errors.As(err, &hostErr):
		status = "host_error"
		trace.Error = hostErr.Raw
		c.emit(ctx, mangle.Fact{Predicate: "call_failed", Args: []interface{}{token, hostErr.Code}})
	case errors.As(err, &malformed):
		status = "malformed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	default:
		status = "failed"
	}
	if err != nil {
		c.failed.Add(1)
		trace.Failure = err.Error()
	}
	c.emit(ctx, mangle.Fact{Predicate: "call_completed", Args: []interface{}{token, status}})

	if c.logging.Load() {
		c.logger.Printf("[bridge] %s %s (%s) params=%s result=%s error=%s",
			req.Script, token, status, jsonString(req.Params), orDash(result), orDash(trace.Error))
	}
	if c.recorder != nil {
		c.recorder.Log(recorder.EventBridgeCall, token, trace)
	}
}

func (c *Caller) emit(ctx context.Context, f mangle.Fact) {
	if c.facts == nil {
		return
	}
	f.Timestamp = time.Now()
	if err := c.facts.AddFacts(context.WithoutCancel(ctx), []mangle.Fact{f}); err != nil {
		c.logger.Printf("[bridge] record fact %s: %v", f.Predicate, err)
	}
}

func jsonString(v any) string {
	if v == nil {
		return "-"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func orDash(b json.RawMessage) string {
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}
