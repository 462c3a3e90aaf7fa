// Package dataapi talks to the FileMaker Data API over HTTP. It is the
// fallback transport when the page is not hosted inside a web viewer.
package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"webviewer-bridge/internal/bridge"
)

// ErrUnauthorized means the server rejected the credentials or the session
// token could not be renewed.
var ErrUnauthorized = errors.New("data api: unauthorized")

// codeInvalidToken is the message code the Data API uses for an expired session.
const codeInvalidToken = "952"

// Config holds connection settings.
type Config struct {
	Domain   string
	Database string
	Version  string
	Username string
	Password string
	Timeout  time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger replaces the standard logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a Data API session. It authenticates lazily and renews its token
// once when the server reports it expired.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	logger *log.Logger

	mu    sync.Mutex
	token string
}

// New validates cfg and returns a client. No request is made until first use.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("data api: domain is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, errors.New("data api: database is required")
	}

	c := &Client{cfg: cfg, base: baseURL(cfg)}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

func baseURL(cfg Config) string {
	domain := strings.TrimRight(strings.TrimSpace(cfg.Domain), "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "vLatest"
	} else if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return fmt.Sprintf("%s/fmi/data/%s/databases/%s", domain, version, url.PathEscape(cfg.Database))
}

// Authenticate opens a session with Basic credentials and stores its token.
func (c *Client) Authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sessions", strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("data api: authenticate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("data api: authenticate: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, messageOf(body))
	}

	var out struct {
		Response struct {
			Token string `json:"token"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("data api: decode session: %w", err)
	}
	token := out.Response.Token
	if token == "" {
		token = resp.Header.Get("X-FM-Data-Access-Token")
	}
	if token == "" {
		return fmt.Errorf("%w: no session token in response (http %d)", ErrUnauthorized, resp.StatusCode)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Logout ends the current session, if any.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.mu.Unlock()
	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/sessions/"+url.PathEscape(token), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("data api: logout: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Find runs a _find request against layout.
func (c *Client) Find(ctx context.Context, layout string, body map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, c.layoutPath(layout)+"/_find", body)
}

// Update patches fieldData on a record.
func (c *Client) Update(ctx context.Context, layout string, recordID string, body map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPatch, c.layoutPath(layout)+"/records/"+url.PathEscape(recordID), body)
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, layout string, recordID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, c.layoutPath(layout)+"/records/"+url.PathEscape(recordID), nil)
}

// Perform routes a host-style request ({layouts, action, recordId, ...}) to
// the matching endpoint. The remaining keys form the request body.
func (c *Client) Perform(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	body := make(map[string]any, len(params))
	for k, v := range params {
		body[k] = v
	}
	layout, _ := body["layouts"].(string)
	action, _ := body["action"].(string)
	recordID := idString(body["recordId"])
	delete(body, "layouts")
	delete(body, "action")
	delete(body, "recordId")

	if layout == "" {
		return nil, errors.New("data api: layouts is required")
	}

	switch action {
	case "", "read":
		return c.Find(ctx, layout, body)
	case "update":
		if recordID == "" {
			return nil, errors.New("data api: recordId is required for update")
		}
		return c.Update(ctx, layout, recordID, body)
	case "delete":
		if recordID == "" {
			return nil, errors.New("data api: recordId is required for delete")
		}
		return c.Delete(ctx, layout, recordID)
	default:
		return nil, fmt.Errorf("data api: unsupported action %q", action)
	}
}

func (c *Client) layoutPath(layout string) string {
	return c.base + "/layouts/" + url.PathEscape(layout)
}

// do sends an authenticated request, renewing the session once on expiry.
func (c *Client) do(ctx context.Context, method, endpoint string, body map[string]any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("data api: encode request: %w", err)
		}
	}

	if c.currentToken() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	raw, status, err := c.send(ctx, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if expired(status, raw) {
		c.logger.Printf("[dataapi] session expired, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		raw, status, err = c.send(ctx, method, endpoint, payload)
		if err != nil {
			return nil, err
		}
		if expired(status, raw) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, messageOf(raw))
		}
	}
	return decodeResponse(status, raw)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("data api: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("data api: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type message struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Messages []message       `json:"messages"`
}

func expired(status int, raw []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	var env envelope
	if json.Unmarshal(raw, &env) != nil {
		return false
	}
	return len(env.Messages) > 0 && env.Messages[0].Code == codeInvalidToken
}

// decodeResponse turns a non-zero message code into a HostError and returns
// the envelope otherwise.
func decodeResponse(status int, raw []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status >= 400 {
			return nil, fmt.Errorf("data api: http %d: %s", status, bytes.TrimSpace(raw))
		}
		return nil, fmt.Errorf("data api: decode response: %w", err)
	}
	if len(env.Messages) > 0 {
		if m := env.Messages[0]; m.Code != "" && m.Code != "0" {
			return nil, &bridge.HostError{Code: m.Code, Message: m.Message, Raw: json.RawMessage(raw)}
		}
	}
	if status >= 400 {
		return nil, fmt.Errorf("data api: http %d", status)
	}
	return json.RawMessage(raw), nil
}

func messageOf(raw []byte) string {
	var env envelope
	if json.Unmarshal(raw, &env) == nil && len(env.Messages) > 0 {
		return env.Messages[0].Message
	}
	return strings.TrimSpace(string(raw))
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
