package dataapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"webviewer-bridge/internal/bridge"
)

// fakeServer is a minimal Data API. Only the most recently issued token is
// accepted; anything else gets code 952.
type fakeServer struct {
	mu       sync.Mutex
	sessions int
	valid    string
	requests []string
	bodies   []map[string]any
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.EscapedPath())
	f.mu.Unlock()

	if strings.HasSuffix(r.URL.Path, "/sessions") {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "web" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"response":{},"messages":[{"code":"212","message":"Invalid user account and/or password"}]}`)
			return
		}
		f.mu.Lock()
		f.sessions++
		f.valid = "tok-" + strings.Repeat("x", f.sessions)
		token := f.valid
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"token": token},
			"messages": []map[string]string{{"code": "0", "message": "OK"}},
		})
		return
	}

	f.mu.Lock()
	valid := "Bearer " + f.valid
	f.mu.Unlock()
	if r.Header.Get("Authorization") != valid {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"response":{},"messages":[{"code":"952","message":"Invalid FileMaker Data API token (*)"}]}`)
		return
	}

	if r.Body != nil {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			f.mu.Lock()
			f.bodies = append(f.bodies, body)
			f.mu.Unlock()
		}
	}
	f.handler(w, r)
}

func (f *fakeServer) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeServer) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeServer) body(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func ok(w http.ResponseWriter, response string) {
	io.WriteString(w, `{"response":`+response+`,"messages":[{"code":"0","message":"OK"}]}`)
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Domain:   srv.URL,
		Database: "Integrator Edge",
		Username: "web",
		Password: "secret",
	}, WithHTTPClient(srv.Client()), WithLogger(log.New(&bytes.Buffer{}, "", 0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Database: "db"}); err == nil {
		t.Error("expected missing domain error")
	}
	if _, err := New(Config{Domain: "fms.example.com"}); err == nil {
		t.Error("expected missing database error")
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Domain: "fms.example.com", Database: "Contacts"}, "https://fms.example.com/fmi/data/vLatest/databases/Contacts"},
		{Config{Domain: "http://localhost:8080/", Database: "Integrator Edge", Version: "1"}, "http://localhost:8080/fmi/data/v1/databases/Integrator%20Edge"},
		{Config{Domain: "fms.example.com", Database: "db", Version: "v2"}, "https://fms.example.com/fmi/data/v2/databases/db"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.cfg); got != tt.want {
			t.Errorf("baseURL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestPerformRead(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"dataInfo":{"foundCount":2},"data":[{"recordId":"1"},{"recordId":"2"}]}`)
	}}
	c := newTestClient(t, f)

	raw, err := c.Perform(context.Background(), map[string]any{
		"layouts": "Contacts",
		"action":  "read",
		"query":   []any{map[string]any{"Status": "Active"}},
		"limit":   10,
	})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if !strings.Contains(string(raw), `"foundCount":2`) {
		t.Errorf("unexpected response %s", raw)
	}

	if got := f.last(); got != "POST /fmi/data/vLatest/databases/Integrator%20Edge/layouts/Contacts/_find" {
		t.Errorf("unexpected request %q", got)
	}
	body := f.body(0)
	if _, present := body["layouts"]; present {
		t.Error("layouts must be moved into the URL")
	}
	if _, present := body["action"]; present {
		t.Error("action must not be sent")
	}
	if body["limit"] != float64(10) {
		t.Errorf("expected limit forwarded, got %v", body["limit"])
	}
}

func TestPerformUpdateAndDelete(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"modId":"8"}`)
	}}
	c := newTestClient(t, f)

	_, err := c.Perform(context.Background(), map[string]any{
		"layouts":   "Contacts",
		"action":    "update",
		"recordId":  42,
		"fieldData": map[string]any{"Name": "Ada"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := f.last(); !strings.HasSuffix(got, "/layouts/Contacts/records/42") || !strings.HasPrefix(got, "PATCH ") {
		t.Errorf("unexpected update request %q", got)
	}
	if fd, _ := f.body(0)["fieldData"].(map[string]any); fd["Name"] != "Ada" {
		t.Errorf("fieldData not forwarded: %v", f.body(0))
	}

	if _, err := c.Perform(context.Background(), map[string]any{"layouts": "Contacts", "action": "delete", "recordId": "42"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := f.last(); got != "DELETE /fmi/data/vLatest/databases/Integrator%20Edge/layouts/Contacts/records/42" {
		t.Errorf("unexpected delete request %q", got)
	}
	if f.sessionCount() != 1 {
		t.Errorf("expected one session reused, got %d", f.sessionCount())
	}
}

func TestPerformValidation(t *testing.T) {
	c := newTestClient(t, &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) {}})
	tests := []map[string]any{
		{"action": "read"},
		{"layouts": "L", "action": "update"},
		{"layouts": "L", "action": "delete"},
		{"layouts": "L", "action": "merge"},
	}
	for _, params := range tests {
		if _, err := c.Perform(context.Background(), params); err == nil {
			t.Errorf("expected error for %v", params)
		}
	}
}

func TestReauthenticatesOnce(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) { ok(w, `{"data":[]}`) }}
	c := newTestClient(t, f)

	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	// Expire the session server-side.
	f.mu.Lock()
	f.valid = "rotated"
	f.mu.Unlock()

	if _, err := c.Find(context.Background(), "Contacts", map[string]any{"query": []any{}}); err != nil {
		t.Fatalf("Find after expiry: %v", err)
	}
	if f.sessionCount() != 2 {
		t.Errorf("expected re-authentication, got %d sessions", f.sessionCount())
	}
}

func TestBadCredentials(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) {}}
	c := newTestClient(t, f)
	c.cfg.Password = "wrong"

	_, err := c.Find(context.Background(), "Contacts", nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHostErrorFromMessages(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"response":{},"messages":[{"code":"401","message":"No records match the request"}]}`)
	}}
	c := newTestClient(t, f)

	_, err := c.Find(context.Background(), "Contacts", map[string]any{"query": []any{}})
	var hostErr *bridge.HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("expected HostError, got %v", err)
	}
	if hostErr.Code != "401" || hostErr.Message != "No records match the request" {
		t.Errorf("unexpected host error %+v", hostErr)
	}
}

func TestLogout(t *testing.T) {
	f := &fakeServer{handler: func(w http.ResponseWriter, r *http.Request) { ok(w, `{}`) }}
	c := newTestClient(t, f)

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout without session: %v", err)
	}
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := f.last(); !strings.HasPrefix(got, "DELETE ") || !strings.Contains(got, "/sessions/tok-x") {
		t.Errorf("unexpected logout request %q", got)
	}
	if c.currentToken() != "" {
		t.Error("expected token cleared")
	}
}
