package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
)

func quietRegistry() *Registry {
	return New(log.New(io.Discard, "", 0))
}

func TestRegisterDuplicate(t *testing.T) {
	r := quietRegistry()
	noop := func(json.RawMessage, error) {}

	if err := r.Register("tok", noop); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register("tok", noop)
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if r.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", r.Pending())
	}
}

func TestRegisterValidation(t *testing.T) {
	r := quietRegistry()
	if err := r.Register("", func(json.RawMessage, error) {}); err == nil {
		t.Error("expected error for empty token")
	}
	if err := r.Register("tok", nil); err == nil {
		t.Error("expected error for nil continuation")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	r := quietRegistry()
	calls := 0
	var got json.RawMessage
	_ = r.Register("tok", func(payload json.RawMessage, err error) {
		calls++
		got = payload
	})

	if !r.Resolve("tok", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("expected first resolve to settle the call")
	}
	if r.Resolve("tok", json.RawMessage(`{"ok":false}`)) {
		t.Fatal("expected duplicate resolve to be ignored")
	}
	if r.Reject("tok", errors.New("late")) {
		t.Fatal("expected reject after resolve to be ignored")
	}
	if calls != 1 {
		t.Fatalf("continuation ran %d times", calls)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected payload %s", got)
	}
	if r.Has("tok") {
		t.Fatal("token still pending after resolve")
	}
}

func TestRejectDeliversError(t *testing.T) {
	r := quietRegistry()
	want := errors.New("boom")
	var got error
	_ = r.Register("tok", func(_ json.RawMessage, err error) { got = err })

	if !r.Reject("tok", want) {
		t.Fatal("expected reject to settle the call")
	}
	if !errors.Is(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestUnknownTokenIsNoop(t *testing.T) {
	r := quietRegistry()
	if r.Resolve("missing", nil) {
		t.Error("resolve of unknown token reported success")
	}
	if r.Reject("missing", errors.New("x")) {
		t.Error("reject of unknown token reported success")
	}
	if r.Remove("missing") {
		t.Error("remove of unknown token reported success")
	}
}

func TestContinuationMayReenter(t *testing.T) {
	r := quietRegistry()
	var inner bool
	_ = r.Register("outer", func(json.RawMessage, error) {
		if err := r.Register("inner", func(json.RawMessage, error) { inner = true }); err != nil {
			t.Errorf("re-entrant register failed: %v", err)
		}
		r.Resolve("inner", nil)
	})

	r.Resolve("outer", nil)
	if !inner {
		t.Fatal("inner continuation did not run")
	}
	if r.Pending() != 0 {
		t.Fatalf("expected empty registry, got %d pending", r.Pending())
	}
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	r := quietRegistry()
	var mu sync.Mutex
	calls := 0
	_ = r.Register("tok", func(json.RawMessage, error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Resolve("tok", nil)
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("continuation ran %d times", calls)
	}
}

func TestAge(t *testing.T) {
	r := quietRegistry()
	_ = r.Register("tok", func(json.RawMessage, error) {})
	if _, ok := r.Age("tok"); !ok {
		t.Fatal("expected age for pending token")
	}
	r.Remove("tok")
	if _, ok := r.Age("tok"); ok {
		t.Fatal("expected no age after removal")
	}
}
