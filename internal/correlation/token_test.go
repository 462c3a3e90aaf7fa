package correlation

import (
	"strings"
	"testing"
	"time"
)

func TestMintFormat(t *testing.T) {
	m := NewMinter()
	tok := m.Mint()

	if !strings.HasPrefix(tok.Name, Prefix) {
		t.Fatalf("expected prefix %q, got %q", Prefix, tok.Name)
	}
	if strings.ContainsAny(tok.Name, "- .") {
		t.Fatalf("token is not a valid identifier: %q", tok.Name)
	}
	parsed, ok := Parse(tok.Name)
	if !ok {
		t.Fatalf("minted token did not parse: %q", tok.Name)
	}
	if parsed != tok {
		t.Fatalf("parse mismatch: got %#v want %#v", parsed, tok)
	}
}

func TestMintSameMillisecondDiffers(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	m := &Minter{now: func() time.Time { return fixed }}

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		tok := m.Mint()
		if _, dup := seen[tok.Name]; dup {
			t.Fatalf("duplicate token minted in the same millisecond: %s", tok.Name)
		}
		seen[tok.Name] = struct{}{}
		if !tok.IssuedAt.Equal(fixed) {
			t.Fatalf("issued at %v, want %v", tok.IssuedAt, fixed)
		}
	}
}

func TestMintDeterministicParts(t *testing.T) {
	m := &Minter{
		now:   func() time.Time { return time.UnixMilli(42) },
		nonce: func() string { return "ABCD-EF01" },
	}
	tok := m.Mint()
	if tok.Name != "callbackFunction42_abcdef01" {
		t.Fatalf("unexpected token: %s", tok.Name)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{name: "minted", in: "callbackFunction1700000000000_0123456789abcdef", ok: true},
		{name: "surrounding space", in: "  callbackFunction1_deadbeef ", ok: true},
		{name: "legacy without nonce", in: "callbackFunction1700000000000", ok: false},
		{name: "foreign function", in: "alert", ok: false},
		{name: "short nonce", in: "callbackFunction1_abc", ok: false},
		{name: "empty", in: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(tt.in)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok=%v, want %v", tt.in, ok, tt.ok)
			}
		})
	}
}
