package correlation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix starts every callback name minted for the host. The host resolves
// callbacks by global function name, so tokens must be valid JS identifiers.
const Prefix = "callbackFunction"

var tokenPattern = regexp.MustCompile(`^` + Prefix + `(\d{1,16})_([0-9a-f]{8,32})$`)

// Token is a correlation token: it names the global callback the host will
// invoke and keys the pending call waiting for it.
type Token struct {
	Name     string
	IssuedAt time.Time
	Nonce    string
}

func (t Token) String() string { return t.Name }

// Minter issues tokens from a millisecond clock plus a random component, so two
// tokens minted within the same millisecond still differ.
type Minter struct {
	now   func() time.Time
	nonce func() string
}

// NewMinter returns a Minter backed by the wall clock and random UUIDs.
func NewMinter() *Minter {
	return &Minter{now: time.Now, nonce: randomNonce}
}

// Mint returns a fresh token.
func (m *Minter) Mint() Token {
	now := time.Now
	nonce := randomNonce
	if m != nil {
		if m.now != nil {
			now = m.now
		}
		if m.nonce != nil {
			nonce = m.nonce
		}
	}

	at := now()
	n := normalizeNonce(nonce())
	return Token{
		Name:     fmt.Sprintf("%s%d_%s", Prefix, at.UnixMilli(), n),
		IssuedAt: time.UnixMilli(at.UnixMilli()),
		Nonce:    n,
	}
}

// Parse recovers a token from a callback name. It reports false for names that
// were not minted by a Minter (stale globals, foreign functions).
func Parse(name string) (Token, bool) {
	matches := tokenPattern.FindStringSubmatch(strings.TrimSpace(name))
	if len(matches) != 3 {
		return Token{}, false
	}
	ms, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return Token{}, false
	}
	return Token{
		Name:     matches[0],
		IssuedAt: time.UnixMilli(ms),
		Nonce:    matches[2],
	}, true
}

func randomNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeNonce(value string) string {
	n := strings.ToLower(strings.ReplaceAll(value, "-", ""))
	if len(n) > 32 {
		n = n[:32]
	}
	for len(n) < 8 {
		n += "0"
	}
	return n
}
