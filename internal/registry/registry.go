// Package registry tracks calls waiting for an out-of-band host callback.
//
// The host addresses callbacks through one flat namespace of global function
// names. Registry owns that namespace for an application instance: every
// pending call is keyed by its correlation token and is settled at most once.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrDuplicateToken is returned when a token is registered twice while pending.
var ErrDuplicateToken = errors.New("correlation token already pending")

// Continuation receives the outcome of one pending call. Exactly one of
// payload or err is meaningful.
type Continuation func(payload json.RawMessage, err error)

type pendingCall struct {
	token      string
	cont       Continuation
	registered time.Time
}

// Registry maps correlation tokens to pending continuations.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	logger  *log.Logger
}

// New creates an empty registry. A nil logger uses the standard logger.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		pending: make(map[string]*pendingCall),
		logger:  logger,
	}
}

// Register adds a continuation under token.
func (r *Registry) Register(token string, cont Continuation) error {
	if token == "" {
		return errors.New("correlation token is required")
	}
	if cont == nil {
		return errors.New("continuation is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[token]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.pending[token] = &pendingCall{token: token, cont: cont, registered: time.Now()}
	return nil
}

// Resolve settles token successfully. It reports false when the token is not
// pending (already settled, or left over from an earlier page load).
func (r *Registry) Resolve(token string, payload json.RawMessage) bool {
	call := r.take(token)
	if call == nil {
		r.logger.Printf("[registry] resolve for unknown token %s ignored", token)
		return false
	}
	call.cont(payload, nil)
	return true
}

// Reject settles token with err. Unknown tokens are ignored like Resolve.
func (r *Registry) Reject(token string, err error) bool {
	call := r.take(token)
	if call == nil {
		r.logger.Printf("[registry] reject for unknown token %s ignored: %v", token, err)
		return false
	}
	call.cont(nil, err)
	return true
}

// Remove drops token without running its continuation.
func (r *Registry) Remove(token string) bool {
	return r.take(token) != nil
}

// Has reports whether token is pending.
func (r *Registry) Has(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[token]
	return ok
}

// Pending returns the number of unsettled calls.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Age returns how long token has been pending.
func (r *Registry) Age(token string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[token]
	if !ok {
		return 0, false
	}
	return time.Since(call.registered), true
}

// take removes and returns the entry for token. The continuation is invoked by
// the caller after the lock is released so it may re-enter the registry.
func (r *Registry) take(token string) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[token]
	if !ok {
		return nil
	}
	delete(r.pending, token)
	return call
}
