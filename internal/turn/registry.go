package turn

import (
	"sync"
	"sync/atomic"
)

// Registry tracks live stop requests, one token per connection identity.
// The inbound stop handler and the turn loop for the same connection touch
// the same token concurrently; the token itself is an atomic flag, the map
// is only locked around insert, delete, and lookup.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*atomic.Bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*atomic.Bool)}
}

// Begin creates (or overwrites) the token for connID in the "not stopped"
// state. Called at turn start; the turn owns the token until End.
func (r *Registry) Begin(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[connID] = &atomic.Bool{}
}

// Stop sets the token for connID. A stop with no turn in flight is a
// silent no-op; the return value reports whether a token existed.
func (r *Registry) Stop(connID string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[connID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.Store(true)
	return true
}

// Stopped reports whether a stop was requested for connID's current turn.
func (r *Registry) Stopped(connID string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[connID]
	r.mu.Unlock()
	return ok && tok.Load()
}

// End removes the token for connID. Idempotent; called when the turn ends
// and again when the connection closes.
func (r *Registry) End(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, connID)
}
