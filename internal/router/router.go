// Package router tracks the active translation model for a session and
// walks the configured fallback chain when the cost guardrail reports the
// active model unaffordable. Switching models is a budget event, not a
// translation failure: it never counts against a chunk's attempt budget.
package router

import (
	"errors"
	"sync"
)

// ErrFallbackExhausted signals that no cheaper model remains in the chain.
var ErrFallbackExhausted = errors.New("model fallback chain exhausted")

// Switch records one budget-triggered model change.
type Switch struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Router owns the session's active model. It is safe for concurrent use.
type Router struct {
	mu       sync.Mutex
	active   string
	chain    []string // remaining fallbacks, cheapest-last consumed FIFO
	switches []Switch
}

// New creates a router starting on the given model with the given ordered
// fallback chain.
func New(active string, chain []string) *Router {
	return &Router{
		active: active,
		chain:  append([]string(nil), chain...),
	}
}

// Active returns the model currently in use.
func (r *Router) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Remaining returns a copy of the unused fallback chain.
func (r *Router) Remaining() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chain...)
}

// Switches returns a copy of the switch history.
func (r *Router) Switches() []Switch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Switch(nil), r.switches...)
}

// SwitchFallback advances to the next model in the chain and returns it.
// Returns ErrFallbackExhausted when the chain is empty; after a chain of
// length k, the (k+1)th call always fails.
func (r *Router) SwitchFallback() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chain) == 0 {
		return "", ErrFallbackExhausted
	}
	next := r.chain[0]
	r.chain = r.chain[1:]
	r.switches = append(r.switches, Switch{From: r.active, To: next})
	r.active = next
	return next, nil
}

// Restore repositions the router from a checkpoint.
func (r *Router) Restore(active string, remaining []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active != "" {
		r.active = active
	}
	r.chain = append([]string(nil), remaining...)
}
