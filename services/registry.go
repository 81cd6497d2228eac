// Package services wires DIMSE command fields to the bridge's handlers.
package services

import (
	"sync"
)

// Registry maps DIMSE command fields to handlers. Registration happens
// at startup; lookups are concurrent across associations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint16]any)}
}

// Register binds a handler to a command field, replacing any previous
// binding.
func (r *Registry) Register(commandField uint16, handler any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// HandlerFor returns the handler registered for a command field.
func (r *Registry) HandlerFor(commandField uint16) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[commandField]
	return handler, ok
}
