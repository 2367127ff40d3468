package groupcall

import (
	"fmt"
	"sync"
)

// Registry maps server call identifiers to locally-issued handles and back.
//
// Handles are allocated sequentially starting at 1 and are never reused,
// even after the call they stood for has been retired.
type Registry struct {
	mu       sync.RWMutex
	lastID   CallID
	byServer map[ServerCallID]CallID
	byHandle map[CallID]ServerCallID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byServer: make(map[ServerCallID]CallID),
		byHandle: make(map[CallID]ServerCallID),
	}
}

// HandleFor returns the handle of a server call, allocating the next one if
// the call has not been seen or its previous handle was retired.
func (r *Registry) HandleFor(server ServerCallID) (CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byServer[server]; ok {
		return id, false
	}

	r.lastID++
	id := r.lastID
	r.byServer[server] = id
	r.byHandle[id] = server
	return id, true
}

// Lookup returns the live handle of a server call without allocating one.
func (r *Registry) Lookup(server ServerCallID) (CallID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byServer[server]
	return id, ok
}

// ServerIDFor resolves a handle back to the server identifier.
func (r *Registry) ServerIDFor(id CallID) (ServerCallID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.byHandle[id]
	if !ok {
		return "", fmt.Errorf("call handle %d: %w", id, ErrNotFound)
	}
	return server, nil
}

// Retire forgets a handle. The handle value is never handed out again.
func (r *Registry) Retire(id CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.byHandle[id]
	if !ok {
		return
	}
	delete(r.byHandle, id)
	if r.byServer[server] == id {
		delete(r.byServer, server)
	}
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
