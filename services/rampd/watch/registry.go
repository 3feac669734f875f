package watch

import (
	"context"
	"sync"
)

type registration struct {
	gen    uint64
	cancel context.CancelFunc
}

// Registry maps a session key to the cancel handle of its expiry watcher.
// Registering a key cancels the watcher it supersedes.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registration
	gen     uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register stores cancel under key and returns the generation that identifies
// this registration in Release.
func (r *Registry) Register(key string, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[key]; ok {
		prev.cancel()
	}
	r.gen++
	r.entries[key] = registration{gen: r.gen, cancel: cancel}
	return r.gen
}

// Release drops key if it still belongs to generation gen. A watcher that was
// superseded never removes its successor.
func (r *Registry) Release(key string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[key]; ok && current.gen == gen {
		delete(r.entries, key)
	}
}

// Cancel stops and removes the watcher registered under key.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	entry.cancel()
	return true
}

// CancelAll stops every registered watcher.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		entry.cancel()
		delete(r.entries, key)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
