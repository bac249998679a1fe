// Package state holds the engine's process-lifetime state: one namespace
// per node name plus a single global namespace. Nothing is persisted;
// everything is cleared on shutdown.
//
// Namespaces use explicit get-or-initialize accessors instead of
// auto-vivifying missing keys, and are mutex-guarded because the engine
// dispatches distinct events concurrently.
package state

import "sync"

// NodeStateKey is the namespace key under which a node's own state value
// (produced by its state initializer) is stored.
const NodeStateKey = "_state"

// Store maps node names to namespaces and owns the global namespace.
type Store struct {
	mu     sync.Mutex
	nodes  map[string]*Namespace
	global *Namespace
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[string]*Namespace),
		global: NewNamespace(),
	}
}

// Node returns the namespace for a node name, creating it when missing.
func (s *Store) Node(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.nodes[name]
	if !ok {
		ns = NewNamespace()
		s.nodes[name] = ns
	}
	return ns
}

// Global returns the process-wide shared namespace.
func (s *Store) Global() *Namespace { return s.global }

// Clear drops all node namespaces and resets the global namespace.
// Called on shutdown only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*Namespace)
	s.global = NewNamespace()
}

// Namespace is a mutex-guarded key→value map.
type Namespace struct {
	mu          sync.RWMutex
	values      map[string]any
	initialized bool
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (n *Namespace) Get(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.values[key]
	return v, ok
}

// Set stores a value under key.
func (n *Namespace) Set(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.values[key] = value
}

// Delete removes a key.
func (n *Namespace) Delete(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.values, key)
}

// GetOrInit returns the value under key, running init and storing its
// result when the key is missing. init runs under the namespace lock, so
// concurrent callers observe exactly one initialization.
func (n *Namespace) GetOrInit(key string, init func() any) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.values[key]; ok {
		return v
	}
	v := init()
	n.values[key] = v
	return v
}

// InitOnce runs the node state initializer exactly once per namespace,
// storing a non-nil result under NodeStateKey. Subsequent calls are
// no-ops even when the initializer returned nil.
func (n *Namespace) InitOnce(init func() any) {
	if init == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return
	}
	n.initialized = true
	if v := init(); v != nil {
		n.values[NodeStateKey] = v
	}
}

// Len reports the number of stored keys.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.values)
}
