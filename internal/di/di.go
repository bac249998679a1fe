// Package di implements the per-dispatch dependency resolver.
//
// A Declaration describes a value a node or checker needs. Resolving a
// declaration may recursively resolve sub-declarations, reuse values from
// the resolver's cache, and register release steps on the resolver's
// cleanup scope. Cache and scope live exactly as long as one dispatch (one
// event's walk through one node) or one ad-hoc resolution call.
//
// Declarations are identified by pointer identity: two calls to Provide
// yield two distinct cache slots even with identical bodies. Well-known
// engine values (bot, event, state) are seeded under Key handles.
package di

import (
	"context"
	"fmt"
	"sync"
)

// Key is an opaque handle under which seeded values are stored.
// Create one per well-known value with NewKey.
type Key struct {
	name string
}

// NewKey creates a seed key. The name is used in diagnostics only.
func NewKey(name string) *Key { return &Key{name: name} }

func (k *Key) String() string { return "di.Key(" + k.name + ")" }

// Declaration describes a resolvable dependency.
//
// Implementations are created through Provide, Scoped, Object and Value;
// external packages never implement this interface directly.
type Declaration interface {
	// Name is the declaration's diagnostic name.
	Name() string

	// resolve produces the value. It must resolve sub-dependencies through
	// r so that the cache and cleanup scope propagate.
	resolve(ctx context.Context, r *Resolver) (any, error)

	// useCache reports whether the resolved value may be stored and reused
	// within one resolver.
	useCache() bool
}

// Resolver resolves declarations against a per-dispatch cache and cleanup
// scope. It is safe for concurrent use: gate checkers resolving
// dependencies run as sibling goroutines sharing one resolver.
type Resolver struct {
	mu    sync.Mutex
	cache map[any]any
	scope *Scope
}

// NewResolver creates a resolver around the given cleanup scope.
// The caller owns the scope and must close it when the dispatch ends.
func NewResolver(scope *Scope) *Resolver {
	return &Resolver{
		cache: make(map[any]any),
		scope: scope,
	}
}

// Seed stores a ready value under a key, making it available to Lookup
// and to declarations that pull seeded engine values.
func (r *Resolver) Seed(key *Key, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = value
}

// Lookup returns a previously seeded or cached value.
func (r *Resolver) Lookup(key *Key) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache[key]
	return v, ok
}

// Scope returns the resolver's cleanup scope.
func (r *Resolver) Scope() *Scope { return r.scope }

// Resolve resolves a declaration. Within one resolver a cacheable
// declaration resolves to the identical instance no matter how many times
// it is requested; declarations wrapped in NoCache are re-invoked every
// time and never stored.
func (r *Resolver) Resolve(ctx context.Context, decl Declaration) (any, error) {
	if decl == nil {
		return nil, &ResolveError{Declaration: "<nil>", Reason: "nil declaration"}
	}
	if decl.useCache() {
		r.mu.Lock()
		v, ok := r.cache[decl]
		r.mu.Unlock()
		if ok {
			return v, nil
		}
	}
	v, err := decl.resolve(ctx, r)
	if err != nil {
		if _, ok := err.(*ResolveError); ok {
			return nil, err
		}
		return nil, &ResolveError{Declaration: decl.Name(), Err: err}
	}
	if decl.useCache() {
		r.mu.Lock()
		r.cache[decl] = v
		r.mu.Unlock()
	}
	return v, nil
}

// Resolve is the typed form of Resolver.Resolve.
func Resolve[T any](ctx context.Context, r *Resolver, decl Declaration) (T, error) {
	var zero T
	v, err := r.Resolve(ctx, decl)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &ResolveError{
			Declaration: decl.Name(),
			Reason:      fmt.Sprintf("resolved %T, want %T", v, zero),
		}
	}
	return t, nil
}

// Seeded returns the typed value stored under key, failing with a
// resolution error when the key was never seeded.
func Seeded[T any](r *Resolver, key *Key) (T, error) {
	var zero T
	v, ok := r.Lookup(key)
	if !ok {
		return zero, &ResolveError{Declaration: key.String(), Reason: "value not seeded"}
	}
	t, ok := v.(T)
	if !ok {
		return zero, &ResolveError{
			Declaration: key.String(),
			Reason:      fmt.Sprintf("seeded %T, want %T", v, zero),
		}
	}
	return t, nil
}
