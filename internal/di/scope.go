package di

import (
	"context"
	"errors"
	"sync"
)

// Scope is an explicit ownership stack for scoped resources. Every
// acquired resource pushes a release closure; Close runs them in reverse
// order of acquisition on every exit path (success, node failure, outer
// cancellation).
type Scope struct {
	mu       sync.Mutex
	releases []func(context.Context) error
	closed   bool
}

// NewScope creates an empty cleanup scope.
func NewScope() *Scope { return &Scope{} }

// Defer pushes a release step. It panics when the scope is already
// closed: registering against a closed scope would leak the resource.
func (s *Scope) Defer(release func(context.Context) error) {
	if release == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("di: Defer on closed scope")
	}
	s.releases = append(s.releases, release)
}

// Close runs all release steps in LIFO order and joins their errors.
// Close is idempotent; each release runs exactly once per Defer.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of pending release steps.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}
