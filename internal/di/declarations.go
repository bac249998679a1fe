package di

import "context"

// Provide declares a function dependency. The body assembles its own
// arguments: sub-dependencies are resolved through r (propagating the
// cache and cleanup scope), defaults are plain Go values, and seeded
// engine values come from Seeded. A body that cannot assemble an argument
// returns an error, which surfaces as a *ResolveError.
func Provide[T any](name string, fn func(ctx context.Context, r *Resolver) (T, error)) Declaration {
	return &provider{name: name, cache: true, fn: func(ctx context.Context, r *Resolver) (any, error) {
		return fn(ctx, r)
	}}
}

// Scoped declares a scoped resource. acquire returns the value together
// with its release step; the release is registered on the resolver's
// cleanup scope and is guaranteed to run when the owning dispatch exits,
// in reverse order of acquisition. A nil release is allowed.
func Scoped[T any](name string, acquire func(ctx context.Context, r *Resolver) (T, func(context.Context) error, error)) Declaration {
	return &provider{name: name, cache: true, fn: func(ctx context.Context, r *Resolver) (any, error) {
		v, release, err := acquire(ctx, r)
		if err != nil {
			return nil, err
		}
		if release != nil {
			r.scope.Defer(release)
		}
		return v, nil
	}}
}

// Value declares a constant.
func Value[T any](name string, v T) Declaration {
	return &provider{name: name, cache: true, fn: func(context.Context, *Resolver) (any, error) {
		return v, nil
	}}
}

// NoCache wraps a declaration so its slot is never stored or reused:
// every request re-invokes it, including sibling requests within the
// same resolution. The wrapper has its own identity, so other references
// to the wrapped declaration keep their cache behavior.
func NoCache(decl Declaration) Declaration {
	return &nocache{inner: decl}
}

type provider struct {
	name  string
	cache bool
	fn    func(ctx context.Context, r *Resolver) (any, error)
}

func (p *provider) Name() string { return p.name }

func (p *provider) useCache() bool { return p.cache }

func (p *provider) resolve(ctx context.Context, r *Resolver) (any, error) {
	return p.fn(ctx, r)
}

type nocache struct {
	inner Declaration
}

func (n *nocache) Name() string { return n.inner.Name() }

func (n *nocache) useCache() bool { return false }

func (n *nocache) resolve(ctx context.Context, r *Resolver) (any, error) {
	return n.inner.resolve(ctx, r)
}

// Initializer is run by Object after all fields are populated.
// Side-effecting setup belongs here, never in the constructor.
type Initializer interface {
	Init(ctx context.Context) error
}

// Resource is the scoped-resource contract for Object values. When a
// constructed value implements it, the value is entered through the
// cleanup scope and the entered value (not the raw instance) is the
// resolved result; Exit is guaranteed on scope close.
type Resource interface {
	Enter(ctx context.Context) (any, error)
	Exit(ctx context.Context) error
}

// Field binds one named sub-dependency of an Object declaration.
// This is the statically-declared replacement for annotation scanning:
// the set of fields is fixed at registration time.
type Field struct {
	// Name is the field's diagnostic name.
	Name string

	// Decl is the sub-dependency resolved into the field.
	Decl Declaration

	// Set stores the resolved value on the instance under construction.
	Set func(target, value any)
}

// Object declares a class-style dependency: construct an empty instance,
// resolve every declared field (propagating cache and scope), populate
// the fields, then run initialization. If the initialized value
// implements Resource it is entered through the cleanup scope.
func Object[T any](name string, construct func() T, fields ...Field) Declaration {
	return &provider{name: name, cache: true, fn: func(ctx context.Context, r *Resolver) (any, error) {
		obj := construct()
		for _, f := range fields {
			v, err := r.Resolve(ctx, f.Decl)
			if err != nil {
				return nil, err
			}
			f.Set(obj, v)
		}
		if init, ok := any(obj).(Initializer); ok {
			if err := init.Init(ctx); err != nil {
				return nil, err
			}
		}
		if res, ok := any(obj).(Resource); ok {
			entered, err := res.Enter(ctx)
			if err != nil {
				return nil, err
			}
			r.scope.Defer(res.Exit)
			return entered, nil
		}
		return obj, nil
	}}
}
