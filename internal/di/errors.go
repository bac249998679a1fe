package di

import "fmt"

// ResolveError reports a failed dependency resolution: a required value
// has no default, no cached value and no matching declaration, or a
// declaration's body failed.
type ResolveError struct {
	// Declaration names the declaration that failed.
	Declaration string

	// Reason describes a structural failure (missing seed, type mismatch).
	Reason string

	// Err is the underlying error when the declaration body failed.
	Err error
}

func (e *ResolveError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("di: resolving %s: %v", e.Declaration, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("di: resolving %s: %s", e.Declaration, e.Reason)
	default:
		return fmt.Sprintf("di: resolving %s failed", e.Declaration)
	}
}

func (e *ResolveError) Unwrap() error { return e.Err }
