// Package gate implements the rule/permission composer: a set of
// independently declared boolean checkers combined into one OR-gate with
// concurrent, short-circuiting, first-true-wins evaluation.
package gate

import (
	"context"
	"errors"

	"github.com/relaykit/relay/internal/di"
)

// ErrSkipCheck is returned by a checker that abstains. An abstaining
// checker contributes neither a true nor a false outcome; it is treated
// as if it never ran.
var ErrSkipCheck = errors.New("gate: checker abstained")

// CheckFunc is the checker contract. Checkers receive the dispatch
// resolver and may declare their own dependencies through it; the
// resolver carries the seeded bot, event and state values.
//
// Checkers run concurrently under one cancellable context. The first
// checker to return true cancels its siblings; cancellation is advisory,
// so a checker must not assume it runs to completion once it has passed
// a suspension point.
type CheckFunc func(ctx context.Context, r *di.Resolver) (bool, error)

// Gate is an OR-composed checker set. The zero value and the empty gate
// are vacuously true. Gates are immutable; Or returns a new gate.
type Gate struct {
	checkers []CheckFunc
}

// New builds a gate from the given checkers.
func New(checkers ...CheckFunc) *Gate {
	return &Gate{checkers: checkers}
}

// Empty reports whether the gate holds no checkers.
func (g *Gate) Empty() bool { return g == nil || len(g.checkers) == 0 }

// Len returns the number of checkers.
func (g *Gate) Len() int {
	if g == nil {
		return 0
	}
	return len(g.checkers)
}

// Or merges two gates into one OR-gate.
func (g *Gate) Or(other *Gate) *Gate {
	if other == nil || other.Empty() {
		if g == nil {
			return New()
		}
		return g
	}
	if g.Empty() {
		return other
	}
	merged := make([]CheckFunc, 0, len(g.checkers)+len(other.checkers))
	merged = append(merged, g.checkers...)
	merged = append(merged, other.checkers...)
	return &Gate{checkers: merged}
}

// OrFunc appends checkers to the OR-gate.
func (g *Gate) OrFunc(checkers ...CheckFunc) *Gate {
	return g.Or(New(checkers...))
}

// And is not representable: the data model only composes checkers as an
// OR-set. Callers needing AND must nest gates inside a checker.
func (g *Gate) And(*Gate) *Gate {
	panic("gate: AND composition between gates is not allowed; nest gates instead")
}

// Sub is not representable either; see And.
func (g *Gate) Sub(*Gate) *Gate {
	panic("gate: difference between gates is not allowed")
}

// Check evaluates the gate. All checkers run concurrently as independent
// goroutines sharing one cancellation scope:
//
//   - an empty gate returns true immediately (vacuous permission);
//   - the first checker to return true sets the result and cancels the
//     siblings;
//   - ErrSkipCheck abstains and counts as no vote;
//   - any other checker error propagates to the caller (first error
//     wins, siblings are cancelled);
//   - when every checker has voted false or abstained, the gate is false.
func (g *Gate) Check(ctx context.Context, r *di.Resolver) (bool, error) {
	if g.Empty() {
		return true, nil
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type verdict struct {
		passed bool
		err    error
	}
	verdicts := make(chan verdict, len(g.checkers))
	for _, checker := range g.checkers {
		checker := checker
		go func() {
			passed, err := checker(cctx, r)
			verdicts <- verdict{passed: passed, err: err}
		}()
	}

	for range g.checkers {
		v := <-verdicts
		switch {
		case v.err == nil && v.passed:
			return true, nil
		case v.err == nil:
			// Explicit false vote.
		case errors.Is(v.err, ErrSkipCheck):
			// Abstained: as if it never ran.
		default:
			return false, v.err
		}
	}
	return false, nil
}
