package harness

import "fmt"

// Verify checks every assertion against the run result, collecting all
// failures instead of stopping at the first.
func Verify(result *Result, assertions []Assertion) []error {
	var errs []error
	for i, a := range assertions {
		if err := check(result, a); err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err))
		}
	}
	return errs
}

func check(result *Result, a Assertion) error {
	switch a.Type {
	case AssertReplyContains:
		for _, m := range result.Replies {
			if m == a.Message {
				return nil
			}
		}
		return fmt.Errorf("reply %q not sent; got %v", a.Message, result.Replies)

	case AssertReplyCount:
		if len(result.Replies) != a.Count {
			return fmt.Errorf("expected %d replies, got %d: %v", a.Count, len(result.Replies), result.Replies)
		}
		return nil

	case AssertTraceContains:
		for _, step := range result.Trace {
			if step.Node == a.Node && step.Action == a.Action {
				return nil
			}
		}
		return fmt.Errorf("step %s/%s not in trace", a.Node, a.Action)

	case AssertTraceOrder:
		next := 0
		for _, step := range result.Trace {
			if next < len(a.Steps) && step.Key() == a.Steps[next] {
				next++
			}
		}
		if next != len(a.Steps) {
			return fmt.Errorf("trace is missing %q in order", a.Steps[next])
		}
		return nil

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
