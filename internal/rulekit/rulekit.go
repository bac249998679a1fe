// Package rulekit ships the stock text rule checkers. Each constructor
// returns a gate.CheckFunc suitable for a descriptor's Rule gate; the
// checkers pull the seeded event from the resolver and record structured
// match data on the same resolver under MatchKey, where Handle reads it
// back via Match.
//
// All text checkers vote false on events that carry no plain text.
package rulekit

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/node"
	"github.com/relaykit/relay/internal/state"
)

// Option configures a text checker.
type Option func(*config)

type config struct {
	ignoreCase bool
}

// IgnoreCase makes the checker match case-insensitively, using Unicode
// case folding rather than ASCII lowering.
func IgnoreCase() Option {
	return func(c *config) { c.ignoreCase = true }
}

var folder = cases.Fold()

func (c *config) norm(s string) string {
	if c.ignoreCase {
		return folder.String(s)
	}
	return s
}

func apply(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// text extracts the event's plain text, or reports false for events that
// have none.
func text(r *di.Resolver) (string, bool) {
	ev, err := di.Seeded[event.Event](r, node.EventKey)
	if err != nil {
		return "", false
	}
	m, ok := ev.(event.MessageEvent)
	if !ok {
		return "", false
	}
	return m.PlainText(), true
}

// MatchKey is the resolver key under which the firing checker records
// its structured match data. The resolver lives exactly one dispatch, so
// concurrent events for the same node never see each other's matches.
var MatchKey = di.NewKey("rule_match")

// Match returns the match data recorded by the rule that let the node
// fire.
func Match(ctx *node.Context) (any, bool) {
	return ctx.Resolver.Lookup(MatchKey)
}

// record stores match data for the current dispatch.
func record(r *di.Resolver, value any) {
	r.Seed(MatchKey, value)
}

// StartsWith matches message events whose text starts with any of the
// given prefixes. The matched prefix is recorded.
func StartsWith(prefixes []string, opts ...Option) gate.CheckFunc {
	cfg := apply(opts)
	normed := make([]string, len(prefixes))
	for i, p := range prefixes {
		normed[i] = cfg.norm(p)
	}
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		t, ok := text(r)
		if !ok {
			return false, nil
		}
		t = cfg.norm(t)
		for i, p := range normed {
			if strings.HasPrefix(t, p) {
				record(r, prefixes[i])
				return true, nil
			}
		}
		return false, nil
	}
}

// EndsWith matches message events whose text ends with any of the given
// suffixes. The matched suffix is recorded.
func EndsWith(suffixes []string, opts ...Option) gate.CheckFunc {
	cfg := apply(opts)
	normed := make([]string, len(suffixes))
	for i, s := range suffixes {
		normed[i] = cfg.norm(s)
	}
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		t, ok := text(r)
		if !ok {
			return false, nil
		}
		t = cfg.norm(t)
		for i, s := range normed {
			if strings.HasSuffix(t, s) {
				record(r, suffixes[i])
				return true, nil
			}
		}
		return false, nil
	}
}

// FullMatch matches message events whose whole text equals one of the
// given candidates. The matched candidate is recorded.
func FullMatch(candidates []string, opts ...Option) gate.CheckFunc {
	cfg := apply(opts)
	normed := make([]string, len(candidates))
	for i, c := range candidates {
		normed[i] = cfg.norm(c)
	}
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		t, ok := text(r)
		if !ok {
			return false, nil
		}
		t = cfg.norm(t)
		for i, c := range normed {
			if t == c {
				record(r, candidates[i])
				return true, nil
			}
		}
		return false, nil
	}
}

// Keywords matches message events whose text contains any of the given
// keywords. The set of keywords found is recorded.
func Keywords(keywords []string, opts ...Option) gate.CheckFunc {
	cfg := apply(opts)
	normed := make([]string, len(keywords))
	for i, k := range keywords {
		normed[i] = cfg.norm(k)
	}
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		t, ok := text(r)
		if !ok {
			return false, nil
		}
		t = cfg.norm(t)
		var found []string
		for i, k := range normed {
			if strings.Contains(t, k) {
				found = append(found, keywords[i])
			}
		}
		if len(found) == 0 {
			return false, nil
		}
		record(r, found)
		return true, nil
	}
}

// Regex matches message events whose text matches the pattern. The
// *regexp.Regexp match (submatch slice) is recorded. The pattern is
// compiled eagerly; an invalid pattern panics at registration time.
func Regex(pattern string, opts ...Option) gate.CheckFunc {
	cfg := apply(opts)
	if cfg.ignoreCase {
		pattern = "(?i)" + pattern
	}
	re := regexp.MustCompile(pattern)
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		t, ok := text(r)
		if !ok {
			return false, nil
		}
		m := re.FindStringSubmatch(t)
		if m == nil {
			return false, nil
		}
		record(r, m)
		return true, nil
	}
}

// ToMe matches events that address the bot itself. Events that do not
// implement event.Directed never match.
func ToMe() gate.CheckFunc {
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		ev, err := di.Seeded[event.Event](r, node.EventKey)
		if err != nil {
			return false, nil
		}
		d, ok := ev.(event.Directed)
		return ok && d.IsToMe(), nil
	}
}

// Count matches when the node has accumulated at least n matching events.
// It bumps a counter in the node's state namespace on every evaluation
// and fires once the threshold is reached, resetting the counter.
func Count(n int) gate.CheckFunc {
	const key = "_rule_count"
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		ns, err := di.Seeded[*state.Namespace](r, node.StateKey)
		if err != nil {
			return false, nil
		}
		seen, _ := ns.GetOrInit(key, func() any { return 0 }).(int)
		seen++
		if seen >= n {
			ns.Set(key, 0)
			return true, nil
		}
		ns.Set(key, seen)
		return false, nil
	}
}
