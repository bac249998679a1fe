// Package permkit ships the stock permission checkers for descriptor
// Permission gates.
package permkit

import (
	"context"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/node"
)

// SuperuserSource is implemented by the seeded bot handle when the
// deployment configures privileged sessions.
type SuperuserSource interface {
	Superusers() []string
}

func currentEvent(r *di.Resolver) (event.Event, bool) {
	ev, err := di.Seeded[event.Event](r, node.EventKey)
	return ev, err == nil
}

// Sessions permits events whose session is in the given whitelist. An
// optional nested gate widens the permission: the whitelist and the
// nested gate form an OR.
func Sessions(allowed []string, nested *gate.Gate) gate.CheckFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	return func(ctx context.Context, r *di.Resolver) (bool, error) {
		ev, ok := currentEvent(r)
		if !ok {
			return false, nil
		}
		if _, ok := set[ev.SessionID()]; ok {
			return true, nil
		}
		if nested != nil && !nested.Empty() {
			return nested.Check(ctx, r)
		}
		return false, nil
	}
}

// Superuser permits events from sessions the bot configuration marks as
// superusers. Without a seeded SuperuserSource the checker abstains, so
// a gate combining Superuser with other checkers still works in tests
// that seed no bot.
func Superuser() gate.CheckFunc {
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		bot, err := di.Seeded[SuperuserSource](r, node.BotKey)
		if err != nil {
			return false, gate.ErrSkipCheck
		}
		ev, ok := currentEvent(r)
		if !ok {
			return false, nil
		}
		session := ev.SessionID()
		for _, s := range bot.Superusers() {
			if s == session {
				return true, nil
			}
		}
		return false, nil
	}
}

// Source permits events produced by the named adapters.
func Source(names ...string) gate.CheckFunc {
	type sourced interface{ SourceName() string }
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(_ context.Context, r *di.Resolver) (bool, error) {
		ev, ok := currentEvent(r)
		if !ok {
			return false, nil
		}
		s, ok := ev.(sourced)
		if !ok {
			return false, nil
		}
		_, allowed := set[s.SourceName()]
		return allowed, nil
	}
}
