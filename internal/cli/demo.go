package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/node"
	"github.com/relaykit/relay/internal/permkit"
	"github.com/relaykit/relay/internal/rulekit"
)

// botDecl resolves the seeded bot handle through the dependency
// resolver.
var botDecl = di.Provide("bot", func(_ context.Context, r *di.Resolver) (any, error) {
	return di.Seeded[any](r, node.BotKey)
})

// DemoNodes returns the built-in node set used by the run command. It
// doubles as a working example of descriptors, gates, signals and the
// reject/resume conversation pattern.
func DemoNodes() []*relay.NodeSpec {
	return []*relay.NodeSpec{
		{
			Name:     "ping",
			Priority: 0,
			Block:    true,
			Rule:     gate.New(rulekit.FullMatch([]string{"ping"})),
			New:      func() relay.Node { return pingNode{} },
		},
		{
			Name:     "help",
			Priority: 0,
			Rule:     gate.New(rulekit.StartsWith([]string{"/help"})),
			New:      func() relay.Node { return helpNode{} },
		},
		{
			Name:       "admins",
			Priority:   5,
			Permission: gate.New(permkit.Superuser()),
			Rule:       gate.New(rulekit.FullMatch([]string{"admins"})),
			New:        func() relay.Node { return adminNode{} },
		},
		{
			Name:     "order",
			Priority: 10,
			New:      func() relay.Node { return orderNode{} },
		},
	}
}

type pingNode struct{}

func (pingNode) Handle(ctx *relay.Ctx) error {
	return ctx.Reply("pong")
}

type helpNode struct{}

func (helpNode) Handle(ctx *relay.Ctx) error {
	return relay.Finish("commands: ping, /help, admins, order <item>")
}

type adminNode struct{}

func (adminNode) Handle(ctx *relay.Ctx) error {
	type superusers interface{ Superusers() []string }
	bot, err := ctx.Run(botDecl)
	if err != nil {
		return err
	}
	return relay.Finish(fmt.Sprintf("superusers: %v", bot.(superusers).Superusers()))
}

// orderNode is a two-turn conversation: "order tea" confirms at once,
// a bare "order" asks for the item and waits for the follow-up message.
type orderNode struct{}

const orderPendingKey = "pending"

func (orderNode) Rule(ctx *relay.Ctx) (bool, error) {
	if pending, _ := ctx.State.Get(orderPendingKey); pending == true {
		return true, nil
	}
	m, ok := ctx.Event.(relay.MessageEvent)
	return ok && strings.HasPrefix(m.PlainText(), "order"), nil
}

func (orderNode) Handle(ctx *relay.Ctx) error {
	text := ctx.Event.(relay.MessageEvent).PlainText()

	if pending, _ := ctx.State.Get(orderPendingKey); pending == true {
		ctx.State.Delete(orderPendingKey)
		return relay.Finish("ordered: " + text)
	}

	item := strings.TrimSpace(strings.TrimPrefix(text, "order"))
	if item != "" {
		return relay.Finish("ordered: " + item)
	}
	ctx.State.Set(orderPendingKey, true)
	return relay.Reject("what would you like?", relay.RejectTimeout(time.Minute))
}
