package permkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/node"
)

type fakeBot struct {
	supers []string
}

func (f *fakeBot) Superusers() []string { return f.supers }

func seeded(ev event.Event, bot *fakeBot) *di.Resolver {
	r := di.NewResolver(di.NewScope())
	r.Seed(node.EventKey, ev)
	if bot != nil {
		r.Seed(node.BotKey, SuperuserSource(bot))
	}
	return r
}

func TestSessionsWhitelist(t *testing.T) {
	fn := Sessions([]string{"alice", "bob"}, nil)

	pass, err := fn(context.Background(), seeded(event.NewMessage("test", "alice", "hi"), nil))
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = fn(context.Background(), seeded(event.NewMessage("test", "mallory", "hi"), nil))
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestSessionsNestedGateWidens(t *testing.T) {
	nested := gate.New(func(_ context.Context, r *di.Resolver) (bool, error) {
		ev, err := di.Seeded[event.Event](r, node.EventKey)
		if err != nil {
			return false, err
		}
		return ev.SessionID() == "carol", nil
	})
	fn := Sessions([]string{"alice"}, nested)

	pass, err := fn(context.Background(), seeded(event.NewMessage("test", "carol", "hi"), nil))
	require.NoError(t, err)
	assert.True(t, pass, "nested gate must widen the whitelist")

	pass, err = fn(context.Background(), seeded(event.NewMessage("test", "mallory", "hi"), nil))
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestSuperuser(t *testing.T) {
	fn := Superuser()
	bot := &fakeBot{supers: []string{"root"}}

	pass, err := fn(context.Background(), seeded(event.NewMessage("test", "root", "hi"), bot))
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = fn(context.Background(), seeded(event.NewMessage("test", "peon", "hi"), bot))
	require.NoError(t, err)
	assert.False(t, pass)
}

func TestSuperuserAbstainsWithoutBot(t *testing.T) {
	fn := Superuser()
	_, err := fn(context.Background(), seeded(event.NewMessage("test", "root", "hi"), nil))
	assert.ErrorIs(t, err, gate.ErrSkipCheck)
}

func TestSuperuserAbstentionDoesNotFailGate(t *testing.T) {
	g := gate.New(Superuser(), Sessions([]string{"alice"}, nil))
	pass, err := g.Check(context.Background(), seeded(event.NewMessage("test", "alice", "hi"), nil))
	require.NoError(t, err)
	assert.True(t, pass)
}

func TestSource(t *testing.T) {
	fn := Source("console")

	pass, err := fn(context.Background(), seeded(event.NewMessage("console", "s1", "hi"), nil))
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = fn(context.Background(), seeded(event.NewMessage("webhook", "s1", "hi"), nil))
	require.NoError(t, err)
	assert.False(t, pass)
}
