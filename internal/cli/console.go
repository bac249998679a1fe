package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/relaykit/relay"
	"github.com/relaykit/relay/internal/event"
)

// ConsoleAdapter turns stdin lines into message events and prints
// replies to stdout. One terminal is one session.
type ConsoleAdapter struct {
	In      io.Reader
	Out     io.Writer
	Session string
}

// Name implements relay.Adapter.
func (a *ConsoleAdapter) Name() string { return "console" }

// Run implements relay.Adapter. It reads lines until EOF or
// cancellation.
func (a *ConsoleAdapter) Run(ctx context.Context, bot *relay.Bot) error {
	scanner := bufio.NewScanner(a.In)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			ev := relay.NewMessage("console", a.Session, text)
			// Lines addressed to the bot by name wake name-gated nodes.
			if rest, found := strings.CutPrefix(text, bot.Name()+" "); found {
				ev.Text = rest
				ev.ToMe = true
			}
			if err := bot.HandleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Send implements the reply channel: replies are printed to the
// console.
func (a *ConsoleAdapter) Send(_ context.Context, _ event.Event, message string) error {
	_, err := fmt.Fprintf(a.Out, "< %s\n", message)
	return err
}
