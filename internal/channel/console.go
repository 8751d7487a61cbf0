package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/vitalsignal/carecall/internal/bus"
)

const consoleChannelName = "console"

// ConsoleChannel runs a call over stdin/stdout. It backs the `call` command:
// typed lines stand in for transcribed utterances.
type ConsoleChannel struct {
	BaseChannel
	callID string
	in     io.Reader
	out    io.Writer
	cancel context.CancelFunc
}

func NewConsoleChannel(callID string, in io.Reader, out io.Writer, b *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel(consoleChannelName, b, nil),
		callID:      callID,
		in:          in,
		out:         out,
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}

			c.bus.Inbound <- bus.InboundUtterance{
				Channel:   consoleChannelName,
				CallID:    c.callID,
				SenderID:  "console",
				Content:   text,
				Timestamp: time.Now(),
			}
		}
	}()

	return nil
}

func (c *ConsoleChannel) Send(msg bus.OutboundUtterance) error {
	_, err := fmt.Fprintf(c.out, "agent> %s\n", msg.Content)
	return err
}

func (c *ConsoleChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	log.Printf("[console] stopped")
	return nil
}
