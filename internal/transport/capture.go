package transport

import (
	"context"
	"sync"
)

// Capture is a Mailer for tests: it records every send and can be
// scripted to fail for specific recipients.
type Capture struct {
	mu    sync.Mutex
	sends []Message
	fail  map[string]error
}

func NewCapture() *Capture {
	return &Capture{fail: map[string]error{}}
}

// FailFor makes sends to the given address return err.
func (c *Capture) FailFor(to string, err error) {
	c.mu.Lock()
	c.fail[to] = err
	c.mu.Unlock()
}

func (c *Capture) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return ErrNoRecipient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[msg.To]; ok && err != nil {
		return err
	}
	c.sends = append(c.sends, msg)
	return nil
}

// Sends returns a copy of everything sent so far.
func (c *Capture) Sends() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sends...)
}

// SentTo returns the messages addressed to the given recipient.
func (c *Capture) SentTo(to string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.sends {
		if m.To == to {
			out = append(out, m)
		}
	}
	return out
}

// Count returns how many messages were recorded.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}
