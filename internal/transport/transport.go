package transport

// Package transport delivers rendered notifications over email, which
// also covers SMS via carrier email-to-SMS gateways. Delivery is
// fire-and-forget: callers get an error for logging and move on, there
// is no receipt tracking and no automatic retry.

import (
	"context"
	"errors"
)

var ErrNoRecipient = errors.New("message has no recipient")

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string

	// Headers are extra raw header lines ("Name: value"), e.g. a From
	// override so replies route to the alerter.
	Headers []string
}

// Mailer sends a single message. Implementations must honor ctx
// cancellation/deadline; a stuck send must not outlive its context.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}
