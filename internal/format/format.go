// Package format fits notification subjects into per-channel message
// budgets. The only constrained channel today is email-to-SMS.
package format

// Budget describes one channel's size limits.
//
// An email-to-SMS gateway wraps the subject in parentheses and inserts
// a space before the body, eating WrapOverhead chars. On top of that
// the gateways consume another GatewayOverhead chars that nobody has
// accounted for; it stays configurable rather than baked into a magic
// constant.
type Budget struct {
	MaxLen          int
	WrapOverhead    int
	GatewayOverhead int
}

// SMSBudget returns the standard 160-char SMS budget.
func SMSBudget() Budget {
	return Budget{MaxLen: 160, WrapOverhead: 3, GatewayOverhead: 7}
}

func (b Budget) overhead() int {
	o := b.WrapOverhead + b.GatewayOverhead
	if o < 0 {
		return 0
	}
	return o
}

// FitSubject truncates subject so that subject + overhead + link fits
// within MaxLen. Truncation is hard (no ellipsis, no word boundaries):
// the link carries the actionable content and is never cut, the
// subject is expendable.
//
// Link length varies per send (full vs. short link), so this must be
// recomputed for every recipient/channel pair.
func (b Budget) FitSubject(subject, link string) string {
	available := b.MaxLen - b.overhead() - len(link)
	if available < 0 {
		available = 0
	}
	if len(subject) > available {
		return subject[:available]
	}
	return subject
}
