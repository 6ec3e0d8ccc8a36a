// Package dispatch is the notification fan-out engine.
//
// It reacts to membership and alert lifecycle events from the event
// bus and turns them into outbound mail:
//
//   - team published (or a member added after publish): invitation
//     fan-out over the team's pending-notification markers
//   - alert published: full-detail email to every confirmed responder
//     on every associated team, plus an SMS-budgeted copy when the
//     responder has an email-to-SMS address
//   - team emptied: a no-responders warning to the owner, but only if
//     no other team of theirs has a confirmed member
//
// Delivery semantics
//
// Sends are best-effort and independent: one failure never aborts the
// sibling sends, and there is no automatic retry. Alert sends fan out
// through a bounded worker pool with a shared rate limit and a per-send
// timeout; the fan-out call blocks until every send has completed and
// returns a Summary with the per-send failures instead of swallowing
// them. Invitation markers are deleted only after their send attempt
// returns, so a crash mid-fan-out leaves markers behind for the
// periodic catch-up sweep to re-drive.
package dispatch
