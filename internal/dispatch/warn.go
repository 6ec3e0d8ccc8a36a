package dispatch

import (
	"context"
	"fmt"

	"github.com/meitar/better-angels/internal/transport"
	logx "github.com/meitar/better-angels/pkg/logx"
)

const (
	noResponderSubject = "You no longer have crisis responders."
	noResponderBody    = "Either you have removed the last of your crisis response team members, " +
		"or they have all left your teams. You will not be able to send an alert to " +
		"anyone until you add more people to your team(s)."
)

// warnIfNoResponder handles a team-emptied event. The check is
// cross-team: emptying one team must not warn an owner who still has a
// confirmed responder on another team.
func (e *Engine) warnIfNoResponder(ctx context.Context, teamID string) error {
	t, err := e.store.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("no-responder warning: %w", err)
	}
	has, err := e.teams.HasConfirmedResponder(ctx, t.OwnerID)
	if err != nil {
		return fmt.Errorf("no-responder warning: %w", err)
	}
	if has {
		return nil
	}
	owner, err := e.store.GetUser(ctx, t.OwnerID)
	if err != nil {
		return fmt.Errorf("no-responder warning: %w", err)
	}

	e.mu.Lock()
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = e.mailer.Send(sendCtx, transport.Message{
		To:      owner.Email,
		Subject: noResponderSubject,
		Body:    noResponderBody,
	})
	if err != nil {
		e.log.Warn("no-responder warning send failed",
			logx.String("owner", t.OwnerID), logx.Err(err))
		return nil
	}
	e.log.Info("no-responder warning sent", logx.String("owner", t.OwnerID))
	return nil
}
