package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meitar/better-angels/internal/store"
	"github.com/meitar/better-angels/internal/transport"
	logx "github.com/meitar/better-angels/pkg/logx"
)

// InviteMembers runs the invitation fan-out for a team's pending
// markers. It is triggered on team publish and re-triggered when a
// member is added to an already-published team; because it reads only
// markers, a re-run touches just the not-yet-invited members.
//
// Each marker is deleted after its send attempt returns, success or
// failure: deletion acknowledges "invitation sent", not "accepted",
// and at-least-once delivery is accepted over losing an invitation to
// a crash between delete and send.
func (e *Engine) InviteMembers(ctx context.Context, teamID string) error {
	t, err := e.store.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("invite members: %w", err)
	}
	owner, err := e.store.GetUser(ctx, t.OwnerID)
	if err != nil {
		return fmt.Errorf("invite members: owner: %w", err)
	}
	userIDs, err := e.store.MarkersForTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("invite members: markers: %w", err)
	}
	if len(userIDs) == 0 {
		return nil
	}

	subject := fmt.Sprintf("%s wants you to join %s crisis response team.",
		owner.DisplayName, owner.PossessivePronoun())
	link := fmt.Sprintf("%s/teams/%s/membership", e.baseURL(), teamID)

	sum := &summarizer{}
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		u, err := e.store.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The user is gone; drop the marker so the sweep
				// doesn't re-drive it forever.
				e.log.Warn("marked user no longer exists; dropping marker",
					logx.String("team", teamID), logx.String("user", userID))
				_ = e.store.DeleteMarker(ctx, teamID, userID)
				continue
			}
			return fmt.Errorf("invite members: %w", err)
		}

		userID := userID
		job := sendJob{
			msg: transport.Message{
				To:      u.Email,
				Subject: subject,
				Body:    link,
			},
			teamID:  teamID,
			userID:  userID,
			channel: ChannelEmail,
			sum:     sum,
			wg:      &wg,
			after: func(error) {
				if derr := e.store.DeleteMarker(context.Background(), teamID, userID); derr != nil {
					e.log.Warn("marker delete failed",
						logx.String("team", teamID), logx.String("user", userID), logx.Err(derr))
				}
			},
		}
		if err := e.enqueue(job); err != nil {
			return fmt.Errorf("invite members: %w", err)
		}
	}
	e.waitAll(ctx, &wg)

	s := sum.summary()
	if s.Failed > 0 {
		e.log.Warn("invitation fan-out finished with failures",
			logx.String("team", teamID),
			logx.Int("attempted", s.Attempted),
			logx.Int("failed", s.Failed),
		)
	} else {
		e.log.Info("invitations sent",
			logx.String("team", teamID), logx.Int("count", s.Sent))
	}
	return nil
}
