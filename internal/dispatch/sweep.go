package dispatch

import (
	"context"
	"errors"

	"github.com/meitar/better-angels/internal/store"
	logx "github.com/meitar/better-angels/pkg/logx"
)

// sweep re-drives invitation fan-out for published teams that still
// have markers. Markers only survive a fan-out when the process
// crashed between send and delete, or the team was never published;
// the sweep repairs the former and ignores the latter.
func (e *Engine) sweep(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	teamIDs, err := e.store.TeamsWithMarkers(ctx)
	if err != nil {
		e.log.Warn("sweep: listing marked teams failed", logx.Err(err))
		return
	}
	for _, teamID := range teamIDs {
		t, err := e.store.GetTeam(ctx, teamID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				e.log.Warn("sweep: marked team no longer exists", logx.String("team", teamID))
				continue
			}
			e.log.Warn("sweep: team load failed", logx.String("team", teamID), logx.Err(err))
			continue
		}
		if t.Status != store.TeamPublished {
			// Draft teams keep their markers until publish.
			continue
		}
		e.log.Info("sweep: re-driving invitations", logx.String("team", teamID))
		if err := e.InviteMembers(ctx, teamID); err != nil {
			e.log.Warn("sweep: invitation fan-out failed", logx.String("team", teamID), logx.Err(err))
		}
	}
}
