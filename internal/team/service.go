// Package team owns the team membership lifecycle: invitations start
// pending, an out-of-band confirmation makes a member a responder, and
// removal can empty a team. It is the sole mutator of membership and
// marker state; the dispatch engine only consumes markers.
package team

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meitar/better-angels/internal/eventbus"
	"github.com/meitar/better-angels/internal/store"
	logx "github.com/meitar/better-angels/pkg/logx"
)

var ErrMembershipRemoved = errors.New("membership has been removed")

type Service struct {
	store store.Store
	bus   *eventbus.Bus
	log   logx.Logger

	// Per-team serialization: concurrent add/remove for the same team
	// must not interleave, or the emptied check can race.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(st store.Store, bus *eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: st, bus: bus, log: log, locks: map[string]*sync.Mutex{}}
}

func (s *Service) teamLock(teamID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.locks[teamID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[teamID] = m
	}
	return m
}

// PublishTeam transitions a team to published and triggers the
// invitation fan-out for its pending markers.
func (s *Service) PublishTeam(ctx context.Context, teamID string) error {
	mu := s.teamLock(teamID)
	mu.Lock()
	err := s.store.UpdateTeamStatus(ctx, teamID, store.TeamPublished)
	mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish team: %w", err)
	}

	s.log.Info("team published", logx.String("team", teamID))
	s.bus.Publish(ctx, eventbus.TeamPublished{TeamID: teamID})
	return nil
}

// AddMember creates a pending membership and raises a notification
// marker for (team, user). If the team is already published the
// invitation fan-out re-runs immediately; it reads only markers, so
// previously invited members are not re-notified.
func (s *Service) AddMember(ctx context.Context, teamID, userID string) error {
	mu := s.teamLock(teamID)
	mu.Lock()
	t, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("add member: %w", err)
	}
	if m, err := s.store.Membership(ctx, teamID, userID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			mu.Unlock()
			return fmt.Errorf("add member: %w", err)
		}
	} else if m.State == store.MembershipConfirmed {
		// Re-adding a confirmed member must not demote a responder
		// back to pending or re-invite them.
		mu.Unlock()
		return nil
	}
	if err := s.store.UpsertMembership(ctx, teamID, userID, store.MembershipPending); err != nil {
		mu.Unlock()
		return fmt.Errorf("add member: %w", err)
	}
	if err := s.store.PutMarker(ctx, teamID, userID); err != nil {
		mu.Unlock()
		return fmt.Errorf("add member: %w", err)
	}
	published := t.Status == store.TeamPublished
	mu.Unlock()

	s.log.Info("member added", logx.String("team", teamID), logx.String("user", userID))
	s.bus.Publish(ctx, eventbus.MemberAdded{TeamID: teamID, UserID: userID})
	if published {
		// Catch up the just-added member, mirroring a publish.
		s.bus.Publish(ctx, eventbus.TeamPublished{TeamID: teamID})
	}
	return nil
}

// RemoveMember revokes a membership and deletes any pending marker.
// If the removed member was confirmed and the team is left without
// confirmed members, a team-emptied event is raised for the
// no-responders warning check.
func (s *Service) RemoveMember(ctx context.Context, teamID, userID string) error {
	mu := s.teamLock(teamID)
	mu.Lock()
	if _, err := s.store.GetTeam(ctx, teamID); err != nil {
		mu.Unlock()
		return fmt.Errorf("remove member: %w", err)
	}
	wasConfirmed := false
	if m, err := s.store.Membership(ctx, teamID, userID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			mu.Unlock()
			return fmt.Errorf("remove member: %w", err)
		}
		// No membership row; still clear any stray marker below.
	} else {
		wasConfirmed = m.State == store.MembershipConfirmed
		if err := s.store.UpsertMembership(ctx, teamID, userID, store.MembershipRemoved); err != nil {
			mu.Unlock()
			return fmt.Errorf("remove member: %w", err)
		}
	}
	if err := s.store.DeleteMarker(ctx, teamID, userID); err != nil {
		mu.Unlock()
		return fmt.Errorf("remove member: %w", err)
	}
	confirmed, err := s.store.ConfirmedCount(ctx, teamID)
	if err != nil {
		mu.Unlock()
		return fmt.Errorf("remove member: %w", err)
	}
	mu.Unlock()

	s.log.Info("member removed", logx.String("team", teamID), logx.String("user", userID))
	s.bus.Publish(ctx, eventbus.MemberRemoved{TeamID: teamID, UserID: userID})
	// Only losing the last confirmed responder empties a team; removing
	// a pending invitee from a never-staffed team does not.
	if wasConfirmed && confirmed == 0 {
		s.log.Info("team emptied", logx.String("team", teamID))
		s.bus.Publish(ctx, eventbus.TeamEmptied{TeamID: teamID})
	}
	return nil
}

// ConfirmMember completes the invitation-acceptance step, making the
// member a responder. A removed membership cannot be confirmed.
func (s *Service) ConfirmMember(ctx context.Context, teamID, userID string) error {
	mu := s.teamLock(teamID)
	mu.Lock()
	defer mu.Unlock()

	m, err := s.store.Membership(ctx, teamID, userID)
	if err != nil {
		return fmt.Errorf("confirm member: %w", err)
	}
	if m.State == store.MembershipRemoved {
		return fmt.Errorf("confirm member %s/%s: %w", teamID, userID, ErrMembershipRemoved)
	}
	if m.State == store.MembershipConfirmed {
		return nil
	}
	if err := s.store.UpsertMembership(ctx, teamID, userID, store.MembershipConfirmed); err != nil {
		return fmt.Errorf("confirm member: %w", err)
	}
	s.log.Info("member confirmed", logx.String("team", teamID), logx.String("user", userID))
	return nil
}

// HasConfirmedResponder reports whether any published team owned by
// the user has at least one confirmed member. It returns on the first
// match; owners can have many teams but one responder anywhere is
// enough.
func (s *Service) HasConfirmedResponder(ctx context.Context, ownerID string) (bool, error) {
	teams, err := s.store.TeamsOwnedBy(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("has responder: %w", err)
	}
	for _, t := range teams {
		if t.Status != store.TeamPublished {
			continue
		}
		n, err := s.store.ConfirmedCount(ctx, t.ID)
		if err != nil {
			return false, fmt.Errorf("has responder: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
