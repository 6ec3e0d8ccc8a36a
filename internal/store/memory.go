package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is the in-process backend. It backs tests and ephemeral runs;
// nothing survives a restart.
type memStore struct {
	mu sync.RWMutex

	users       map[string]User
	teams       map[string]Team
	memberships map[string]Membership // key: teamID + "/" + userID
	alerts      map[string]Alert
	markers     map[string]Marker // key: teamID + "/" + userID
}

func newMemory() *memStore {
	return &memStore{
		users:       map[string]User{},
		teams:       map[string]Team{},
		memberships: map[string]Membership{},
		alerts:      map[string]Alert{},
		markers:     map[string]Marker{},
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemory() }

func (s *memStore) Close() error { return nil }

func pairKey(teamID, userID string) string { return teamID + "/" + userID }

// ---- users ----

func (s *memStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.users[u.ID] = *u
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := u
	return &cp, nil
}

func (s *memStore) UpdateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrNotFound)
	}
	s.users[u.ID] = *u
	return nil
}

// ---- teams ----

func (s *memStore) CreateTeam(ctx context.Context, t *Team) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TeamDraft
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.teams[t.ID] = *t
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	s.mu.RLock()
	t, ok := s.teams[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	cp := t
	return &cp, nil
}

func (s *memStore) UpdateTeamStatus(ctx context.Context, id string, status TeamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	t.Status = status
	s.teams[id] = t
	return nil
}

func (s *memStore) TeamsOwnedBy(ctx context.Context, ownerID string) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Team
	for _, t := range s.teams {
		if t.OwnerID == ownerID {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- memberships ----

func (s *memStore) UpsertMembership(ctx context.Context, teamID, userID string, state MembershipState) error {
	now := time.Now()
	key := pairKey(teamID, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[key]
	if !ok {
		m = Membership{TeamID: teamID, UserID: userID, CreatedAt: now}
	}
	m.State = state
	m.UpdatedAt = now
	s.memberships[key] = m
	return nil
}

func (s *memStore) Membership(ctx context.Context, teamID, userID string) (*Membership, error) {
	s.mu.RLock()
	m, ok := s.memberships[pairKey(teamID, userID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("membership %s/%s: %w", teamID, userID, ErrNotFound)
	}
	cp := m
	return &cp, nil
}

func (s *memStore) ConfirmedMembers(ctx context.Context, teamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for _, m := range s.memberships {
		if m.TeamID == teamID && m.State == MembershipConfirmed {
			entries = append(entries, entry{m.UserID, m.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out, nil
}

func (s *memStore) ConfirmedCount(ctx context.Context, teamID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.memberships {
		if m.TeamID == teamID && m.State == MembershipConfirmed {
			n++
		}
	}
	return n, nil
}

// ---- alerts ----

func (s *memStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Hash == "" {
		a.Hash = NewHash()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.mu.Lock()
	cp := *a
	cp.TeamIDs = append([]string(nil), a.TeamIDs...)
	s.alerts[a.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	a, ok := s.alerts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("alert: %w", ErrNotFound)
	}
	cp := a
	cp.TeamIDs = append([]string(nil), a.TeamIDs...)
	return &cp, nil
}

func (s *memStore) AlertByHashPrefix(ctx context.Context, prefix string) (*Alert, error) {
	if prefix == "" {
		return nil, fmt.Errorf("alert: %w", ErrNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if len(a.Hash) >= len(prefix) && a.Hash[:len(prefix)] == prefix {
			cp := a
			cp.TeamIDs = append([]string(nil), a.TeamIDs...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("alert: %w", ErrNotFound)
}

// ---- markers ----

func (s *memStore) PutMarker(ctx context.Context, teamID, userID string) error {
	key := pairKey(teamID, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[key]; ok {
		return nil
	}
	s.markers[key] = Marker{TeamID: teamID, UserID: userID, CreatedAt: time.Now()}
	return nil
}

func (s *memStore) MarkersForTeam(ctx context.Context, teamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for _, m := range s.markers {
		if m.TeamID == teamID {
			entries = append(entries, entry{m.UserID, m.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.id)
	}
	return out, nil
}

func (s *memStore) DeleteMarker(ctx context.Context, teamID, userID string) error {
	s.mu.Lock()
	delete(s.markers, pairKey(teamID, userID))
	s.mu.Unlock()
	return nil
}

func (s *memStore) TeamsWithMarkers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, m := range s.markers {
		if !seen[m.TeamID] {
			seen[m.TeamID] = true
			out = append(out, m.TeamID)
		}
	}
	sort.Strings(out)
	return out, nil
}
