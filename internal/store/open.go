package store

import (
	"context"
	"errors"
	"strings"

	logx "github.com/meitar/better-angels/pkg/logx"
)

// Store is the record store API used by the membership manager and the
// dispatch engine. The membership manager is the sole mutator of
// membership and marker state; the engine consumes markers.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	UpdateTeamStatus(ctx context.Context, id string, status TeamStatus) error
	TeamsOwnedBy(ctx context.Context, ownerID string) ([]*Team, error)

	// UpsertMembership creates or transitions the single membership row
	// for (team, user). The primary key keeps duplicate pending entries
	// from accumulating.
	UpsertMembership(ctx context.Context, teamID, userID string, state MembershipState) error
	Membership(ctx context.Context, teamID, userID string) (*Membership, error)
	ConfirmedMembers(ctx context.Context, teamID string) ([]string, error)
	ConfirmedCount(ctx context.Context, teamID string) (int, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	AlertByHashPrefix(ctx context.Context, prefix string) (*Alert, error)

	// PutMarker is idempotent: re-marking an already-marked (team, user)
	// pair is a no-op.
	PutMarker(ctx context.Context, teamID, userID string) error
	// MarkersForTeam returns the deduplicated set of marked user ids.
	MarkersForTeam(ctx context.Context, teamID string) ([]string, error)
	DeleteMarker(ctx context.Context, teamID, userID string) error
	// TeamsWithMarkers lists team ids that still have pending markers.
	TeamsWithMarkers(ctx context.Context) ([]string, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
