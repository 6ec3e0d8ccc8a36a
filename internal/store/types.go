package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound means the referenced record id does not resolve.
	// Callers abort the single operation, not the whole batch.
	ErrNotFound = errors.New("record not found")
)

// Config configures the record store.
//
// Driver values:
//   - "sqlite": SQLite database file (default when a path is set)
//   - "memory": in-process maps, not persisted
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type TeamStatus string

const (
	TeamDraft     TeamStatus = "draft"
	TeamPublished TeamStatus = "published"
	TeamDeleted   TeamStatus = "deleted"
)

type MembershipState string

const (
	MembershipPending   MembershipState = "pending"
	MembershipConfirmed MembershipState = "confirmed"
	MembershipRemoved   MembershipState = "removed"
)

// User holds contact channels and crisis preferences.
//
// Email is always present. Phone + Carrier together yield a derived
// email-to-SMS address; either missing means "no SMS channel".
type User struct {
	ID          string
	Email       string
	DisplayName string

	// Pronoun is the possessive gender pronoun used in invitation text.
	// Empty means "their".
	Pronoun string

	Phone   string
	Carrier string

	// CrisisMessage is the user's pre-written alert message.
	// Empty means "Please help!".
	CrisisMessage   string
	DefaultTeam     string
	PublicResponder bool
}

const (
	DefaultPronoun       = "their"
	DefaultCrisisMessage = "Please help!"
)

// PossessivePronoun returns the configured pronoun or the default.
func (u *User) PossessivePronoun() string {
	if u == nil || u.Pronoun == "" {
		return DefaultPronoun
	}
	return u.Pronoun
}

// GetCrisisMessage returns the configured crisis message or the default.
func (u *User) GetCrisisMessage() string {
	if u == nil || u.CrisisMessage == "" {
		return DefaultCrisisMessage
	}
	return u.CrisisMessage
}

type Team struct {
	ID        string
	OwnerID   string
	Name      string
	Status    TeamStatus
	CreatedAt time.Time
}

type Membership struct {
	TeamID    string
	UserID    string
	State     MembershipState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Alert is immutable once published except for responder-facing status.
type Alert struct {
	ID       string
	AuthorID string
	Title    string
	Message  string

	// Hash is an opaque unguessable token authorizing responder links.
	// Its first 8 characters form the short-link token.
	Hash string

	TeamIDs   []string
	CreatedAt time.Time
}

// ShortHashLen is how many leading hash characters the short link uses.
const ShortHashLen = 8

// ShortHash returns the short-link token for the alert.
func (a *Alert) ShortHash() string {
	if len(a.Hash) <= ShortHashLen {
		return a.Hash
	}
	return a.Hash[:ShortHashLen]
}

// Marker records "this user still needs an invitation for this team".
// It is consumed (deleted) once the invitation send attempt returns.
type Marker struct {
	TeamID    string
	UserID    string
	CreatedAt time.Time
}

// NewHash returns a 64-hex-char unguessable token for alert links.
func NewHash() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable for token generation
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
