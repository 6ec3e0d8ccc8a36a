package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "github.com/meitar/better-angels/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, display_name, pronoun, phone, carrier, crisis_message, default_team, public_responder)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.DisplayName, u.Pronoun, u.Phone, u.Carrier, u.CrisisMessage, u.DefaultTeam, boolInt(u.PublicResponder),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var pub int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, pronoun, phone, carrier, crisis_message, default_team, public_responder
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Pronoun, &u.Phone, &u.Carrier, &u.CrisisMessage, &u.DefaultTeam, &pub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.PublicResponder = pub != 0
	return u, nil
}

func (s *sqliteStore) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email=?, display_name=?, pronoun=?, phone=?, carrier=?, crisis_message=?, default_team=?, public_responder=?
		 WHERE id=?`,
		u.Email, u.DisplayName, u.Pronoun, u.Phone, u.Carrier, u.CrisisMessage, u.DefaultTeam, boolInt(u.PublicResponder), u.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res, "user "+u.ID)
}

// ---- teams ----

func (s *sqliteStore) CreateTeam(ctx context.Context, t *Team) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TeamDraft
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO teams(id, owner_id, name, status, created_at) VALUES(?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Name, string(t.Status), t.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	t := &Team{}
	var status, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, status, created_at FROM teams WHERE id = ?`, id,
	).Scan(&t.ID, &t.OwnerID, &t.Name, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	t.Status = TeamStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return t, nil
}

func (s *sqliteStore) UpdateTeamStatus(ctx context.Context, id string, status TeamStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE teams SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "team "+id)
}

func (s *sqliteStore) TeamsOwnedBy(ctx context.Context, ownerID string) ([]*Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, status, created_at FROM teams WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Team
	for rows.Next() {
		t := &Team{}
		var status, created string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &status, &created); err != nil {
			return nil, err
		}
		t.Status = TeamStatus(status)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- memberships ----

func (s *sqliteStore) UpsertMembership(ctx context.Context, teamID, userID string, state MembershipState) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships(team_id, user_id, state, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(team_id, user_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		teamID, userID, string(state), now, now,
	)
	return err
}

func (s *sqliteStore) Membership(ctx context.Context, teamID, userID string) (*Membership, error) {
	m := &Membership{}
	var state, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT team_id, user_id, state, created_at, updated_at FROM memberships WHERE team_id=? AND user_id=?`,
		teamID, userID,
	).Scan(&m.TeamID, &m.UserID, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("membership %s/%s: %w", teamID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.State = MembershipState(state)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return m, nil
}

func (s *sqliteStore) ConfirmedMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM memberships WHERE team_id=? AND state=? ORDER BY created_at`,
		teamID, string(MembershipConfirmed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ConfirmedCount(ctx context.Context, teamID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE team_id=? AND state=?`,
		teamID, string(MembershipConfirmed)).Scan(&n)
	return n, err
}

// ---- alerts ----

func (s *sqliteStore) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Hash == "" {
		a.Hash = NewHash()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alerts(id, author_id, title, message, hash, created_at) VALUES(?,?,?,?,?,?)`,
		a.ID, a.AuthorID, a.Title, a.Message, a.Hash, a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	for _, teamID := range a.TeamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO alert_teams(alert_id, team_id) VALUES(?,?)`, a.ID, teamID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	return s.alertBy(ctx, `id = ?`, id)
}

func (s *sqliteStore) AlertByHashPrefix(ctx context.Context, prefix string) (*Alert, error) {
	if prefix == "" {
		return nil, fmt.Errorf("alert by hash: %w", ErrNotFound)
	}
	// Prefix match supports both full hashes and 8-char short tokens.
	return s.alertBy(ctx, `hash LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
}

func (s *sqliteStore) alertBy(ctx context.Context, where string, arg any) (*Alert, error) {
	a := &Alert{}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, title, message, hash, created_at FROM alerts WHERE `+where, arg,
	).Scan(&a.ID, &a.AuthorID, &a.Title, &a.Message, &a.Hash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

	rows, err := s.db.QueryContext(ctx, `SELECT team_id FROM alert_teams WHERE alert_id=?`, a.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, err
		}
		a.TeamIDs = append(a.TeamIDs, teamID)
	}
	return a, rows.Err()
}

// ---- markers ----

func (s *sqliteStore) PutMarker(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO markers(team_id, user_id, created_at) VALUES(?,?,?)`,
		teamID, userID, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) MarkersForTeam(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM markers WHERE team_id=? ORDER BY created_at`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteMarker(ctx context.Context, teamID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE team_id=? AND user_id=?`, teamID, userID)
	return err
}

func (s *sqliteStore) TeamsWithMarkers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT team_id FROM markers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
