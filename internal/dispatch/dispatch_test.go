package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/meitar/better-angels/internal/eventbus"
	"github.com/meitar/better-angels/internal/format"
	"github.com/meitar/better-angels/internal/gateway"
	"github.com/meitar/better-angels/internal/store"
	"github.com/meitar/better-angels/internal/team"
	"github.com/meitar/better-angels/internal/transport"
	logx "github.com/meitar/better-angels/pkg/logx"
)

const testBaseURL = "https://buoy.example"

type fixture struct {
	store  store.Store
	mailer *transport.Capture
	teams  *team.Service
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New(logx.Nop())
	mailer := transport.NewCapture()
	teams := team.New(st, bus, logx.Nop())

	cfg := Config{
		Workers:     2,
		QueueSize:   64,
		RatePerSec:  1000,
		SendTimeout: 5 * time.Second,
		BaseURL:     testBaseURL,
		// No sweep schedule: tests drive fan-outs explicitly.
	}
	eng := New(cfg, st, mailer, gateway.NewDirectory(nil), teams, bus, format.SMSBudget(), logx.Nop())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	return &fixture{store: st, mailer: mailer, teams: teams, engine: eng}
}

func (f *fixture) user(t *testing.T, u store.User) *store.User {
	t.Helper()
	if err := f.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &u
}

func (f *fixture) team(t *testing.T, ownerID string) *store.Team {
	t.Helper()
	tm := &store.Team{OwnerID: ownerID, Name: "responders"}
	if err := f.store.CreateTeam(context.Background(), tm); err != nil {
		t.Fatalf("create team: %v", err)
	}
	return tm
}

func (f *fixture) confirmed(t *testing.T, teamID string, u *store.User) {
	t.Helper()
	ctx := context.Background()
	if err := f.teams.AddMember(ctx, teamID, u.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := f.teams.ConfirmMember(ctx, teamID, u.ID); err != nil {
		t.Fatalf("confirm member: %v", err)
	}
}

func TestInviteFanOutOnPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "sam@example.org", DisplayName: "Sam", Pronoun: "her"})
	tm := f.team(t, owner.ID)
	a := f.user(t, store.User{Email: "a@example.org", DisplayName: "A"})
	b := f.user(t, store.User{Email: "b@example.org", DisplayName: "B"})

	if err := f.teams.AddMember(ctx, tm.ID, a.ID); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := f.teams.AddMember(ctx, tm.ID, b.ID); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if f.mailer.Count() != 0 {
		t.Fatalf("draft team must not notify, got %d sends", f.mailer.Count())
	}

	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if f.mailer.Count() != 2 {
		t.Fatalf("sends = %d, want 2", f.mailer.Count())
	}
	got := f.mailer.SentTo("a@example.org")
	if len(got) != 1 {
		t.Fatalf("sends to a = %d, want 1", len(got))
	}
	wantSubject := "Sam wants you to join her crisis response team."
	if got[0].Subject != wantSubject {
		t.Fatalf("subject = %q, want %q", got[0].Subject, wantSubject)
	}
	wantLink := fmt.Sprintf("%s/teams/%s/membership", testBaseURL, tm.ID)
	if got[0].Body != wantLink {
		t.Fatalf("body = %q, want %q", got[0].Body, wantLink)
	}

	marked, err := f.store.MarkersForTeam(ctx, tm.ID)
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	if len(marked) != 0 {
		t.Fatalf("markers = %v, want consumed after sends", marked)
	}
}

func TestInviteDefaultPronoun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "sam@example.org", DisplayName: "Sam"})
	tm := f.team(t, owner.ID)
	m := f.user(t, store.User{Email: "m@example.org"})

	if err := f.teams.AddMember(ctx, tm.ID, m.ID); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := f.mailer.SentTo("m@example.org")
	if len(got) != 1 {
		t.Fatalf("sends = %d, want 1", len(got))
	}
	want := "Sam wants you to join their crisis response team."
	if got[0].Subject != want {
		t.Fatalf("subject = %q, want %q", got[0].Subject, want)
	}
}

func TestLateMemberInvitedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "sam@example.org", DisplayName: "Sam"})
	tm := f.team(t, owner.ID)
	early := f.user(t, store.User{Email: "early@example.org"})
	late := f.user(t, store.User{Email: "late@example.org"})

	if err := f.teams.AddMember(ctx, tm.ID, early.ID); err != nil {
		t.Fatalf("add early: %v", err)
	}
	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.teams.AddMember(ctx, tm.ID, late.ID); err != nil {
		t.Fatalf("add late: %v", err)
	}

	// The catch-up run must notify the late member without re-notifying
	// the early one.
	if n := len(f.mailer.SentTo("early@example.org")); n != 1 {
		t.Fatalf("early invitations = %d, want 1", n)
	}
	if n := len(f.mailer.SentTo("late@example.org")); n != 1 {
		t.Fatalf("late invitations = %d, want 1", n)
	}
}

func TestInviteMarkerConsumedOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "sam@example.org", DisplayName: "Sam"})
	tm := f.team(t, owner.ID)
	bad := f.user(t, store.User{Email: "bad@example.org"})
	good := f.user(t, store.User{Email: "good@example.org"})
	f.mailer.FailFor("bad@example.org", errors.New("mailbox unavailable"))

	if err := f.teams.AddMember(ctx, tm.ID, bad.ID); err != nil {
		t.Fatalf("add bad: %v", err)
	}
	if err := f.teams.AddMember(ctx, tm.ID, good.ID); err != nil {
		t.Fatalf("add good: %v", err)
	}
	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// One failure must not block the other invitation.
	if n := len(f.mailer.SentTo("good@example.org")); n != 1 {
		t.Fatalf("good invitations = %d, want 1", n)
	}
	// The marker is consumed once the attempt returned, even on failure.
	marked, _ := f.store.MarkersForTeam(ctx, tm.ID)
	if len(marked) != 0 {
		t.Fatalf("markers = %v, want consumed after failed attempt", marked)
	}
}

func TestRaiseAlertFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alerter := f.user(t, store.User{Email: "pat@example.org", DisplayName: "Pat"})
	t1 := f.team(t, alerter.ID)
	t2 := f.team(t, alerter.ID)

	emailOnly := f.user(t, store.User{Email: "r1@example.org", DisplayName: "R1"})
	withSMS := f.user(t, store.User{Email: "r2@example.org", DisplayName: "R2", Phone: "555-123-4567", Carrier: "Verizon"})
	dual := f.user(t, store.User{Email: "both@example.org", DisplayName: "Both"})

	f.confirmed(t, t1.ID, emailOnly)
	f.confirmed(t, t1.ID, withSMS)
	f.confirmed(t, t1.ID, dual)
	f.confirmed(t, t2.ID, dual)

	alert, sum, err := f.engine.RaiseAlert(ctx, alerter.ID, "Help needed at the north exit", "Bring water", []string{t1.ID, t2.ID})
	if err != nil {
		t.Fatalf("RaiseAlert: %v", err)
	}
	if sum.Failed != 0 {
		t.Fatalf("failures = %+v, want none", sum.Failures)
	}
	// 4 emails (dual counted per membership) + 1 sms.
	if sum.Attempted != 5 || sum.Sent != 5 {
		t.Fatalf("summary = %+v, want 5 attempted and sent", sum)
	}

	fullLink := fmt.Sprintf("%s/alerts/review?hash=%s", testBaseURL, alert.Hash)
	mails := f.mailer.SentTo("r1@example.org")
	if len(mails) != 1 {
		t.Fatalf("r1 sends = %d, want 1", len(mails))
	}
	if mails[0].Subject != "Help needed at the north exit" {
		t.Fatalf("subject = %q", mails[0].Subject)
	}
	if mails[0].Body != "Bring water\n\n"+fullLink {
		t.Fatalf("body = %q", mails[0].Body)
	}
	wantFrom := `From: "Pat" <pat@example.org>`
	if len(mails[0].Headers) != 1 || mails[0].Headers[0] != wantFrom {
		t.Fatalf("headers = %v, want [%s]", mails[0].Headers, wantFrom)
	}

	// Same send once per (team, membership).
	if n := len(f.mailer.SentTo("both@example.org")); n != 2 {
		t.Fatalf("dual-team responder sends = %d, want 2", n)
	}

	shortLink := fmt.Sprintf("%s/a/%s", testBaseURL, alert.ShortHash())
	sms := f.mailer.SentTo("5551234567@vtext.com")
	if len(sms) != 1 {
		t.Fatalf("sms sends = %d, want 1", len(sms))
	}
	if sms[0].Body != shortLink {
		t.Fatalf("sms body = %q, want %q", sms[0].Body, shortLink)
	}
	if max := 160 - 10 - len(shortLink); len(sms[0].Subject) > max {
		t.Fatalf("sms subject length = %d, over budget %d", len(sms[0].Subject), max)
	}
	if !strings.HasPrefix("Help needed at the north exit", sms[0].Subject) {
		t.Fatalf("sms subject = %q, want prefix of the alert title", sms[0].Subject)
	}
}

func TestRaiseAlertDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	author := f.user(t, store.User{Email: "pat@example.org", DisplayName: "Pat"})
	tm := f.team(t, author.ID)
	r := f.user(t, store.User{Email: "r@example.org"})
	f.confirmed(t, tm.ID, r)

	author.DefaultTeam = tm.ID
	if err := f.store.UpdateUser(ctx, author); err != nil {
		t.Fatalf("update user: %v", err)
	}

	// Empty title falls back to the pre-written crisis message; empty
	// team list falls back to the default team.
	alert, sum, err := f.engine.RaiseAlert(ctx, author.ID, "", "", nil)
	if err != nil {
		t.Fatalf("RaiseAlert: %v", err)
	}
	if alert.Title != store.DefaultCrisisMessage {
		t.Fatalf("title = %q, want %q", alert.Title, store.DefaultCrisisMessage)
	}
	if len(alert.TeamIDs) != 1 || alert.TeamIDs[0] != tm.ID {
		t.Fatalf("teams = %v, want default team", alert.TeamIDs)
	}
	if sum.Sent == 0 {
		t.Fatalf("summary = %+v, want at least one send", sum)
	}
}

func TestRaiseAlertNoTeams(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, store.User{Email: "pat@example.org"})

	_, _, err := f.engine.RaiseAlert(context.Background(), u.ID, "Help", "", nil)
	if !errors.Is(err, ErrNoTeams) {
		t.Fatalf("err = %v, want ErrNoTeams", err)
	}
}

func TestAlertSkipsUnconfirmedMembers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alerter := f.user(t, store.User{Email: "pat@example.org", DisplayName: "Pat"})
	tm := f.team(t, alerter.ID)

	confirmed := f.user(t, store.User{Email: "ok@example.org"})
	pending := f.user(t, store.User{Email: "pending@example.org"})
	removed := f.user(t, store.User{Email: "gone@example.org"})

	f.confirmed(t, tm.ID, confirmed)
	if err := f.teams.AddMember(ctx, tm.ID, pending.ID); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	f.confirmed(t, tm.ID, removed)
	if err := f.teams.RemoveMember(ctx, tm.ID, removed.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, sum, err := f.engine.RaiseAlert(ctx, alerter.ID, "Help", "", []string{tm.ID})
	if err != nil {
		t.Fatalf("RaiseAlert: %v", err)
	}
	if sum.Attempted != 1 {
		t.Fatalf("attempted = %d, want only the confirmed member", sum.Attempted)
	}
	if n := len(f.mailer.SentTo("pending@example.org")); n != 0 {
		t.Fatalf("pending member got %d sends, want 0", n)
	}
	if n := len(f.mailer.SentTo("gone@example.org")); n != 0 {
		t.Fatalf("removed member got %d sends, want 0", n)
	}
}

func TestAlertSummaryCollectsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alerter := f.user(t, store.User{Email: "pat@example.org", DisplayName: "Pat"})
	tm := f.team(t, alerter.ID)
	ok := f.user(t, store.User{Email: "ok@example.org"})
	bad := f.user(t, store.User{Email: "bad@example.org"})
	f.confirmed(t, tm.ID, ok)
	f.confirmed(t, tm.ID, bad)
	f.mailer.FailFor("bad@example.org", errors.New("relay refused"))

	_, sum, err := f.engine.RaiseAlert(ctx, alerter.ID, "Help", "", []string{tm.ID})
	if err != nil {
		t.Fatalf("RaiseAlert: %v", err)
	}
	if sum.Attempted != 2 || sum.Sent != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 2/1/1", sum)
	}
	if len(sum.Failures) != 1 {
		t.Fatalf("failures = %v, want 1", sum.Failures)
	}
	fl := sum.Failures[0]
	if fl.To != "bad@example.org" || fl.Channel != ChannelEmail || fl.Err != "relay refused" {
		t.Fatalf("failure = %+v", fl)
	}
}

func TestWarnWhenLastResponderRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "owner@example.org", DisplayName: "Owner"})
	tm := f.team(t, owner.ID)
	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	r := f.user(t, store.User{Email: "r@example.org"})
	f.confirmed(t, tm.ID, r)

	if n := len(f.mailer.SentTo("owner@example.org")); n != 0 {
		t.Fatalf("owner got %d sends before removal, want 0", n)
	}

	if err := f.teams.RemoveMember(ctx, tm.ID, r.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got := f.mailer.SentTo("owner@example.org")
	if len(got) != 1 {
		t.Fatalf("owner warnings = %d, want 1", len(got))
	}
	if got[0].Subject != noResponderSubject {
		t.Fatalf("subject = %q", got[0].Subject)
	}
}

func TestNoWarnWhileAnotherTeamIsStaffed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "owner@example.org", DisplayName: "Owner"})
	t1 := f.team(t, owner.ID)
	t2 := f.team(t, owner.ID)
	for _, tm := range []*store.Team{t1, t2} {
		if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	r1 := f.user(t, store.User{Email: "r1@example.org"})
	r2 := f.user(t, store.User{Email: "r2@example.org"})
	f.confirmed(t, t1.ID, r1)
	f.confirmed(t, t2.ID, r2)

	if err := f.teams.RemoveMember(ctx, t1.ID, r1.ID); err != nil {
		t.Fatalf("remove from t1: %v", err)
	}
	if n := len(f.mailer.SentTo("owner@example.org")); n != 0 {
		t.Fatalf("warned while t2 still staffed, %d sends", n)
	}

	if err := f.teams.RemoveMember(ctx, t2.ID, r2.ID); err != nil {
		t.Fatalf("remove from t2: %v", err)
	}
	if n := len(f.mailer.SentTo("owner@example.org")); n != 1 {
		t.Fatalf("owner warnings = %d, want 1 after last team emptied", n)
	}
}

func TestNoWarnWhenPendingMemberRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "owner@example.org", DisplayName: "Owner"})
	tm := f.team(t, owner.ID)
	if err := f.teams.PublishTeam(ctx, tm.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	invitee := f.user(t, store.User{Email: "invitee@example.org"})
	if err := f.teams.AddMember(ctx, tm.ID, invitee.ID); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The invitation was never accepted; the team never had a
	// responder, so losing the invitee is not losing a responder.
	if err := f.teams.RemoveMember(ctx, tm.ID, invitee.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n := len(f.mailer.SentTo("owner@example.org")); n != 0 {
		t.Fatalf("owner warnings = %d, want 0 after removing a pending member", n)
	}
}

func TestStopRightAfterStart(t *testing.T) {
	// Stop racing the workers' first queue read must not strand them.
	for i := 0; i < 25; i++ {
		st := store.NewMemory()
		bus := eventbus.New(logx.Nop())
		teams := team.New(st, bus, logx.Nop())
		eng := New(Config{}, st, transport.NewCapture(), gateway.NewDirectory(nil), teams, bus, format.SMSBudget(), logx.Nop())

		eng.Start(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		eng.Stop(ctx)
		cancel()
	}
}

// stuckMailer blocks every send until its context expires.
type stuckMailer struct{}

func (stuckMailer) Send(ctx context.Context, _ transport.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStopDuringFanOut(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := eventbus.New(logx.Nop())
	teams := team.New(st, bus, logx.Nop())

	cfg := Config{
		Workers:     1,
		QueueSize:   1,
		RatePerSec:  1000,
		SendTimeout: 100 * time.Millisecond,
		BaseURL:     testBaseURL,
	}
	eng := New(cfg, st, stuckMailer{}, gateway.NewDirectory(nil), teams, bus, format.SMSBudget(), logx.Nop())
	eng.Start(ctx)

	alerter := &store.User{Email: "pat@example.org", DisplayName: "Pat"}
	if err := st.CreateUser(ctx, alerter); err != nil {
		t.Fatalf("create user: %v", err)
	}
	tm := &store.Team{OwnerID: alerter.ID}
	if err := st.CreateTeam(ctx, tm); err != nil {
		t.Fatalf("create team: %v", err)
	}
	for i := 0; i < 4; i++ {
		u := &store.User{Email: fmt.Sprintf("r%d@example.org", i)}
		if err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("create responder: %v", err)
		}
		if err := st.UpsertMembership(ctx, tm.ID, u.ID, store.MembershipConfirmed); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}
	alert := &store.Alert{AuthorID: alerter.ID, Title: "Help", TeamIDs: []string{tm.ID}}
	if err := st.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// The single stuck worker fills the queue, leaving the fan-out
	// blocked in mid-enqueue while Stop runs concurrently.
	fanDone := make(chan struct{})
	go func() {
		defer close(fanDone)
		_, _ = eng.FanOutAlert(context.Background(), alert.ID)
	}()
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eng.Stop(stopCtx)

	select {
	case <-fanDone:
	case <-time.After(5 * time.Second):
		t.Fatal("fan-out did not return after Stop")
	}
}

func TestSweepRedrivesLeftoverMarkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := f.user(t, store.User{Email: "owner@example.org", DisplayName: "Owner"})
	tm := f.team(t, owner.ID)
	m := f.user(t, store.User{Email: "m@example.org"})

	// Simulate a marker that survived a crash: membership and marker
	// exist on a published team, but no fan-out ran.
	if err := f.store.UpdateTeamStatus(ctx, tm.ID, store.TeamPublished); err != nil {
		t.Fatalf("publish directly: %v", err)
	}
	if err := f.store.UpsertMembership(ctx, tm.ID, m.ID, store.MembershipPending); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := f.store.PutMarker(ctx, tm.ID, m.ID); err != nil {
		t.Fatalf("put marker: %v", err)
	}

	f.engine.sweep(ctx)

	if n := len(f.mailer.SentTo("m@example.org")); n != 1 {
		t.Fatalf("sweep invitations = %d, want 1", n)
	}
	marked, _ := f.store.MarkersForTeam(ctx, tm.ID)
	if len(marked) != 0 {
		t.Fatalf("markers = %v, want consumed by sweep", marked)
	}
}
