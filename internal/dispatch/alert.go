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

var ErrNoTeams = errors.New("alert has no teams")

// RaiseAlert records a new crisis alert and fans it out immediately,
// returning the delivery summary so the caller can surface partial
// failures to the alerter.
//
// An empty title falls back to the author's pre-written crisis
// message; empty teamIDs fall back to the author's default team.
func (e *Engine) RaiseAlert(ctx context.Context, authorID, title, message string, teamIDs []string) (*store.Alert, Summary, error) {
	author, err := e.store.GetUser(ctx, authorID)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("raise alert: %w", err)
	}
	if title == "" {
		title = author.GetCrisisMessage()
	}
	if len(teamIDs) == 0 && author.DefaultTeam != "" {
		teamIDs = []string{author.DefaultTeam}
	}
	if len(teamIDs) == 0 {
		return nil, Summary{}, fmt.Errorf("raise alert: %w", ErrNoTeams)
	}

	a := &store.Alert{
		AuthorID: authorID,
		Title:    title,
		Message:  message,
		TeamIDs:  teamIDs,
	}
	if err := e.store.CreateAlert(ctx, a); err != nil {
		return nil, Summary{}, fmt.Errorf("raise alert: %w", err)
	}
	e.log.Info("alert raised", logx.String("alert", a.ID), logx.Int("teams", len(teamIDs)))

	sum, err := e.FanOutAlert(ctx, a.ID)
	if err != nil {
		return a, sum, err
	}
	return a, sum, nil
}

// FanOutAlert notifies every confirmed responder on every team the
// alert references. Each responder gets the full-detail email; those
// with a derived SMS address additionally get an SMS-budgeted copy
// carrying the short link.
//
// A responder confirmed on two of the alert's teams receives one send
// per (team, membership); that duplication is intentional.
func (e *Engine) FanOutAlert(ctx context.Context, alertID string) (Summary, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return Summary{}, fmt.Errorf("alert fan-out: %w", err)
	}
	alerter, err := e.store.GetUser(ctx, a.AuthorID)
	if err != nil {
		return Summary{}, fmt.Errorf("alert fan-out: alerter: %w", err)
	}

	base := e.baseURL()
	fullLink := fmt.Sprintf("%s/alerts/review?hash=%s", base, a.Hash)
	shortLink := fmt.Sprintf("%s/a/%s", base, a.ShortHash())
	subject := a.Title
	// Replies must route to the person in crisis, not the server.
	headers := []string{fmt.Sprintf("From: %q <%s>", alerter.DisplayName, alerter.Email)}

	body := fullLink
	if a.Message != "" {
		body = a.Message + "\n\n" + fullLink
	}

	sum := &summarizer{}
	var wg sync.WaitGroup
	for _, teamID := range a.TeamIDs {
		members, err := e.store.ConfirmedMembers(ctx, teamID)
		if err != nil {
			e.waitAll(ctx, &wg)
			return sum.summary(), fmt.Errorf("alert fan-out: team %s: %w", teamID, err)
		}
		for _, userID := range members {
			responder, err := e.store.GetUser(ctx, userID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					e.log.Warn("confirmed member no longer exists; skipping",
						logx.String("team", teamID), logx.String("user", userID))
					continue
				}
				e.waitAll(ctx, &wg)
				return sum.summary(), fmt.Errorf("alert fan-out: %w", err)
			}

			if err := e.enqueue(sendJob{
				msg: transport.Message{
					To:      responder.Email,
					Subject: subject,
					Body:    body,
					Headers: headers,
				},
				teamID:  teamID,
				userID:  userID,
				channel: ChannelEmail,
				sum:     sum,
				wg:      &wg,
			}); err != nil {
				e.waitAll(ctx, &wg)
				return sum.summary(), fmt.Errorf("alert fan-out: %w", err)
			}

			smsAddr, ok := e.gateways.SMSAddress(responder.Phone, responder.Carrier)
			if !ok {
				// No SMS channel configured; not an error.
				continue
			}
			// The budget depends on the link length, so fit per send.
			smsSubject := e.budget.FitSubject(subject, shortLink)
			if err := e.enqueue(sendJob{
				msg: transport.Message{
					To:      smsAddr,
					Subject: smsSubject,
					Body:    shortLink,
					Headers: headers,
				},
				teamID:  teamID,
				userID:  userID,
				channel: ChannelSMS,
				sum:     sum,
				wg:      &wg,
			}); err != nil {
				e.waitAll(ctx, &wg)
				return sum.summary(), fmt.Errorf("alert fan-out: %w", err)
			}
		}
	}
	e.waitAll(ctx, &wg)

	s := sum.summary()
	e.log.Info("alert fan-out complete",
		logx.String("alert", alertID),
		logx.Int("attempted", s.Attempted),
		logx.Int("sent", s.Sent),
		logx.Int("failed", s.Failed),
	)
	return s, nil
}
