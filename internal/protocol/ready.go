// internal/protocol/ready.go
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/models"
)

// ReadyToken is the single choice a ready-check offers.
const ReadyToken = "✅"

// DefaultReadyWindow is how long a filled roster has to confirm.
const DefaultReadyWindow = 60 * time.Second

// ReadyCheck confirms that every member of a filled roster is still present
// before the fill transition becomes irreversible. Whoever confirmed by the
// deadline is the result; the caller decides what happens to the rest.
type ReadyCheck struct {
	prompt

	log    *logrus.Entry
	roster []models.Player
	Window time.Duration

	// Suspend transiently revokes a member's queueing role for the duration
	// of the check, regardless of whether they confirm. Best effort.
	Suspend func(ctx context.Context, userID string)

	confirmed map[string]bool
}

func NewReadyCheck(router *Router, surface Surface, log *logrus.Logger, roster []models.Player) *ReadyCheck {
	return &ReadyCheck{
		prompt:    newPrompt(router, surface),
		log:       log.WithField("prompt", "ready"),
		roster:    roster,
		Window:    DefaultReadyWindow,
		confirmed: make(map[string]bool),
	}
}

func (rc *ReadyCheck) view() View {
	var lines string
	for i, p := range rc.roster {
		mark := ":heavy_multiplication_x:"
		if rc.confirmed[p.UserID] {
			mark = ReadyToken
		}
		lines += fmt.Sprintf("%s  %d. %s\n", mark, i+1, p.Name)
	}
	return View{
		Title:       "Lobby has filled up!",
		Description: "React with " + ReadyToken + " to ready up.",
		Fields:      []Field{{Name: ":hourglass: Players", Value: lines}},
	}
}

func (rc *ReadyCheck) handle(ctx context.Context) func(Signal) {
	return func(sig Signal) {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		if rc.sealed {
			return
		}

		if sig.Choice != ReadyToken || !rosterHas(rc.roster, sig.UserID) {
			_ = rc.surface.Withdraw(ctx, sig)
			return
		}
		if rc.confirmed[sig.UserID] {
			return
		}

		rc.confirmed[sig.UserID] = true
		_ = rc.surface.Update(ctx, rc.view())

		if len(rc.confirmed) == len(rc.roster) {
			rc.complete()
		}
	}
}

// Run posts the prompt and blocks until every member confirmed or the window
// elapsed. It returns the confirmed subset, possibly empty, in roster order.
func (rc *ReadyCheck) Run(ctx context.Context) []models.Player {
	_ = rc.surface.Update(ctx, rc.view())
	_ = rc.surface.Offer(ctx, []string{ReadyToken})

	if rc.Suspend != nil {
		for _, p := range rc.roster {
			rc.Suspend(ctx, p.UserID)
		}
	}

	rc.bind(rc.handle(ctx))
	if err := rc.await(ctx, rc.Window); err != nil && err != ErrTimeout {
		rc.log.WithError(err).Warn("ready-check interrupted")
	}
	rc.release()

	var out []models.Player
	rc.mu.Lock()
	for _, p := range rc.roster {
		if rc.confirmed[p.UserID] {
			out = append(out, p)
		}
	}
	rc.mu.Unlock()
	return out
}

func rosterHas(roster []models.Player, userID string) bool {
	for _, p := range roster {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
