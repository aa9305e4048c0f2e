// internal/protocol/draft.go
package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/models"
)

// DefaultDraftWindow bounds the whole draft from the first pick opportunity.
const DefaultDraftWindow = 180 * time.Second

// pickOrder alternates in blocks of two after the opening single pick:
// A picks 1, then B picks 2, A picks 2, and so on.
var pickOrder = "1" + strings.Repeat("2211", 25)

// TeamDraft is the interactive captain draft. Captains are seated according
// to the captain method, then take turns picking undrafted players by
// selecting their tokens. Illegal picks are withdrawn without state change.
type TeamDraft struct {
	prompt

	log    *logrus.Entry
	roster []models.Player
	method models.CaptainMethod
	rng    *rand.Rand
	Window time.Duration

	tokens  map[string]string // choice token -> user ID
	byToken []string          // offer order

	teams      [2][]models.Player
	undrafted  []models.Player
	pickNumber int
}

func NewTeamDraft(router *Router, surface Surface, log *logrus.Logger, roster []models.Player, method models.CaptainMethod, rng *rand.Rand) *TeamDraft {
	d := &TeamDraft{
		prompt: newPrompt(router, surface),
		log:    log.WithField("prompt", "draft"),
		roster: roster,
		method: method,
		rng:    rng,
		Window: DefaultDraftWindow,
		tokens: make(map[string]string),
	}
	d.undrafted = append(d.undrafted, roster...)
	for i, p := range roster {
		tok := draftToken(i)
		d.tokens[tok] = p.UserID
		d.byToken = append(d.byToken, tok)
	}
	return d
}

func draftToken(i int) string {
	if i+1 < len(models.EmojiNumbers) {
		return models.EmojiNumbers[i+1]
	}
	return fmt.Sprintf("pick-%d", i+1)
}

func (d *TeamDraft) tokenOf(userID string) string {
	for tok, id := range d.tokens {
		if id == userID {
			return tok
		}
	}
	return ""
}

// seedCaptains seats the captains for the rank and random methods. Volunteer
// captains seat themselves with their first pick.
func (d *TeamDraft) seedCaptains() {
	switch d.method {
	case models.CaptainRank:
		ranked := pie.SortStableUsing(d.undrafted, func(a, b models.Player) bool {
			return a.Rating > b.Rating
		})
		d.seat(0, ranked[0].UserID)
		d.seat(1, ranked[1].UserID)
	case models.CaptainRandom:
		first := d.rng.Intn(len(d.undrafted))
		d.seat(0, d.undrafted[first].UserID)
		second := d.rng.Intn(len(d.undrafted))
		d.seat(1, d.undrafted[second].UserID)
	}
}

// seat moves a player out of the undrafted set to the head of a team.
func (d *TeamDraft) seat(team int, userID string) {
	for i, p := range d.undrafted {
		if p.UserID == userID {
			d.teams[team] = append(d.teams[team], p)
			d.undrafted = append(d.undrafted[:i], d.undrafted[i+1:]...)
			return
		}
	}
}

// activePicker is the captain whose turn it is, or nil before both seats are
// relevant.
func (d *TeamDraft) activePicker() *models.Player {
	team := int(pickOrder[d.pickNumber] - '1')
	if len(d.teams[team]) == 0 {
		return nil
	}
	return &d.teams[team][0]
}

func (d *TeamDraft) undraftedPlayer(userID string) *models.Player {
	for i := range d.undrafted {
		if d.undrafted[i].UserID == userID {
			return &d.undrafted[i]
		}
	}
	return nil
}

func (d *TeamDraft) onTeam(team int, userID string) bool {
	for _, p := range d.teams[team] {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// apply validates and performs one pick. A volunteer captain is seated by
// their first pick; the seat sticks even if the pick itself is then illegal.
// picked is false for every illegal pick: non-captain actor, self pick,
// out-of-turn pick, or a pick into a full team.
func (d *TeamDraft) apply(actor, target string) (spent []string, seated, picked bool) {
	if actor == target {
		return nil, false, false
	}

	// Seat volunteer captains on their first pick.
	if len(d.teams[0]) == 0 {
		d.seat(0, actor)
		spent = append(spent, d.tokenOf(actor))
		seated = true
	} else if len(d.teams[1]) == 0 {
		if d.onTeam(0, actor) {
			return nil, false, false
		}
		d.seat(1, actor)
		spent = append(spent, d.tokenOf(actor))
		seated = true
	}

	picker := d.activePicker()
	if picker == nil || picker.UserID != actor {
		return spent, seated, false
	}

	team := int(pickOrder[d.pickNumber] - '1')
	if len(d.teams[team]) >= len(d.roster)/2 {
		return spent, seated, false
	}

	d.seat(team, target)
	d.pickNumber++
	spent = append(spent, d.tokenOf(target))
	return spent, seated, true
}

// maybeFinish applies the last-player rule and resolves the draft once no
// undrafted players remain. When exactly one player is left they join the
// smaller team without a captain action; on equal sizes, team A.
func (d *TeamDraft) maybeFinish() {
	if len(d.undrafted) == 1 {
		team := 0
		if len(d.teams[1]) < len(d.teams[0]) {
			team = 1
		}
		d.seat(team, d.undrafted[0].UserID)
	}
	if len(d.undrafted) == 0 {
		d.complete()
	}
}

func (d *TeamDraft) view(title string) View {
	fields := make([]Field, 0, 4)
	for i, team := range d.teams {
		name := fmt.Sprintf("__Team %d__", i+1)
		value := "Empty"
		if len(team) > 0 {
			name = fmt.Sprintf("__Team %s__", team[0].Name)
			value = strings.Join(pie.Map(team, func(p models.Player) string { return p.Name }), "\n")
		}
		fields = append(fields, Field{Name: name, Value: value})
	}

	var left string
	for i, p := range d.roster {
		if d.undraftedPlayer(p.UserID) != nil {
			left += fmt.Sprintf("%s  %s\n", draftToken(i), p.Name)
		} else {
			left += fmt.Sprintf(":heavy_multiplication_x:  ~~%s~~\n", p.Name)
		}
	}
	fields = append(fields, Field{Name: "Players Left", Value: left})

	status := "Waiting for captains..."
	if picker := d.activePicker(); picker != nil {
		status = fmt.Sprintf("Current captain: %s", picker.Name)
	}
	fields = append(fields, Field{Name: "Info", Value: status})

	return View{Title: title, Fields: fields, Footer: "Select a player to pick them."}
}

func (d *TeamDraft) handle(ctx context.Context) func(Signal) {
	return func(sig Signal) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.sealed {
			return
		}

		target, known := d.tokens[sig.Choice]
		if !known || !rosterHas(d.roster, sig.UserID) || d.undraftedPlayer(target) == nil {
			_ = d.surface.Withdraw(ctx, sig)
			return
		}

		spent, seated, picked := d.apply(sig.UserID, target)
		if !picked {
			_ = d.surface.Withdraw(ctx, sig)
			if !seated {
				return
			}
		}

		for _, tok := range spent {
			_ = d.surface.Retract(ctx, tok)
		}
		d.maybeFinish()
		_ = d.surface.Update(ctx, d.view("Team draft"))
	}
}

// Run drives the draft to completion and returns the two teams, captains at
// index 0. A timeout aborts the whole fill transition.
func (d *TeamDraft) Run(ctx context.Context) (teamA, teamB []models.Player, err error) {
	d.mu.Lock()
	d.seedCaptains()
	d.maybeFinish()
	finished := d.sealed
	d.mu.Unlock()

	_ = d.surface.Update(ctx, d.view("Team draft has begun"))

	if !finished {
		var offer []string
		for i, p := range d.roster {
			if d.undraftedPlayer(p.UserID) != nil {
				offer = append(offer, draftToken(i))
			}
		}
		_ = d.surface.Offer(ctx, offer)

		d.bind(d.handle(ctx))
		err = d.await(ctx, d.Window)
		d.release()
	}
	_ = d.surface.Clear(ctx)

	if err != nil {
		if err == ErrTimeout {
			d.log.Warn("draft timed out")
			return nil, nil, ErrTimeout
		}
		return nil, nil, err
	}
	return d.teams[0], d.teams[1], nil
}
