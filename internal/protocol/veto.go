// internal/protocol/veto.go
package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/models"
)

// DefaultVetoWindow bounds the whole veto.
const DefaultVetoWindow = 180 * time.Second

// MapVeto is the alternating two-captain ban protocol. Bans continue until a
// single map remains. On an even pool the second captain bans first so that
// the last, decisive ban alternates fairly with pool size.
type MapVeto struct {
	prompt

	log      *logrus.Entry
	captains [2]models.Player
	pool     []models.Map
	Window   time.Duration

	banned    map[string]bool // emoji -> banned
	banNumber int
}

func NewMapVeto(router *Router, surface Surface, log *logrus.Logger, pool []models.Map, captainA, captainB models.Player) *MapVeto {
	v := &MapVeto{
		prompt:   newPrompt(router, surface),
		log:      log.WithField("prompt", "veto"),
		captains: [2]models.Player{captainA, captainB},
		pool:     pool,
		Window:   DefaultVetoWindow,
		banned:   make(map[string]bool),
	}
	if len(pool)%2 == 0 {
		v.captains[0], v.captains[1] = v.captains[1], v.captains[0]
	}
	return v
}

func (v *MapVeto) activeBanner() models.Player {
	return v.captains[v.banNumber%2]
}

func (v *MapVeto) remaining() []models.Map {
	var left []models.Map
	for _, m := range v.pool {
		if !v.banned[m.Emoji] {
			left = append(left, m)
		}
	}
	return left
}

func (v *MapVeto) view(title string) View {
	var maps string
	for _, m := range v.pool {
		if v.banned[m.Emoji] {
			maps += fmt.Sprintf(":heavy_multiplication_x:  ~~%s~~\n", m.Name)
		} else {
			maps += fmt.Sprintf("%s  %s\n", m.Emoji, m.Name)
		}
	}
	status := fmt.Sprintf("Captain 1: %s\nCaptain 2: %s\n\nCurrent turn: %s",
		v.captains[0].Name, v.captains[1].Name, v.activeBanner().Name)
	return View{
		Title:  title,
		Fields: []Field{{Name: "Maps Left", Value: maps}, {Name: "Info", Value: status}},
		Footer: "Select a map to ban it.",
	}
}

func (v *MapVeto) handle(ctx context.Context) func(Signal) {
	return func(sig Signal) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.sealed {
			return
		}

		if sig.UserID != v.activeBanner().UserID || !v.poolHas(sig.Choice) || v.banned[sig.Choice] {
			_ = v.surface.Withdraw(ctx, sig)
			return
		}

		who := v.activeBanner().Name
		v.banned[sig.Choice] = true
		v.banNumber++
		_ = v.surface.Retract(ctx, sig.Choice)
		_ = v.surface.Update(ctx, v.view(fmt.Sprintf("%s banned a map", who)))

		if len(v.remaining()) == 1 {
			v.complete()
		}
	}
}

func (v *MapVeto) poolHas(emoji string) bool {
	for _, m := range v.pool {
		if m.Emoji == emoji {
			return true
		}
	}
	return false
}

// Run drives the veto to its single surviving map. A timeout aborts the
// whole fill transition.
func (v *MapVeto) Run(ctx context.Context) (models.Map, error) {
	// Nothing to ban with one map left.
	if left := v.remaining(); len(left) == 1 {
		return left[0], nil
	}

	_ = v.surface.Update(ctx, v.view("Map bans have begun"))

	offer := make([]string, 0, len(v.pool))
	for _, m := range v.pool {
		offer = append(offer, m.Emoji)
	}
	_ = v.surface.Offer(ctx, offer)

	v.bind(v.handle(ctx))
	err := v.await(ctx, v.Window)
	v.release()
	_ = v.surface.Clear(ctx)

	if err != nil {
		if err == ErrTimeout {
			v.log.Warn("veto timed out")
			return models.Map{}, ErrTimeout
		}
		return models.Map{}, err
	}
	return v.remaining()[0], nil
}
