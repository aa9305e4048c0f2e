// internal/protocol/vote.go
package protocol

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/models"
)

// DefaultVoteWindow is how long each voting round stays open.
const DefaultVoteWindow = 60 * time.Second

// MapVote lets every participant cast exactly one vote per round. The maps
// with the strict highest count win the round; a multi-way tie replays the
// vote among the tied maps. A second consecutive two-way tie is resolved by
// a uniform random pick; larger ties always replay. A round with zero votes
// counts as an all-way tie.
type MapVote struct {
	router       *Router
	surface      Surface
	log          *logrus.Entry
	participants []models.Player
	rng          *rand.Rand
	Window       time.Duration
}

func NewMapVote(router *Router, surface Surface, log *logrus.Logger, participants []models.Player, rng *rand.Rand) *MapVote {
	return &MapVote{
		router:       router,
		surface:      surface,
		log:          log.WithField("prompt", "vote"),
		participants: participants,
		rng:          rng,
		Window:       DefaultVoteWindow,
	}
}

// voteRound holds one round's prompt state.
type voteRound struct {
	prompt

	vote  *MapVote
	pool  []models.Map
	votes map[string]int    // emoji -> count
	voted map[string]string // user -> emoji, first vote wins
}

func (r *voteRound) view() View {
	max := 0
	for _, n := range r.votes {
		if n > max {
			max = n
		}
	}
	var lines string
	for _, m := range r.pool {
		lead := ""
		if n := r.votes[m.Emoji]; n == max && n > 0 {
			lead = " 🔸"
		}
		lines += fmt.Sprintf("%d  %s %s%s\n", r.votes[m.Emoji], m.Emoji, m.Name, lead)
	}
	return View{
		Title:  "Map vote started!",
		Fields: []Field{{Name: ":map: Maps", Value: lines}},
		Footer: "Vote for a map to play.",
	}
}

func (r *voteRound) handle(ctx context.Context) func(Signal) {
	return func(sig Signal) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sealed {
			return
		}

		if !rosterHas(r.vote.participants, sig.UserID) || !poolHasEmoji(r.pool, sig.Choice) {
			_ = r.surface.Withdraw(ctx, sig)
			return
		}
		if _, already := r.voted[sig.UserID]; already {
			_ = r.surface.Withdraw(ctx, sig)
			return
		}

		r.voted[sig.UserID] = sig.Choice
		r.votes[sig.Choice]++
		_ = r.surface.Update(ctx, r.view())

		if len(r.voted) == len(r.vote.participants) {
			r.complete()
		}
	}
}

func poolHasEmoji(pool []models.Map, emoji string) bool {
	for _, m := range pool {
		if m.Emoji == emoji {
			return true
		}
	}
	return false
}

// round runs a single vote over pool and returns the leading maps.
func (v *MapVote) round(ctx context.Context, pool []models.Map) ([]models.Map, error) {
	r := &voteRound{
		prompt: newPrompt(v.router, v.surface),
		vote:   v,
		pool:   pool,
		votes:  make(map[string]int),
		voted:  make(map[string]string),
	}

	_ = v.surface.Update(ctx, r.view())
	offer := make([]string, 0, len(pool))
	for _, m := range pool {
		offer = append(offer, m.Emoji)
	}
	_ = v.surface.Offer(ctx, offer)

	r.bind(r.handle(ctx))
	err := r.await(ctx, v.Window)
	r.release()
	_ = v.surface.Clear(ctx)

	if err != nil && err != ErrTimeout {
		return nil, err
	}

	// Strict-max leaders; with zero votes every map ties at zero.
	max := 0
	for _, n := range r.votes {
		if n > max {
			max = n
		}
	}
	var leaders []models.Map
	for _, m := range pool {
		if r.votes[m.Emoji] == max {
			leaders = append(leaders, m)
		}
	}
	return leaders, nil
}

// Run votes over pool until a single map wins, replaying ties per the
// tie-break rules.
func (v *MapVote) Run(ctx context.Context, pool []models.Map) (models.Map, error) {
	tieCount := 0
	for {
		leaders, err := v.round(ctx, pool)
		if err != nil {
			return models.Map{}, err
		}

		switch {
		case len(leaders) == 1:
			return leaders[0], nil
		case len(leaders) == 2 && tieCount == 1:
			return leaders[v.rng.Intn(2)], nil
		case len(leaders) == 2:
			tieCount++
		}
		v.log.WithField("tied", len(leaders)).Info("map vote tied, replaying")
		pool = leaders
	}
}
