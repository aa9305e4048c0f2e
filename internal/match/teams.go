// internal/match/teams.go
package match

import (
	"math/rand"

	"github.com/elliotchance/pie/v2"

	"github.com/thboss/pugbot/internal/models"
)

// RandomTeams shuffles the roster uniformly and splits it at the midpoint.
func RandomTeams(rng *rand.Rand, roster []models.Player) (teamA, teamB []models.Player) {
	shuffled := make([]models.Player, len(roster))
	copy(shuffled, roster)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	half := len(shuffled) / 2
	return shuffled[:half], shuffled[half:]
}

// AutobalanceTeams seeds each team with one of the two highest-rated players,
// then greedily gives the next-highest remaining player to the team with the
// lower rating sum. Once a team reaches half the roster size, the rest go to
// the other team. Deterministic for identical ratings and roster order.
func AutobalanceTeams(roster []models.Player) (teamA, teamB []models.Player) {
	ranked := pie.SortStableUsing(roster, func(a, b models.Player) bool {
		return a.Rating > b.Rating
	})

	teamSize := len(ranked) / 2
	teamA = append(teamA, ranked[0])
	teamB = append(teamB, ranked[1])

	sum := func(team []models.Player) float64 {
		var total float64
		for _, p := range team {
			total += p.Rating
		}
		return total
	}

	for _, p := range ranked[2:] {
		switch {
		case len(teamA) >= teamSize:
			teamB = append(teamB, p)
		case len(teamB) >= teamSize:
			teamA = append(teamA, p)
		case sum(teamA) < sum(teamB):
			teamA = append(teamA, p)
		default:
			teamB = append(teamB, p)
		}
	}
	return teamA, teamB
}
