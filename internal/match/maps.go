// internal/match/maps.go
package match

import (
	"math/rand"

	"github.com/thboss/pugbot/internal/models"
)

// RandomMap draws uniformly from the lobby's enabled pool.
func RandomMap(rng *rand.Rand, pool []models.Map) models.Map {
	return pool[rng.Intn(len(pool))]
}
