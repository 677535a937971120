package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineDistance(t *testing.T) {
	loc := map[string][2]float64{
		"paddington": {51.5154, -0.1755},
		"bristol":    {51.4491, -2.5813},
		"york":       {53.9580, -1.0933},
		"edinburgh":  {55.9521, -3.1884},
	}

	dist := func(a, b string) float64 {
		return HaversineDistance(loc[a][0], loc[a][1], loc[b][0], loc[b][1])
	}

	assert.InDelta(t, 166.750956, dist("paddington", "bristol"), 0.001)
	assert.InDelta(t, 278.538590, dist("paddington", "york"), 0.001)
	assert.InDelta(t, 531.527967, dist("paddington", "edinburgh"), 0.001)
	assert.InDelta(t, 296.427794, dist("bristol", "york"), 0.001)
	assert.InDelta(t, 502.297707, dist("bristol", "edinburgh"), 0.001)
	assert.InDelta(t, 258.934031, dist("york", "edinburgh"), 0.001)
	assert.InDelta(t, 0.0, dist("york", "york"), 0.0001)
}
