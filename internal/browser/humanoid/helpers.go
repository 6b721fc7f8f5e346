// internal/browser/humanoid/helpers.go
package humanoid

import (
	"math"
	"math/rand"
)

// uniform returns an integer in [lo, hi], both inclusive. Swapped bounds are tolerated.
func uniform(rng *rand.Rand, lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// wheelSteps splits a vertical scroll into fixed steps of stepSize units.
// The sign of each step follows deltaY.
func wheelSteps(deltaY, stepSize float64) (n int, step float64) {
	if deltaY == 0 || math.IsNaN(deltaY) {
		return 0, 0
	}
	n = int(math.Ceil(math.Abs(deltaY) / stepSize))
	return n, math.Copysign(stepSize, deltaY)
}
