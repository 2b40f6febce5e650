package metrics

import (
	"math"
	"sort"
)

// Gini is the rank-weighted discrete estimator
//
//	sum_i (2i - n - 1) * x_i / (n * sum x)
//
// over the ascending values x_1..x_n. Zero entries count as members of the
// population. Returns 0 for an empty or all-zero distribution.
func Gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum, weighted float64
	for i, x := range sorted {
		sum += x
		weighted += float64(2*(i+1)-n-1) * x
	}
	if sum == 0 {
		return 0
	}
	return weighted / (float64(n) * sum)
}

// Efficiency is harvest over regeneration; +Inf when something was harvested
// without any regeneration, 0 when neither happened.
func Efficiency(harvest, regeneration float64) float64 {
	if regeneration != 0 {
		return harvest / regeneration
	}
	if harvest != 0 {
		return math.Inf(1)
	}
	return 0
}

func OverUsage(greedy, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(greedy) / float64(total)
}
