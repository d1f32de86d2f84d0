package utils

import (
	"math"

	"golang.org/x/exp/constraints"
)

func Mean[T constraints.Integer | constraints.Float](s []T) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v)
	}
	return sum / float64(len(s))
}

// Stdev is the sample standard deviation, 0 for fewer than two values.
func Stdev[T constraints.Integer | constraints.Float](s []T) float64 {
	if len(s) < 2 {
		return 0
	}
	mean := Mean(s)
	var sum float64
	for _, v := range s {
		d := float64(v) - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(s)-1))
}

// Percentile selects the q-th percentile (0..1) of s in place via
// NthElementSlice. Returns 0 for an empty slice.
func Percentile[T constraints.Integer | constraints.Float](s []T, q float64) T {
	if len(s) == 0 {
		var zero T
		return zero
	}
	k := int(math.Ceil(q*float64(len(s)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(s) {
		k = len(s) - 1
	}
	NthElementSlice(s, k)
	return s[k]
}
