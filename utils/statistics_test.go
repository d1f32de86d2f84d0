package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanStdev(t *testing.T) {
	assert.Equal(t, float64(0), Mean([]float64(nil)))
	assert.Equal(t, float64(2), Mean([]int{1, 2, 3}))
	assert.Equal(t, float64(0), Stdev([]int{5}))
	assert.InDelta(t, 1.0, Stdev([]float64{1, 2, 3}), 1e-9)
}

func TestPercentile(t *testing.T) {
	s := []int{9, 1, 8, 2, 7, 3, 6, 4, 5, 10}
	assert.Equal(t, 10, Percentile(append([]int(nil), s...), 0.99))
	assert.Equal(t, 5, Percentile(append([]int(nil), s...), 0.5))
	assert.Equal(t, 1, Percentile(append([]int(nil), s...), 0.01))
	assert.Equal(t, 0, Percentile([]int(nil), 0.99))
}

func TestNthElementSlice(t *testing.T) {
	s := []int{5, 3, 9, 1, 7}
	NthElementSlice(s, 2)
	assert.Equal(t, 5, s[2])
	for _, v := range s[:2] {
		assert.LessOrEqual(t, v, s[2])
	}
	for _, v := range s[3:] {
		assert.GreaterOrEqual(t, v, s[2])
	}
}

func TestEncodeBinaryNumber(t *testing.T) {
	for _, n := range []uint64{0, 1, 61, 62, 12345678901234} {
		assert.Equal(t, n, DecodeBinaryNumber(EncodeBinaryNumber(n)))
	}
}
