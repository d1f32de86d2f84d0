package noise

import (
	"math/bits"

	"lukechampine.com/uint128"
)

// pcg64 multiplier, 0x2360ed051fc65da44385df649fccf645.
var pcgMult = uint128.New(4865540595714422341, 2549297995355413924)

// Source is a 128-bit LCG with XSL-RR output. Each sampler owns one,
// derived from the round seed by a fixed per-stream offset, so draws on one
// stream never perturb another across permutation sweeps.
//
// Implements golang.org/x/exp/rand.Source.
type Source struct {
	state uint128.Uint128
	inc   uint128.Uint128
}

func NewSource(seed, stream uint64) *Source {
	s := &Source{}
	s.seed(seed, stream)
	return s
}

func (s *Source) seed(seed, stream uint64) {
	s.inc = uint128.From64(stream).MulWrap64(0xda942042e4dd58b5).Or64(1)
	s.state = s.inc.AddWrap64(seed)
	s.Uint64()
}

// Seed reseeds keeping the stream selector.
func (s *Source) Seed(seed uint64) {
	s.state = s.inc.AddWrap64(seed)
	s.Uint64()
}

func (s *Source) Uint64() uint64 {
	s.state = s.state.MulWrap(pcgMult).AddWrap(s.inc)
	return bits.RotateLeft64(s.state.Hi^s.state.Lo, -int(s.state.Hi>>58))
}

// Float64 returns a uniform draw in [0, 1) with 53 bits of precision.
func (s *Source) Float64() float64 {
	return float64(s.Uint64()>>11) / (1 << 53)
}
