// Package noise holds the per-round stochastic samplers: one-way delays,
// transmission time and block find times. All distributions are
// parameterized so their mean equals the configured value, and every sampler
// draws from its own seeded stream.
package noise

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"git.gammaspectra.live/P2Pool/netsim/utils"
)

// Fixed per-stream offsets derived from the round seed. Changing a scalar
// config between sweep permutations leaves every other stream's draw
// sequence intact.
const (
	streamOwdP2P = 0x9e3779b97f4a7c15
	streamOwdP2H = 0xbf58476d1ce4e5b9
	streamTx     = 0x94d049bb133111eb
	streamFind   = 0x2545f4914f6cdd1d
	streamNtp    = 0xd6e8feb86659fd93
	streamSpike  = 0xa0761d6478bd642f
)

const (
	spikeBaseP2P = 0.01
	spikeBaseP2H = 0.04
)

type Streams struct {
	owdP2P distuv.LogNormal
	owdP2H distuv.LogNormal
	txTime distuv.LogNormal

	find  *Source
	ntp   *Source
	spike *Source

	ping     float64
	ntpStdev float64

	p2pSpikeProb, p2hSpikeProb float64
	spikeFactor                float64

	statsLog bool
}

// logNormal builds a distribution with the given mean and coefficient of
// variation: sigma = sqrt(ln(1+CV^2)), mu = ln(mean) - sigma^2/2.
func logNormal(mean, cv float64, src *Source) distuv.LogNormal {
	sigma := math.Sqrt(math.Log(1 + cv*cv))
	return distuv.LogNormal{
		Mu:    math.Log(mean) - sigma*sigma/2,
		Sigma: sigma,
		Src:   src,
	}
}

// spikeProb grows with baseline ping from base-0.01 towards 0.99, modelling
// global degradation: (base - 0.01) + (1 - base) * ping / (ping + 5).
func spikeProb(base, ping float64) float64 {
	return (base - 0.01) + (1-base)*ping/(ping+5)
}

// New derives the six sampler streams from the round seed. ping is in
// seconds, mbps in Mbit/s, blockSize in kB.
func New(seed uint32, ping, cv, mbps, blockSizeKB, ntpStdev float64, statsLog bool) *Streams {
	txMean := blockSizeKB / (mbps * 1024 / 8)

	s := &Streams{
		owdP2P:       logNormal(ping, cv, NewSource(uint64(seed), streamOwdP2P)),
		owdP2H:       logNormal(2*ping, cv, NewSource(uint64(seed), streamOwdP2H)),
		txTime:       logNormal(txMean, cv, NewSource(uint64(seed), streamTx)),
		find:         NewSource(uint64(seed), streamFind),
		ntp:          NewSource(uint64(seed), streamNtp),
		spike:        NewSource(uint64(seed), streamSpike),
		ping:         ping,
		ntpStdev:     ntpStdev,
		p2pSpikeProb: spikeProb(spikeBaseP2P, ping),
		p2hSpikeProb: spikeProb(spikeBaseP2H, ping),
		spikeFactor:  1 + math.Pow(1+ping, 0.7),
		statsLog:     statsLog,
	}
	return s
}

func (s *Streams) spiked(v, prob float64) float64 {
	if s.spike.Float64() < prob {
		return v * s.spikeFactor
	}
	return v
}

// OwdP2P samples the pool-to-pool one-way delay in seconds.
func (s *Streams) OwdP2P() float64 {
	v := s.spiked(s.owdP2P.Rand(), s.p2pSpikeProb)
	if s.statsLog {
		utils.Statsf("stats: stream=owdP2P mean=%g value=%g", s.ping, v)
	}
	return v
}

// OwdP2H samples the pool-to-hasher one-way delay in seconds.
func (s *Streams) OwdP2H() float64 {
	v := s.spiked(s.owdP2H.Rand(), s.p2hSpikeProb)
	if s.statsLog {
		utils.Statsf("stats: stream=owdP2H mean=%g value=%g", 2*s.ping, v)
	}
	return v
}

// TxTime samples the full-block transmission time in seconds.
func (s *Streams) TxTime() float64 {
	v := s.txTime.Rand()
	if s.statsLog {
		utils.Statsf("stats: stream=txTime mean=%g value=%g", math.Exp(s.txTime.Mu+s.txTime.Sigma*s.txTime.Sigma/2), v)
	}
	return v
}

// BlockTime samples Exponential(lambda): the find time for a pool whose rate
// is hashrate / difficulty.
func (s *Streams) BlockTime(lambda float64) float64 {
	v := distuv.Exponential{Rate: lambda, Src: s.find}.Rand()
	if s.statsLog {
		utils.Statsf("stats: stream=blockTime mean=%g value=%g", 1/lambda, v)
	}
	return v
}

// NtpDrift samples a pool's constant clock offset from N(0, ntpStdev).
func (s *Streams) NtpDrift() float64 {
	if s.ntpStdev == 0 {
		return 0
	}
	v := distuv.Normal{Mu: 0, Sigma: s.ntpStdev, Src: s.ntp}.Rand()
	if s.statsLog {
		utils.Statsf("stats: stream=ntpDrift mean=0 value=%g", v)
	}
	return v
}
