package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceDeterministic(t *testing.T) {
	a := NewSource(42, streamOwdP2P)
	b := NewSource(42, streamOwdP2P)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Uint64(), b.Uint64())
	}
}

func TestSourceStreamsIndependent(t *testing.T) {
	a := NewSource(42, streamOwdP2P)
	b := NewSource(42, streamOwdP2H)
	same := 0
	for i := 0; i < 100; i++ {
		if a.Uint64() == b.Uint64() {
			same++
		}
	}
	assert.Zero(t, same)
}

func TestSourceFloat64Range(t *testing.T) {
	s := NewSource(7, streamSpike)
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestStreamsDeterministic(t *testing.T) {
	a := New(42, 0.07, 1.0, 100, 300, 2, false)
	b := New(42, 0.07, 1.0, 100, 300, 2, false)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.OwdP2P(), b.OwdP2P())
		require.Equal(t, a.OwdP2H(), b.OwdP2H())
		require.Equal(t, a.TxTime(), b.TxTime())
		require.Equal(t, a.BlockTime(1.0/120), b.BlockTime(1.0/120))
		require.Equal(t, a.NtpDrift(), b.NtpDrift())
	}
}

func TestBlockTimeMean(t *testing.T) {
	s := New(42, 0.07, 1.0, 100, 300, 0, false)
	const n = 20000
	const lambda = 1.0 / 120
	var sum float64
	for i := 0; i < n; i++ {
		v := s.BlockTime(lambda)
		require.Greater(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 120, sum/n, 120*0.05)
}

func TestOwdMeanTracksPing(t *testing.T) {
	// small ping keeps the spike probability negligible, so the sample
	// mean stays near the configured log-normal mean
	const ping = 0.01
	s := New(42, ping, 0.5, 100, 300, 0, false)
	const n = 50000
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.OwdP2P()
	}
	assert.InDelta(t, ping, sum/n, ping*0.1)
}

func TestSpikeProbGrowsWithPing(t *testing.T) {
	assert.Less(t, spikeProb(spikeBaseP2P, 0.01), spikeProb(spikeBaseP2P, 0.1))
	assert.Less(t, spikeProb(spikeBaseP2P, 0.07), spikeProb(spikeBaseP2H, 0.07))
	assert.InDelta(t, 0.0, spikeProb(spikeBaseP2P, 0), 1e-12)
}

func TestNtpDriftZeroStdev(t *testing.T) {
	s := New(42, 0.07, 1.0, 100, 300, 0, false)
	assert.Zero(t, s.NtpDrift())
}
