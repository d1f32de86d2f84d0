package output

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.gammaspectra.live/P2Pool/netsim/config"
	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/sim/strategy"
	"git.gammaspectra.live/P2Pool/netsim/types"
)

func testBootstrap(n int) []sim.BootstrapBlock {
	rows := make([]sim.BootstrapBlock, 0, n)
	cum := types.ZeroDifficulty
	diff := types.DifficultyFrom64(120e6)
	for i := 0; i < n; i++ {
		cum = cum.Add(diff)
		rows = append(rows, sim.BootstrapBlock{
			Height:        uint64(100 + i),
			Timestamp:     int64(i-(n-1)) * 120,
			Difficulty:    diff,
			CumDifficulty: cum,
		})
	}
	return rows
}

func runTestRound(t *testing.T) (*sim.Round, *sim.Result) {
	t.Helper()
	params := &sim.RoundParams{
		Seed:            42,
		SimDepthHours:   2,
		DiffTarget:      120,
		Window:          20,
		Lag:             5,
		Cut:             2,
		NetworkHashrate: 1e6,
		Ping:            0.07,
		CV:              1.0,
		Mbps:            100,
		BlockSizeKB:     300,
		Pools: []sim.PoolSpec{
			{Id: "P0", HPP: 0.6, Strategy: sim.StrategyConfig{Honest: true}},
			{Id: "P1", HPP: 0.4, Strategy: sim.StrategyConfig{Honest: true}},
		},
		Bootstrap: testBootstrap(25),
	}
	round, err := sim.NewRound(params, strategy.New)
	require.NoError(t, err)
	result, err := round.Run(context.Background())
	require.NoError(t, err)
	return round, result
}

func readCsv(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func readGzCsv(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
	rows, err := csv.NewReader(gz).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriterFullDataMode(t *testing.T) {
	round, result := runTestRound(t)
	dir := t.TempDir()

	w, err := New(dir, config.DataModeFull, []string{"PING"})
	require.NoError(t, err)
	require.NoError(t, w.WriteRound(0, result, round, []string{"70"}))
	require.NoError(t, w.WriteHistorical(round.Params.Bootstrap))
	require.NoError(t, w.Close())

	summary := readCsv(t, filepath.Join(dir, "results_summary.csv"))
	require.Len(t, summary, 2)
	assert.Equal(t, "round", summary[0][0])
	// metric pairs, then the sweep column, then the partial flag
	assert.Equal(t, 1+2*len(sim.SummaryMetricNames)+2, len(summary[0]))
	assert.Equal(t, "70", summary[1][len(summary[1])-2])
	assert.Equal(t, "false", summary[1][len(summary[1])-1])

	metrics := readCsv(t, filepath.Join(dir, "results_metrics.csv"))
	require.Len(t, metrics, 3)

	blocks := readGzCsv(t, filepath.Join(dir, "results_blocks.csv.gz"))
	require.Greater(t, len(blocks), 1)
	for _, row := range blocks[1:] {
		// history is excluded from the dump
		assert.NotEqual(t, sim.BootstrapPoolId, row[3])
	}

	scores := readGzCsv(t, filepath.Join(dir, "results_scores.csv.gz"))
	assert.Greater(t, len(scores), 1)

	historical := readCsv(t, filepath.Join(dir, "historical_blocks.csv"))
	assert.Len(t, historical, 26)
}

func TestWriterSimpleDataMode(t *testing.T) {
	round, result := runTestRound(t)
	dir := t.TempDir()

	w, err := New(dir, config.DataModeSimple, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteRound(0, result, round, nil))
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "results_summary.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "results_metrics.csv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "results_blocks.csv.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterSnapshot(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, config.DataModeSimple, nil)
	require.NoError(t, err)
	defer w.Close()

	cfg := &config.Config{Seed: 42, DataMode: config.DataModeSimple, Workers: 1}
	require.NoError(t, w.WriteSnapshot(cfg))

	data, err := os.ReadFile(filepath.Join(dir, "config_snapshot.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"seed": 42`)
}
