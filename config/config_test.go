package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/types"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

const testEnv = `# simulator environment
SIM_DEPTH=24
SIM_ROUNDS=4
WORKERS=2
WORKER_RAM=2048
DATA_MODE=metrics
LOG_MODE=info,stats
SEED=42

DIFFICULTY_TARGET_V2=120
DIFFICULTY_WINDOW=20
DIFFICULTY_LAG=5
DIFFICULTY_CUT=2
NETWORK_HASHRATE=1000000
PING=70
CV=1.0
MBPS=100
NTP_STDEV=2
BLOCK_SIZE=300
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testBootstrap(n int) []sim.BootstrapBlock {
	rows := make([]sim.BootstrapBlock, 0, n)
	cum := types.ZeroDifficulty
	for i := 0; i < n; i++ {
		cum = cum.Add64(1000)
		rows = append(rows, sim.BootstrapBlock{
			Height:        uint64(100 + i),
			Timestamp:     int64(i) * 120,
			Difficulty:    types.DifficultyFrom64(1000),
			CumDifficulty: cum,
		})
	}
	return rows
}

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	env, err := LoadEnv(writeFile(t, dir, "sim.env", testEnv))
	require.NoError(t, err)
	cfg, err := FromEnv(env)
	require.NoError(t, err)
	cfg.Pools = map[string]PoolEntry{
		"P0": {Strategy: "honest", HPP: 0.6},
		"P1": {Strategy: "honest", HPP: 0.4},
	}
	cfg.Strategies = []StrategyEntry{
		{Id: "honest", EntryPoint: "honest"},
		{Id: "es", EntryPoint: "selfish", Config: sim.StrategyConfig{KThresh: 1, RetortPolicy: 1}},
	}
	cfg.Bootstrap = testBootstrap(25)
	return cfg
}

func TestFromEnv(t *testing.T) {
	cfg := loadTestConfig(t)

	assert.Equal(t, 24.0, cfg.SimDepthHours)
	assert.Equal(t, 4, cfg.SimRounds)
	assert.False(t, cfg.Sweep)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, uint64(2048), cfg.WorkerRAMMB)
	assert.Equal(t, DataModeMetrics, cfg.DataMode)
	assert.Equal(t, []string{"info", "stats"}, cfg.LogModes)
	assert.Equal(t, uint32(42), cfg.Seed)
	assert.Equal(t, uint64(120), cfg.DiffTarget)
	assert.Equal(t, 20, cfg.Window)
	assert.Equal(t, 70.0, cfg.PingMs)

	require.NoError(t, cfg.Verify())
}

func TestVerifyRejectsBadHPP(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pools["P1"] = PoolEntry{Strategy: "honest", HPP: 0.5}
	assert.ErrorContains(t, cfg.Verify(), "HPP")
}

func TestVerifyToleratesSmallHPPError(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pools["P1"] = PoolEntry{Strategy: "honest", HPP: 0.4005}
	assert.NoError(t, cfg.Verify())
}

func TestVerifyRejectsUnknownStrategy(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pools["P0"] = PoolEntry{Strategy: "nope", HPP: 0.6}
	assert.ErrorContains(t, cfg.Verify(), "unknown strategy")
}

func TestVerifyRejectsShortBootstrap(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Bootstrap = testBootstrap(10)
	assert.ErrorContains(t, cfg.Verify(), "bootstrap")
}

func TestSweepRoundsParse(t *testing.T) {
	dir := t.TempDir()
	env, err := LoadEnv(writeFile(t, dir, "sim.env", "SIM_ROUNDS=sweep\nSIM_DEPTH=1\nWORKERS=1\nDIFFICULTY_TARGET_V2=120\nDIFFICULTY_WINDOW=20\nDIFFICULTY_LAG=5\nDIFFICULTY_CUT=2\nNETWORK_HASHRATE=1e6\nPING=70\nCV=1\nMBPS=100\nNTP_STDEV=0\nBLOCK_SIZE=300\n"))
	require.NoError(t, err)
	cfg, err := FromEnv(env)
	require.NoError(t, err)
	assert.True(t, cfg.Sweep)
}

func TestRoundParamsConversion(t *testing.T) {
	cfg := loadTestConfig(t)
	params, err := cfg.RoundParams(7)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), params.Seed)
	// ping converts from milliseconds to seconds
	assert.InDelta(t, 0.07, params.Ping, 1e-12)
	assert.Equal(t, 86400.0, params.SimDepthSeconds())
	require.Len(t, params.Pools, 2)
	// pools come out sorted by id
	assert.Equal(t, "P0", params.Pools[0].Id)
	assert.True(t, params.Pools[0].Strategy.Honest)
	assert.True(t, params.StatsLog)
}

func TestStrategyForNormalizesHonestTag(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Pools["P1"] = PoolEntry{Strategy: "es", HPP: 0.4}

	s, err := cfg.StrategyFor("P1")
	require.NoError(t, err)
	assert.False(t, s.Honest)
	assert.Equal(t, 1, s.KThresh)

	s, err = cfg.StrategyFor("P0")
	require.NoError(t, err)
	assert.True(t, s.Honest)
}

func TestLoadBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "historical_blocks.csv",
		"height,timestamp,difficulty,cumulative_difficulty\n"+
			"100,0,1000,1000\n"+
			"101,120,1000,2000\n"+
			"102,240,1000,3000\n")

	rows, err := LoadBootstrap(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(102), rows[2].Height)
	assert.True(t, rows[2].CumDifficulty.Equals64(3000))
}

func TestLoadBootstrapRejectsGaps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "historical_blocks.csv",
		"100,0,1000,1000\n103,120,1000,2000\n")
	_, err := LoadBootstrap(path)
	assert.ErrorContains(t, err, "consecutive")
}

func TestLoadBootstrapRejectsBadCumulative(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "historical_blocks.csv",
		"100,0,1000,1000\n101,120,1000,9999\n")
	_, err := LoadBootstrap(path)
	assert.ErrorContains(t, err, "cumulative")
}

func TestSweepsExpansion(t *testing.T) {
	sweeps, err := ParseSweeps([]byte(`{"network": {"PING": [50, 100], "MBPS": [10, 1000]}, "SEED": [1]}`))
	require.NoError(t, err)

	// top-level keys keep file order; nested groups re-encode with sorted
	// keys before the ordered re-parse
	require.Len(t, sweeps.Leaves, 3)
	assert.Equal(t, "network.MBPS", sweeps.Leaves[0].Path)
	assert.Equal(t, "network.PING", sweeps.Leaves[1].Path)
	assert.Equal(t, "SEED", sweeps.Leaves[2].Path)

	perms := sweeps.Permutations()
	require.Len(t, perms, 4)
	// the first leaf varies slowest
	assert.Equal(t, "10", FormatSweepValue(perms[0][0].Value))
	assert.Equal(t, "50", FormatSweepValue(perms[0][1].Value))
	assert.Equal(t, "100", FormatSweepValue(perms[1][1].Value))
	assert.Equal(t, "1000", FormatSweepValue(perms[2][0].Value))
}

func TestApplyPermutation(t *testing.T) {
	cfg := loadTestConfig(t)
	sweeps, err := ParseSweeps([]byte(`{"PING": [50, 100]}`))
	require.NoError(t, err)
	cfg.Sweeps = sweeps

	perms := sweeps.Permutations()
	require.Len(t, perms, 2)

	derived, err := cfg.ApplyPermutation(perms[1])
	require.NoError(t, err)
	assert.Equal(t, 100.0, derived.PingMs)
	// untouched scalars survive, pools stay attached
	assert.Equal(t, cfg.Mbps, derived.Mbps)
	assert.Len(t, derived.Pools, 2)
}

func TestConfigSnapshotRoundTrip(t *testing.T) {
	cfg := loadTestConfig(t)
	data, err := utils.MarshalJSONIndent(cfg, "    ")
	require.NoError(t, err)

	var back Config
	require.NoError(t, utils.UnmarshalJSON(data, &back))
	back.Bootstrap = cfg.Bootstrap

	assert.Equal(t, cfg.Seed, back.Seed)
	assert.Equal(t, cfg.DataMode, back.DataMode)
	assert.Equal(t, cfg.PingMs, back.PingMs)
	assert.Equal(t, cfg.Pools, back.Pools)
	require.NoError(t, back.Verify())
}
