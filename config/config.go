// Package config loads and validates every simulator input: the environment
// table, the pools table, the strategy manifest, the difficulty bootstrap
// history and the optional sweeps file. All validation happens here, before
// any round starts.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

type DataMode int

const (
	DataModeSimple DataMode = iota
	DataModeMetrics
	DataModeFull
)

func (m DataMode) String() string {
	switch m {
	case DataModeSimple:
		return "simple"
	case DataModeMetrics:
		return "metrics"
	case DataModeFull:
		return "full"
	}
	return "invalid"
}

func (m DataMode) MarshalJSON() ([]byte, error) {
	return utils.MarshalJSON(m.String())
}

func (m *DataMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := utils.UnmarshalJSON(b, &s); err != nil {
		return err
	}
	return m.parse(s)
}

func (m *DataMode) parse(s string) error {
	switch s {
	case "", "simple":
		*m = DataModeSimple
	case "metrics":
		*m = DataModeMetrics
	case "full":
		*m = DataModeFull
	default:
		return fmt.Errorf("unknown data mode %q", s)
	}
	return nil
}

type PoolEntry struct {
	Strategy string  `json:"strategy"`
	HPP      float64 `json:"hpp"`
}

type StrategyEntry struct {
	Id         string             `json:"id"`
	EntryPoint string             `json:"entryPoint"`
	Config     sim.StrategyConfig `json:"config"`
}

// Config is the fully resolved effective configuration: what
// config_snapshot.json holds, and what a re-run consumes to reproduce a run
// bit for bit.
type Config struct {
	SimDepthHours float64 `json:"sim_depth_hours"`
	SimRounds     int     `json:"sim_rounds"`
	Sweep         bool    `json:"sweep"`
	Workers       int     `json:"workers"`
	WorkerRAMMB   uint64  `json:"worker_ram_mb"`

	DataMode DataMode `json:"data_mode"`
	LogModes []string `json:"log_modes,omitempty"`
	Seed     uint32   `json:"seed"`

	DiffTarget uint64 `json:"difficulty_target_v2"`
	Window     int    `json:"difficulty_window"`
	Lag        int    `json:"difficulty_lag"`
	Cut        int    `json:"difficulty_cut"`

	NetworkHashrate float64 `json:"network_hashrate"`
	PingMs          float64 `json:"ping_ms"`
	CV              float64 `json:"cv"`
	Mbps            float64 `json:"mbps"`
	NtpStdev        float64 `json:"ntp_stdev"`
	BlockSizeKB     float64 `json:"block_size_kb"`

	Pools      map[string]PoolEntry `json:"pools"`
	Strategies []StrategyEntry      `json:"strategies"`

	Bootstrap []sim.BootstrapBlock `json:"-"`

	Sweeps *Sweeps `json:"sweeps,omitempty"`

	// env keeps the raw environment table so sweep overrides re-derive
	// scalar fields from it.
	env map[string]string
}

// LoadEnv parses the key/value environment table. Lines are KEY=VALUE, '#'
// starts a comment.
func LoadEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("environment table: %w", err)
	}
	defer f.Close()

	env := make(map[string]string)
	scan := bufio.NewScanner(f)
	line := 0
	for scan.Scan() {
		line++
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("environment table %s:%d: not KEY=VALUE", path, line)
		}
		env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return env, scan.Err()
}

func envFloat(env map[string]string, key string, out *float64) error {
	v, ok := env[key]
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("bad %s=%q", key, v)
	}
	*out = f
	return nil
}

func envInt(env map[string]string, key string, out *int) error {
	v, ok := env[key]
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("bad %s=%q", key, v)
	}
	*out = n
	return nil
}

// FromEnv derives the scalar configuration from an environment table.
func FromEnv(env map[string]string) (*Config, error) {
	c := &Config{env: env}

	if err := envFloat(env, "SIM_DEPTH", &c.SimDepthHours); err != nil {
		return nil, err
	}
	switch rounds := env["SIM_ROUNDS"]; rounds {
	case "":
		return nil, errors.New("missing SIM_ROUNDS")
	case "sweep":
		c.Sweep = true
	default:
		n, err := strconv.Atoi(rounds)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad SIM_ROUNDS=%q", rounds)
		}
		c.SimRounds = n
	}
	if err := envInt(env, "WORKERS", &c.Workers); err != nil {
		return nil, err
	}
	if v, ok := env["WORKER_RAM"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad WORKER_RAM=%q", v)
		}
		c.WorkerRAMMB = n
	}
	if err := c.DataMode.parse(env["DATA_MODE"]); err != nil {
		return nil, err
	}
	if modes := env["LOG_MODE"]; modes != "" {
		for _, m := range strings.Split(modes, ",") {
			m = strings.TrimSpace(m)
			switch m {
			case "info", "probe", "stats":
				c.LogModes = append(c.LogModes, m)
			default:
				return nil, fmt.Errorf("unknown LOG_MODE entry %q", m)
			}
		}
	}
	if v, ok := env["SEED"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad SEED=%q", v)
		}
		c.Seed = uint32(n)
	}

	var target int
	if err := envInt(env, "DIFFICULTY_TARGET_V2", &target); err != nil {
		return nil, err
	}
	c.DiffTarget = uint64(target)
	if err := envInt(env, "DIFFICULTY_WINDOW", &c.Window); err != nil {
		return nil, err
	}
	if err := envInt(env, "DIFFICULTY_LAG", &c.Lag); err != nil {
		return nil, err
	}
	if err := envInt(env, "DIFFICULTY_CUT", &c.Cut); err != nil {
		return nil, err
	}
	if err := envFloat(env, "NETWORK_HASHRATE", &c.NetworkHashrate); err != nil {
		return nil, err
	}
	if err := envFloat(env, "PING", &c.PingMs); err != nil {
		return nil, err
	}
	if err := envFloat(env, "CV", &c.CV); err != nil {
		return nil, err
	}
	if err := envFloat(env, "MBPS", &c.Mbps); err != nil {
		return nil, err
	}
	if err := envFloat(env, "NTP_STDEV", &c.NtpStdev); err != nil {
		return nil, err
	}
	if err := envFloat(env, "BLOCK_SIZE", &c.BlockSizeKB); err != nil {
		return nil, err
	}

	return c, nil
}

// hppTolerance bounds how far the pool hashrate fractions may sum from 1.
const hppTolerance = 1e-3

// Verify checks the cross-file constraints. It must pass before any round
// starts.
func (c *Config) Verify() error {
	if c.SimDepthHours <= 0 {
		return errors.New("SIM_DEPTH must be positive")
	}
	if !c.Sweep && c.SimRounds < 1 {
		return errors.New("SIM_ROUNDS must be at least 1")
	}
	if c.Workers < 1 {
		return errors.New("WORKERS must be at least 1")
	}
	if c.DiffTarget == 0 {
		return errors.New("DIFFICULTY_TARGET_V2 must be positive")
	}
	if c.Window < 2 || c.Lag < 0 || c.Cut < 0 || c.Window-2*c.Cut < 2 {
		return fmt.Errorf("bad difficulty window parameters W=%d L=%d Cut=%d", c.Window, c.Lag, c.Cut)
	}
	if c.NetworkHashrate <= 0 || c.PingMs <= 0 || c.CV <= 0 || c.Mbps <= 0 || c.BlockSizeKB <= 0 {
		return errors.New("network parameters must be positive")
	}
	if c.NtpStdev < 0 {
		return errors.New("NTP_STDEV must not be negative")
	}

	if len(c.Pools) == 0 {
		return errors.New("pools table is empty")
	}
	var hppSum float64
	strategies := make(map[string]*StrategyEntry, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.EntryPoint != "honest" && s.EntryPoint != "selfish" {
			return fmt.Errorf("strategy %s has unknown entry point %q", s.Id, s.EntryPoint)
		}
		strategies[s.Id] = s
	}
	for id, p := range c.Pools {
		if p.HPP <= 0 {
			return fmt.Errorf("pool %s has non-positive HPP", id)
		}
		hppSum += p.HPP
		if _, ok := strategies[p.Strategy]; !ok {
			return fmt.Errorf("pool %s references unknown strategy %q", id, p.Strategy)
		}
	}
	if math.Abs(hppSum-1) > hppTolerance {
		return fmt.Errorf("pool HPP sums to %g, expected 1", hppSum)
	}

	if len(c.Bootstrap) < c.Window+c.Lag {
		return fmt.Errorf("bootstrap history has %d rows, need at least %d", len(c.Bootstrap), c.Window+c.Lag)
	}

	return nil
}

// StrategyFor resolves a pool's strategy config, normalizing the honest tag
// from the entry point.
func (c *Config) StrategyFor(poolId string) (sim.StrategyConfig, error) {
	p, ok := c.Pools[poolId]
	if !ok {
		return sim.StrategyConfig{}, fmt.Errorf("unknown pool %s", poolId)
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Id == p.Strategy {
			cfg := s.Config
			cfg.Honest = s.EntryPoint == "honest"
			return cfg, nil
		}
	}
	return sim.StrategyConfig{}, fmt.Errorf("unknown strategy %s", p.Strategy)
}

// RoundParams assembles the per-round inputs for one seed.
func (c *Config) RoundParams(seed uint32) (*sim.RoundParams, error) {
	params := &sim.RoundParams{
		Seed:            seed,
		SimDepthHours:   c.SimDepthHours,
		DiffTarget:      c.DiffTarget,
		Window:          c.Window,
		Lag:             c.Lag,
		Cut:             c.Cut,
		NetworkHashrate: c.NetworkHashrate,
		Ping:            c.PingMs / 1000,
		CV:              c.CV,
		Mbps:            c.Mbps,
		NtpStdev:        c.NtpStdev,
		BlockSizeKB:     c.BlockSizeKB,
		RAMLimitMB:      c.WorkerRAMMB,
		StatsLog:        c.HasLogMode("stats"),
		Bootstrap:       c.Bootstrap,
	}
	for _, id := range utils.SortedKeys(c.Pools) {
		strategy, err := c.StrategyFor(id)
		if err != nil {
			return nil, err
		}
		params.Pools = append(params.Pools, sim.PoolSpec{
			Id:       id,
			HPP:      c.Pools[id].HPP,
			Strategy: strategy,
		})
	}
	return params, nil
}

func (c *Config) HasLogMode(mode string) bool {
	for _, m := range c.LogModes {
		if m == mode {
			return true
		}
	}
	return false
}

// envTable returns the raw environment table, reconstructing one from the
// resolved scalars when the config came from a snapshot instead of a file.
func (c *Config) envTable() map[string]string {
	if c.env != nil {
		return c.env
	}
	rounds := strconv.Itoa(c.SimRounds)
	if c.Sweep {
		rounds = "sweep"
	}
	env := map[string]string{
		"SIM_DEPTH":            strconv.FormatFloat(c.SimDepthHours, 'g', -1, 64),
		"SIM_ROUNDS":           rounds,
		"WORKERS":              strconv.Itoa(c.Workers),
		"WORKER_RAM":           strconv.FormatUint(c.WorkerRAMMB, 10),
		"DATA_MODE":            c.DataMode.String(),
		"LOG_MODE":             strings.Join(c.LogModes, ","),
		"SEED":                 strconv.FormatUint(uint64(c.Seed), 10),
		"DIFFICULTY_TARGET_V2": strconv.FormatUint(c.DiffTarget, 10),
		"DIFFICULTY_WINDOW":    strconv.Itoa(c.Window),
		"DIFFICULTY_LAG":       strconv.Itoa(c.Lag),
		"DIFFICULTY_CUT":       strconv.Itoa(c.Cut),
		"NETWORK_HASHRATE":     strconv.FormatFloat(c.NetworkHashrate, 'g', -1, 64),
		"PING":                 strconv.FormatFloat(c.PingMs, 'g', -1, 64),
		"CV":                   strconv.FormatFloat(c.CV, 'g', -1, 64),
		"MBPS":                 strconv.FormatFloat(c.Mbps, 'g', -1, 64),
		"NTP_STDEV":            strconv.FormatFloat(c.NtpStdev, 'g', -1, 64),
		"BLOCK_SIZE":           strconv.FormatFloat(c.BlockSizeKB, 'g', -1, 64),
	}
	if c.LogModes == nil {
		delete(env, "LOG_MODE")
	}
	return env
}

// LoadPools reads the pools table JSON.
func (c *Config) LoadPools(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pools table: %w", err)
	}
	return utils.UnmarshalJSON(data, &c.Pools)
}

// LoadStrategies reads the strategy manifest JSON.
func (c *Config) LoadStrategies(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("strategy manifest: %w", err)
	}
	return utils.UnmarshalJSON(data, &c.Strategies)
}
