package sim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"git.gammaspectra.live/P2Pool/netsim/sim/noise"
	"git.gammaspectra.live/P2Pool/netsim/types"
)

type PoolSpec struct {
	Id       string
	HPP      float64
	Strategy StrategyConfig
}

type BootstrapBlock struct {
	Height        uint64
	Timestamp     int64
	Difficulty    types.Difficulty
	CumDifficulty types.Difficulty
}

// BootstrapPoolId names the synthetic owner of historical blocks; the last
// bootstrap row becomes the round's starting chaintip "<height>_HH0".
const BootstrapPoolId = "HH0"

type RoundParams struct {
	Seed          uint32
	SimDepthHours float64

	DiffTarget       uint64
	Window, Lag, Cut int

	NetworkHashrate float64
	// Ping is in seconds; the config layer converts from milliseconds.
	Ping        float64
	CV          float64
	Mbps        float64
	NtpStdev    float64
	BlockSizeKB float64

	RAMLimitMB uint64
	StatsLog   bool

	Pools     []PoolSpec
	Bootstrap []BootstrapBlock
}

func (p *RoundParams) SimDepthSeconds() float64 {
	return p.SimDepthHours * 3600
}

// Round owns one independent simulation: pools, block table, windows, noise
// streams and the engine. Rounds share nothing.
type Round struct {
	Params *RoundParams

	Pools  []*Pool
	Blocks *BlockTable

	engine  *Engine
	windows *Windows
}

type Result struct {
	Metrics []PoolMetrics
	Summary []SummaryMetric
	Partial bool
}

func NewRound(params *RoundParams, newAgent func(StrategyConfig) (AgentFunc, error)) (*Round, error) {
	if len(params.Pools) == 0 {
		return nil, errors.New("round has no pools")
	}
	if len(params.Bootstrap) < params.Window+params.Lag {
		return nil, fmt.Errorf("bootstrap history too short: %d rows, need %d", len(params.Bootstrap), params.Window+params.Lag)
	}

	blocks := NewBlockTable()
	var prev types.BlockId
	for i, row := range params.Bootstrap {
		if i > 0 && row.Height != params.Bootstrap[i-1].Height+1 {
			return nil, fmt.Errorf("bootstrap heights not consecutive at row %d", i)
		}
		id := types.NewBlockId(row.Height, BootstrapPoolId)
		b := &Block{
			Id:            id,
			Height:        row.Height,
			PoolId:        BootstrapPoolId,
			PrevId:        prev,
			Timestamp:     row.Timestamp,
			HasTimestamp:  true,
			Difficulty:    row.Difficulty,
			CumDifficulty: row.CumDifficulty,
			Broadcast:     BroadcastPublic,
		}
		if err := blocks.Add(b); err != nil {
			return nil, fmt.Errorf("bootstrap row %d: %w", i, err)
		}
		prev = id
	}
	blocks.SetRoot(prev)

	streams := noise.New(params.Seed, params.Ping, params.CV, params.Mbps, params.BlockSizeKB, params.NtpStdev, params.StatsLog)

	specs := slices.Clone(params.Pools)
	slices.SortFunc(specs, func(a, b PoolSpec) bool {
		return a.Id < b.Id
	})

	root := blocks.Get(blocks.Root())
	pools := make([]*Pool, 0, len(specs))
	agents := make(map[string]AgentFunc, len(specs))
	for _, spec := range specs {
		p := NewPool(spec.Id, spec.HPP, params.NetworkHashrate, streams.NtpDrift(), spec.Strategy)
		p.Chaintip = root.Id
		p.HonTip = root.Id

		rootDiff := root.Difficulty
		rootCum := root.CumDifficulty
		p.Scores[root.Id] = &Score{
			SimClock:     0,
			LocalTime:    int64(math.Floor(p.NtpDrift)),
			DiffScore:    &rootDiff,
			CumDiffScore: &rootCum,
			IsHeadPath:   true,
			Chaintip:     root.Id,
		}
		p.ScoreOrder = append(p.ScoreOrder, root.Id)

		agent, err := newAgent(spec.Strategy)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", spec.Id, err)
		}
		agents[spec.Id] = agent
		pools = append(pools, p)
	}

	windows := NewWindows(params.Window, params.Lag, params.Cut, params.DiffTarget)
	engine := NewEngine(blocks, windows, streams, pools, agents, params.SimDepthSeconds(), params.RAMLimitMB)

	return &Round{
		Params:  params,
		Pools:   pools,
		Blocks:  blocks,
		engine:  engine,
		windows: windows,
	}, nil
}

// Run drives the round to simDepth and computes metrics. A cancelled context
// still yields best-effort metrics with Partial set.
func (r *Round) Run(ctx context.Context) (*Result, error) {
	if err := r.engine.Seed(); err != nil {
		return nil, err
	}

	err := r.engine.Run(ctx)
	partial := false
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRAMLimit) {
			partial = true
		} else {
			return nil, err
		}
	}

	selfish := make(map[string]bool)
	var selfishHPP float64
	for _, p := range r.Pools {
		if !p.Strategy.Honest {
			selfish[p.Id] = true
			selfishHPP += p.HPP
		}
	}

	metrics := make([]PoolMetrics, 0, len(r.Pools))
	for _, p := range r.Pools {
		metrics = append(metrics, ComputeMetrics(p, r.Blocks, selfish, selfishHPP))
	}

	return &Result{
		Metrics: metrics,
		Summary: Summarize(metrics),
		Partial: partial,
	}, nil
}
