package strategy

import (
	"fmt"

	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/types"
)

// ScoringFunc is a pure scoring plug-in: it reads the block graph and the
// pool's current view and returns a signed adjustment added to the block's
// base difficulty score.
type ScoringFunc func(blocks *sim.BlockTable, p *sim.Pool, id types.BlockId, params map[string]float64) int64

// scoringRegistry holds the named adjustment functions a strategy manifest
// may reference.
var scoringRegistry = map[string]ScoringFunc{
	"depth_penalty":     depthPenalty,
	"timestamp_penalty": timestampPenalty,
	"recency_bonus":     recencyBonus,
}

type boundScorer struct {
	fn     ScoringFunc
	params map[string]float64
}

func bindScorers(refs []sim.ScoringRef) ([]boundScorer, error) {
	scorers := make([]boundScorer, 0, len(refs))
	for _, ref := range refs {
		fn, ok := scoringRegistry[ref.Name]
		if !ok {
			return nil, fmt.Errorf("unknown scoring function %q", ref.Name)
		}
		scorers = append(scorers, boundScorer{fn: fn, params: ref.Params})
	}
	return scorers, nil
}

// depthPenalty punishes fork blocks arriving at or below heights the pool
// already has on its best chain, weakening withheld-branch releases.
func depthPenalty(blocks *sim.BlockTable, p *sim.Pool, id types.BlockId, params map[string]float64) int64 {
	b := blocks.Get(id)
	tip := blocks.Get(p.Chaintip)
	if b == nil || tip == nil || b.Height > tip.Height {
		return 0
	}
	penalty := int64(params["penalty"])
	if penalty == 0 {
		penalty = 1
	}
	return -penalty * int64(tip.Height-b.Height+1)
}

// timestampPenalty punishes header timestamps running backwards or too far
// ahead of the parent's.
func timestampPenalty(blocks *sim.BlockTable, p *sim.Pool, id types.BlockId, params map[string]float64) int64 {
	b := blocks.Get(id)
	if b == nil || !b.HasTimestamp {
		return 0
	}
	parent := blocks.Get(b.PrevId)
	if parent == nil || !parent.HasTimestamp {
		return 0
	}
	maxDelta := int64(params["max_delta"])
	if maxDelta == 0 {
		maxDelta = 7200
	}
	delta := b.Timestamp - parent.Timestamp
	if delta < 0 || delta > maxDelta {
		return -int64(params["penalty"])
	}
	return 0
}

// recencyBonus rewards blocks the pool sees while they still extend its
// chaintip height, favouring first-seen blocks in ties.
func recencyBonus(blocks *sim.BlockTable, p *sim.Pool, id types.BlockId, params map[string]float64) int64 {
	b := blocks.Get(id)
	tip := blocks.Get(p.Chaintip)
	if b == nil || tip == nil || b.Height <= tip.Height {
		return 0
	}
	return int64(params["bonus"])
}
