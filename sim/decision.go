package sim

import (
	"git.gammaspectra.live/P2Pool/netsim/types"
)

// ScoredBlock pairs a block id with the score a Decision wants merged.
type ScoredBlock struct {
	Id    types.BlockId
	Score *Score
}

// Decision is everything a pool agent may change. Zero/nil fields mean "no
// change"; the engine applies the rest in the documented integration order.
type Decision struct {
	Chaintip     types.BlockId
	HonTip       types.BlockId
	Timestamp    *int64
	Scores       []ScoredBlock
	BroadcastIds []types.BlockId
	RequestIds   []types.BlockId
}

func (d *Decision) Score(id types.BlockId) *Score {
	for i := range d.Scores {
		if d.Scores[i].Id == id {
			return d.Scores[i].Score
		}
	}
	return nil
}

// AgentFunc is a pool strategy: pure with respect to its arguments. It must
// not mutate the block table or pool state; all changes travel through the
// returned Decision.
type AgentFunc func(e *Event, p *Pool, blocks *BlockTable) (*Decision, error)
