package sim

import (
	"git.gammaspectra.live/P2Pool/netsim/types"
)

// Score is a pool's subjective record of a block. DiffScore and CumDiffScore
// stay nil until the block's ancestry resolves; Chaintip records the pool's
// chaintip at the moment this block was first processed.
type Score struct {
	SimClock     float64
	LocalTime    int64
	DiffScore    *types.Difficulty
	CumDiffScore *types.Difficulty
	IsHeadPath   bool
	Chaintip     types.BlockId
}

func (s *Score) Resolved() bool {
	return s != nil && s.CumDiffScore != nil
}

func (s *Score) Clone() *Score {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ScoringRef names a configured scoring plug-in and its parameters.
type ScoringRef struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

// StrategyConfig is the tagged strategy variant: honest pools ignore the
// selfish knobs, selfish pools dispatch on KThresh and RetortPolicy.
type StrategyConfig struct {
	Honest       bool         `json:"honest"`
	KThresh      int          `json:"k_thresh,omitempty"`
	RetortPolicy int          `json:"retort_policy,omitempty"`
	Scoring      []ScoringRef `json:"scoring,omitempty"`
}

type Pool struct {
	Id       string
	HPP      float64
	Hashrate float64

	// NtpDrift is sampled once per round from N(0, ntpStdev).
	NtpDrift float64

	Chaintip types.BlockId
	// HonTip is a selfish pool's belief of the public honest head.
	HonTip types.BlockId

	Strategy StrategyConfig

	// Scores must only be mutated by the engine when integrating a Decision.
	// ScoreOrder preserves first-seen order; the metrics walk depends on it.
	Scores     map[types.BlockId]*Score
	ScoreOrder []types.BlockId

	RequestIds map[types.BlockId]struct{}
	// Unscored maps blocks whose ancestor score is missing to their height.
	Unscored map[types.BlockId]uint64
}

func NewPool(id string, hpp, networkHashrate, ntpDrift float64, strategy StrategyConfig) *Pool {
	return &Pool{
		Id:         id,
		HPP:        hpp,
		Hashrate:   hpp * networkHashrate,
		NtpDrift:   ntpDrift,
		Strategy:   strategy,
		Scores:     make(map[types.BlockId]*Score),
		RequestIds: make(map[types.BlockId]struct{}),
		Unscored:   make(map[types.BlockId]uint64),
	}
}

func (p *Pool) Score(id types.BlockId) *Score {
	return p.Scores[id]
}

// Knows reports whether the pool has any record of id, resolved or not.
func (p *Pool) Knows(id types.BlockId) bool {
	_, ok := p.Scores[id]
	return ok
}
