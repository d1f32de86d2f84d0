package sim

import (
	"golang.org/x/exp/slices"

	"git.gammaspectra.live/P2Pool/netsim/types"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

type PoolMetrics struct {
	PoolId string
	Honest bool

	OrphanRate float64
	ReorgMax   int
	ReorgP99   int
	ReorgRate  float64
	SelfShares float64
	Gamma      float64
	Difficulty float64

	CanonicalHeight uint64
}

// deepReorg is the depth from which a reorg counts towards reorgRate.
const deepReorg = 10

// ComputeMetrics walks a pool's scores in first-seen order; the counters
// below depend on that order and on the Chaintip each score recorded when it
// was first processed.
func ComputeMetrics(p *Pool, blocks *BlockTable, selfish map[string]bool, selfishHPP float64) PoolMetrics {
	m := PoolMetrics{
		PoolId: p.Id,
		Honest: p.Strategy.Honest,
	}

	// Canonical chain in the pool's final view.
	canonical := make(map[types.BlockId]struct{})
	var canonicalSelfish int
	blocks.WalkBack(p.Chaintip, func(b *Block) bool {
		canonical[b.Id] = struct{}{}
		if selfish[b.PoolId] {
			canonicalSelfish++
		}
		return true
	})
	canonicalCount := len(canonical)

	tip := blocks.Get(p.Chaintip)
	root := blocks.Get(blocks.Root())
	if tip != nil && root != nil {
		m.CanonicalHeight = tip.Height - root.Height
	}
	if tip != nil && tip.HasNxtDifficulty {
		m.Difficulty = tip.NxtDifficulty.Float64()
	}

	var orphans int
	var reorgDepth int
	var reorgList []int
	for _, id := range p.ScoreOrder {
		if id == blocks.Root() {
			continue
		}
		s := p.Scores[id]
		b := blocks.Get(id)
		if b == nil {
			continue
		}
		if !s.IsHeadPath {
			if b.PoolId != p.Id {
				orphans++
			}
			// A block the pool once believed was head and later abandoned.
			if s.Chaintip == id {
				reorgDepth++
			}
		} else if reorgDepth > 0 {
			reorgList = append(reorgList, reorgDepth)
			reorgDepth = 0
		}
	}
	if reorgDepth > 0 {
		reorgList = append(reorgList, reorgDepth)
	}

	if canonicalCount > 1 {
		m.OrphanRate = float64(orphans) / float64(canonicalCount-1)
		m.SelfShares = float64(canonicalSelfish)/float64(canonicalCount-1) - selfishHPP
	}

	if len(reorgList) > 0 {
		for _, d := range reorgList {
			m.ReorgMax = utils.Max(m.ReorgMax, d)
		}
		m.ReorgP99 = utils.Percentile(slices.Clone(reorgList), 0.99)
	}
	if m.CanonicalHeight > 0 {
		deep := utils.SliceCount(reorgList, func(d int) bool { return d >= deepReorg })
		m.ReorgRate = float64(deep) / float64(m.CanonicalHeight)
	}

	m.Gamma = gamma(p, blocks, selfish, selfishHPP)

	return m
}

// gamma estimates the fraction of honest hashpower pulled onto the selfish
// branch during contested heads: among adjacent same-height score pairs that
// involve a selfish block, how often the earlier-seen one is selfish-mined,
// scaled by this pool's share of honest hashrate.
func gamma(p *Pool, blocks *BlockTable, selfish map[string]bool, selfishHPP float64) float64 {
	if len(selfish) == 0 || selfishHPP >= 1 {
		return 0
	}
	var contested, selfishFirst int
	for i := 0; i+1 < len(p.ScoreOrder); i++ {
		a := blocks.Get(p.ScoreOrder[i])
		b := blocks.Get(p.ScoreOrder[i+1])
		if a == nil || b == nil || a.Height != b.Height {
			continue
		}
		if !selfish[a.PoolId] && !selfish[b.PoolId] {
			continue
		}
		contested++
		if selfish[a.PoolId] {
			selfishFirst++
		}
	}
	if contested == 0 {
		return 0
	}
	return float64(selfishFirst) / float64(contested) * (p.HPP / (1 - selfishHPP))
}

type SummaryMetric struct {
	Name  string
	Mean  float64
	Stdev float64
}

// SummaryMetricNames fixes the results_summary.csv column order.
var SummaryMetricNames = []string{
	"orphanRate", "reorgMax", "reorgP99", "reorgRate", "selfShares", "gamma", "difficulty",
}

// Summarize reports mean and stdev per metric across honest pools; the
// stdev flags partition divergence between pools.
func Summarize(ms []PoolMetrics) []SummaryMetric {
	values := map[string][]float64{}
	for _, m := range ms {
		if !m.Honest {
			continue
		}
		values["orphanRate"] = append(values["orphanRate"], m.OrphanRate)
		values["reorgMax"] = append(values["reorgMax"], float64(m.ReorgMax))
		values["reorgP99"] = append(values["reorgP99"], float64(m.ReorgP99))
		values["reorgRate"] = append(values["reorgRate"], m.ReorgRate)
		values["selfShares"] = append(values["selfShares"], m.SelfShares)
		values["gamma"] = append(values["gamma"], m.Gamma)
		values["difficulty"] = append(values["difficulty"], m.Difficulty)
	}

	summary := make([]SummaryMetric, 0, len(SummaryMetricNames))
	for _, name := range SummaryMetricNames {
		summary = append(summary, SummaryMetric{
			Name:  name,
			Mean:  utils.Mean(values[name]),
			Stdev: utils.Stdev(values[name]),
		})
	}
	return summary
}
