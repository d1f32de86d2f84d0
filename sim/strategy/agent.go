// Package strategy implements the unified pool agent: a pure decision
// function covering the honest baseline, score-adjusted honest variants and
// the parameterized selfish family. Two integer knobs (the claim/abandon
// threshold and the retort policy) reproduce the whole documented strategy
// space without a per-variant switch.
package strategy

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"git.gammaspectra.live/P2Pool/netsim/sim"
	"git.gammaspectra.live/P2Pool/netsim/types"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

// New builds the agent for one pool from its strategy config.
func New(cfg sim.StrategyConfig) (sim.AgentFunc, error) {
	scorers, err := bindScorers(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	return func(e *sim.Event, p *sim.Pool, blocks *sim.BlockTable) (*sim.Decision, error) {
		run := &agentRun{
			cfg:     cfg,
			scorers: scorers,
			e:       e,
			p:       p,
			blocks:  blocks,
			d:       &sim.Decision{},
		}
		return run.decide()
	}, nil
}

type agentRun struct {
	cfg     sim.StrategyConfig
	scorers []boundScorer
	e       *sim.Event
	p       *sim.Pool
	blocks  *sim.BlockTable
	d       *sim.Decision

	// fresh lists ids scored during this invocation, in scoring order.
	fresh []types.BlockId
	// created marks scores first seen this invocation; they get their
	// Chaintip field stamped with the chosen tip at the end.
	created map[types.BlockId]struct{}
}

// score reads through the pending decision first, then the pool's view.
func (a *agentRun) score(id types.BlockId) *sim.Score {
	if s := a.d.Score(id); s != nil {
		return s
	}
	return a.p.Score(id)
}

func (a *agentRun) putScore(id types.BlockId, s *sim.Score) {
	for i := range a.d.Scores {
		if a.d.Scores[i].Id == id {
			a.d.Scores[i].Score = s
			return
		}
	}
	a.d.Scores = append(a.d.Scores, sim.ScoredBlock{Id: id, Score: s})
}

func (a *agentRun) known(id types.BlockId) bool {
	if a.p.Knows(id) || a.d.Score(id) != nil {
		return true
	}
	return slices.Contains(a.e.NewIds, id)
}

func (a *agentRun) decide() (*sim.Decision, error) {
	if len(a.e.NewIds) == 0 {
		return a.d, nil
	}
	tip := a.e.LastNewId()
	if s := a.p.Score(tip); s.Resolved() {
		// Already scored: re-delivery is a no-op.
		return a.d, nil
	}

	a.created = make(map[types.BlockId]struct{})

	branch := a.resolveBranch(tip)
	a.scoreBranch(branch)

	tipBlock := a.blocks.Get(tip)
	if tipBlock == nil {
		return nil, fmt.Errorf("event delivered unknown block %s", tip)
	}
	a.scoreDanglingChaintips(tipBlock.Height)

	var chosen types.BlockId
	if a.cfg.Honest {
		chosen = a.decideHonest()
	} else {
		chosen = a.decideSelfish()
	}

	a.propagateHeadPath(chosen)
	a.d.Chaintip = chosen

	for id := range a.created {
		if s := a.d.Score(id); s != nil && s.Chaintip.IsZero() {
			s.Chaintip = chosen
		}
	}

	return a.d, nil
}

// resolveBranch walks prev links from the new tip down to the common
// ancestor (the first score already on the head path), creating tentative
// scores for newly seen blocks and requesting the first unknown ancestor.
func (a *agentRun) resolveBranch(tip types.BlockId) (branch []types.BlockId) {
	// Every delivered block is known from now on, even off-branch ones.
	for _, id := range a.e.NewIds {
		a.tentative(id)
	}

	cur := tip
	for {
		if s := a.score(cur); s != nil && s.IsHeadPath {
			return utils.ReverseSlice(branch)
		}
		if !a.known(cur) {
			a.d.RequestIds = append(a.d.RequestIds, cur)
			return utils.ReverseSlice(branch)
		}
		a.tentative(cur)
		branch = append(branch, cur)
		b := a.blocks.Get(cur)
		if b == nil || cur == a.blocks.Root() {
			return utils.ReverseSlice(branch)
		}
		cur = b.PrevId
	}
}

// tentative creates the unresolved first-seen score for id if none exists.
func (a *agentRun) tentative(id types.BlockId) {
	if a.score(id) != nil {
		return
	}
	a.created[id] = struct{}{}
	a.putScore(id, &sim.Score{
		SimClock:  a.e.SimClock,
		LocalTime: int64(math.Floor(a.e.SimClock + a.p.NtpDrift)),
	})
}

// scoreBlock resolves one block against its parent's score: base difficulty
// plus each configured adjustment, cumulative on top of the parent.
func (a *agentRun) scoreBlock(id types.BlockId) bool {
	s := a.score(id)
	if s.Resolved() {
		return true
	}
	b := a.blocks.Get(id)
	if b == nil {
		return false
	}
	parent := a.score(b.PrevId)
	if !parent.Resolved() {
		return false
	}

	diff := b.Difficulty
	for _, sc := range a.scorers {
		diff = diff.AddDelta(sc.fn(a.blocks, a.p, id, sc.params))
	}
	cum := parent.CumDiffScore.Add(diff)

	ns := s.Clone()
	ns.DiffScore = &diff
	ns.CumDiffScore = &cum
	a.putScore(id, ns)
	a.fresh = append(a.fresh, id)
	return true
}

func (a *agentRun) scoreBranch(branch []types.BlockId) {
	for _, id := range branch {
		if !a.scoreBlock(id) {
			// First unresolvable parent stops the branch; the rest stay
			// dangling until the missing ancestor arrives.
			return
		}
	}
}

// scoreDanglingChaintips retries blocks whose ancestor score was missing,
// sweeping by ascending height until no further block resolves.
func (a *agentRun) scoreDanglingChaintips(tipHeight uint64) {
	type dangling struct {
		id     types.BlockId
		height uint64
	}
	var candidates []dangling
	for id, h := range a.p.Unscored {
		if h > tipHeight && !a.score(id).Resolved() {
			candidates = append(candidates, dangling{id, h})
		}
	}
	for i := range a.d.Scores {
		sb := a.d.Scores[i]
		if sb.Score.Resolved() {
			continue
		}
		if b := a.blocks.Get(sb.Id); b != nil && b.Height > tipHeight {
			candidates = append(candidates, dangling{sb.Id, b.Height})
		}
	}
	slices.SortFunc(candidates, func(x, y dangling) bool {
		if x.height != y.height {
			return x.height < y.height
		}
		return x.id < y.id
	})

	progress := true
	for progress {
		progress = false
		for _, c := range candidates {
			if a.score(c.id).Resolved() {
				continue
			}
			if a.scoreBlock(c.id) {
				progress = true
			}
		}
	}
}

// highestFresh picks the freshly scored id with the maximum cumulative
// score; first-scored wins ties.
func (a *agentRun) highestFresh() (types.BlockId, *sim.Score) {
	var bestId types.BlockId
	var best *sim.Score
	for _, id := range a.fresh {
		s := a.score(id)
		if !s.Resolved() {
			continue
		}
		if best == nil || s.CumDiffScore.Cmp(*best.CumDiffScore) > 0 {
			bestId, best = id, s
		}
	}
	return bestId, best
}

func (a *agentRun) decideHonest() types.BlockId {
	chosen := a.p.Chaintip
	curScore := a.score(chosen)

	maxId, maxScore := a.highestFresh()
	if maxScore != nil && curScore.Resolved() {
		cmp := maxScore.CumDiffScore.Cmp(*curScore.CumDiffScore)
		ownTie := cmp == 0 && a.e.Action == sim.RecvOwn && a.blocks.Get(maxId) != nil && a.blocks.Get(maxId).PoolId == a.p.Id
		if cmp > 0 || ownTie {
			chosen = maxId
		}
	}

	if a.e.Action == sim.RecvOwn {
		newId := a.e.LastNewId()
		if ns := a.score(newId); ns.Resolved() {
			ts := ns.LocalTime
			a.d.Timestamp = &ts
			a.d.BroadcastIds = append(a.d.BroadcastIds, newId)
		}
	}

	return chosen
}

func (a *agentRun) decideSelfish() types.BlockId {
	chosen := a.p.Chaintip
	selfTip := a.p.Chaintip

	if a.e.Action == sim.RecvOwn {
		newId := a.e.LastNewId()
		if ns := a.score(newId); ns.Resolved() {
			ts := ns.LocalTime
			a.d.Timestamp = &ts
			chosen = newId
			selfTip = newId
		}
	}

	honTip := a.p.HonTip
	prevHonBlock := a.blocks.Get(honTip)

	// An incoming public block with a better score than the believed honest
	// head advances it.
	if a.e.Action == sim.RecvOther {
		if maxId, maxScore := a.highestFresh(); maxScore != nil {
			if b := a.blocks.Get(maxId); b != nil && b.PoolId != a.p.Id {
				hs := a.score(honTip)
				if !hs.Resolved() || maxScore.CumDiffScore.Cmp(*hs.CumDiffScore) > 0 {
					honTip = maxId
				}
			}
		}
	}

	honBlock := a.blocks.Get(honTip)
	selfBlock := a.blocks.Get(selfTip)
	if honBlock == nil || selfBlock == nil {
		return chosen
	}

	anc := a.commonAncestor(honTip, selfTip)
	ancBlock := a.blocks.Get(anc)
	if ancBlock == nil {
		return chosen
	}

	honLength := int64(honBlock.Height) - int64(ancBlock.Height)
	selfLength := int64(selfBlock.Height) - int64(ancBlock.Height)

	var honAdded int64
	if a.e.Action == sim.RecvOther && prevHonBlock != nil && honBlock.Height > prevHonBlock.Height {
		honAdded = int64(honBlock.Height) - int64(prevHonBlock.Height)
	}

	kNew := selfLength - honLength
	zeroPrimeBump := int64(1)
	if selfLength > 1 && kNew == 1 && a.e.Action == sim.RecvOwn {
		zeroPrimeBump = 2
	}

	kThresh := int64(a.cfg.KThresh)
	abandonThresh := honLength * (utils.Min(0, kThresh) - kNew)
	claimThresh := honLength * (utils.Max(0, kThresh) - kNew + zeroPrimeBump)
	retortCount := utils.Min(int64(a.cfg.RetortPolicy)*honAdded, honAdded+1)

	if abandonThresh > 0 || selfLength == 0 {
		chosen = honTip
	} else {
		private := a.privateBranch(selfTip)
		if claimThresh > 0 {
			a.d.BroadcastIds = append(a.d.BroadcastIds, private...)
		} else if retortCount > 0 {
			n := utils.Min(retortCount, int64(len(private)))
			a.d.BroadcastIds = append(a.d.BroadcastIds, private[:n]...)
		}
		if len(a.d.BroadcastIds) > 0 {
			bTip := a.d.BroadcastIds[len(a.d.BroadcastIds)-1]
			bs, hs := a.score(bTip), a.score(honTip)
			if bs.Resolved() && hs.Resolved() && bs.CumDiffScore.Cmp(*hs.CumDiffScore) > 0 {
				honTip = bTip
			}
		}
	}

	if honTip != a.p.HonTip {
		a.d.HonTip = honTip
	}
	return chosen
}

// commonAncestor walks back from the believed honest head to the first
// block on the pool's head path. In the concurrent-find corner where the
// pool's own tip matches the honest head's height while that head sits on
// the head path, the ancestor is the head's parent instead.
func (a *agentRun) commonAncestor(honTip, selfTip types.BlockId) types.BlockId {
	honBlock := a.blocks.Get(honTip)
	selfBlock := a.blocks.Get(selfTip)
	if hs := a.score(honTip); hs != nil && hs.IsHeadPath && honBlock != nil && selfBlock != nil &&
		honTip != selfTip && honBlock.Height == selfBlock.Height {
		return honBlock.PrevId
	}

	cur := honTip
	for {
		if s := a.score(cur); s != nil && s.IsHeadPath {
			return cur
		}
		b := a.blocks.Get(cur)
		if b == nil || cur == a.blocks.Root() {
			return cur
		}
		cur = b.PrevId
	}
}

// privateBranch lists the consecutive unbroadcast blocks from the selfish
// tip back to the first broadcast ancestor, ascending in height.
func (a *agentRun) privateBranch(selfTip types.BlockId) []types.BlockId {
	var ids []types.BlockId
	for cur := selfTip; ; {
		b := a.blocks.Get(cur)
		if b == nil || b.Broadcast == sim.BroadcastPublic {
			break
		}
		ids = append(ids, cur)
		cur = b.PrevId
	}
	return utils.ReverseSlice(ids)
}

// propagateHeadPath marks the chosen tip's branch as the head path back to
// the common ancestor; on a reorg the abandoned prefix is unmarked.
func (a *agentRun) propagateHeadPath(chosen types.BlockId) {
	var onPath []types.BlockId
	anc := chosen
	for {
		s := a.score(anc)
		if s == nil {
			return
		}
		if s.IsHeadPath {
			break
		}
		onPath = append(onPath, anc)
		b := a.blocks.Get(anc)
		if b == nil || anc == a.blocks.Root() {
			break
		}
		anc = b.PrevId
	}

	for _, id := range onPath {
		s := a.score(id).Clone()
		s.IsHeadPath = true
		a.putScore(id, s)
	}

	// Reorg: the walkback terminated at the ancestor rather than the old
	// chaintip, so the abandoned prefix leaves the head path.
	if chosen != a.p.Chaintip && anc != a.p.Chaintip {
		for cur := a.p.Chaintip; cur != anc; {
			s := a.score(cur)
			if s == nil {
				break
			}
			ns := s.Clone()
			ns.IsHeadPath = false
			a.putScore(cur, ns)
			b := a.blocks.Get(cur)
			if b == nil || cur == a.blocks.Root() {
				break
			}
			cur = b.PrevId
		}
	}
}
