package sim

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"git.gammaspectra.live/P2Pool/netsim/sim/noise"
	"git.gammaspectra.live/P2Pool/netsim/types"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

// housekeepingInterval fixes the "periodic" window-pruning and heap
// compaction cadence so runs stay reproducible.
const housekeepingInterval = 64

const ramCheckInterval = 1024

// ErrRAMLimit aborts a round that exceeded its configured memory budget.
var ErrRAMLimit = errors.New("worker RAM limit exceeded")

// Engine drives one round: it owns the block table, the difficulty windows
// and the event queue, and is the only component that mutates pool state.
type Engine struct {
	blocks  *BlockTable
	windows *Windows
	queue   *EventQueue
	noise   *noise.Streams

	pools     []*Pool
	poolsById map[string]*Pool
	agents    map[string]AgentFunc

	simDepth   float64
	ramLimitMB uint64

	events     uint64
	discarded  uint64
	probeLevel bool
}

func NewEngine(blocks *BlockTable, windows *Windows, streams *noise.Streams, pools []*Pool, agents map[string]AgentFunc, simDepth float64, ramLimitMB uint64) *Engine {
	byId := make(map[string]*Pool, len(pools))
	for _, p := range pools {
		byId[p.Id] = p
	}
	return &Engine{
		blocks:     blocks,
		windows:    windows,
		queue:      NewEventQueue(),
		noise:      streams,
		pools:      pools,
		poolsById:  byId,
		agents:     agents,
		simDepth:   simDepth,
		ramLimitMB: ramLimitMB,
		probeLevel: utils.GlobalLogLevel&utils.LogLevelProbe != 0,
	}
}

func (en *Engine) Queue() *EventQueue {
	return en.queue
}

func (en *Engine) Blocks() *BlockTable {
	return en.blocks
}

// Seed computes the bootstrap tip's next difficulty and schedules every
// pool's first find.
func (en *Engine) Seed() error {
	root := en.blocks.Get(en.blocks.Root())
	if root == nil {
		return fmt.Errorf("no bootstrap root")
	}
	win := en.windows.Get(root.Id, en.blocks)
	root.NxtDifficulty = en.windows.NextDifficulty(win)
	root.HasNxtDifficulty = true

	for _, p := range en.pools {
		if err := en.scheduleFind(p, 0); err != nil {
			return err
		}
	}
	return nil
}

// Run drains the queue until it is empty or the next event lies beyond
// simDepth. Cancellation leaves the round in a consistent state for a
// best-effort partial metrics emission.
func (en *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e := en.queue.Peek()
		if e == nil || e.SimClock > en.simDepth {
			return nil
		}
		e = en.queue.Pop()

		var err error
		switch e.Action {
		case HasherFind:
			err = en.hasherFindsBlock(e)
		case RecvOwn:
			err = en.recvOwn(e)
		case RecvOther:
			err = en.recvOther(e)
		default:
			err = fmt.Errorf("unknown action %s", e.Action)
		}
		if err != nil {
			return err
		}

		en.events++
		if en.events%housekeepingInterval == 0 {
			en.pruneWindows()
			en.queue.Compact()
			if en.probeLevel {
				if err := en.queue.Validate(); err != nil {
					return err
				}
				utils.Probef("probe: events=%d queue=%d blocks=%d windows=%d", en.events, en.queue.Len(), en.blocks.Len(), en.windows.Count())
			}
		}
		if en.ramLimitMB > 0 && en.events%ramCheckInterval == 0 {
			if en.estimatedMB() > en.ramLimitMB {
				return ErrRAMLimit
			}
		}
	}
}

// estimatedMB is a deterministic accounting of the round's dominant
// allocations, used for the per-worker RAM cap.
func (en *Engine) estimatedMB() uint64 {
	const blockBytes = 256
	const scoreBytes = 160
	const eventBytes = 128
	total := uint64(en.blocks.Len()) * blockBytes
	for _, p := range en.pools {
		total += uint64(len(p.Scores)) * scoreBytes
	}
	total += uint64(en.queue.Len()) * eventBytes
	return total >> 20
}

func (en *Engine) pruneWindows() {
	keep := make(map[types.BlockId]struct{}, len(en.pools)*2)
	for _, p := range en.pools {
		keep[p.Chaintip] = struct{}{}
		if b := en.blocks.Get(p.Chaintip); b != nil {
			keep[b.PrevId] = struct{}{}
		}
	}
	en.windows.Prune(keep)
}

// scheduleFind pushes the pool's next HASHER_FIND: template send delay plus
// an Exponential(hashrate / difficulty) find time.
func (en *Engine) scheduleFind(p *Pool, now float64) error {
	tip := en.blocks.Get(p.Chaintip)
	if tip == nil || !tip.HasNxtDifficulty {
		return fmt.Errorf("pool %s chaintip %s has no next difficulty", p.Id, p.Chaintip)
	}
	lambda := p.Hashrate / tip.NxtDifficulty.Float64()
	return en.queue.Push(&Event{
		SimClock: now + en.noise.OwdP2H() + en.noise.BlockTime(lambda),
		PoolId:   p.Id,
		Action:   HasherFind,
		Chaintip: p.Chaintip,
	})
}

// templateRelevant checks whether the event's chaintip still matters to the
// pool. A find on the previous tip counts if the miner would have solved it
// before the new template could have reached it.
func (en *Engine) templateRelevant(p *Pool, e *Event) bool {
	if e.Chaintip == p.Chaintip {
		return true
	}
	cur := en.blocks.Get(p.Chaintip)
	if cur != nil && cur.PrevId == e.Chaintip {
		if s := p.Score(p.Chaintip); s != nil {
			return e.SimClock <= s.SimClock+en.noise.OwdP2H()
		}
	}
	return false
}

func (en *Engine) hasherFindsBlock(e *Event) error {
	p := en.poolsById[e.PoolId]
	if p == nil {
		return fmt.Errorf("event for unknown pool %s", e.PoolId)
	}
	if !en.templateRelevant(p, e) {
		en.discarded++
		return nil
	}
	return en.queue.Push(&Event{
		SimClock: e.SimClock + en.noise.OwdP2H(),
		PoolId:   p.Id,
		Action:   RecvOwn,
		Chaintip: e.Chaintip,
	})
}

// recvOwn repeats the staleness check, mints the block and hands it to the
// pool's agent.
func (en *Engine) recvOwn(e *Event) error {
	p := en.poolsById[e.PoolId]
	if p == nil {
		return fmt.Errorf("event for unknown pool %s", e.PoolId)
	}
	if !en.templateRelevant(p, e) {
		en.discarded++
		return nil
	}

	prev := en.blocks.Get(e.Chaintip)
	if prev == nil || !prev.HasNxtDifficulty {
		return fmt.Errorf("pool %s mined on unresolved template %s", p.Id, e.Chaintip)
	}

	newId := types.NewBlockId(prev.Height+1, p.Id)
	if en.blocks.Has(newId) {
		// The pool reorged to a lower tip and re-mined a height it already
		// owns. The id space is exhausted for this height; drop the find
		// and keep the miner going.
		en.discarded++
		return en.scheduleFind(p, e.SimClock)
	}

	b := &Block{
		Id:            newId,
		Height:        prev.Height + 1,
		PoolId:        p.Id,
		PrevId:        prev.Id,
		SimClock:      e.SimClock,
		Difficulty:    prev.NxtDifficulty,
		CumDifficulty: prev.CumDifficulty.Add(prev.NxtDifficulty),
	}
	if err := en.blocks.Add(b); err != nil {
		return err
	}
	e.NewIds = []types.BlockId{newId}

	return en.invokeAgent(e, p)
}

func (en *Engine) recvOther(e *Event) error {
	p := en.poolsById[e.PoolId]
	if p == nil {
		return fmt.Errorf("event for unknown pool %s", e.PoolId)
	}
	return en.invokeAgent(e, p)
}

func (en *Engine) invokeAgent(e *Event, p *Pool) error {
	agent := en.agents[p.Id]
	if agent == nil {
		return fmt.Errorf("no agent for pool %s", p.Id)
	}
	d, err := agent(e, p, en.blocks)
	if err != nil {
		return fmt.Errorf("pool %s agent: %w", p.Id, err)
	}
	if d == nil {
		return nil
	}
	return en.integrate(e, p, d)
}

// integrate applies a Decision in the documented order: requests cleared,
// timestamp and next difficulty, score merge, honest-tip update, chaintip
// switch with a fresh find, ancestor refetch scheduling, then broadcast.
func (en *Engine) integrate(e *Event, p *Pool, d *Decision) error {
	for _, id := range e.NewIds {
		delete(p.RequestIds, id)
	}

	if d.Timestamp != nil {
		b := en.blocks.Get(e.LastNewId())
		if b == nil {
			return fmt.Errorf("pool %s timestamped unknown block %s", p.Id, e.LastNewId())
		}
		b.Timestamp = *d.Timestamp
		b.HasTimestamp = true
		if b.Broadcast == BroadcastUnset {
			b.Broadcast = BroadcastPrivate
		}
		win := en.windows.Extend(b.PrevId, b.Id, b.Timestamp, b.CumDifficulty, en.blocks)
		b.NxtDifficulty = en.windows.NextDifficulty(win)
		b.HasNxtDifficulty = true
	}

	if len(d.Scores) > 0 {
		merged := slices.Clone(d.Scores)
		slices.SortStableFunc(merged, func(a, b ScoredBlock) bool {
			ba, bb := en.blocks.Get(a.Id), en.blocks.Get(b.Id)
			if ba == nil || bb == nil {
				return false
			}
			return ba.Height < bb.Height
		})
		for _, sb := range merged {
			if existing, ok := p.Scores[sb.Id]; ok {
				*existing = *sb.Score
			} else {
				p.Scores[sb.Id] = sb.Score
				p.ScoreOrder = append(p.ScoreOrder, sb.Id)
			}
			if sb.Score.Resolved() {
				delete(p.Unscored, sb.Id)
			} else if b := en.blocks.Get(sb.Id); b != nil {
				p.Unscored[sb.Id] = b.Height
			}
		}
	}

	if !d.HonTip.IsZero() {
		p.HonTip = d.HonTip
	}

	if !d.Chaintip.IsZero() && d.Chaintip != p.Chaintip {
		if !en.blocks.Has(d.Chaintip) {
			return fmt.Errorf("pool %s agent returned unknown chaintip %s", p.Id, d.Chaintip)
		}
		p.Chaintip = d.Chaintip
		if err := en.scheduleFind(p, e.SimClock); err != nil {
			return err
		}
	}

	var newRequests []types.BlockId
	for _, id := range d.RequestIds {
		if _, pending := p.RequestIds[id]; pending {
			continue
		}
		p.RequestIds[id] = struct{}{}
		newRequests = append(newRequests, id)
	}
	if len(newRequests) > 0 {
		slices.SortFunc(newRequests, func(a, b types.BlockId) bool {
			ba, bb := en.blocks.Get(a), en.blocks.Get(b)
			if ba == nil || bb == nil {
				return a < b
			}
			return ba.Height < bb.Height
		})
		// Unlike the compact-block broadcast path, a refetched ancestor
		// carries full transmission time per block.
		delay := 2*en.noise.OwdP2P() + en.noise.TxTime()*float64(len(newRequests))
		if err := en.queue.Push(&Event{
			SimClock: e.SimClock + delay,
			PoolId:   p.Id,
			Action:   RecvOther,
			Chaintip: p.Chaintip,
			NewIds:   newRequests,
		}); err != nil {
			return err
		}
	}

	if len(d.BroadcastIds) > 0 {
		if err := en.broadcastBlocks(e, p, d.BroadcastIds); err != nil {
			return err
		}
	}

	return nil
}

func (en *Engine) broadcastBlocks(e *Event, src *Pool, ids []types.BlockId) error {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, func(a, b types.BlockId) bool {
		ba, bb := en.blocks.Get(a), en.blocks.Get(b)
		if ba == nil || bb == nil {
			return a < b
		}
		return ba.Height < bb.Height
	})
	for _, id := range sorted {
		b := en.blocks.Get(id)
		if b == nil {
			return fmt.Errorf("pool %s broadcast unknown block %s", src.Id, id)
		}
		b.Broadcast = BroadcastPublic
	}
	for _, q := range en.pools {
		if q.Id == src.Id {
			continue
		}
		if err := en.queue.Push(&Event{
			SimClock: e.SimClock + en.noise.OwdP2P(),
			PoolId:   q.Id,
			Action:   RecvOther,
			Chaintip: e.Chaintip,
			NewIds:   sorted,
		}); err != nil {
			return err
		}
	}
	return nil
}
