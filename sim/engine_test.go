package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.gammaspectra.live/P2Pool/netsim/sim/noise"
	"git.gammaspectra.live/P2Pool/netsim/types"
)

func testEngine(t *testing.T, agents map[string]AgentFunc, poolIds ...string) (*Engine, *BlockTable) {
	t.Helper()
	blocks := bootstrapTable(t, 12, 100, 1000)
	windows := NewWindows(8, 2, 1, 100)
	streams := noise.New(42, 0.07, 1.0, 100, 300, 0, false)

	root := blocks.Get(blocks.Root())
	pools := make([]*Pool, 0, len(poolIds))
	for _, id := range poolIds {
		p := NewPool(id, 1.0/float64(len(poolIds)), 1e6, 0, StrategyConfig{Honest: true})
		p.Chaintip = root.Id
		p.HonTip = root.Id
		diff := root.Difficulty
		cum := root.CumDifficulty
		p.Scores[root.Id] = &Score{DiffScore: &diff, CumDiffScore: &cum, IsHeadPath: true, Chaintip: root.Id}
		p.ScoreOrder = append(p.ScoreOrder, root.Id)
		pools = append(pools, p)
	}

	en := NewEngine(blocks, windows, streams, pools, agents, 3600, 0)
	return en, blocks
}

func TestEngineSeedSchedulesEveryPool(t *testing.T) {
	en, blocks := testEngine(t, nil, "P0", "P1")
	require.NoError(t, en.Seed())

	root := blocks.Get(blocks.Root())
	assert.True(t, root.HasNxtDifficulty)
	assert.False(t, root.NxtDifficulty.IsZero())
	assert.Equal(t, 2, en.Queue().Len())
	for en.Queue().Len() > 0 {
		assert.Equal(t, HasherFind, en.Queue().Pop().Action)
	}
}

func TestEngineHasherFindPushesRecvOwn(t *testing.T) {
	en, blocks := testEngine(t, nil, "P0")
	require.NoError(t, en.Seed())
	p := en.poolsById["P0"]

	e := &Event{SimClock: 10, PoolId: "P0", Action: HasherFind, Chaintip: p.Chaintip}
	require.NoError(t, en.hasherFindsBlock(e))

	found := false
	for en.Queue().Len() > 0 {
		q := en.Queue().Pop()
		if q.Action == RecvOwn {
			found = true
			assert.Equal(t, p.Chaintip, q.Chaintip)
			assert.Greater(t, q.SimClock, e.SimClock)
		}
	}
	assert.True(t, found)
	_ = blocks
}

func TestEngineDiscardsStaleFind(t *testing.T) {
	en, blocks := testEngine(t, nil, "P0")
	require.NoError(t, en.Seed())
	before := en.Queue().Len()

	e := &Event{SimClock: 10, PoolId: "P0", Action: HasherFind, Chaintip: types.NewBlockId(1, "X")}
	require.NoError(t, en.hasherFindsBlock(e))
	assert.Equal(t, before, en.Queue().Len())
	assert.Equal(t, uint64(1), en.discarded)
	_ = blocks
}

func TestEngineRecvOwnMintsBlock(t *testing.T) {
	var got *Event
	agent := func(e *Event, p *Pool, blocks *BlockTable) (*Decision, error) {
		got = e
		return &Decision{}, nil
	}
	en, blocks := testEngine(t, map[string]AgentFunc{"P0": agent}, "P0")
	require.NoError(t, en.Seed())
	p := en.poolsById["P0"]
	root := blocks.Get(blocks.Root())

	e := &Event{SimClock: 10, PoolId: "P0", Action: RecvOwn, Chaintip: p.Chaintip}
	require.NoError(t, en.recvOwn(e))

	require.NotNil(t, got)
	newId := types.NewBlockId(root.Height+1, "P0")
	require.Equal(t, []types.BlockId{newId}, got.NewIds)

	b := blocks.Get(newId)
	require.NotNil(t, b)
	assert.Equal(t, root.Id, b.PrevId)
	assert.True(t, b.Difficulty.Equals(root.NxtDifficulty))
	assert.True(t, b.CumDifficulty.Equals(root.CumDifficulty.Add(root.NxtDifficulty)))
	assert.False(t, b.HasTimestamp)
	assert.Equal(t, BroadcastUnset, b.Broadcast)
}

func mintOn(t *testing.T, en *Engine, blocks *BlockTable, parent types.BlockId, poolId string, clock float64) *Block {
	t.Helper()
	pb := blocks.Get(parent)
	require.True(t, pb.HasNxtDifficulty)
	b := &Block{
		Id:            types.NewBlockId(pb.Height+1, poolId),
		Height:        pb.Height + 1,
		PoolId:        poolId,
		PrevId:        parent,
		SimClock:      clock,
		Difficulty:    pb.NxtDifficulty,
		CumDifficulty: pb.CumDifficulty.Add(pb.NxtDifficulty),
	}
	require.NoError(t, blocks.Add(b))
	return b
}

func TestEngineIntegrateTimestampExtendsWindow(t *testing.T) {
	en, blocks := testEngine(t, nil, "P0")
	require.NoError(t, en.Seed())
	p := en.poolsById["P0"]

	b := mintOn(t, en, blocks, p.Chaintip, "P0", 10)
	ts := int64(1910)
	diff := b.Difficulty
	cum := b.CumDifficulty
	e := &Event{SimClock: 10, PoolId: "P0", Action: RecvOwn, Chaintip: p.Chaintip, NewIds: []types.BlockId{b.Id}}
	d := &Decision{
		Chaintip:  b.Id,
		Timestamp: &ts,
		Scores: []ScoredBlock{{Id: b.Id, Score: &Score{
			SimClock: 10, LocalTime: ts, DiffScore: &diff, CumDiffScore: &cum, IsHeadPath: true, Chaintip: b.Id,
		}}},
	}
	require.NoError(t, en.integrate(e, p, d))

	assert.True(t, b.HasTimestamp)
	assert.Equal(t, ts, b.Timestamp)
	assert.True(t, b.HasNxtDifficulty)
	assert.Equal(t, BroadcastPrivate, b.Broadcast)
	assert.Equal(t, b.Id, p.Chaintip)
	assert.Contains(t, p.Scores, b.Id)
}

func TestEngineIntegrateSchedulesRefetch(t *testing.T) {
	en, _ := testEngine(t, nil, "P0")
	require.NoError(t, en.Seed())
	p := en.poolsById["P0"]
	for en.Queue().Len() > 0 {
		en.Queue().Pop()
	}

	missing := types.NewBlockId(200, "P1")
	e := &Event{SimClock: 50, PoolId: "P0", Action: RecvOther, Chaintip: p.Chaintip}
	require.NoError(t, en.integrate(e, p, &Decision{RequestIds: []types.BlockId{missing}}))

	require.Contains(t, p.RequestIds, missing)
	require.Equal(t, 1, en.Queue().Len())
	refetch := en.Queue().Pop()
	assert.Equal(t, RecvOther, refetch.Action)
	assert.Equal(t, "P0", refetch.PoolId)
	assert.Equal(t, []types.BlockId{missing}, refetch.NewIds)
	// explicit fetch pays two one-way delays plus transmission time
	assert.Greater(t, refetch.SimClock, e.SimClock)

	// a pending request is not scheduled twice
	require.NoError(t, en.integrate(e, p, &Decision{RequestIds: []types.BlockId{missing}}))
	assert.Equal(t, 0, en.Queue().Len())
}

func TestEngineIntegrateBroadcastFansOut(t *testing.T) {
	en, blocks := testEngine(t, nil, "P0", "P1", "P2")
	require.NoError(t, en.Seed())
	p := en.poolsById["P0"]
	for en.Queue().Len() > 0 {
		en.Queue().Pop()
	}

	b := mintOn(t, en, blocks, p.Chaintip, "P0", 10)
	b.HasTimestamp = true
	b.Broadcast = BroadcastPrivate

	e := &Event{SimClock: 50, PoolId: "P0", Action: RecvOwn, Chaintip: p.Chaintip, NewIds: []types.BlockId{b.Id}}
	require.NoError(t, en.integrate(e, p, &Decision{BroadcastIds: []types.BlockId{b.Id}}))

	assert.Equal(t, BroadcastPublic, b.Broadcast)
	require.Equal(t, 2, en.Queue().Len())
	seen := map[string]bool{}
	for en.Queue().Len() > 0 {
		q := en.Queue().Pop()
		assert.Equal(t, RecvOther, q.Action)
		assert.Equal(t, []types.BlockId{b.Id}, q.NewIds)
		assert.Greater(t, q.SimClock, e.SimClock)
		seen[q.PoolId] = true
	}
	assert.Equal(t, map[string]bool{"P1": true, "P2": true}, seen)
}

func TestEngineRunStopsAtSimDepth(t *testing.T) {
	en, _ := testEngine(t, nil, "P0")
	require.NoError(t, en.Queue().Push(&Event{SimClock: 4000, PoolId: "P0", Action: HasherFind, Chaintip: en.poolsById["P0"].Chaintip}))
	require.NoError(t, en.Run(context.Background()))
	// the event beyond simDepth stays queued
	assert.Equal(t, 1, en.Queue().Len())
}
