package sim

import (
	"fmt"

	"git.gammaspectra.live/P2Pool/netsim/types"
)

// Broadcast is tri-state: a block starts unset, becomes private once its
// owner timestamps it without publishing, and public once relayed.
type Broadcast int8

const (
	BroadcastUnset Broadcast = iota
	BroadcastPrivate
	BroadcastPublic
)

type Block struct {
	Id     types.BlockId
	Height uint64
	PoolId string
	PrevId types.BlockId

	// SimClock is the true creation time. Timestamp is the header time the
	// minting pool wrote, which its agent may manipulate.
	SimClock     float64
	Timestamp    int64
	HasTimestamp bool

	Difficulty    types.Difficulty
	CumDifficulty types.Difficulty

	NxtDifficulty    types.Difficulty
	HasNxtDifficulty bool

	Broadcast Broadcast
}

// BlockTable is the round's shared append-only block store. Blocks are never
// removed; the full table persists to round end for metrics.
type BlockTable struct {
	blocks map[types.BlockId]*Block
	order  []types.BlockId

	// rootId is the bootstrap root: the last historical block. Blocks below
	// it are history and excluded from per-round outputs.
	rootId types.BlockId
}

func NewBlockTable() *BlockTable {
	return &BlockTable{
		blocks: make(map[types.BlockId]*Block),
	}
}

func (t *BlockTable) Get(id types.BlockId) *Block {
	return t.blocks[id]
}

func (t *BlockTable) Has(id types.BlockId) bool {
	_, ok := t.blocks[id]
	return ok
}

// Add inserts a block, checking the parent link invariant. The root (and
// historical blocks below it) are inserted before the root is set.
func (t *BlockTable) Add(b *Block) error {
	if _, ok := t.blocks[b.Id]; ok {
		return fmt.Errorf("duplicate block id %s", b.Id)
	}
	if !t.rootId.IsZero() || len(t.order) > 0 {
		parent := t.blocks[b.PrevId]
		if parent == nil {
			return fmt.Errorf("block %s has unknown parent %s", b.Id, b.PrevId)
		}
		if b.Height != parent.Height+1 {
			return fmt.Errorf("block %s has height %d, parent %s has height %d", b.Id, b.Height, parent.Id, parent.Height)
		}
		if !b.CumDifficulty.Equals(parent.CumDifficulty.Add(b.Difficulty)) {
			return fmt.Errorf("block %s breaks cumulative difficulty invariant", b.Id)
		}
	}
	t.blocks[b.Id] = b
	t.order = append(t.order, b.Id)
	return nil
}

func (t *BlockTable) SetRoot(id types.BlockId) {
	t.rootId = id
}

func (t *BlockTable) Root() types.BlockId {
	return t.rootId
}

func (t *BlockTable) Len() int {
	return len(t.blocks)
}

// Order returns block ids in insertion order.
func (t *BlockTable) Order() []types.BlockId {
	return t.order
}

func (t *BlockTable) Parent(b *Block) *Block {
	return t.blocks[b.PrevId]
}

// WalkBack calls f on each block from id down to (and including) the root,
// stopping early if f returns false.
func (t *BlockTable) WalkBack(id types.BlockId, f func(b *Block) bool) {
	for cur := t.Get(id); cur != nil; cur = t.Get(cur.PrevId) {
		if !f(cur) {
			return
		}
		if cur.Id == t.rootId {
			return
		}
	}
}
