package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.gammaspectra.live/P2Pool/netsim/types"
)

func evenWindow(n int, step int64, diff uint64) DifficultyWindow {
	win := make(DifficultyWindow, 0, n)
	cum := types.ZeroDifficulty
	for i := 0; i < n; i++ {
		cum = cum.Add64(diff)
		win = append(win, WindowEntry{Timestamp: int64(i) * step, CumDifficulty: cum})
	}
	return win
}

func TestNextDifficultySteadyState(t *testing.T) {
	w := NewWindows(8, 2, 1, 100)

	// 10 entries, 100s apart, 1000 work each: drop 2 lag, trim to the
	// middle 6, 5000 work over 500s at a 100s target
	next := w.NextDifficulty(evenWindow(10, 100, 1000))
	assert.Equal(t, "1000", next.String())
}

func TestNextDifficultyCeilRounds(t *testing.T) {
	w := NewWindows(8, 2, 1, 100)
	next := w.NextDifficulty(evenWindow(10, 99, 1000))
	// 5000*100/495 = 1010.10..., ceiling
	assert.Equal(t, "1011", next.String())
}

func TestNextDifficultyShortWindowSkipsCut(t *testing.T) {
	w := NewWindows(8, 2, 1, 100)
	// 5 entries after lag drop: below window-2*cut, no trimming
	next := w.NextDifficulty(evenWindow(7, 100, 1000))
	assert.Equal(t, "1000", next.String())
}

func TestNextDifficultyBoundaries(t *testing.T) {
	w := NewWindows(8, 2, 1, 100)

	assert.Equal(t, "1", w.NextDifficulty(nil).String())
	assert.Equal(t, "1", w.NextDifficulty(evenWindow(1, 100, 1000)).String())
	assert.Equal(t, "1", w.NextDifficulty(evenWindow(3, 100, 1000)).String())

	// identical timestamps clamp the span to 1 instead of dividing by zero
	win := evenWindow(10, 0, 1000)
	assert.Equal(t, "500000", w.NextDifficulty(win).String())

	// zero total work clamps the result to 1
	flat := make(DifficultyWindow, 10)
	for i := range flat {
		flat[i] = WindowEntry{Timestamp: int64(i) * 100, CumDifficulty: types.DifficultyFrom64(5000)}
	}
	assert.Equal(t, "1", w.NextDifficulty(flat).String())
}

func bootstrapTable(t *testing.T, n int, step int64, diff uint64) *BlockTable {
	t.Helper()
	blocks := NewBlockTable()
	var prev types.BlockId
	cum := types.ZeroDifficulty
	for i := 0; i < n; i++ {
		cum = cum.Add64(diff)
		id := types.NewBlockId(uint64(100+i), BootstrapPoolId)
		require.NoError(t, blocks.Add(&Block{
			Id:            id,
			Height:        uint64(100 + i),
			PoolId:        BootstrapPoolId,
			PrevId:        prev,
			Timestamp:     int64(i) * step,
			HasTimestamp:  true,
			Difficulty:    types.DifficultyFrom64(diff),
			CumDifficulty: cum,
			Broadcast:     BroadcastPublic,
		}))
		prev = id
	}
	blocks.SetRoot(prev)
	return blocks
}

func TestWindowReconstructAndExtend(t *testing.T) {
	blocks := bootstrapTable(t, 20, 100, 1000)
	w := NewWindows(8, 2, 1, 100)

	root := blocks.Root()
	win := w.Get(root, blocks)
	require.Len(t, win, 10)
	assert.Equal(t, int64(1000), win[0].Timestamp)
	assert.Equal(t, int64(1900), win[len(win)-1].Timestamp)
	for i := 1; i < len(win); i++ {
		assert.Greater(t, win[i].Timestamp, win[i-1].Timestamp)
	}

	// extending a full window drops its head
	tip := types.NewBlockId(120, "P0")
	cum := blocks.Get(root).CumDifficulty.Add64(1000)
	next := w.Extend(root, tip, 2000, cum, blocks)
	require.Len(t, next, 10)
	assert.Equal(t, win[1].Timestamp, next[0].Timestamp)
	assert.Equal(t, int64(2000), next[len(next)-1].Timestamp)

	// snapshot now serves lookups
	assert.Len(t, w.Get(tip, blocks), 10)
	assert.Equal(t, 1, w.Count())

	w.Prune(map[types.BlockId]struct{}{})
	assert.Equal(t, 0, w.Count())
}
