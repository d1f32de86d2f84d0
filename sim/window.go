package sim

import (
	"golang.org/x/exp/slices"

	"git.gammaspectra.live/P2Pool/netsim/types"
	"git.gammaspectra.live/P2Pool/netsim/utils"
)

type WindowEntry struct {
	Timestamp     int64
	CumDifficulty types.Difficulty
}

// DifficultyWindow holds the rolling per-chaintip {timestamp, cumulative
// difficulty} tuples, chronological order, length <= window + lag.
type DifficultyWindow []WindowEntry

// Windows owns the per-chaintip window snapshots plus an LRU memo for
// windows reconstructed from the block table on cache miss.
type Windows struct {
	byTip map[types.BlockId]DifficultyWindow
	memo  *utils.LRUCache[types.BlockId, DifficultyWindow]

	window, lag, cut int
	target           uint64
}

func NewWindows(window, lag, cut int, target uint64) *Windows {
	return &Windows{
		byTip:  make(map[types.BlockId]DifficultyWindow),
		memo:   utils.NewLRUCache[types.BlockId, DifficultyWindow](window + lag),
		window: window,
		lag:    lag,
		cut:    cut,
		target: target,
	}
}

// Get returns the window for tip, reconstructing from the block table when
// no incremental snapshot exists.
func (w *Windows) Get(tip types.BlockId, blocks *BlockTable) DifficultyWindow {
	if win, ok := w.byTip[tip]; ok {
		return win
	}
	return w.reconstruct(tip, blocks)
}

func (w *Windows) reconstruct(tip types.BlockId, blocks *BlockTable) DifficultyWindow {
	if win, ok := w.memo.Get(tip); ok {
		return win
	}

	win := make(DifficultyWindow, 0, w.window+w.lag)
	// Follow prev links directly: BlockTable.WalkBack stops at the bootstrap
	// root, while the window reaches into the history below it.
	for b := blocks.Get(tip); b != nil && len(win) < w.window+w.lag; b = blocks.Get(b.PrevId) {
		if !b.HasTimestamp {
			continue
		}
		win = append(win, WindowEntry{Timestamp: b.Timestamp, CumDifficulty: b.CumDifficulty})
	}
	utils.ReverseSlice(win)
	w.memo.Set(tip, win)
	return win
}

// Extend copies the parent window, drops the head once full and appends the
// new tip's entry, storing the result under tip.
func (w *Windows) Extend(parent, tip types.BlockId, timestamp int64, cum types.Difficulty, blocks *BlockTable) DifficultyWindow {
	parentWin := w.Get(parent, blocks)

	win := make(DifficultyWindow, 0, w.window+w.lag)
	if len(parentWin) >= w.window+w.lag {
		win = append(win, parentWin[1:]...)
	} else {
		win = append(win, parentWin...)
	}
	win = append(win, WindowEntry{Timestamp: timestamp, CumDifficulty: cum})
	w.byTip[tip] = win
	return win
}

// Prune drops window snapshots no pool's current tip or its parent
// references.
func (w *Windows) Prune(keep map[types.BlockId]struct{}) {
	for tip := range w.byTip {
		if _, ok := keep[tip]; !ok {
			delete(w.byTip, tip)
		}
	}
}

func (w *Windows) Count() int {
	return len(w.byTip)
}

// NextDifficulty ports the cut-trimmed difficulty calculation: take the last
// window+lag entries, drop the lag newest, sort timestamps, trim cut outliers
// on both sides, then ceil(totalWork * target / timeSpan).
//
// Timestamps are sorted independently of the cumulative difficulties, which
// stay in height order; this matches the reference algorithm byte for byte.
func (w *Windows) NextDifficulty(win DifficultyWindow) types.Difficulty {
	if len(win) > w.window+w.lag {
		win = win[len(win)-(w.window+w.lag):]
	}
	if len(win) > w.lag {
		win = win[:len(win)-w.lag]
	}

	length := len(win)
	if length <= 1 {
		return types.DifficultyFrom64(1)
	}

	timestamps := make([]int64, length)
	for i := range win {
		timestamps[i] = win[i].Timestamp
	}
	slices.Sort(timestamps)

	var cutBegin, cutEnd int
	if length <= w.window-2*w.cut {
		cutBegin = 0
		cutEnd = length
	} else {
		cutBegin = (length - (w.window - 2*w.cut) + 1) / 2
		cutEnd = cutBegin + (w.window - 2*w.cut)
	}

	timeSpan := timestamps[cutEnd-1] - timestamps[cutBegin]
	if timeSpan < 1 {
		timeSpan = 1
	}

	totalWork := win[cutEnd-1].CumDifficulty.Sub(win[cutBegin].CumDifficulty)

	next := totalWork.Mul64(w.target).DivCeil64(uint64(timeSpan))
	if next.Cmp64(1) < 0 {
		return types.DifficultyFrom64(1)
	}
	return next
}
