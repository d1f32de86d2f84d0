package sim

import (
	"container/heap"
	"fmt"
	"strings"

	"git.gammaspectra.live/P2Pool/netsim/types"
)

type Action string

const (
	HasherFind Action = "HASHER_FIND"
	RecvOwn    Action = "RECV_OWN"
	RecvOther  Action = "RECV_OTHER"
)

type Event struct {
	SimClock float64
	PoolId   string
	Action   Action
	Chaintip types.BlockId
	// NewIds is ordered ascending in height.
	NewIds []types.BlockId

	seq uint64
}

func (e *Event) LastNewId() types.BlockId {
	if len(e.NewIds) == 0 {
		return types.ZeroBlockId
	}
	return e.NewIds[len(e.NewIds)-1]
}

// compareEvents implements the 5-key total order. The action key inverts
// lexical order so RECV_OWN precedes RECV_OTHER at equal times; the insertion
// sequence keeps the heap stable when all five keys tie.
func compareEvents(a, b *Event) int {
	switch {
	case a.SimClock < b.SimClock:
		return -1
	case a.SimClock > b.SimClock:
		return 1
	}
	if c := strings.Compare(a.PoolId, b.PoolId); c != 0 {
		return c
	}
	if c := strings.Compare(string(b.Action), string(a.Action)); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.Chaintip), string(b.Chaintip)); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.LastNewId()), string(b.LastNewId())); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

type eventHeap []*Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return compareEvents(h[i], h[j]) < 0 }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// EventQueue is the round's time-ordered queue. Pops are non-decreasing in
// the 5-key tuple; pushing an event before the last popped clock is an error.
type EventQueue struct {
	h       eventHeap
	nextSeq uint64
	now     float64
}

func NewEventQueue() *EventQueue {
	q := &EventQueue{}
	heap.Init(&q.h)
	return q
}

func (q *EventQueue) Len() int {
	return len(q.h)
}

func (q *EventQueue) Push(e *Event) error {
	if e.SimClock < q.now {
		return fmt.Errorf("event at %f pushed before current clock %f", e.SimClock, q.now)
	}
	e.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.h, e)
	return nil
}

func (q *EventQueue) Peek() *Event {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *EventQueue) Pop() *Event {
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*Event)
	q.now = e.SimClock
	return e
}

func (q *EventQueue) Now() float64 {
	return q.now
}

// Compact reallocates the backing array once its physical length exceeds 3x
// the logical length, bounding memory across long rounds.
func (q *EventQueue) Compact() {
	if cap(q.h) > 3*len(q.h) {
		compacted := make(eventHeap, len(q.h))
		copy(compacted, q.h)
		q.h = compacted
	}
}

// Validate checks the heap ordering property. Used by tests and under probe
// logging after compaction.
func (q *EventQueue) Validate() error {
	for i := range q.h {
		for _, child := range []int{2*i + 1, 2*i + 2} {
			if child < len(q.h) && compareEvents(q.h[child], q.h[i]) < 0 {
				return fmt.Errorf("heap violation at %d/%d", i, child)
			}
		}
	}
	return nil
}
