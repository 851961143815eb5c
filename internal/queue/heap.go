package queue

import (
	"container/heap"
	"time"

	"github.com/copysentry/backend/internal/core"
)

// entry is one admitted-or-waiting scan request.
type entry struct {
	QueueID   string           `json:"queue_id"`
	Request   core.ScanRequest `json:"request"`
	Plan      core.PlanTier    `json:"plan"`
	Rank      float64          `json:"rank"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Set once the request is admitted.
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`

	seq   uint64 // arrival order, tie-break
	index int    // heap bookkeeping
}

// rankFor computes the time-invariant selection rank. The live priority is
// planWeight*10000 + ageMs/1000 - demerit; every waiter ages at the same
// rate, so folding the enqueue timestamp into the rank preserves the live
// ordering without re-heapifying as time passes.
func rankFor(plan core.PlanTier, enqueuedAt time.Time, demerit float64) float64 {
	return float64(plan.Weight())*10_000 - float64(enqueuedAt.UnixMilli())/1_000 - demerit
}

// waiterHeap is a max-heap on Rank; equal ranks fall back to arrival order.
type waiterHeap []*entry

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].Rank != h[j].Rank {
		return h[i].Rank > h[j].Rank
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *waiterHeap) push(e *entry) { heap.Push(h, e) }

func (h *waiterHeap) remove(e *entry) {
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}

// popEligible removes and returns the highest-ranked waiter accepted by ok.
// Ineligible entries are set aside and restored before returning.
func (h *waiterHeap) popEligible(ok func(*entry) bool) *entry {
	var skipped []*entry
	var picked *entry
	for h.Len() > 0 {
		e := heap.Pop(h).(*entry)
		if ok(e) {
			picked = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(h, e)
	}
	return picked
}
