package scheduler

import (
	"container/heap"

	"github.com/FranksOps/frontier/internal/storage"
)

// candidate is an uncrawled page waiting in a readiness index.
type candidate struct {
	id    storage.PageID
	url   string
	depth int
	score float64
	seq   uint64 // insertion order, breaks score ties

	pos    int // heap position, -1 when parked
	parked bool
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *candidateHeap) Push(x any) {
	c := x.(*candidate)
	c.pos = len(*h)
	*h = append(*h, c)
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.pos = -1
	*h = old[:n-1]
	return c
}

// readiness orders candidates by score, highest first, FIFO among equals.
// Candidates deeper than the crawl depth limit are parked outside the heap
// until the limit allows them again. It is not safe for concurrent use.
type readiness struct {
	h    candidateHeap
	byID map[storage.PageID]*candidate
	seq  uint64
}

func newReadiness() *readiness {
	return &readiness{byID: make(map[storage.PageID]*candidate)}
}

// Len counts candidates including parked ones.
func (r *readiness) Len() int { return len(r.byID) }

// Ready counts candidates in the heap.
func (r *readiness) Ready() int { return len(r.h) }

// upsert inserts a new candidate or updates the score and depth of a known
// one. Known candidates keep their insertion order.
func (r *readiness) upsert(id storage.PageID, url string, depth int, score float64) *candidate {
	if c, ok := r.byID[id]; ok {
		c.score, c.depth = score, depth
		if !c.parked {
			heap.Fix(&r.h, c.pos)
		}
		return c
	}
	r.seq++
	c := &candidate{id: id, url: url, depth: depth, score: score, seq: r.seq}
	r.byID[id] = c
	heap.Push(&r.h, c)
	return c
}

// restore inserts a candidate keeping its original sequence number.
func (r *readiness) restore(c candidate) {
	if old, ok := r.byID[c.id]; ok {
		r.removeCandidate(old)
	}
	cp := c
	cp.parked = false
	r.byID[cp.id] = &cp
	heap.Push(&r.h, &cp)
	r.seq = max(r.seq, cp.seq)
}

func (r *readiness) get(id storage.PageID) (*candidate, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *readiness) remove(id storage.PageID) bool {
	c, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeCandidate(c)
	return true
}

func (r *readiness) removeCandidate(c *candidate) {
	delete(r.byID, c.id)
	if !c.parked {
		heap.Remove(&r.h, c.pos)
	}
}

// pop removes the best candidate from the heap. Popped candidates are
// forgotten unless pushed back with requeue.
func (r *readiness) pop() *candidate {
	if len(r.h) == 0 {
		return nil
	}
	c := heap.Pop(&r.h).(*candidate)
	delete(r.byID, c.id)
	return c
}

// requeue puts a popped candidate back with its original order.
func (r *readiness) requeue(c *candidate) {
	r.byID[c.id] = c
	heap.Push(&r.h, c)
}

// park keeps a popped candidate out of the heap.
func (r *readiness) park(c *candidate) {
	c.parked = true
	c.pos = -1
	r.byID[c.id] = c
}

// unpark moves parked candidates that satisfy keep back into the heap.
func (r *readiness) unpark(keep func(c *candidate) bool) int {
	n := 0
	for _, c := range r.byID {
		if c.parked && keep(c) {
			c.parked = false
			heap.Push(&r.h, c)
			n++
		}
	}
	return n
}

// snapshot copies every candidate, parked ones included.
func (r *readiness) snapshot() []candidate {
	out := make([]candidate, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, *c)
	}
	return out
}

// setDepth updates the depth of a known candidate.
func (r *readiness) setDepth(id storage.PageID, depth int) (*candidate, bool) {
	c, ok := r.byID[id]
	if ok {
		c.depth = depth
	}
	return c, ok
}

// wake moves a parked candidate back into the heap.
func (r *readiness) wake(c *candidate) {
	if c.parked {
		c.parked = false
		heap.Push(&r.h, c)
	}
}
