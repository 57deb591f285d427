// Package broadcast implements the retransmit-limited priority queue used
// both for SWIM-internal alive/suspect/dead messages and for piggy-backed
// user events, grounded on the hashicorp-serf reference's
// memberlist.TransmitLimitedQueue usage (see DESIGN.md).
package broadcast

import (
	"container/heap"
	"math"
	"sync"
)

// Broadcast is a single retransmittable message.
type Broadcast interface {
	// Invalidates returns true if this broadcast makes other stale and
	// should cause it to be dropped from the queue.
	Invalidates(other Broadcast) bool
	// Message returns the wire bytes to send.
	Message() []byte
	// Finished is invoked exactly once, either when the broadcast reaches
	// the retransmit limit or when it is invalidated by a newer broadcast.
	Finished()
}

// NamedBroadcast is a Broadcast keyed by a stable name, so a later update
// for the same name invalidates an older queued one regardless of payload.
type NamedBroadcast interface {
	Broadcast
	Name() string
}

// UniqueBroadcast marks a Broadcast that is never invalidated by name but
// only by another broadcast of the same concrete identity (e.g. the same
// google/uuid token), per spec §4.3.
type UniqueBroadcast interface {
	Broadcast
	UniqueBroadcast()
}

type item struct {
	b         Broadcast
	transmits int
	msgLen    int64
	seq       int // insertion order, for stable tie-breaking
	index     int // heap index
}

// TransmitLimitedQueue is a priority queue of broadcasts: the entry with the
// fewest transmissions so far is always emitted first (ties broken by
// insertion order), and an entry is dropped once it has been transmitted
// retransmitLimit times.
type TransmitLimitedQueue struct {
	// NumNodes returns the current cluster size, used to compute the
	// retransmit limit: retransmitMult * ceil(log10(N+1)).
	NumNodes func() int
	// RetransmitMult is the multiplier applied to ceil(log10(N+1)).
	RetransmitMult int

	mu    sync.Mutex
	pq    itemHeap
	named map[string]*item  // keyed by NamedBroadcast.Name()
	seq   int               // monotonically increasing insertion counter
}

// QueueBroadcast enqueues b, invalidating any queued entry e for which
// b.Invalidates(e) holds (§4.3).
func (q *TransmitLimitedQueue) QueueBroadcast(b Broadcast) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.named == nil {
		q.named = make(map[string]*item)
	}

	if nb, ok := b.(NamedBroadcast); ok {
		if old, exists := q.named[nb.Name()]; exists {
			heap.Remove(&q.pq, old.index)
			old.b.Finished()
			delete(q.named, nb.Name())
		}
	} else {
		var toRemove []*item
		for _, it := range q.pq {
			if b.Invalidates(it.b) {
				toRemove = append(toRemove, it)
			}
		}
		for _, it := range toRemove {
			heap.Remove(&q.pq, it.index)
			it.b.Finished()
		}
	}

	q.seq++
	it := &item{b: b, msgLen: int64(len(b.Message())), seq: q.seq}
	heap.Push(&q.pq, it)
	if nb, ok := b.(NamedBroadcast); ok {
		q.named[nb.Name()] = it
	}
}

// GetBroadcasts returns wire-ready frames whose sizes fit within byteLimit,
// given overhead bytes reserved per frame (e.g. compound-message framing).
// Each returned broadcast has its transmit count incremented; entries that
// reach the retransmit limit are removed and Finished.
func (q *TransmitLimitedQueue) GetBroadcasts(overhead, byteLimit int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return nil
	}

	limit := q.retransmitLimit()
	var out [][]byte
	var reinsert []*item

	remaining := byteLimit
	for len(q.pq) > 0 {
		it := heap.Pop(&q.pq).(*item)

		frameLen := int(it.msgLen) + overhead
		if frameLen > remaining {
			// Doesn't fit; it goes back and we stop here. The heap is
			// ordered by transmit count, not size, so a smaller entry later
			// in the order is not tried in this call.
			reinsert = append(reinsert, it)
			break
		}
		remaining -= frameLen

		out = append(out, it.b.Message())
		it.transmits++

		if it.transmits >= limit {
			if nb, ok := it.b.(NamedBroadcast); ok {
				delete(q.named, nb.Name())
			}
			it.b.Finished()
		} else {
			reinsert = append(reinsert, it)
		}
	}

	for _, it := range reinsert {
		heap.Push(&q.pq, it)
	}

	return out
}

// NumQueued reports the number of broadcasts currently queued.
func (q *TransmitLimitedQueue) NumQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Prune drops the lowest-priority (most-transmitted) entries until at most
// maxRetain remain, invoking Finished on anything dropped. Used to
// bound memory when a burst of invalidated-but-not-yet-collected broadcasts
// accumulates.
func (q *TransmitLimitedQueue) Prune(maxRetain int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pq) > maxRetain {
		// Drop the highest transmit-count entry: walk for the max since the
		// heap only gives cheap access to the min.
		worst := 0
		for i := 1; i < len(q.pq); i++ {
			if q.pq[i].transmits > q.pq[worst].transmits {
				worst = i
			}
		}
		it := q.pq[worst]
		heap.Remove(&q.pq, it.index)
		if nb, ok := it.b.(NamedBroadcast); ok {
			delete(q.named, nb.Name())
		}
		it.b.Finished()
	}
}

// Reset empties the queue without invoking Finished on any entry; used when
// the owning engine itself is shutting down and no further retransmission
// semantics matter.
func (q *TransmitLimitedQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pq = nil
	q.named = make(map[string]*item)
}

func (q *TransmitLimitedQueue) retransmitLimit() int {
	n := 1
	if q.NumNodes != nil {
		if got := q.NumNodes(); got > 0 {
			n = got
		}
	}
	mult := q.RetransmitMult
	if mult <= 0 {
		mult = 1
	}
	return mult * int(math.Ceil(math.Log10(float64(n+1))))
}

// itemHeap orders by (transmits asc, insertion asc).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].transmits != h[j].transmits {
		return h[i].transmits < h[j].transmits
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
