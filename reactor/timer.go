package reactor

import (
	"container/heap"
	"time"
)

// TimerID is a monotonically increasing identifier used to break ties
// between timers that share a deadline, so equal deadlines fire in
// registration (FIFO) order (spec.md §4.5).
type TimerID uint64

// TimerKey is the token returned by RegisterTimer and required to
// unregister it.
type TimerKey struct {
	ID       TimerID
	Deadline time.Time
}

type timerEntry struct {
	deadline time.Time
	id       TimerID
	cb       func()
	index    int
}

// timerHeap is a container/heap min-heap ordered by (deadline, id), the
// same precedence the teacher's own scheduler (internal/concurrency in the
// reference corpus) uses container/heap for; no third-party priority queue
// in the retrieved corpus offers this, so container/heap is used directly
// (see DESIGN.md).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerSet is the reactor's ordered collection of pending timers.
type timerSet struct {
	heap   timerHeap
	byID   map[TimerID]*timerEntry
	nextID TimerID
}

func newTimerSet() *timerSet {
	return &timerSet{byID: make(map[TimerID]*timerEntry)}
}

func (s *timerSet) register(deadline time.Time, cb func()) TimerKey {
	s.nextID++
	e := &timerEntry{deadline: deadline, id: s.nextID, cb: cb}
	heap.Push(&s.heap, e)
	s.byID[e.id] = e
	return TimerKey{ID: e.id, Deadline: deadline}
}

// unregister removes the timer and returns its callback, or nil if the key
// is unknown or the timer has already fired or been removed.
// Reactor.UnregisterTimer drops the returned callback; it is not posted to
// the deferred queue.
func (s *timerSet) unregister(key TimerKey) func() {
	e, ok := s.byID[key.ID]
	if !ok {
		return nil
	}
	delete(s.byID, key.ID)
	heap.Remove(&s.heap, e.index)
	return e.cb
}

func (s *timerSet) earliestDeadline() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].deadline, true
}

func (s *timerSet) pending(now time.Time) bool {
	return len(s.heap) > 0 && !s.heap[0].deadline.After(now)
}

func (s *timerSet) len() int { return len(s.heap) }

// fireDue pops and invokes every timer whose deadline has passed, in
// (deadline, id) order, returning whether anything fired.
func (s *timerSet) fireDue(now time.Time) bool {
	fired := false
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		e := heap.Pop(&s.heap).(*timerEntry)
		delete(s.byID, e.id)
		fired = true
		e.cb()
	}
	return fired
}

// drain discards all pending timers without firing them (spec.md §4.1
// "drain").
func (s *timerSet) drain() {
	for len(s.heap) > 0 {
		e := heap.Pop(&s.heap).(*timerEntry)
		delete(s.byID, e.id)
	}
}
