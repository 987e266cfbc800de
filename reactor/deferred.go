package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

// deferredQueue is the single-thread deferred-work queue (spec.md §3, §4.1):
// appended to and drained only by the reactor thread, so no synchronization
// is needed. Backed by eapache/queue's ring-buffer deque, which gives O(1)
// amortized push/pop FIFO semantics without container/list's per-node
// allocations.
type deferredQueue struct {
	q *queue.Queue
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{q: queue.New()}
}

func (d *deferredQueue) push(f func()) {
	d.q.Add(f)
}

func (d *deferredQueue) empty() bool {
	return d.q.Length() == 0
}

// drainOnce runs every closure currently in the queue exactly once, even if
// running one of them pushes more work (that new work waits for the next
// drainOnce call). Mirrors IoContextImpl::run_deferred_work's swap-then-run
// structure without needing a second queue: eapache/queue tolerates
// concurrent Add while draining by index.
func (d *deferredQueue) drainOnce() {
	n := d.q.Length()
	for i := 0; i < n; i++ {
		f := d.q.Remove().(func())
		f()
	}
}

// drainDiscard removes every pending closure without running it (spec.md
// §4.1 "drain").
func (d *deferredQueue) drainDiscard() {
	for d.q.Length() > 0 {
		d.q.Remove()
	}
}

// atomicQueue is the cross-thread deferred-work queue: append-under-mutex
// from any goroutine, drained lock-free by the reactor after a swap under
// the mutex (spec.md §3, §5).
type atomicQueue struct {
	mu    sync.Mutex
	write []func()
	read  []func()
}

func (a *atomicQueue) push(f func()) {
	a.mu.Lock()
	a.write = append(a.write, f)
	a.mu.Unlock()
}

func (a *atomicQueue) swap() {
	a.mu.Lock()
	a.read, a.write = a.write, a.read[:0]
	a.mu.Unlock()
}

// drainOnce swaps in pending work and runs it.
func (a *atomicQueue) drainOnce() {
	a.swap()
	for _, f := range a.read {
		f()
	}
	a.read = a.read[:0]
}

// drainDiscard swaps in pending work and discards it without running it.
func (a *atomicQueue) drainDiscard() {
	a.swap()
	a.read = a.read[:0]
}

func (a *atomicQueue) empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.write) == 0
}
