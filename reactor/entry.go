package reactor

import "github.com/addrianyy/async-net/api"

// Entry is implemented by the socket state machines (TCP listener, TCP
// connection, UDP socket) that register with a Reactor. It plays the role
// of the shared "context_index" bookkeeping from spec.md §3: every
// registered Entry can locate and update its own slot in the registry it
// lives in, so swap-remove never has to search.
type Entry interface {
	// PollSocket returns the socket to poll this tick and the event mask
	// currently wanted. A nil socket (or zero Query) means "don't poll me
	// this tick" rather than unregistering.
	PollSocket() (sock api.Socket, query api.Events)
	// Dispatch handles a readiness notification gathered this tick.
	Dispatch(ready api.Events)
	// RegIndex/SetRegIndex manage this entry's position within its
	// registry slice; -1 means "not registered".
	RegIndex() int
	SetRegIndex(i int)
	// MarkShutdown forces the entry into its terminal state without
	// running user callbacks, used by Reactor.Drain.
	MarkShutdown()
}

// registry is a swap-remove collection of registered entries, generic over
// the concrete Entry type each socket kind implements. Every live element
// always knows its own index (spec.md §3 invariant): for every registered
// socket s, registry[s.RegIndex()] == s.
type registry[T Entry] struct {
	items []T
}

func (r *registry[T]) add(e T) {
	e.SetRegIndex(len(r.items))
	r.items = append(r.items, e)
}

func (r *registry[T]) remove(e T) {
	idx := e.RegIndex()
	if idx < 0 {
		return
	}
	last := len(r.items) - 1
	if idx != last {
		r.items[idx] = r.items[last]
		r.items[idx].SetRegIndex(idx)
	}
	var zero T
	r.items[last] = zero
	r.items = r.items[:last]
	e.SetRegIndex(-1)
}

func (r *registry[T]) len() int { return len(r.items) }

func (r *registry[T]) drain() {
	for _, e := range r.items {
		e.MarkShutdown()
		e.SetRegIndex(-1)
	}
	r.items = r.items[:0]
}
