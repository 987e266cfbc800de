package api

// Events is a bitmask of poll-readiness conditions, queried for a socket and
// reported back by the poller.
type Events uint8

const (
	EventCanReceiveFrom Events = 1 << iota
	EventCanSendTo
	EventCanAccept
	EventDisconnected
	EventInvalidSocket
	EventError
)

// Has reports whether all bits in mask are set.
func (e Events) Has(mask Events) bool { return e&mask == mask }

// HasAny reports whether any bit in mask is set.
func (e Events) HasAny(mask Events) bool { return e&mask != 0 }

// Socket is the minimal capability the poller needs from any registrable
// socket: a raw handle to watch, and a way to read back the last system
// error when something goes wrong. Concrete stream/listener/datagram
// sockets live in internal/rawsock.
type Socket interface {
	// FD returns the underlying OS file descriptor, or -1 if the socket
	// does not currently hold one (e.g. not yet bound).
	FD() int
	// LastError queries and clears the socket's pending error (SO_ERROR).
	LastError() SystemErrorKind
}

// PollEntry is one element of the reactor's per-tick "poll scratch": the
// socket to watch, the events currently wanted, and (after Poll returns)
// the events that were actually signaled.
type PollEntry struct {
	Socket Socket
	Query  Events
	Ready  Events
}

// Poller multiplexes readiness across a batch of sockets rebuilt fresh every
// tick, mirroring the poll(2) contract: callers pass the entire interest set
// on every call rather than maintaining persistent kernel-side registration.
type Poller interface {
	// Poll blocks until at least one entry is ready, timeoutMs elapses (< 0
	// means block indefinitely), or Cancel is called from another thread.
	// It returns the number of entries with a non-zero Ready mask.
	Poll(entries []PollEntry, timeoutMs int) (signaled int, status Status)
	// Cancel aborts an in-flight Poll call from any thread. Idempotent.
	Cancel() error
	// Close releases poller resources.
	Close() error
}
