package tcp

import (
	"net/netip"

	"github.com/addrianyy/async-net/api"
	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
)

// ListenerState is a Listener's position in its lifecycle (spec.md §4.2):
// Waiting -> Listening -> (Error | Shutdown).
type ListenerState int

const (
	ListenerWaiting ListenerState = iota
	ListenerListening
	ListenerError
	ListenerShutdown
)

// acceptCeilingPerTick bounds how many connections a single Dispatch call
// will Accept before yielding, so one listener under a connection storm
// cannot starve every other registered socket in the same tick.
const acceptCeilingPerTick = 256

// ListenerCallbacks groups every user-supplied notification a Listener can
// raise. All run on the reactor thread.
type ListenerCallbacks struct {
	OnListening func(l *Listener, addr netip.AddrPort)
	OnError     func(l *Listener, status api.Status)
	OnAccept    func(l *Listener, c *Connection, cb Callbacks) Callbacks
	// OnAcceptError is invoked once per failed (non-would-block) Accept
	// call, carrying the failure status and no connection (spec.md §4.2:
	// "a non-wouldblock accept error is reported once via
	// on_accept(err, ∅)"). The listener itself stays Listening; this is
	// distinct from OnError, which reports a poll-level listener failure.
	OnAcceptError func(l *Listener, status api.Status)
}

// Listener accepts inbound TCP connections on one bound address.
type Listener struct {
	r        *reactor.Reactor
	regIndex int
	state    ListenerState
	cb       ListenerCallbacks

	sock *rawsock.ListenSocket

	pending   []netip.AddrPort
	sweepIdx  int
	opts      rawsock.BindOptions
	bindErr   api.Status

	connCallbacks Callbacks
}

func newListener(r *reactor.Reactor, opts rawsock.BindOptions, connCB Callbacks, cb ListenerCallbacks) *Listener {
	l := &Listener{r: r, regIndex: -1, state: ListenerWaiting, cb: cb, opts: opts, connCallbacks: connCB}
	r.RegisterListener(l)
	return l
}

// Listen binds and listens on a single address immediately. A zero Addr in
// addr means "any local address" (INADDR_ANY / in6addr_any).
func Listen(r *reactor.Reactor, addr netip.AddrPort, opts rawsock.BindOptions, connCB Callbacks, cb ListenerCallbacks) *Listener {
	l := newListener(r, opts, connCB, cb)
	l.pending = []netip.AddrPort{addr}
	l.bindNext()
	return l
}

// ListenAddrs tries each candidate address in order until one successfully
// binds, latching the first error so it can be reported if every candidate
// fails (mirrors the connect sweep's best-so-far status latch, spec.md
// §4.2's bind algorithm).
func ListenAddrs(r *reactor.Reactor, addrs []netip.AddrPort, opts rawsock.BindOptions, connCB Callbacks, cb ListenerCallbacks) *Listener {
	l := newListener(r, opts, connCB, cb)
	l.pending = append([]netip.AddrPort(nil), addrs...)
	l.bindNext()
	return l
}

// ListenHostname resolves hostname asynchronously and then binds to the
// first resolved address that accepts a bind, in resolver order
// ("resolve-then-bind-sweep", supplemented from original_source per
// SPEC_FULL.md).
func ListenHostname(r *reactor.Reactor, hostname string, port uint16, opts rawsock.BindOptions, connCB Callbacks, cb ListenerCallbacks) *Listener {
	l := newListener(r, opts, connCB, cb)
	r.ResolveHostname(hostname, func(status api.Status, addrs []netip.Addr) {
		if l.state != ListenerWaiting {
			return
		}
		if !status.OK() || len(addrs) == 0 {
			l.fail(status)
			return
		}
		for _, a := range addrs {
			l.pending = append(l.pending, netip.AddrPortFrom(a, port))
		}
		l.bindNext()
	})
	return l
}

func (l *Listener) bindNext() {
	for l.sweepIdx < len(l.pending) {
		addr := l.pending[l.sweepIdx]
		l.sweepIdx++

		sock, status := rawsock.Listen(addr, l.opts)
		if status.OK() {
			l.sock = sock
			l.state = ListenerListening
			if l.cb.OnListening != nil {
				local, _ := sock.LocalAddr()
				l.cb.OnListening(l, local)
			}
			return
		}
		l.bindErr.Latch(status)
	}
	l.fail(l.bindErr)
}

func (l *Listener) fail(status api.Status) {
	l.state = ListenerError
	if l.cb.OnError != nil {
		l.cb.OnError(l, status)
	}
	l.r.UnregisterListener(l)
}

// PollSocket implements reactor.Entry.
func (l *Listener) PollSocket() (api.Socket, api.Events) {
	if l.state != ListenerListening || l.sock == nil {
		return nil, 0
	}
	return l.sock, api.EventCanAccept
}

// Dispatch implements reactor.Entry.
func (l *Listener) Dispatch(ready api.Events) {
	if l.state != ListenerListening {
		return
	}
	if ready.HasAny(api.EventError | api.EventInvalidSocket) {
		l.fail(api.Status{Err: api.ErrListenFailed, Sys: l.sock.LastError()})
		return
	}
	if !ready.Has(api.EventCanAccept) {
		return
	}
	for i := 0; i < acceptCeilingPerTick; i++ {
		sock, status := l.sock.Accept()
		if status.WouldBlock() {
			return
		}
		if !status.OK() {
			// A single failed accept (e.g. the peer reset before we
			// accepted it) does not tear the listener down; only a
			// poll-reported socket error does. Report it once and break
			// out of the loop; the next tick retries (spec.md §4.2).
			if l.cb.OnAcceptError != nil {
				l.cb.OnAcceptError(l, status)
			}
			return
		}
		connCB := l.connCallbacks
		if l.cb.OnAccept != nil {
			conn := fromAccepted(l.r, sock, Callbacks{})
			connCB = l.cb.OnAccept(l, conn, connCB)
			conn.cb = connCB
			continue
		}
		fromAccepted(l.r, sock, connCB)
	}
}

// Shutdown stops accepting and releases the listening socket. No further
// callbacks fire.
func (l *Listener) Shutdown() {
	if l.state == ListenerShutdown {
		return
	}
	l.state = ListenerShutdown
	if l.sock != nil {
		l.sock.Close()
		l.sock = nil
	}
	l.r.UnregisterListener(l)
}

// MarkShutdown implements reactor.Entry.
func (l *Listener) MarkShutdown() {
	l.state = ListenerShutdown
	if l.sock != nil {
		l.sock.Close()
		l.sock = nil
	}
}

func (l *Listener) RegIndex() int     { return l.regIndex }
func (l *Listener) SetRegIndex(i int) { l.regIndex = i }

// State returns the listener's current lifecycle state.
func (l *Listener) State() ListenerState { return l.state }

// LocalAddr reports the bound address; only meaningful once State is
// ListenerListening.
func (l *Listener) LocalAddr() (netip.AddrPort, error) {
	if l.sock == nil {
		return netip.AddrPort{}, errNotConnected
	}
	return l.sock.LocalAddr()
}
