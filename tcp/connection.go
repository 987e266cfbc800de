// Package tcp implements the TCP listener and connection state machines
// from spec.md §4.2/§4.3, built on internal/rawsock and driven by a
// reactor.Reactor.
package tcp

import (
	"net/netip"
	"time"

	"github.com/addrianyy/async-net/api"
	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
)

// State is the connection's position in its lifecycle (spec.md §4.3):
// Connecting -> Connected -> (Disconnected | Error | Shutdown).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	// connectAttemptTimeout bounds how long a single address in a connect
	// sweep gets before the connection moves on to the next candidate
	// (spec.md §4.3).
	connectAttemptTimeout = 300 * time.Millisecond

	// recvGrow is how much the receive buffer grows per read when it is
	// exhausted, rather than sizing a single huge buffer up front.
	recvGrow = 16 * 1024
	// recvCeilingPerTick bounds total bytes read across all Receive calls
	// within a single Dispatch, so one very chatty peer cannot starve
	// every other registered socket.
	recvCeilingPerTick = 16 * 1024 * 1024
	// sendCeilingPerSyscall bounds a single Send(2) call so one oversized
	// queued write cannot block the tick for an unbounded time.
	sendCeilingPerSyscall = 32 * 1024 * 1024
)

// Callbacks groups every user-supplied notification a Connection can raise.
// All are optional and all run on the reactor thread.
type Callbacks struct {
	OnConnected    func(c *Connection)
	OnDataReceived func(c *Connection, data []byte)
	// OnDataSent fires once per tick in which the send buffer fully drains
	// (spec.md §4.3's steady-state write loop: "if all bytes were written
	// this tick and on_data_sent is set, fire on_data_sent once").
	OnDataSent     func(c *Connection)
	OnDisconnected func(c *Connection, status api.Status)
	OnError        func(c *Connection, status api.Status)
}

// Connection is a single TCP connection, either dialed outbound through
// Connect/ConnectHostname or handed in already-established by a Listener's
// accept loop.
type Connection struct {
	r        *reactor.Reactor
	regIndex int
	state    State
	cb       Callbacks

	sock       *rawsock.StreamSocket
	connecting *rawsock.ConnectingSocket

	// Outbound connect sweep.
	pending     []netip.AddrPort
	sweepIdx    int
	sweepTimer  reactor.TimerKey
	sweepActive bool
	sweepStatus api.Status

	recvBuf []byte

	sendBuf    []byte
	sendOffset int

	// sendCap, blockOnFull, and receiveGate are the mutable knobs spec.md
	// §4.3's "Public operations" lists: the send-buffer-size cap, whether a
	// full send buffer pauses the receive loop, and whether the receive
	// loop runs at all.
	sendCap     int
	blockOnFull bool
	receiveGate bool

	// shuttingDown marks a Shutdown() call that found unsent data in
	// sendBuf: the connection stays internally Connected-pollable until
	// pumpSend drains it, then finalizeShutdown closes the socket.
	shuttingDown bool
}

func newConnection(r *reactor.Reactor, cb Callbacks) *Connection {
	return &Connection{
		r:           r,
		regIndex:    -1,
		state:       StateConnecting,
		cb:          cb,
		sendCap:     sendBufferCapDefault,
		blockOnFull: true,
		receiveGate: true,
	}
}

// Connect begins a connection attempt that sweeps addrs in order, giving
// each connectAttemptTimeout before moving to the next, and latching the
// first non-trivial error so it can be reported if every address fails
// (spec.md §4.3's connect sweep, grounded on TcpConnectionImpl's multi
// address attempt loop).
func Connect(r *reactor.Reactor, addrs []netip.AddrPort, cb Callbacks) *Connection {
	c := newConnection(r, cb)
	c.pending = append([]netip.AddrPort(nil), addrs...)
	r.RegisterConnection(c)
	c.attemptNext()
	return c
}

// ConnectHostname resolves hostname asynchronously and then behaves like
// Connect over every address the resolution returns, preserving resolver
// order.
func ConnectHostname(r *reactor.Reactor, hostname string, port uint16, cb Callbacks) *Connection {
	c := newConnection(r, cb)
	r.RegisterConnection(c)
	r.ResolveHostname(hostname, func(status api.Status, addrs []netip.Addr) {
		if c.state != StateConnecting {
			return
		}
		if !status.OK() || len(addrs) == 0 {
			c.fail(status)
			return
		}
		for _, a := range addrs {
			c.pending = append(c.pending, netip.AddrPortFrom(a, port))
		}
		c.attemptNext()
	})
	return c
}

// fromAccepted wraps a socket a Listener has already accepted. It starts
// directly in StateConnected.
func fromAccepted(r *reactor.Reactor, sock *rawsock.StreamSocket, cb Callbacks) *Connection {
	c := newConnection(r, cb)
	c.sock = sock
	c.state = StateConnected
	r.RegisterConnection(c)
	if c.cb.OnConnected != nil {
		c.cb.OnConnected(c)
	}
	return c
}

func (c *Connection) attemptNext() {
	if c.sweepIdx >= len(c.pending) {
		c.fail(c.sweepStatus)
		return
	}
	addr := c.pending[c.sweepIdx]
	c.sweepIdx++

	status, connected, connecting := rawsock.InitiateConnection(addr)
	if connected != nil {
		c.sock = connected
		c.state = StateConnected
		if c.cb.OnConnected != nil {
			c.cb.OnConnected(c)
		}
		return
	}
	if connecting == nil {
		c.sweepStatus.Latch(status)
		c.attemptNext()
		return
	}

	c.connecting = connecting
	c.sweepActive = true
	c.sweepTimer = c.r.RegisterTimer(time.Now().Add(connectAttemptTimeout), func() {
		c.sweepActive = false
		c.sweepStatus.Latch(api.Status{Err: api.ErrConnectFailed, Sys: api.SysTimeout})
		if c.connecting != nil {
			c.connecting.Close()
			c.connecting = nil
		}
		c.attemptNext()
	})
}

func (c *Connection) fail(status api.Status) {
	c.state = StateError
	if c.cb.OnError != nil {
		c.cb.OnError(c, status)
	}
	c.r.UnregisterConnection(c)
}

// PollSocket implements reactor.Entry.
func (c *Connection) PollSocket() (api.Socket, api.Events) {
	switch c.state {
	case StateConnecting:
		if c.connecting == nil {
			return nil, 0
		}
		return c.connecting, api.EventCanSendTo
	case StateConnected:
		if c.sock == nil {
			return nil, 0
		}
		var events api.Events
		// spec.md §4.3's steady-state read loop only runs "while Connected
		// and on_data_received is set and (if block_on_send_buffer_full is
		// enabled) the send buffer is not at cap".
		if c.receiveGate && c.cb.OnDataReceived != nil && !(c.blockOnFull && c.atSendCap()) {
			events |= api.EventCanReceiveFrom
		}
		if c.hasQueuedSend() {
			events |= api.EventCanSendTo
		}
		return c.sock, events
	case StateShutdown:
		if c.shuttingDown && c.sock != nil && c.hasQueuedSend() {
			return c.sock, api.EventCanSendTo
		}
		return nil, 0
	default:
		return nil, 0
	}
}

// Dispatch implements reactor.Entry.
func (c *Connection) Dispatch(ready api.Events) {
	switch c.state {
	case StateConnecting:
		c.dispatchConnecting(ready)
	case StateConnected:
		c.dispatchConnected(ready)
	case StateShutdown:
		if c.shuttingDown {
			c.dispatchDraining(ready)
		}
	}
}

// dispatchDraining pumps the last of a Shutdown-in-progress connection's
// send buffer and finalizes the close once it empties or errors.
func (c *Connection) dispatchDraining(ready api.Events) {
	if ready.HasAny(api.EventError | api.EventInvalidSocket | api.EventDisconnected) {
		c.finalizeShutdown()
		return
	}
	if ready.Has(api.EventCanSendTo) {
		c.pumpSend()
	}
}

func (c *Connection) dispatchConnecting(ready api.Events) {
	if !c.sweepActive || c.connecting == nil {
		return
	}
	if ready.HasAny(api.EventCanSendTo | api.EventError | api.EventDisconnected) {
		c.r.UnregisterTimer(c.sweepTimer)
		c.sweepActive = false
		status, sock := c.connecting.Connect()
		c.connecting = nil
		if sock != nil {
			c.sock = sock
			c.state = StateConnected
			if c.cb.OnConnected != nil {
				c.cb.OnConnected(c)
			}
			return
		}
		c.sweepStatus.Latch(status)
		c.attemptNext()
	}
}

func (c *Connection) dispatchConnected(ready api.Events) {
	if ready.HasAny(api.EventError | api.EventInvalidSocket) {
		c.disconnect(api.Status{Err: api.ErrConnectFailed, Sys: c.sock.LastError()})
		return
	}
	if ready.Has(api.EventCanReceiveFrom) {
		if !c.pumpReceive() {
			return
		}
	}
	if ready.Has(api.EventCanSendTo) {
		c.pumpSend()
	}
}

// pumpReceive reads until the socket would block, the peer disconnects, an
// error occurs, or recvCeilingPerTick is reached. Returns false if the
// connection was torn down mid-read (caller must stop touching c).
func (c *Connection) pumpReceive() bool {
	total := 0
	for total < recvCeilingPerTick {
		start := len(c.recvBuf)
		c.recvBuf = append(c.recvBuf, make([]byte, recvGrow)...)
		n, status := c.sock.Receive(c.recvBuf[start:])
		c.recvBuf = c.recvBuf[:start+n]

		if n > 0 {
			total += n
			if c.cb.OnDataReceived != nil {
				c.cb.OnDataReceived(c, c.recvBuf)
			}
			c.recvBuf = c.recvBuf[:0]
		}

		if status.WouldBlock() {
			return true
		}
		if status.Disconnected() {
			c.disconnect(status)
			return false
		}
		if !status.OK() {
			c.disconnect(status)
			return false
		}
		if n == 0 {
			return true
		}
	}
	return true
}

func (c *Connection) hasQueuedSend() bool {
	return c.sendOffset < len(c.sendBuf)
}

// atSendCap reports whether the queued-but-unsent portion of sendBuf has
// reached sendCap, per spec.md §4.3's block_on_send_buffer_full gate.
func (c *Connection) atSendCap() bool {
	return len(c.sendBuf)-c.sendOffset >= c.sendCap
}

func (c *Connection) pumpSend() {
	for c.hasQueuedSend() {
		chunk := c.sendBuf[c.sendOffset:]
		if len(chunk) > sendCeilingPerSyscall {
			chunk = chunk[:sendCeilingPerSyscall]
		}
		n, status := c.sock.Send(chunk)
		c.sendOffset += n
		if status.WouldBlock() {
			return
		}
		if !status.OK() {
			if c.shuttingDown {
				c.finalizeShutdown()
			} else {
				c.disconnect(status)
			}
			return
		}
		if n == 0 {
			return
		}
	}
	c.sendBuf = c.sendBuf[:0]
	c.sendOffset = 0
	if c.cb.OnDataSent != nil {
		c.cb.OnDataSent(c)
	}
	if c.shuttingDown {
		c.finalizeShutdown()
	}
}

func (c *Connection) disconnect(status api.Status) {
	if c.state != StateConnected {
		return
	}
	c.state = StateDisconnected
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected(c, status)
	}
	c.r.UnregisterConnection(c)
	if c.sock != nil {
		c.sock.Close()
	}
}

// sendBufferCapDefault is the default send-buffer-size cap (spec.md §6
// "Defaults & limits: Send buffer cap (TCP, UDP, WebSocket wrapping): 8
// MiB"). Mutable per-connection via SetSendBufferCap.
const sendBufferCapDefault = 8 * 1024 * 1024

// Send queues data for sending, subject to backpressure: it refuses (and
// returns false) if queuing data would take the pending (unsent) bytes over
// the connection's send-buffer cap, so a slow reader cannot force unbounded
// memory growth on the sender.
func (c *Connection) Send(data []byte) bool {
	if c.state != StateConnected {
		return false
	}
	if len(c.sendBuf)-c.sendOffset+len(data) > c.sendCap {
		return false
	}
	c.SendForce(data)
	return true
}

// SetSendBufferCap overrides the byte threshold at which Send begins
// refusing new data (spec.md §4.3's "mutate buffer-size cap" operation).
// Defaults to sendBufferCapDefault. Does not retroactively drop already
// queued bytes, even if they now exceed the new cap.
func (c *Connection) SetSendBufferCap(n int) { c.sendCap = n }

// SetBlockOnSendBufferFull toggles whether a full send buffer pauses the
// receive loop (spec.md §4.3's block_on_send_buffer_full flag). Defaults to
// true.
func (c *Connection) SetBlockOnSendBufferFull(block bool) { c.blockOnFull = block }

// SetReceiveGate enables or disables the connection's receive loop
// (spec.md §4.3's "mutate receive gate" operation). Defaults to true.
func (c *Connection) SetReceiveGate(enabled bool) { c.receiveGate = enabled }

// SetOnDataSent installs or replaces the OnDataSent callback after
// construction, letting a higher layer (e.g. the WebSocket session's
// ping/pong pacing) hook send-drained notifications only once it actually
// needs them, rather than paying for one on every connection.
func (c *Connection) SetOnDataSent(fn func(c *Connection)) { c.cb.OnDataSent = fn }

// SendForce appends data to the outbound buffer unconditionally, bypassing
// the backpressure cap in Send. Used by callers (like the WebSocket layer's
// close/control frames) that must not be dropped.
func (c *Connection) SendForce(data []byte) {
	if c.state != StateConnected {
		return
	}
	if c.sendOffset > 0 && c.sendOffset == len(c.sendBuf) {
		c.sendBuf = c.sendBuf[:0]
		c.sendOffset = 0
	}
	c.sendBuf = append(c.sendBuf, data...)
}

// Shutdown tears the connection down. If sendBuf still holds unsent bytes,
// they are given a chance to flush on subsequent writable ticks before the
// socket closes (spec.md §4.3); otherwise it closes immediately. No further
// callbacks fire either way.
func (c *Connection) Shutdown() {
	if c.state == StateShutdown || c.state == StateDisconnected || c.state == StateError {
		return
	}
	prev := c.state
	c.cb = Callbacks{}
	if prev == StateConnecting {
		if c.connecting != nil {
			c.r.UnregisterTimer(c.sweepTimer)
			c.connecting.Close()
			c.connecting = nil
		}
		c.state = StateShutdown
		c.r.UnregisterConnection(c)
		return
	}

	c.state = StateShutdown
	if c.hasQueuedSend() {
		c.shuttingDown = true
		return
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.r.UnregisterConnection(c)
}

// finalizeShutdown closes the socket and unregisters the connection once a
// Shutdown-in-progress drain completes (successfully or via a send error).
func (c *Connection) finalizeShutdown() {
	c.shuttingDown = false
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.r.UnregisterConnection(c)
}

// MarkShutdown implements reactor.Entry: forces terminal state without
// running user callbacks (used by Reactor.Drain).
func (c *Connection) MarkShutdown() {
	c.state = StateShutdown
	if c.connecting != nil {
		c.connecting.Close()
		c.connecting = nil
	}
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

func (c *Connection) RegIndex() int     { return c.regIndex }
func (c *Connection) SetRegIndex(i int) { c.regIndex = i }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// LocalAddr and PeerAddr report the connection's endpoints; both are only
// meaningful once State is StateConnected.
func (c *Connection) LocalAddr() (netip.AddrPort, error) {
	if c.sock == nil {
		return netip.AddrPort{}, errNotConnected
	}
	return c.sock.LocalAddr()
}

func (c *Connection) PeerAddr() (netip.AddrPort, error) {
	if c.sock == nil {
		return netip.AddrPort{}, errNotConnected
	}
	return c.sock.PeerAddr()
}
