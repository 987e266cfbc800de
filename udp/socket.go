// Package udp implements the UDP socket state machine from spec.md §4.4:
// a single bound socket that queues outbound datagrams and reports inbound
// ones, built on internal/rawsock and driven by a reactor.Reactor.
package udp

import (
	"net/netip"

	"github.com/addrianyy/async-net/api"
	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
)

// State is a Socket's position in its lifecycle: Binding -> Bound ->
// (Error | Shutdown).
type State int

const (
	StateBinding State = iota
	StateBound
	StateError
	StateShutdown
)

const (
	// maxQueuedDatagrams bounds the send queue's length: once this many
	// datagrams are pending, SendTo refuses further ones until the
	// socket drains some.
	maxQueuedDatagrams = 32768
	// maxQueuedBytes bounds the concatenated size of all queued datagram
	// payloads (spec.md §6's 8 MiB default send buffer cap).
	maxQueuedBytes = 8 * 1024 * 1024
	// maxDatagramSize is the largest single payload SendTo accepts
	// (spec.md §4.4: "outbound datagrams larger than 65535 bytes are
	// rejected before enqueue").
	maxDatagramSize = 65535
	// recvBufSize is the scratch buffer size for a single RecvFrom;
	// UDP datagrams never exceed the IPv4/IPv6 theoretical max, well
	// under this.
	recvBufSize = 65536
)

// sendEntry records one queued datagram's destination and length within
// the concatenated send buffer, so a single growing byte slice can back
// the whole queue instead of one allocation per datagram.
type sendEntry struct {
	dest netip.AddrPort
	size int
}

// Callbacks groups every user-supplied notification a Socket can raise. All
// run on the reactor thread.
type Callbacks struct {
	OnBound          func(s *Socket, addr netip.AddrPort)
	OnError          func(s *Socket, status api.Status)
	OnDataReceived   func(s *Socket, from netip.AddrPort, data []byte)
	OnSendError      func(s *Socket, to netip.AddrPort, status api.Status)
}

// Socket is a single bound UDP socket.
type Socket struct {
	r        *reactor.Reactor
	regIndex int
	state    State
	cb       Callbacks

	sock *rawsock.DatagramSocket

	sendBuf     []byte
	sendOffset  int
	sendQueue   []sendEntry
	queuedBytes int

	recvBuf [recvBufSize]byte
}

// Bind creates and binds a UDP socket. A zero-value addr binds to an
// ephemeral port on the unspecified address.
func Bind(r *reactor.Reactor, addr netip.AddrPort, opts rawsock.BindOptions, cb Callbacks) *Socket {
	s := &Socket{r: r, regIndex: -1, state: StateBinding, cb: cb}
	sock, status := rawsock.BindDatagram(addr, opts)
	if !status.OK() {
		s.state = StateError
		if cb.OnError != nil {
			cb.OnError(s, status)
		}
		return s
	}
	s.sock = sock
	s.state = StateBound
	r.RegisterUDPSocket(s)
	if cb.OnBound != nil {
		local, _ := sock.LocalAddr()
		cb.OnBound(s, local)
	}
	return s
}

// PollSocket implements reactor.Entry.
func (s *Socket) PollSocket() (api.Socket, api.Events) {
	if s.state != StateBound || s.sock == nil {
		return nil, 0
	}
	events := api.EventCanReceiveFrom
	if s.hasQueuedSend() {
		events |= api.EventCanSendTo
	}
	return s.sock, events
}

// Dispatch implements reactor.Entry.
func (s *Socket) Dispatch(ready api.Events) {
	if s.state != StateBound {
		return
	}
	if ready.HasAny(api.EventError | api.EventInvalidSocket) {
		s.fail(api.Status{Err: api.ErrListenFailed, Sys: s.sock.LastError()})
		return
	}
	if ready.Has(api.EventCanReceiveFrom) {
		s.pumpReceive()
	}
	if ready.Has(api.EventCanSendTo) {
		s.pumpSend()
	}
}

func (s *Socket) pumpReceive() {
	for {
		n, from, status := s.sock.RecvFrom(s.recvBuf[:])
		if status.WouldBlock() {
			return
		}
		if !status.OK() {
			return
		}
		if s.cb.OnDataReceived != nil {
			s.cb.OnDataReceived(s, from, s.recvBuf[:n])
		}
	}
}

func (s *Socket) hasQueuedSend() bool {
	return len(s.sendQueue) > 0
}

func (s *Socket) pumpSend() {
	for len(s.sendQueue) > 0 {
		entry := s.sendQueue[0]
		payload := s.sendBuf[s.sendOffset : s.sendOffset+entry.size]

		_, status := s.sock.SendTo(entry.dest, payload)
		if status.WouldBlock() {
			return
		}

		s.sendOffset += entry.size
		s.queuedBytes -= entry.size
		s.sendQueue = s.sendQueue[1:]

		if !status.OK() {
			if s.cb.OnSendError != nil {
				s.cb.OnSendError(s, entry.dest, status)
			}
		}
	}
	s.sendBuf = s.sendBuf[:0]
	s.sendOffset = 0
}

// SendTo queues a datagram for delivery to dest. It refuses (and returns
// false) if data exceeds the single-datagram size limit, or if the queue
// already holds maxQueuedDatagrams entries or maxQueuedBytes bytes, so a
// destination that never drains cannot grow the queue without bound
// (spec.md §4.4's send-queue caps).
func (s *Socket) SendTo(dest netip.AddrPort, data []byte) bool {
	if s.state != StateBound {
		return false
	}
	if len(data) > maxDatagramSize {
		return false
	}
	if len(s.sendQueue) >= maxQueuedDatagrams {
		return false
	}
	if s.queuedBytes+len(data) > maxQueuedBytes {
		return false
	}
	if s.sendOffset > 0 && s.sendOffset == len(s.sendBuf) {
		s.sendBuf = s.sendBuf[:0]
		s.sendOffset = 0
	}
	s.sendBuf = append(s.sendBuf, data...)
	s.sendQueue = append(s.sendQueue, sendEntry{dest: dest, size: len(data)})
	s.queuedBytes += len(data)
	return true
}

func (s *Socket) fail(status api.Status) {
	s.state = StateError
	if s.cb.OnError != nil {
		s.cb.OnError(s, status)
	}
	s.r.UnregisterUDPSocket(s)
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
}

// Shutdown releases the socket. No further callbacks fire.
func (s *Socket) Shutdown() {
	if s.state == StateShutdown {
		return
	}
	s.state = StateShutdown
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
	s.r.UnregisterUDPSocket(s)
}

// MarkShutdown implements reactor.Entry.
func (s *Socket) MarkShutdown() {
	s.state = StateShutdown
	if s.sock != nil {
		s.sock.Close()
		s.sock = nil
	}
}

func (s *Socket) RegIndex() int     { return s.regIndex }
func (s *Socket) SetRegIndex(i int) { s.regIndex = i }

// State returns the socket's current lifecycle state.
func (s *Socket) State() State { return s.state }

// LocalAddr reports the bound address; only meaningful once State is
// StateBound.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if s.sock == nil {
		return netip.AddrPort{}, errNotBound
	}
	return s.sock.LocalAddr()
}
