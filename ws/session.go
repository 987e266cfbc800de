package ws

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net/http"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/addrianyy/async-net/api"
	"github.com/addrianyy/async-net/reactor"
	"github.com/addrianyy/async-net/tcp"
)

// Role distinguishes which side of the handshake a Session performs.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Status is a Session's position in its lifecycle, named after the
// teacher's own api.SessionStatus (momentics-hioload-ws/api/types.go):
// Connecting -> Active -> Closing -> Closed.
type Status int

const (
	StatusConnecting Status = iota
	StatusActive
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Session's handshake and masking behavior.
type Options struct {
	// Host and Path are used by DialClient to build the Upgrade request.
	Host string
	Path string

	// AllowMaskOverride opts this side into honoring (server) or
	// requesting (client) the non-standard Custom-DisableWebSocketMasks
	// extension. Off by default (SPEC_FULL.md Open Question decision).
	AllowMaskOverride bool
}

// Callbacks groups every user-supplied notification a Session can raise.
// All run on the reactor thread.
type Callbacks struct {
	OnOpen    func(s *Session)
	OnMessage func(s *Session, opcode Opcode, data []byte)
	OnClose   func(s *Session, code CloseCode, reason string)
	OnError   func(s *Session, err error)
}

// Session is one WebSocket connection, layered over a tcp.Connection.
type Session struct {
	r    *reactor.Reactor
	conn *tcp.Connection
	log  zerolog.Logger

	role   Role
	status Status
	opts   Options
	cb     Callbacks

	clientReq *http.Request
	clientKey string

	maskOverrideGranted bool

	handshakeBuf   []byte
	handshakeTimer reactor.TimerKey

	recvAccum []byte

	fragmenting bool
	fragOpcode  Opcode
	fragBuf     []byte

	pingTimer        reactor.TimerKey
	pongDeadlineKey  reactor.TimerKey
	pongDeadlineSet  bool
	pendingPingCount int

	// queuedPings and queuedPongs hold already-encoded control frames that
	// a full TCP send buffer refused outright (spec.md §4.8, testable
	// scenario #4 "ping under backpressure"): they are flushed, pongs
	// first, once dataSentHook reports the buffer drained.
	queuedPings    [][]byte
	queuedPongs    [][]byte
	dataSentHooked bool

	closeSent     bool
	closeReceived bool
}

// DialClient opens a TCP connection to addrs and performs a client
// WebSocket handshake once connected.
func DialClient(r *reactor.Reactor, log zerolog.Logger, addrs []netip.AddrPort, opts Options, cb Callbacks) *Session {
	s := &Session{r: r, log: log, role: RoleClient, status: StatusConnecting, opts: opts, cb: cb}
	s.conn = tcp.Connect(r, addrs, tcp.Callbacks{
		OnConnected:    s.onTCPConnected,
		OnDataReceived: s.onTCPData,
		OnDisconnected: s.onTCPDisconnected,
		OnError:        s.onTCPError,
	})
	return s
}

// Accept wraps an already-established server-side tcp.Connection (handed in
// from a tcp.Listener's OnAccept callback) and waits for the client's
// Upgrade request.
func Accept(r *reactor.Reactor, log zerolog.Logger, conn *tcp.Connection, opts Options, cb Callbacks) *Session {
	s := &Session{r: r, log: log, role: RoleServer, status: StatusConnecting, conn: conn, opts: opts, cb: cb}
	s.armHandshakeTimeout()
	return s
}

// TCPCallbacks returns the tcp.Callbacks to install on a Connection created
// out-of-band for a server Accept (e.g. from within a Listener's OnAccept
// hook, before the Session exists yet).
func (s *Session) TCPCallbacks() tcp.Callbacks {
	return tcp.Callbacks{
		OnDataReceived: s.onTCPData,
		OnDisconnected: s.onTCPDisconnected,
		OnError:        s.onTCPError,
	}
}

func (s *Session) armHandshakeTimeout() {
	s.handshakeTimer = s.r.RegisterTimer(time.Now().Add(handshakeTimeout), func() {
		s.failHandshake(errors.New("websocket: handshake timed out"))
	})
}

func (s *Session) onTCPConnected(c *tcp.Connection) {
	s.conn = c
	req, key, err := BuildClientRequest(s.opts.Host, s.opts.Path, s.opts.AllowMaskOverride)
	if err != nil {
		s.failHandshake(err)
		return
	}
	s.clientReq = req
	s.clientKey = key
	s.armHandshakeTimeout()

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		s.failHandshake(err)
		return
	}
	c.SendForce(buf.Bytes())
}

func (s *Session) onTCPData(c *tcp.Connection, data []byte) {
	switch s.status {
	case StatusConnecting:
		s.handshakeBuf = append(s.handshakeBuf, data...)
		idx := bytes.Index(s.handshakeBuf, []byte("\r\n\r\n"))
		if idx < 0 {
			if len(s.handshakeBuf) > maxHandshakeHeaderBytes*2 {
				s.failHandshake(errors.New("websocket: handshake headers too large"))
			}
			return
		}
		headerBytes := s.handshakeBuf[:idx+4]
		remainder := append([]byte(nil), s.handshakeBuf[idx+4:]...)
		s.handshakeBuf = nil
		if !s.completeHandshake(headerBytes) {
			return
		}
		if len(remainder) > 0 {
			s.onTCPData(c, remainder)
		}
	case StatusActive, StatusClosing:
		s.recvAccum = append(s.recvAccum, data...)
		s.processFrames()
	}
}

func (s *Session) completeHandshake(headerBytes []byte) bool {
	s.r.UnregisterTimer(s.handshakeTimer)

	if s.role == RoleClient {
		granted, err := ReadServerResponse(bytes.NewReader(headerBytes), s.clientReq, s.clientKey)
		if err != nil {
			s.failHandshake(err)
			return false
		}
		s.maskOverrideGranted = granted && s.opts.AllowMaskOverride
		s.activate()
		return true
	}

	reqInfo, err := ReadClientRequest(bytes.NewReader(headerBytes))
	if err != nil {
		var buf bytes.Buffer
		_ = WriteRejection(&buf, http.StatusUnauthorized, err.Error())
		s.conn.SendForce(buf.Bytes())
		s.failHandshake(err)
		return false
	}
	s.maskOverrideGranted = s.opts.AllowMaskOverride && reqInfo.MaskOverrideRequested

	var buf bytes.Buffer
	if err := WriteSwitchingProtocols(&buf, reqInfo.Key, s.maskOverrideGranted); err != nil {
		s.failHandshake(err)
		return false
	}
	s.conn.SendForce(buf.Bytes())
	s.activate()
	return true
}

func (s *Session) activate() {
	s.status = StatusActive
	if s.cb.OnOpen != nil {
		s.cb.OnOpen(s)
	}
	s.armNextPing()
}

func (s *Session) failHandshake(err error) {
	if s.status != StatusConnecting {
		return
	}
	s.status = StatusClosed
	s.r.UnregisterTimer(s.handshakeTimer)
	if s.cb.OnError != nil {
		s.cb.OnError(s, err)
	}
	s.conn.Shutdown()
}

// requiresMaskedIncoming reports whether the peer is required to mask the
// frames it sends us.
func (s *Session) requiresMaskedIncoming() bool {
	return s.role == RoleServer && !s.maskOverrideGranted
}

// mustMaskOutgoing reports whether we must mask the frames we send.
func (s *Session) mustMaskOutgoing() bool {
	return s.role == RoleClient && !s.maskOverrideGranted
}

func (s *Session) processFrames() {
	for {
		frame, result := Decode(s.recvAccum)
		switch result {
		case DecodeNeedMoreData:
			return
		case DecodeReservedFieldsSet, DecodeInvalidOpcode, DecodePayloadTooLarge:
			s.protocolError(CloseProtocolError, "malformed frame")
			return
		}

		s.recvAccum = s.recvAccum[frame.Consumed():]

		if frame.Opcode.isControl() && !frame.Fin {
			s.protocolError(CloseProtocolError, "fragmented control frame")
			return
		}
		if s.requiresMaskedIncoming() && !frame.Masked {
			s.protocolError(CloseProtocolError, "unmasked frame from client")
			return
		}
		if s.role == RoleClient && frame.Masked {
			s.protocolError(CloseProtocolError, "masked frame from server")
			return
		}

		if !s.handleFrame(frame) {
			return
		}
	}
}

// handleFrame returns false if the session was torn down while handling
// the frame and the caller must stop touching recvAccum.
func (s *Session) handleFrame(frame Frame) bool {
	switch frame.Opcode {
	case OpcodePing:
		s.sendControlPaced(OpcodePong, frame.Payload)
		return true
	case OpcodePong:
		s.pendingPingCount = 0
		if s.pongDeadlineSet {
			s.r.UnregisterTimer(s.pongDeadlineKey)
			s.pongDeadlineSet = false
		}
		return true
	case OpcodeClose:
		s.handleCloseFrame(frame.Payload)
		return false
	case OpcodeText, OpcodeBinary:
		if !frame.Fin {
			s.fragmenting = true
			s.fragOpcode = frame.Opcode
			s.fragBuf = append(s.fragBuf[:0], frame.Payload...)
			return true
		}
		s.deliverMessage(frame.Opcode, frame.Payload)
		return true
	case OpcodeContinuation:
		if !s.fragmenting {
			s.protocolError(CloseProtocolError, "continuation without initial fragment")
			return false
		}
		if len(s.fragBuf)+len(frame.Payload) > maxMessagePayload {
			s.protocolError(CloseMessageTooBig, "reassembled message too large")
			return false
		}
		s.fragBuf = append(s.fragBuf, frame.Payload...)
		if frame.Fin {
			opcode := s.fragOpcode
			payload := s.fragBuf
			s.fragmenting = false
			s.fragBuf = nil
			s.deliverMessage(opcode, payload)
		}
		return true
	default:
		s.protocolError(CloseProtocolError, "unsupported opcode")
		return false
	}
}

func (s *Session) deliverMessage(opcode Opcode, payload []byte) {
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(s, opcode, payload)
	}
}

// handleCloseFrame echoes the close payload back verbatim (unmask then
// remask, identity through the XOR mask per RFC 6455 §5.3) before tearing
// the connection down, matching the C++ original's close handling
// (async_ws/detail/WebSocketClientImpl.cpp, per SPEC_FULL.md Open Question
// decision) rather than substituting a synthesized close payload.
func (s *Session) handleCloseFrame(payload []byte) {
	s.closeReceived = true
	code := CloseNoStatusRcvd
	reason := ""
	if len(payload) >= 2 {
		code = CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
	}
	if !s.closeSent {
		s.sendControl(OpcodeClose, payload)
	}
	s.teardown(code, reason)
}

func (s *Session) protocolError(code CloseCode, reason string) {
	s.Close(code, reason)
	if s.cb.OnError != nil {
		s.cb.OnError(s, errors.New("websocket: "+reason))
	}
}

func (s *Session) sendControl(opcode Opcode, payload []byte) {
	s.sendFrame(opcode, payload, true)
}

// sendControlPaced sends a ping/pong frame subject to the connection's
// ordinary backpressure cap instead of force-sending it. If the send buffer
// is full, the encoded frame is queued instead of dropped and flushed once
// the connection reports it has drained (spec.md §4.8).
func (s *Session) sendControlPaced(opcode Opcode, payload []byte) {
	masked := s.mustMaskOutgoing()
	var key [4]byte
	if masked {
		_, _ = rand.Read(key[:])
	}
	wire := Encode(opcode, payload, masked, key)
	if s.conn.Send(wire) {
		return
	}
	if opcode == OpcodePong {
		s.queuedPongs = append(s.queuedPongs, wire)
	} else {
		s.queuedPings = append(s.queuedPings, wire)
	}
	s.armDataSentHook()
}

// armDataSentHook registers onDataSent with the underlying connection the
// first time a control frame has to be queued, rather than unconditionally
// paying for the hook on every session.
func (s *Session) armDataSentHook() {
	if s.dataSentHooked {
		return
	}
	s.dataSentHooked = true
	s.conn.SetOnDataSent(s.onDataSent)
}

// onDataSent flushes queued control frames once the send buffer has fully
// drained, pongs before pings (spec.md §4.8).
func (s *Session) onDataSent(c *tcp.Connection) {
	for len(s.queuedPongs) > 0 {
		if !s.conn.Send(s.queuedPongs[0]) {
			return
		}
		s.queuedPongs = s.queuedPongs[1:]
	}
	for len(s.queuedPings) > 0 {
		if !s.conn.Send(s.queuedPings[0]) {
			return
		}
		s.queuedPings = s.queuedPings[1:]
	}
}

func (s *Session) sendFrame(opcode Opcode, payload []byte, force bool) bool {
	if s.status != StatusActive && s.status != StatusClosing {
		return false
	}
	masked := s.mustMaskOutgoing()
	var key [4]byte
	if masked {
		_, _ = rand.Read(key[:])
	}
	wire := Encode(opcode, payload, masked, key)
	if force {
		s.conn.SendForce(wire)
		return true
	}
	return s.conn.Send(wire)
}

// SendText queues a text message, subject to the underlying connection's
// backpressure cap. Returns whether it was accepted.
func (s *Session) SendText(data string) bool {
	return s.sendFrame(OpcodeText, []byte(data), false)
}

// SendBinary queues a binary message, subject to backpressure.
func (s *Session) SendBinary(data []byte) bool {
	return s.sendFrame(OpcodeBinary, data, false)
}

// SendTextForce queues a text message unconditionally, bypassing
// backpressure.
func (s *Session) SendTextForce(data string) {
	s.sendFrame(OpcodeText, []byte(data), true)
}

// SendBinaryForce queues a binary message unconditionally.
func (s *Session) SendBinaryForce(data []byte) {
	s.sendFrame(OpcodeBinary, data, true)
}

// Close begins a graceful shutdown: it sends a close frame carrying code
// and reason (if the session has not already sent or received one) and
// moves to StatusClosing. The connection is fully torn down once the peer's
// close frame is received or handshakeTimeout-scale grace elapses.
func (s *Session) Close(code CloseCode, reason string) {
	if s.status == StatusClosed || s.status == StatusClosing {
		return
	}
	s.status = StatusClosing
	if !s.closeSent {
		payload := make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
		s.sendControl(OpcodeClose, payload)
		s.closeSent = true
	}
	if s.closeReceived {
		s.teardown(code, reason)
		return
	}
	s.r.RegisterTimer(time.Now().Add(handshakeTimeout), func() {
		s.teardown(code, reason)
	})
}

func (s *Session) teardown(code CloseCode, reason string) {
	if s.status == StatusClosed {
		return
	}
	s.status = StatusClosed
	s.cancelPingTimers()
	if s.cb.OnClose != nil {
		s.cb.OnClose(s, code, reason)
	}
	s.conn.Shutdown()
}

func (s *Session) onTCPDisconnected(c *tcp.Connection, status api.Status) {
	s.cancelPingTimers()
	if s.status == StatusConnecting {
		s.failHandshake(errors.New("websocket: connection closed during handshake"))
		return
	}
	if s.status != StatusClosed {
		s.status = StatusClosed
		if s.cb.OnClose != nil {
			s.cb.OnClose(s, CloseAbnormalClosure, "")
		}
	}
}

func (s *Session) onTCPError(c *tcp.Connection, status api.Status) {
	s.cancelPingTimers()
	if s.status == StatusConnecting {
		s.failHandshake(errors.New("websocket: transport error during handshake"))
		return
	}
	if s.status != StatusClosed {
		s.status = StatusClosed
		if s.cb.OnError != nil {
			s.cb.OnError(s, errors.New("websocket: transport error"))
		}
	}
}

// armNextPing schedules the next keepalive ping, honoring the "at most one
// outstanding ping" backpressure rule (spec.md §4.9): if a ping is still
// awaiting its pong, the timer simply reschedules without sending another.
func (s *Session) armNextPing() {
	s.pingTimer = s.r.RegisterTimer(time.Now().Add(pingInterval), s.firePing)
}

func (s *Session) firePing() {
	if s.status != StatusActive {
		return
	}
	if s.pendingPingCount < maxPendingPings {
		s.pendingPingCount++
		s.sendControlPaced(OpcodePing, nil)
		s.pongDeadlineSet = true
		s.pongDeadlineKey = s.r.RegisterTimer(time.Now().Add(pongTimeout), func() {
			s.pongDeadlineSet = false
			s.protocolError(CloseAbnormalClosure, "pong timeout")
		})
	}
	s.armNextPing()
}

func (s *Session) cancelPingTimers() {
	s.r.UnregisterTimer(s.pingTimer)
	if s.pongDeadlineSet {
		s.r.UnregisterTimer(s.pongDeadlineKey)
		s.pongDeadlineSet = false
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status { return s.status }
