package ws

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
	"github.com/addrianyy/async-net/tcp"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func runUntil(t *testing.T, r *reactor.Reactor, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not satisfied within %s", timeout)
		}
		r.Tick(reactor.RunParams{MaxWait: 20 * time.Millisecond})
	}
}

// listenWithSessions starts a listener whose every accepted connection is
// wrapped in a server Session using serverCB, returning the listener so the
// caller can wait for ListenerListening and read LocalAddr.
func listenWithSessions(t *testing.T, r *reactor.Reactor, serverCB Callbacks) *tcp.Listener {
	t.Helper()
	l := tcp.Listen(r, loopback(0), rawsock.BindOptions{}, tcp.Callbacks{}, tcp.ListenerCallbacks{
		OnAccept: func(_ *tcp.Listener, conn *tcp.Connection, _ tcp.Callbacks) tcp.Callbacks {
			sess := Accept(r, zerolog.Nop(), conn, Options{}, serverCB)
			return sess.TCPCallbacks()
		},
	})
	runUntil(t, r, 2*time.Second, func() bool { return l.State() == tcp.ListenerListening })
	return l
}

func TestClientServerHandshakeAndEcho(t *testing.T) {
	r := newTestReactor(t)

	var serverGotOpen bool
	l := listenWithSessions(t, r, Callbacks{
		OnOpen: func(s *Session) { serverGotOpen = true },
		OnMessage: func(s *Session, opcode Opcode, data []byte) {
			s.SendTextForce(string(data))
		},
	})
	addr, err := l.LocalAddr()
	require.NoError(t, err)

	var clientOpen bool
	var echoed []byte
	client := DialClient(r, zerolog.Nop(), []netip.AddrPort{addr}, Options{Host: "localhost", Path: "/"}, Callbacks{
		OnOpen: func(s *Session) {
			clientOpen = true
			s.SendTextForce("hello")
		},
		OnMessage: func(s *Session, opcode Opcode, data []byte) {
			echoed = append(echoed, data...)
		},
	})

	runUntil(t, r, 2*time.Second, func() bool { return len(echoed) > 0 })
	require.True(t, clientOpen)
	require.True(t, serverGotOpen)
	require.Equal(t, "hello", string(echoed))
	require.Equal(t, StatusActive, client.Status())
}

func TestFragmentedMessageReassembly(t *testing.T) {
	r := newTestReactor(t)

	var gotOpcode Opcode
	var gotPayload []byte
	l := listenWithSessions(t, r, Callbacks{
		OnMessage: func(s *Session, opcode Opcode, data []byte) {
			gotOpcode = opcode
			gotPayload = append([]byte(nil), data...)
		},
	})
	addr, err := l.LocalAddr()
	require.NoError(t, err)

	// A raw client that performs the handshake, then hand-assembles three
	// wire frames (Text/fin=false, Continuation/fin=false,
	// Continuation/fin=true) to exercise reassembly (spec.md's fragmented
	// message example: "abc"+"def"+"ghi" -> one "abcdefghi" callback).
	req, key, err := BuildClientRequest("localhost", "/", false)
	require.NoError(t, err)
	var reqBuf bytes.Buffer
	require.NoError(t, WriteRequest(&reqBuf, req))

	var handshakeDone bool
	var respBuf []byte
	client := tcp.Connect(r, []netip.AddrPort{addr}, tcp.Callbacks{
		OnConnected: func(c *tcp.Connection) { c.SendForce(reqBuf.Bytes()) },
		OnDataReceived: func(c *tcp.Connection, data []byte) {
			if !handshakeDone {
				respBuf = append(respBuf, data...)
				idx := bytes.Index(respBuf, []byte("\r\n\r\n"))
				if idx < 0 {
					return
				}
				handshakeDone = true

				frame1 := rawFragment(0x1, false, []byte("abc"))
				frame2 := rawFragment(0x0, false, []byte("def"))
				frame3 := rawFragment(0x0, true, []byte("ghi"))
				c.SendForce(append(append(frame1, frame2...), frame3...))
			}
		},
	})
	_ = client
	_ = key

	runUntil(t, r, 2*time.Second, func() bool { return gotPayload != nil })
	require.Equal(t, OpcodeText, gotOpcode)
	require.Equal(t, "abcdefghi", string(gotPayload))
}

func TestCloseHandshakeEchoesPayloadVerbatim(t *testing.T) {
	r := newTestReactor(t)

	var serverClosed bool
	var serverCode CloseCode
	l := listenWithSessions(t, r, Callbacks{
		OnClose: func(s *Session, code CloseCode, reason string) {
			serverClosed = true
			serverCode = code
		},
	})
	addr, err := l.LocalAddr()
	require.NoError(t, err)

	req, _, err := BuildClientRequest("localhost", "/", false)
	require.NoError(t, err)
	var reqBuf bytes.Buffer
	require.NoError(t, WriteRequest(&reqBuf, req))

	var handshakeDone bool
	var respBuf []byte
	var echoedClose []byte
	closePayload := make([]byte, 2+len("bye"))
	binary.BigEndian.PutUint16(closePayload, uint16(CloseNormalClosure))
	copy(closePayload[2:], "bye")

	tcp.Connect(r, []netip.AddrPort{addr}, tcp.Callbacks{
		OnConnected: func(c *tcp.Connection) { c.SendForce(reqBuf.Bytes()) },
		OnDataReceived: func(c *tcp.Connection, data []byte) {
			if !handshakeDone {
				respBuf = append(respBuf, data...)
				idx := bytes.Index(respBuf, []byte("\r\n\r\n"))
				if idx < 0 {
					return
				}
				handshakeDone = true
				remainder := respBuf[idx+4:]

				var key [4]byte
				wire := Encode(OpcodeClose, closePayload, true, key)
				c.SendForce(wire)
				if len(remainder) > 0 {
					echoedClose = append(echoedClose, remainder...)
				}
				return
			}
			echoedClose = append(echoedClose, data...)
		},
	})

	runUntil(t, r, 2*time.Second, func() bool { return serverClosed })
	require.Equal(t, CloseNormalClosure, serverCode)

	runUntil(t, r, 2*time.Second, func() bool { return len(echoedClose) > 0 })
	frame, result := Decode(echoedClose)
	require.Equal(t, DecodeOK, result)
	require.Equal(t, OpcodeClose, frame.Opcode)
	require.Equal(t, closePayload, frame.Payload)
}

// TestPingQueuedUnderBackpressureFlushesOnDrain exercises spec.md §4.8's
// "ping under backpressure" scenario: a ping sent while the send buffer is
// full must be queued rather than dropped or force-sent, and flushed once
// the connection next reports a fully drained send buffer.
func TestPingQueuedUnderBackpressureFlushesOnDrain(t *testing.T) {
	r := newTestReactor(t)

	l := listenWithSessions(t, r, Callbacks{})
	addr, err := l.LocalAddr()
	require.NoError(t, err)

	client := DialClient(r, zerolog.Nop(), []netip.AddrPort{addr}, Options{Host: "localhost", Path: "/"}, Callbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return client.Status() == StatusActive })

	// Starve the send buffer so the next control frame cannot go straight
	// out, forcing firePing onto the queuing path instead of a bare send.
	client.conn.SetSendBufferCap(0)
	client.firePing()
	require.Len(t, client.queuedPings, 1, "ping must be queued, not dropped, when the send buffer is full")
	require.True(t, client.dataSentHooked)

	// Un-gate the buffer and push an unrelated message through so pumpSend
	// drains and fires OnDataSent, flushing the queued ping behind it.
	client.conn.SetSendBufferCap(1 << 20)
	require.True(t, client.SendText("unrelated"))

	runUntil(t, r, 2*time.Second, func() bool { return len(client.queuedPings) == 0 })
	runUntil(t, r, 2*time.Second, func() bool { return client.pendingPingCount == 0 })
}

// rawFragment builds one wire frame with an explicit Fin bit: it encodes
// the frame with Encode (which always sets FIN=1, per spec.md's outbound
// no-fragmentation rule) and then sets or clears FIN, since this test needs
// to drive the decoder's fragment-reassembly path from the wire.
func rawFragment(opcode byte, fin bool, payload []byte) []byte {
	var key [4]byte
	wire := Encode(Opcode(opcode), payload, true, key)
	if fin {
		wire[0] |= finBit
	} else {
		wire[0] &^= finBit
	}
	return wire
}
