package tcp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
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

func TestEchoOverLoopback(t *testing.T) {
	r := newTestReactor(t)

	var serverConn *Connection
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{
		OnDataReceived: func(c *Connection, data []byte) { c.SendForce(data) },
	}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })

	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var echoed []byte
	client := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(c *Connection) { c.SendForce([]byte("ping")) },
		OnDataReceived: func(c *Connection, data []byte) {
			echoed = append(echoed, data...)
		},
	})
	_ = serverConn

	runUntil(t, r, 2*time.Second, func() bool { return len(echoed) >= 4 })
	require.Equal(t, "ping", string(echoed))
	require.Equal(t, StateConnected, client.State())
}

func TestConnectSweepFallsThroughToSecondAddress(t *testing.T) {
	r := newTestReactor(t)

	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	goodAddr, err := listener.LocalAddr()
	require.NoError(t, err)

	// A closed/unused loopback port to make the first sweep candidate
	// fail fast with ECONNREFUSED, then the sweep must fall through to
	// the working address.
	badAddr := loopback(1)

	connected := false
	Connect(r, []netip.AddrPort{badAddr, goodAddr}, Callbacks{
		OnConnected: func(c *Connection) { connected = true },
	})

	runUntil(t, r, 2*time.Second, func() bool { return connected })
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := newTestReactor(t)
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var connected bool
	c := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(c *Connection) { connected = true },
	})
	runUntil(t, r, 2*time.Second, func() bool { return connected })

	c.Shutdown()
	c.Shutdown() // must not panic
	require.Equal(t, StateShutdown, c.State())
}

func TestSendRespectsBackpressureCap(t *testing.T) {
	r := newTestReactor(t)
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var connected bool
	c := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(cn *Connection) { connected = true },
	})
	runUntil(t, r, 2*time.Second, func() bool { return connected })

	oversized := make([]byte, sendBufferCapDefault+1)
	require.False(t, c.Send(oversized))
}

func TestSetSendBufferCapOverridesDefault(t *testing.T) {
	r := newTestReactor(t)
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var connected bool
	c := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(cn *Connection) { connected = true },
	})
	runUntil(t, r, 2*time.Second, func() bool { return connected })

	c.SetSendBufferCap(8)
	require.False(t, c.Send(make([]byte, 9)))
	require.True(t, c.Send(make([]byte, 8)))
}

func TestOnDataSentFiresOnceBufferDrains(t *testing.T) {
	r := newTestReactor(t)

	var serverConn *Connection
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{
		OnConnected: func(c *Connection) { serverConn = c },
	}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var dataSentCount int
	var connected bool
	c := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(cn *Connection) {
			connected = true
			cn.SetOnDataSent(func(*Connection) { dataSentCount++ })
		},
	})
	runUntil(t, r, 2*time.Second, func() bool { return connected })

	require.True(t, c.Send([]byte("hello")))
	runUntil(t, r, 2*time.Second, func() bool { return dataSentCount > 0 })
	_ = serverConn
}

func TestShutdownDrainsPendingDataBeforeClosing(t *testing.T) {
	r := newTestReactor(t)

	var serverReceived []byte
	listener := Listen(r, loopback(0), rawsock.BindOptions{}, Callbacks{
		OnDataReceived: func(c *Connection, data []byte) {
			serverReceived = append(serverReceived, data...)
		},
	}, ListenerCallbacks{})
	runUntil(t, r, 2*time.Second, func() bool { return listener.State() == ListenerListening })
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	var connected bool
	c := Connect(r, []netip.AddrPort{addr}, Callbacks{
		OnConnected: func(cn *Connection) { connected = true },
	})
	runUntil(t, r, 2*time.Second, func() bool { return connected })

	require.True(t, c.Send([]byte("queued before shutdown")))
	c.Shutdown()
	// Shutdown must not immediately discard sendBuf: the connection stays
	// pollable until the buffer drains, only then does it finalize.
	require.Equal(t, StateShutdown, c.State())

	runUntil(t, r, 2*time.Second, func() bool {
		return string(serverReceived) == "queued before shutdown"
	})
}
