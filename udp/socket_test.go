package udp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/addrianyy/async-net/internal/rawsock"
	"github.com/addrianyy/async-net/reactor"
	"github.com/rs/zerolog"
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

func TestUDPSendRecvRoundTrip(t *testing.T) {
	r := newTestReactor(t)

	var received []byte
	var fromAddr netip.AddrPort
	srv := Bind(r, loopback(0), rawsock.BindOptions{}, Callbacks{
		OnDataReceived: func(s *Socket, from netip.AddrPort, data []byte) {
			received = append([]byte(nil), data...)
			fromAddr = from
		},
	})
	require.Equal(t, StateBound, srv.State())
	srvAddr, err := srv.LocalAddr()
	require.NoError(t, err)

	cli := Bind(r, loopback(0), rawsock.BindOptions{}, Callbacks{})
	require.True(t, cli.SendTo(srvAddr, []byte("ping")))

	deadline := time.Now().Add(2 * time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		r.Tick(reactor.RunParams{MaxWait: 50 * time.Millisecond})
	}

	require.Equal(t, []byte("ping"), received)
	require.True(t, fromAddr.IsValid())
}

func TestUDPSendQueueRejectsOverCapacity(t *testing.T) {
	r := newTestReactor(t)
	s := Bind(r, loopback(0), rawsock.BindOptions{}, Callbacks{})
	dest := loopback(1) // nobody listening; datagrams just queue/drop

	accepted := 0
	for i := 0; i < maxQueuedDatagrams+1; i++ {
		if s.SendTo(dest, []byte{byte(i)}) {
			accepted++
		}
	}
	require.LessOrEqual(t, accepted, maxQueuedDatagrams)
}

func TestUDPSendQueueRejectsOverByteCap(t *testing.T) {
	r := newTestReactor(t)
	s := Bind(r, loopback(0), rawsock.BindOptions{}, Callbacks{})
	dest := loopback(1)

	// Fill the byte cap with maximum-size datagrams (each single datagram
	// is capped at maxDatagramSize): 128 of them occupy 8388480 bytes,
	// leaving 128 bytes of room under maxQueuedBytes.
	big := make([]byte, maxDatagramSize)
	full := maxQueuedBytes / maxDatagramSize
	for i := 0; i < full; i++ {
		require.True(t, s.SendTo(dest, big))
	}
	room := maxQueuedBytes - full*maxDatagramSize
	require.False(t, s.SendTo(dest, big[:room+1]))
}

func TestUDPSendToRejectsOversizeDatagram(t *testing.T) {
	r := newTestReactor(t)
	s := Bind(r, loopback(0), rawsock.BindOptions{}, Callbacks{})
	dest := loopback(1)

	require.True(t, s.SendTo(dest, make([]byte, maxDatagramSize)))
	require.False(t, s.SendTo(dest, make([]byte, maxDatagramSize+1)))
}
