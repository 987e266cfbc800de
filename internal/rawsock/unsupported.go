//go:build !linux

package rawsock

import (
	"net/netip"

	"github.com/addrianyy/async-net/api"
)

// This module's poller and socket primitives are implemented against Linux
// epoll/poll(2) semantics (spec.md §6). Other platforms are out of scope
// for this core; these stubs only exist so the rest of the module still
// type-checks when cross-compiling.

type Poller struct{}

func New() (*Poller, error) { return nil, errNotSupported }

func (p *Poller) Poll(entries []api.PollEntry, timeoutMs int) (int, api.Status) {
	return 0, api.Status{Err: api.ErrPollFailed, Sys: api.SysUnknown}
}
func (p *Poller) Cancel() error { return errNotSupported }
func (p *Poller) Close() error  { return nil }

type BindOptions struct {
	ReuseAddress   bool
	ReusePort      bool
	AllowBroadcast bool
}

type StreamSocket struct{}

func (s *StreamSocket) FD() int                         { return -1 }
func (s *StreamSocket) LastError() api.SystemErrorKind   { return api.SysUnknown }
func (s *StreamSocket) Send([]byte) (int, api.Status)    { return 0, api.Status{Sys: api.SysUnknown} }
func (s *StreamSocket) Receive([]byte) (int, api.Status) { return 0, api.Status{Sys: api.SysUnknown} }
func (s *StreamSocket) LocalAddr() (netip.AddrPort, error) { return netip.AddrPort{}, errNotSupported }
func (s *StreamSocket) PeerAddr() (netip.AddrPort, error)  { return netip.AddrPort{}, errNotSupported }
func (s *StreamSocket) Close() error                       { return nil }

type ListenSocket struct{}

func Listen(netip.AddrPort, BindOptions) (*ListenSocket, api.Status) {
	return nil, api.Status{Err: api.ErrListenFailed, Sys: api.SysUnknown}
}
func (l *ListenSocket) FD() int                       { return -1 }
func (l *ListenSocket) LastError() api.SystemErrorKind { return api.SysUnknown }
func (l *ListenSocket) LocalAddr() (netip.AddrPort, error) { return netip.AddrPort{}, errNotSupported }
func (l *ListenSocket) Accept() (*StreamSocket, api.Status) {
	return nil, api.Status{Sys: api.SysUnknown}
}
func (l *ListenSocket) Close() error { return nil }

type ConnectingSocket struct{}

func InitiateConnection(netip.AddrPort) (api.Status, *StreamSocket, *ConnectingSocket) {
	return api.Status{Err: api.ErrConnectFailed, Sys: api.SysUnknown}, nil, nil
}
func (c *ConnectingSocket) FD() int                       { return -1 }
func (c *ConnectingSocket) LastError() api.SystemErrorKind { return api.SysUnknown }
func (c *ConnectingSocket) Connect() (api.Status, *StreamSocket) {
	return api.Status{Err: api.ErrConnectFailed, Sys: api.SysUnknown}, nil
}
func (c *ConnectingSocket) Close() error { return nil }

type DatagramSocket struct{}

func BindDatagram(netip.AddrPort, BindOptions) (*DatagramSocket, api.Status) {
	return nil, api.Status{Err: api.ErrListenFailed, Sys: api.SysUnknown}
}
func (d *DatagramSocket) FD() int                       { return -1 }
func (d *DatagramSocket) LastError() api.SystemErrorKind { return api.SysUnknown }
func (d *DatagramSocket) LocalAddr() (netip.AddrPort, error) { return netip.AddrPort{}, errNotSupported }
func (d *DatagramSocket) SendTo(netip.AddrPort, []byte) (int, api.Status) {
	return 0, api.Status{Sys: api.SysUnknown}
}
func (d *DatagramSocket) RecvFrom([]byte) (int, netip.AddrPort, api.Status) {
	return 0, netip.AddrPort{}, api.Status{Sys: api.SysUnknown}
}
func (d *DatagramSocket) Close() error { return nil }

var errNotSupported = errUnsupported{}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "rawsock: platform not supported" }
