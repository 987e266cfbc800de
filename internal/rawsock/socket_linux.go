//go:build linux

package rawsock

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/addrianyy/async-net/api"
)

// BindOptions enumerates the socket options applied at bind time, mirroring
// spec.md §4.2/§4.4: listeners always get non-blocking + reuse-address;
// UDP sockets additionally support reuse-port and (post-bind) broadcast.
type BindOptions struct {
	ReuseAddress  bool
	ReusePort     bool
	AllowBroadcast bool
}

func sysErrorFromErrno(err error) api.SystemErrorKind {
	if err == nil {
		return api.SysNone
	}
	switch err {
	case unix.EAGAIN, unix.EWOULDBLOCK, unix.EINPROGRESS:
		return api.SysWouldBlock
	case unix.ECONNREFUSED:
		return api.SysConnectionRefused
	case unix.ECONNRESET, unix.EPIPE:
		return api.SysDisconnected
	case unix.ETIMEDOUT:
		return api.SysTimeout
	default:
		return api.SysUnknown
	}
}

func getSocketError(fd int) api.SystemErrorKind {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno == 0 {
		return api.SysNone
	}
	return sysErrorFromErrno(unix.Errno(errno))
}

func applyCommonOptions(fd int, opts BindOptions) error {
	if opts.ReuseAddress {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return err
		}
	}
	return nil
}

// --- Stream socket (connected TCP) -----------------------------------------

// StreamSocket wraps a connected, non-blocking TCP file descriptor.
type StreamSocket struct {
	fd int
}

func newStreamSocket(fd int) *StreamSocket { return &StreamSocket{fd: fd} }

func (s *StreamSocket) FD() int { return s.fd }

func (s *StreamSocket) LastError() api.SystemErrorKind { return getSocketError(s.fd) }

// Send writes buf, returning the number of bytes actually written.
func (s *StreamSocket) Send(buf []byte) (int, api.Status) {
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return 0, api.Status{Sys: sysErrorFromErrno(err)}
	}
	return n, api.Status{}
}

// Receive reads into buf, returning the number of bytes actually read. A
// zero-length read with no error means the peer performed an orderly
// shutdown.
func (s *StreamSocket) Receive(buf []byte) (int, api.Status) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return 0, api.Status{Sys: sysErrorFromErrno(err)}
	}
	if n == 0 {
		return 0, api.Status{Sys: api.SysDisconnected}
	}
	return n, api.Status{}
}

func (s *StreamSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

func (s *StreamSocket) PeerAddr() (netip.AddrPort, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

func (s *StreamSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}

func setTCPNoDelay(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// --- Listen socket ----------------------------------------------------------

// ListenSocket wraps a non-blocking, listening TCP file descriptor.
type ListenSocket struct {
	fd int
}

// Listen creates, binds, and listens on addr with the given options.
func Listen(addr netip.AddrPort, opts BindOptions) (*ListenSocket, api.Status) {
	opts.ReuseAddress = true
	fd, err := unix.Socket(domainFor(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	if err := applyCommonOptions(fd, opts); err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: api.SysUnknown}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	return &ListenSocket{fd: fd}, api.Status{}
}

func (l *ListenSocket) FD() int { return l.fd }

func (l *ListenSocket) LastError() api.SystemErrorKind { return getSocketError(l.fd) }

func (l *ListenSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

// Accept returns the next pending connection, or WouldBlock if none.
func (l *ListenSocket) Accept() (*StreamSocket, api.Status) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, api.Status{Sys: sysErrorFromErrno(err)}
	}
	setTCPNoDelay(fd)
	return newStreamSocket(fd), api.Status{}
}

func (l *ListenSocket) Close() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return unix.Close(fd)
}

// --- Connecting socket -------------------------------------------------------

// ConnectingSocket wraps a non-blocking TCP file descriptor for which
// connect(2) has been initiated but not yet completed.
type ConnectingSocket struct {
	fd int
}

func (c *ConnectingSocket) FD() int { return c.fd }

func (c *ConnectingSocket) LastError() api.SystemErrorKind { return getSocketError(c.fd) }

// InitiateConnection starts a non-blocking connect to addr. It returns
// either a fully-connected StreamSocket (connect completed synchronously,
// rare but possible for loopback) or a ConnectingSocket to poll for
// writability.
func InitiateConnection(addr netip.AddrPort) (status api.Status, connected *StreamSocket, connecting *ConnectingSocket) {
	fd, err := unix.Socket(domainFor(addr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return api.Status{Err: api.ErrConnectFailed, Sys: sysErrorFromErrno(err)}, nil, nil
	}
	setTCPNoDelay(fd)

	sa, err := toSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return api.Status{Err: api.ErrConnectFailed, Sys: api.SysUnknown}, nil, nil
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return api.Status{}, newStreamSocket(fd), nil
	}
	if err == unix.EINPROGRESS || err == unix.EALREADY || err == unix.EAGAIN {
		return api.Status{}, nil, &ConnectingSocket{fd: fd}
	}

	unix.Close(fd)
	return api.Status{Err: api.ErrConnectFailed, Sys: sysErrorFromErrno(err)}, nil, nil
}

// Connect re-checks completion of a pending non-blocking connect. On
// success it returns the now-connected StreamSocket; on failure the
// ConnectingSocket's file descriptor has already been closed.
func (c *ConnectingSocket) Connect() (api.Status, *StreamSocket) {
	errno := getSocketError(c.fd)
	if errno != api.SysNone {
		fd := c.fd
		c.fd = -1
		unix.Close(fd)
		return api.Status{Err: api.ErrConnectFailed, Sys: errno}, nil
	}
	fd := c.fd
	c.fd = -1
	return api.Status{}, newStreamSocket(fd)
}

func (c *ConnectingSocket) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// --- Datagram socket ---------------------------------------------------------

// DatagramSocket wraps a non-blocking UDP file descriptor.
type DatagramSocket struct {
	fd int
}

// BindDatagram creates and binds a UDP socket. A zero-value addr binds to an
// ephemeral port on the unspecified address.
func BindDatagram(addr netip.AddrPort, opts BindOptions) (*DatagramSocket, api.Status) {
	fd, err := unix.Socket(domainFor(addr), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	if err := applyCommonOptions(fd, opts); err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	sa, err := toSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: api.SysUnknown}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, api.Status{Err: api.ErrListenFailed, Sys: sysErrorFromErrno(err)}
	}
	if opts.AllowBroadcast {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}
	return &DatagramSocket{fd: fd}, api.Status{}
}

func (d *DatagramSocket) FD() int { return d.fd }

func (d *DatagramSocket) LastError() api.SystemErrorKind { return getSocketError(d.fd) }

func (d *DatagramSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(d.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return fromSockaddr(sa)
}

// SendTo sends one datagram to dst.
func (d *DatagramSocket) SendTo(dst netip.AddrPort, buf []byte) (int, api.Status) {
	sa, err := toSockaddr(dst)
	if err != nil {
		return 0, api.Status{Sys: api.SysUnknown}
	}
	if err := unix.Sendto(d.fd, buf, 0, sa); err != nil {
		return 0, api.Status{Sys: sysErrorFromErrno(err)}
	}
	return len(buf), api.Status{}
}

// RecvFrom reads one datagram into buf, returning the sender's address.
func (d *DatagramSocket) RecvFrom(buf []byte) (int, netip.AddrPort, api.Status) {
	n, from, err := unix.Recvfrom(d.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, api.Status{Sys: sysErrorFromErrno(err)}
	}
	addr, aerr := fromSockaddr(from)
	if aerr != nil {
		return n, netip.AddrPort{}, api.Status{}
	}
	return n, addr, api.Status{}
}

func (d *DatagramSocket) Close() error {
	if d.fd < 0 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	return unix.Close(fd)
}
