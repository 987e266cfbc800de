//go:build linux

package rawsock

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/addrianyy/async-net/api"
)

// Poller is a poll(2)-based implementation of api.Poller. Every call to
// Poll rebuilds the kernel-visible pollfd array from the caller-supplied
// entries, matching the reactor's "poll scratch rebuilt every tick" model
// (spec.md §4.1 step 4) instead of incremental epoll_ctl bookkeeping.
//
// Cross-thread cancellation uses the classic self-pipe trick: Cancel writes
// a byte to a non-blocking pipe whose read end is always part of the
// watched set, waking up a blocked poll(2) call from any goroutine.
type Poller struct {
	cancelR int
	cancelW int
	pollfds []unix.PollFd
}

// New constructs a Poller with a ready-to-use cancellation pipe.
func New() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "create cancellation pipe")
	}
	return &Poller{cancelR: fds[0], cancelW: fds[1]}, nil
}

// Poll implements api.Poller.
func (p *Poller) Poll(entries []api.PollEntry, timeoutMs int) (int, api.Status) {
	if cap(p.pollfds) < len(entries)+1 {
		p.pollfds = make([]unix.PollFd, len(entries)+1)
	}
	fds := p.pollfds[:len(entries)+1]

	fds[0] = unix.PollFd{Fd: int32(p.cancelR), Events: unix.POLLIN}

	for i, e := range entries {
		fds[i+1] = unix.PollFd{Fd: int32(socketFD(e.Socket)), Events: queryToPollEvents(e.Query)}
		if fds[i+1].Fd < 0 {
			fds[i+1].Fd = -1
		}
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, api.Status{}
		}
		return 0, api.Status{Err: api.ErrPollFailed, Sys: api.SysUnknown}
	}

	if fds[0].Revents&unix.POLLIN != 0 {
		drainCancelPipe(p.cancelR)
		n--
	}

	signaled := 0
	for i := range entries {
		ready := pollEventsToReady(fds[i+1].Revents)
		entries[i].Ready = ready
		if ready != 0 {
			signaled++
		}
	}
	_ = n
	return signaled, api.Status{}
}

// Cancel aborts an in-flight Poll call. Safe to call from any goroutine.
func (p *Poller) Cancel() error {
	var b [1]byte
	_, err := unix.Write(p.cancelW, b[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "write cancellation pipe")
	}
	return nil
}

// Close releases the cancellation pipe.
func (p *Poller) Close() error {
	_ = unix.Close(p.cancelR)
	_ = unix.Close(p.cancelW)
	return nil
}

func drainCancelPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func socketFD(s api.Socket) int {
	if s == nil {
		return -1
	}
	return s.FD()
}

func queryToPollEvents(q api.Events) int16 {
	var ev int16
	if q.HasAny(api.EventCanReceiveFrom | api.EventCanAccept) {
		ev |= unix.POLLIN
	}
	if q.HasAny(api.EventCanSendTo) {
		ev |= unix.POLLOUT
	}
	return ev
}

func pollEventsToReady(revents int16) api.Events {
	var out api.Events
	if revents&unix.POLLIN != 0 {
		out |= api.EventCanReceiveFrom | api.EventCanAccept
	}
	if revents&unix.POLLOUT != 0 {
		out |= api.EventCanSendTo
	}
	if revents&unix.POLLHUP != 0 {
		out |= api.EventDisconnected
	}
	if revents&unix.POLLNVAL != 0 {
		out |= api.EventInvalidSocket
	}
	if revents&unix.POLLERR != 0 {
		out |= api.EventError
	}
	return out
}
