// Package resolver implements the reactor's asynchronous hostname
// resolution worker (spec.md §4.6). It owns exactly one background
// goroutine per Worker and two channels acting as single-producer/
// single-consumer queues: requests flow reactor-thread -> worker, and
// completed lookups flow worker -> reactor-thread.
package resolver

import (
	"context"
	"net"
	"net/netip"

	"github.com/addrianyy/async-net/api"
)

// Callback is invoked on the reactor thread once a lookup completes.
type Callback func(status api.Status, addrs []netip.Addr)

type request struct {
	hostname string
	cb       Callback
}

type response struct {
	cb     Callback
	status api.Status
	addrs  []netip.Addr
}

// Worker resolves hostnames on a dedicated goroutine so the reactor thread
// never blocks on DNS.
type Worker struct {
	requests  chan request
	responses chan response
	notify    func()
	done      chan struct{}
}

// New starts the resolver worker. notify is called (from the worker
// goroutine) every time a response becomes available, so the reactor can
// issue a cross-thread wakeup of an in-flight poll.
func New(notify func()) *Worker {
	w := &Worker{
		requests:  make(chan request, 64),
		responses: make(chan response, 64),
		notify:    notify,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for req := range w.requests {
		addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", req.hostname)
		var status api.Status
		if err != nil {
			status = api.Status{Err: api.ErrConnectFailed, Sys: api.SysUnknown}
		}
		w.responses <- response{cb: req.cb, status: status, addrs: addrs}
		if w.notify != nil {
			w.notify()
		}
	}
}

// Resolve enqueues a hostname lookup. Must be called from the reactor
// thread. cb is invoked later, also on the reactor thread, via Poll.
func (w *Worker) Resolve(hostname string, cb Callback) {
	w.requests <- request{hostname: hostname, cb: cb}
}

// Poll drains all completed lookups and invokes their callbacks. Called
// once per reactor tick (spec.md §4.1 step 7).
func (w *Worker) Poll() {
	for {
		select {
		case resp := <-w.responses:
			resp.cb(resp.status, resp.addrs)
		default:
			return
		}
	}
}

// Empty reports whether there is no in-flight request and no buffered
// response, used by the reactor's stop_when_no_work check.
func (w *Worker) Empty() bool {
	return len(w.requests) == 0 && len(w.responses) == 0
}

// Close signals the worker goroutine to exit once it drains any requests
// already queued, and waits for it to do so. Safe to call once.
func (w *Worker) Close() {
	close(w.requests)
	<-w.done
}

// Drain discards any buffered responses without invoking their callbacks,
// used by Reactor.Drain (spec.md §4.1 "drain").
func (w *Worker) Drain() {
	for {
		select {
		case <-w.responses:
		default:
			return
		}
	}
}
